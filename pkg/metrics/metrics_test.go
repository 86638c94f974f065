// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestObserveHandshakeSuccess(t *testing.T) {
	m := New("test_handshake_success")

	err := m.ObserveHandshake(func() error { return nil })
	if err != nil {
		t.Fatalf("ObserveHandshake() error = %v, want nil", err)
	}

	got := counterValue(t, m.HandshakesByResult.WithLabelValues("success"))
	if got != 1 {
		t.Errorf("success counter = %v, want 1", got)
	}
}

func TestObserveHandshakeFailure(t *testing.T) {
	m := New("test_handshake_failure")
	want := errors.New("handshake timeout")

	err := m.ObserveHandshake(func() error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("ObserveHandshake() error = %v, want %v", err, want)
	}

	got := counterValue(t, m.HandshakesByResult.WithLabelValues("failure"))
	if got != 1 {
		t.Errorf("failure counter = %v, want 1", got)
	}
}

func TestObserveRequest(t *testing.T) {
	m := New("test_request")

	_ = m.ObserveRequest(func() (string, error) { return "ok", nil })

	got := counterValue(t, m.RequestsTotal.WithLabelValues("ok"))
	if got != 1 {
		t.Errorf("requests_total{status=ok} = %v, want 1", got)
	}
}
