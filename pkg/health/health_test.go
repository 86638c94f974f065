// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthAllChecksPassing(t *testing.T) {
	c := NewChecker(0)
	c.Register("session_store", func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"active": 3}, nil
	})

	status, checks := c.Health(context.Background())
	if status != StatusHealthy {
		t.Fatalf("Health() status = %v, want Healthy", status)
	}
	if len(checks) != 1 {
		t.Fatalf("len(checks) = %d, want 1", len(checks))
	}
	if checks[0].Details["active"] != 3 {
		t.Fatalf("checks[0].Details[active] = %v, want 3", checks[0].Details["active"])
	}
}

func TestHealthDegradedOnFailingCheck(t *testing.T) {
	c := NewChecker(0)
	c.Register("handshake_budget", func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"accepting": 1000, "budget": 1000}, errors.New("too many concurrent handshakes")
	})

	status, checks := c.Health(context.Background())
	if status != StatusDegraded {
		t.Fatalf("Health() status = %v, want Degraded", status)
	}
	if checks[0].Status != StatusUnhealthy {
		t.Fatalf("checks[0].Status = %v, want Unhealthy", checks[0].Status)
	}
	if checks[0].Details["budget"] != 1000 {
		t.Fatalf("checks[0].Details[budget] = %v, want 1000, details should survive a failing check", checks[0].Details["budget"])
	}
}

func TestHTTPHandlerStillAcceptsTrafficWhenDegraded(t *testing.T) {
	c := NewChecker(0)
	c.Register("goroutines", func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"count": 60000}, errors.New("goroutine budget exceeded")
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c.HTTPHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != string(StatusDegraded) {
		t.Fatalf("body[status] = %v, want %v", body["status"], StatusDegraded)
	}
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadinessHandlerUnavailableOnDegraded(t *testing.T) {
	c := NewChecker(0)
	c.Register("rate_limiter", func(ctx context.Context) (map[string]any, error) {
		return nil, errors.New("degraded")
	})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestReadinessHandlerOKWhenCircuitBreakerClosed(t *testing.T) {
	c := NewChecker(0)
	c.Register("circuit_breaker", func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"state": "closed"}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
