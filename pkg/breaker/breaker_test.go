// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/patagonaa/CoAP.Net/pkg/handler"
)

func TestCircuitOpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 2, ResetTimeout: time.Hour})

	failing := errors.New("handler failed")
	_ = cb.Call(func() error { return failing })
	_ = cb.Call(func() error { return failing })

	if got := cb.State(); got != StateOpen {
		t.Fatalf("State() = %v, want Open", got)
	}

	if err := cb.Call(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Call() error = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitHalfOpenRecoversToClosed(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, SuccessThreshold: 1})

	_ = cb.Call(func() error { return errors.New("fail") })
	if got := cb.State(); got != StateOpen {
		t.Fatalf("State() = %v, want Open", got)
	}

	time.Sleep(20 * time.Millisecond)

	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("Call() in HalfOpen = %v, want nil", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("State() = %v, want Closed after successful half-open call", got)
	}
}

func TestCircuitHalfOpenFailureReopens(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})

	_ = cb.Call(func() error { return errors.New("fail") })
	time.Sleep(20 * time.Millisecond)

	_ = cb.Call(func() error { return errors.New("fail again") })
	if got := cb.State(); got != StateOpen {
		t.Fatalf("State() = %v, want Open after half-open failure", got)
	}
}

func TestStateChangeCallback(t *testing.T) {
	cb := New(Config{MaxFailures: 1})

	changed := make(chan [2]State, 1)
	cb.OnStateChange(func(from, to State) {
		changed <- [2]State{from, to}
	})

	_ = cb.Call(func() error { return errors.New("fail") })

	select {
	case transition := <-changed:
		if transition[0] != StateClosed || transition[1] != StateOpen {
			t.Fatalf("transition = %v, want Closed->Open", transition)
		}
	case <-time.After(time.Second):
		t.Fatal("OnStateChange callback was not invoked")
	}
}

func TestStatsReflectsFailuresAndState(t *testing.T) {
	cb := New(Config{MaxFailures: 3})

	_ = cb.Call(func() error { return errors.New("fail") })
	_ = cb.Call(func() error { return errors.New("fail") })

	stats := cb.Stats()
	if stats.State != StateClosed {
		t.Fatalf("Stats().State = %v, want Closed", stats.State)
	}
	if stats.Failures != 2 {
		t.Fatalf("Stats().Failures = %d, want 2", stats.Failures)
	}

	_ = cb.Call(func() error { return errors.New("fail") })
	if stats := cb.Stats(); stats.State != StateOpen {
		t.Fatalf("Stats().State = %v, want Open after MaxFailures reached", stats.State)
	}
}

// wrappedHandler mimics pkg/server/dtls.Server.runSession's usage: every
// handler.RequestHandler.ProcessRequest call goes through the breaker, so a
// handler that keeps failing degrades to ErrCircuitOpen.
type wrappedHandler struct {
	cb    *CircuitBreaker
	inner handler.RequestHandler
}

func (w *wrappedHandler) ProcessRequest(ctx context.Context, info *handler.ConnectionInfo, payload []byte) ([]byte, error) {
	var resp []byte
	err := w.cb.Call(func() error {
		var innerErr error
		resp, innerErr = w.inner.ProcessRequest(ctx, info, payload)
		return innerErr
	})
	return resp, err
}

type failingHandler struct{ err error }

func (h failingHandler) ProcessRequest(context.Context, *handler.ConnectionInfo, []byte) ([]byte, error) {
	return nil, h.err
}

func TestWrappedRequestHandlerOpensOnRepeatedFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 2, ResetTimeout: time.Hour})
	failing := failingHandler{err: errors.New("handler panic recovered")}
	wrapped := &wrappedHandler{cb: cb, inner: failing}

	info := &handler.ConnectionInfo{SessionID: "sess-1"}

	if _, err := wrapped.ProcessRequest(context.Background(), info, []byte("ping")); err == nil {
		t.Fatal("ProcessRequest() error = nil, want handler error")
	}
	if _, err := wrapped.ProcessRequest(context.Background(), info, []byte("ping")); err == nil {
		t.Fatal("ProcessRequest() error = nil, want handler error")
	}

	if _, err := wrapped.ProcessRequest(context.Background(), info, []byte("ping")); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("ProcessRequest() error = %v, want ErrCircuitOpen once the breaker trips", err)
	}
}
