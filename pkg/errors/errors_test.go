// SPDX-License-Identifier: Apache-2.0

package errors

import (
	stderrors "errors"
	"testing"
)

func TestNewNilErr(t *testing.T) {
	if err := New("accept", "sess-1", "10.0.0.1:5684", nil); err != nil {
		t.Fatalf("New with nil err = %v, want nil", err)
	}
}

func TestSessionErrorUnwrap(t *testing.T) {
	err := New("store.add", "sess-1", "10.0.0.1:5684", ErrEndpointInUse)
	if !stderrors.Is(err, ErrEndpointInUse) {
		t.Fatalf("errors.Is(err, ErrEndpointInUse) = false, want true")
	}

	var se *SessionError
	if !stderrors.As(err, &se) {
		t.Fatalf("errors.As(err, *SessionError) = false, want true")
	}
	if se.Op != "store.add" || se.SessionID != "sess-1" || se.RemoteAddr != "10.0.0.1:5684" {
		t.Fatalf("unexpected SessionError fields: %+v", se)
	}
}

func TestSessionErrorMessageWithoutSessionID(t *testing.T) {
	err := New("store.try_find", "", "10.0.0.1:5684", ErrUnknownCID)
	want := "store.try_find 10.0.0.1:5684: unknown connection id"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, "whatever"); err != nil {
		t.Fatalf("Wrap with nil err = %v, want nil", err)
	}
}

func TestWrap(t *testing.T) {
	err := Wrap(ErrHandshakeTimeout, "accept")
	if !stderrors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("errors.Is(err, ErrHandshakeTimeout) = false, want true")
	}
}
