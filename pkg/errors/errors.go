// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the DTLS session
// manager and its collaborators.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors used across the session store, session, and queue
// transport packages. Callers should compare with errors.Is.
var (
	// ErrUnknownCID indicates a CID-bearing record did not match any
	// established session and the endpoint has no handshaking session either.
	ErrUnknownCID = errors.New("unknown connection id")

	// ErrInvalidRecord indicates a datagram could not be classified as
	// belonging to any session and is not a candidate ClientHello.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrEndpointInUse indicates Store.Add was called for an endpoint that
	// already has a handshaking or established-without-CID session.
	ErrEndpointInUse = errors.New("endpoint already in use")

	// ErrDuplicateCID indicates Store.NotifyAccepted was called with a CID
	// that already identifies a different established session.
	ErrDuplicateCID = errors.New("duplicate connection id")

	// ErrDuplicateEndpoint indicates Store.NotifyAccepted was called for a
	// session without a CID whose endpoint already has an established peer.
	ErrDuplicateEndpoint = errors.New("duplicate endpoint")

	// ErrCIDLengthMismatch indicates a session negotiated a CID whose length
	// does not match the length pinned by the first session ever accepted.
	ErrCIDLengthMismatch = errors.New("connection ids must have constant length")

	// ErrNotEstablished indicates Send or Receive was called on a session
	// before its DTLS handshake completed.
	ErrNotEstablished = errors.New("session not established")

	// ErrSessionClosed indicates an operation was attempted on a session or
	// queue transport that has already been closed.
	ErrSessionClosed = errors.New("session closed")

	// ErrHandshakeTimeout indicates a handshake did not complete before its
	// deadline.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrTooManyHandshakes indicates max_simultaneous_handshakes was reached.
	ErrTooManyHandshakes = errors.New("too many concurrent handshakes")
)

// SessionError wraps an error with the session-level context needed to
// correlate a log line with a specific association: which operation failed,
// against which remote endpoint, for which session (if one exists yet).
type SessionError struct {
	Op         string // Operation that failed, e.g. "accept", "store.add"
	SessionID  string // Debug-correlation ID, empty if no session exists yet
	RemoteAddr string // Remote endpoint involved
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// New creates a new SessionError. Returns nil if err is nil, so it can be
// used directly in a return statement without an extra nil check.
func New(op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap adds a message to an error's chain without the session context New
// attaches. Used where only the operation name matters.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
