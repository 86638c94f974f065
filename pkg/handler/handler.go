// SPDX-License-Identifier: Apache-2.0

// Package handler defines the application interface a Server dispatches
// decrypted CoAP payloads to.
package handler

import (
	"context"
	"net"
)

// ConnectionInfo carries everything a RequestHandler needs to know about
// the association a request arrived on: the local and remote endpoints,
// the session's debug-correlation ID, and whatever the DTLS provider
// published at handshake completion (e.g. the negotiated PSK identity).
type ConnectionInfo struct {
	SessionID      string
	LocalAddr      net.Addr
	RemoteAddr     net.Addr
	HasCID         bool
	ConnectionInfo map[string]any
}

// Identity returns the "identity" key of ConnectionInfo, the negotiated PSK
// identity, if one was published.
func (c *ConnectionInfo) Identity() (string, bool) {
	if c == nil || c.ConnectionInfo == nil {
		return "", false
	}
	v, ok := c.ConnectionInfo["identity"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// RequestHandler processes one decrypted CoAP request and returns the
// response payload to encrypt and send back, or an error if none should be
// sent.
type RequestHandler interface {
	ProcessRequest(ctx context.Context, info *ConnectionInfo, payload []byte) ([]byte, error)
}

// NoopHandler answers every request with an empty payload. Useful in tests
// and as a starting point for a real handler.
type NoopHandler struct{}

var _ RequestHandler = (*NoopHandler)(nil)

// ProcessRequest implements RequestHandler.
func (NoopHandler) ProcessRequest(context.Context, *ConnectionInfo, []byte) ([]byte, error) {
	return nil, nil
}
