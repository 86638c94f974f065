// SPDX-License-Identifier: Apache-2.0

package dtls

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/patagonaa/CoAP.Net/pkg/breaker"
)

// ReceivedType classifies an inbound datagram the way the inbound task's
// try_find dispatch does, per spec.md §6.
type ReceivedType int

const (
	ReceivedByEndpoint ReceivedType = iota
	ReceivedByConnectionID
	ReceivedNewSession
	ReceivedUnknownCID
	ReceivedInvalid
)

func (t ReceivedType) String() string {
	switch t {
	case ReceivedByEndpoint:
		return "ByEndpoint"
	case ReceivedByConnectionID:
		return "ByConnectionId"
	case ReceivedNewSession:
		return "NewSession"
	case ReceivedUnknownCID:
		return "UnknownCid"
	default:
		return "Invalid"
	}
}

// HandshakeResult classifies the outcome of a per-session handshake task.
type HandshakeResult int

const (
	HandshakeSuccess HandshakeResult = iota
	HandshakeTLSError
	HandshakeTimedOut
	HandshakeError
)

func (r HandshakeResult) String() string {
	switch r {
	case HandshakeSuccess:
		return "Success"
	case HandshakeTLSError:
		return "TlsError"
	case HandshakeTimedOut:
		return "TimedOut"
	default:
		return "Error"
	}
}

// counters holds the atomic statistics counters spec.md §6 enumerates.
type counters struct {
	receivedByEndpoint   atomic.Int64
	receivedByCID        atomic.Int64
	receivedNewSession   atomic.Int64
	receivedUnknownCID   atomic.Int64
	receivedInvalid      atomic.Int64
	handshakeSuccess     atomic.Int64
	handshakeTLSError    atomic.Int64
	handshakeTimedOut    atomic.Int64
	handshakeError       atomic.Int64
	packetsSent          atomic.Int64
	packetsSendErrors    atomic.Int64
}

func (c *counters) recordReceived(t ReceivedType) {
	switch t {
	case ReceivedByEndpoint:
		c.receivedByEndpoint.Add(1)
	case ReceivedByConnectionID:
		c.receivedByCID.Add(1)
	case ReceivedNewSession:
		c.receivedNewSession.Add(1)
	case ReceivedUnknownCID:
		c.receivedUnknownCID.Add(1)
	default:
		c.receivedInvalid.Add(1)
	}
}

func (c *counters) recordHandshake(r HandshakeResult) {
	switch r {
	case HandshakeSuccess:
		c.handshakeSuccess.Add(1)
	case HandshakeTLSError:
		c.handshakeTLSError.Add(1)
	case HandshakeTimedOut:
		c.handshakeTimedOut.Add(1)
	default:
		c.handshakeError.Add(1)
	}
}

// SessionSnapshot is one row of the Statistics session list.
type SessionSnapshot struct {
	ID               string
	Endpoint         net.Addr
	ConnectionInfo   map[string]any
	SessionStartTime time.Time
	LastReceivedTime time.Time
	HasConnectionID  bool
}

// Statistics is the read-only snapshot spec.md §6 describes.
type Statistics struct {
	Sessions []SessionSnapshot

	ReceivedByEndpoint   int64
	ReceivedByConnectionID int64
	ReceivedNewSession   int64
	ReceivedUnknownCID   int64
	ReceivedInvalid      int64

	HandshakeSuccess  int64
	HandshakeTLSError int64
	HandshakeTimedOut int64
	HandshakeError    int64

	PacketsSent       int64
	PacketsSendErrors int64

	// CircuitBreakerState is the current state of the breaker wrapping
	// handler.RequestHandler.ProcessRequest calls.
	CircuitBreakerState breaker.State

	// RateLimitedEndpoints is the number of source endpoints the handshake
	// rate limiter currently tracks a token bucket for.
	RateLimitedEndpoints int
}
