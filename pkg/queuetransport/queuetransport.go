// SPDX-License-Identifier: Apache-2.0

// Package queuetransport bridges the asynchronous UDP demux loop with the
// blocking net.Conn contract a DTLS library expects from its transport.
// One Transport exists per session.
package queuetransport

import (
	"net"
	"sync"
	"time"

	"github.com/patagonaa/CoAP.Net/pkg/recordparser"
)

// Datagram is one inbound datagram queued for a session, carrying the
// wire-level metadata (visible before decryption) a Session needs to
// evaluate the endpoint migration rule once the corresponding payload comes
// back decrypted.
type Datagram struct {
	Payload      []byte
	Source       net.Addr
	Seq          recordparser.SequenceInfo
	HasSeq       bool
	CIDProtected bool
}

// EndpointCandidateFunc is invoked whenever EnqueueReceived observes a
// datagram from a source endpoint different from the transport's current
// endpoint.
type EndpointCandidateFunc func(candidate net.Addr)

// SendFunc enqueues payload for target onto the shared outbound send queue
// owned by the Server.
type SendFunc func(payload []byte, target net.Addr) error

type timeoutError struct{}

func (timeoutError) Error() string   { return "queuetransport: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// Transport is the per-session in-memory queue. It implements net.Conn so
// it can be handed directly to a DTLS library's server constructor; there is
// no bespoke receive/send/get_receive_limit interface to satisfy, since
// net.Conn already separates "no data yet" (blocking Read) from "timed out"
// (Read returns a timeout error) without the zero-length ambiguity a
// receive(buf, wait_ms)->int contract has to guard against with a sentinel.
type Transport struct {
	mtu int

	localAddr net.Addr

	mu           sync.Mutex
	endpoint     net.Addr
	queue        []Datagram
	pendingMeta  []Datagram
	closed       bool
	readDeadline time.Time

	notify  chan struct{}
	closeCh chan struct{}

	send        SendFunc
	onCandidate EndpointCandidateFunc
}

// New creates a Transport for a session first seen at initialEndpoint.
func New(localAddr, initialEndpoint net.Addr, mtu int, send SendFunc, onCandidate EndpointCandidateFunc) *Transport {
	return &Transport{
		mtu:         mtu,
		localAddr:   localAddr,
		endpoint:    initialEndpoint,
		notify:      make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
		send:        send,
		onCandidate: onCandidate,
	}
}

// EnqueueReceived appends a datagram observed at source to the internal
// FIFO and notifies a blocked Read. If source differs from the transport's
// current endpoint, the endpoint-candidate callback fires so the owning
// Session can track pending_endpoint.
func (t *Transport) EnqueueReceived(payload []byte, source net.Addr, seq recordparser.SequenceInfo, hasSeq, cidProtected bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	current := t.endpoint
	cp := make([]byte, len(payload))
	copy(cp, payload)
	t.queue = append(t.queue, Datagram{Payload: cp, Source: source, Seq: seq, HasSeq: hasSeq, CIDProtected: cidProtected})
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}

	if t.onCandidate != nil && current != nil && source != nil && current.String() != source.String() {
		t.onCandidate(source)
	}
}

// PopPendingMeta returns, in FIFO order, the metadata for the oldest
// dequeued-but-unconfirmed datagram. The caller pops one entry per
// decrypted record it successfully reads back from the DTLS library, which
// is how the metadata captured before decryption gets reattached to the
// record it belongs to.
func (t *Transport) PopPendingMeta() (Datagram, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pendingMeta) == 0 {
		return Datagram{}, false
	}
	d := t.pendingMeta[0]
	t.pendingMeta = t.pendingMeta[1:]
	return d, true
}

// Read implements net.Conn. It blocks until a datagram is queued, the
// transport is closed, or the read deadline (set via SetReadDeadline)
// elapses.
func (t *Transport) Read(b []byte) (int, error) {
	for {
		t.mu.Lock()
		if len(t.queue) > 0 {
			d := t.queue[0]
			t.queue = t.queue[1:]
			t.pendingMeta = append(t.pendingMeta, Datagram{Source: d.Source, Seq: d.Seq, HasSeq: d.HasSeq, CIDProtected: d.CIDProtected})
			t.mu.Unlock()
			return copy(b, d.Payload), nil
		}
		if t.closed {
			t.mu.Unlock()
			return 0, net.ErrClosed
		}
		deadline := t.readDeadline
		t.mu.Unlock()

		if !deadline.IsZero() && !deadline.After(time.Now()) {
			return 0, timeoutError{}
		}

		var timer *time.Timer
		var timeoutCh <-chan time.Time
		if !deadline.IsZero() {
			timer = time.NewTimer(time.Until(deadline))
			timeoutCh = timer.C
		}

		select {
		case <-t.notify:
			if timer != nil {
				timer.Stop()
			}
		case <-t.closeCh:
			if timer != nil {
				timer.Stop()
			}
			return 0, net.ErrClosed
		case <-timeoutCh:
			return 0, timeoutError{}
		}
	}
}

// Write implements net.Conn, routing payload to the session's current
// endpoint through the shared send queue.
func (t *Transport) Write(b []byte) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, net.ErrClosed
	}
	target := t.endpoint
	t.mu.Unlock()

	payload := make([]byte, len(b))
	copy(payload, b)
	if err := t.send(payload, target); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close is idempotent. It cancels any in-progress Read and refuses further
// EnqueueReceived calls, which are silently dropped from that point on.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	close(t.closeCh)
	return nil
}

// Done returns a channel closed once Close has been called, mirroring the
// closed_token a Session observes on its transport.
func (t *Transport) Done() <-chan struct{} {
	return t.closeCh
}

// UpdateEndpoint commits an endpoint migration. Only the owning Session
// should call this, after the migration-commit rule has been satisfied.
func (t *Transport) UpdateEndpoint(addr net.Addr) {
	t.mu.Lock()
	t.endpoint = addr
	t.mu.Unlock()
}

// LocalAddr implements net.Conn.
func (t *Transport) LocalAddr() net.Addr {
	return t.localAddr
}

// RemoteAddr implements net.Conn, returning the transport's current
// endpoint (which may change across the transport's lifetime on CID
// migration, unlike a typical net.Conn).
func (t *Transport) RemoteAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoint
}

// SetDeadline implements net.Conn.
func (t *Transport) SetDeadline(dl time.Time) error {
	t.mu.Lock()
	t.readDeadline = dl
	t.mu.Unlock()
	t.wake()
	return nil
}

// SetReadDeadline implements net.Conn.
func (t *Transport) SetReadDeadline(dl time.Time) error {
	t.mu.Lock()
	t.readDeadline = dl
	t.mu.Unlock()
	t.wake()
	return nil
}

// SetWriteDeadline implements net.Conn. Writes never block, so there is
// nothing to enforce; the deadline is accepted for interface compliance.
func (t *Transport) SetWriteDeadline(time.Time) error {
	return nil
}

func (t *Transport) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// ReceiveLimit is the largest payload this transport can hand the DTLS
// provider on a Read: MTU minus IPv4 header and UDP header overhead.
func (t *Transport) ReceiveLimit() int {
	return t.mtu - 20 - 8
}

// SendLimit is the largest payload the DTLS provider should hand this
// transport on a Write: MTU minus IPv4 header, a 64-byte IP options budget,
// and UDP header overhead.
func (t *Transport) SendLimit() int {
	return t.mtu - 84 - 8
}
