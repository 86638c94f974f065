// SPDX-License-Identifier: Apache-2.0

// Package dtlssession owns one DTLS association end to end: its Queue
// Transport, the DTLS record object returned by the handshake, the
// negotiated Connection ID (if any), and the current/pending remote
// endpoints used to implement RFC 9146 migration.
package dtlssession

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/dtls/v2"

	sessionerrors "github.com/patagonaa/CoAP.Net/pkg/errors"
	"github.com/patagonaa/CoAP.Net/pkg/queuetransport"
	"github.com/patagonaa/CoAP.Net/pkg/recordparser"
)

// State is a Session's lifecycle state.
type State int

const (
	StateHandshaking State = iota
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEstablished:
		return "Established"
	case StateClosed:
		return "Closed"
	default:
		return "Handshaking"
	}
}

// countingSignal is an unbounded counting semaphore. Release must never be
// lost even if nothing is waiting yet, which is what packets_received_signal
// requires: one release per enqueued datagram, observed later by whichever
// receive call gets to it.
type countingSignal struct {
	mu    sync.Mutex
	count int
	wake  chan struct{}
}

func newCountingSignal() *countingSignal {
	return &countingSignal{wake: make(chan struct{}, 1)}
}

func (c *countingSignal) Release() {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *countingSignal) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.count > 0 {
			c.count--
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		select {
		case <-c.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Session owns one DTLS association.
type Session struct {
	id string

	localAddr net.Addr

	mu               sync.RWMutex
	initialEndpoint  net.Addr
	endpoint         net.Addr
	pendingEndpoint  net.Addr
	cid              []byte
	hasCID           bool
	state            State
	sessionStartTime time.Time
	lastReceivedTime time.Time
	connectionInfo   map[string]any
	lastCommittedSeq recordparser.SequenceInfo
	hasCommittedSeq  bool

	transport *queuetransport.Transport
	conn      *dtls.Conn

	recvSignal *countingSignal
}

// New constructs a Session in the Handshaking state for a ClientHello first
// observed at initialEndpoint, and enqueues that first datagram into its
// Queue Transport. Because the counting signal exists before any datagram
// is enqueued, there is no lost-wakeup window to guard against separately.
func New(localAddr, initialEndpoint net.Addr, mtu int, send queuetransport.SendFunc, firstDatagram []byte) *Session {
	s := &Session{
		id:               uuid.NewString(),
		localAddr:        localAddr,
		initialEndpoint:  initialEndpoint,
		endpoint:         initialEndpoint,
		state:            StateHandshaking,
		sessionStartTime: time.Now(),
		lastReceivedTime: time.Now(),
		recvSignal:       newCountingSignal(),
	}
	s.transport = queuetransport.New(localAddr, initialEndpoint, mtu, send, s.onEndpointCandidate)
	s.EnqueueDatagram(firstDatagram, initialEndpoint)
	return s
}

func (s *Session) onEndpointCandidate(candidate net.Addr) {
	s.mu.Lock()
	s.pendingEndpoint = candidate
	s.mu.Unlock()
}

// ID is a debug-correlation identifier, independent of the endpoint/CID
// identity used for routing.
func (s *Session) ID() string { return s.id }

// InitialEndpoint is the endpoint the first ClientHello arrived from.
func (s *Session) InitialEndpoint() net.Addr { return s.initialEndpoint }

// Endpoint is the session's current outbound-routing endpoint.
func (s *Session) Endpoint() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

// PendingEndpoint is the most recently observed candidate endpoint not yet
// committed, or nil if none is pending.
func (s *Session) PendingEndpoint() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingEndpoint
}

// CID returns the session's negotiated Connection ID, if any.
func (s *Session) CID() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cid, s.hasCID
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastReceivedTime returns when the most recent datagram was enqueued.
func (s *Session) LastReceivedTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReceivedTime
}

// SessionStartTime returns when the session was constructed.
func (s *Session) SessionStartTime() time.Time {
	return s.sessionStartTime
}

// ConnectionInfo returns the opaque key/value map published by the DTLS
// provider at handshake completion, or nil before that.
func (s *Session) ConnectionInfo() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectionInfo
}

// Transport exposes the underlying Queue Transport, e.g. so the Server can
// observe its closed_token.
func (s *Session) Transport() *queuetransport.Transport { return s.transport }

// EnqueueDatagram is called by the Server for every inbound UDP datagram
// belonging to this session.
func (s *Session) EnqueueDatagram(b []byte, source net.Addr) {
	s.mu.Lock()
	s.lastReceivedTime = time.Now()
	s.mu.Unlock()

	seq, hasSeq := recordparser.TryGetSequenceInfo(b)
	cidProtected := recordparser.IsConnectionIDRecord(b)
	s.transport.EnqueueReceived(b, source, seq, hasSeq, cidProtected)
	s.recvSignal.Release()
}

// Accept drives the DTLS handshake over the session's Queue Transport,
// blocking until it completes or fails. cidLen is the length of the CID this
// session offers; 0 installs no generator, so the session never negotiates
// a CID. The generator closure both supplies the
// CID to pion and is our only signal that the peer negotiated CID use at
// all: pion calls it exactly when it decides to advertise a CID, which we
// use instead of querying negotiation state back out of the connection.
func (s *Session) Accept(ctx context.Context, config *dtls.Config, cidLen int) error {
	cfg := *config
	cfg.ConnectContextMaker = func() (context.Context, func()) {
		return context.WithCancel(ctx)
	}
	if cidLen > 0 {
		cfg.ConnectionIDGenerator = func() []byte {
			cid := make([]byte, cidLen)
			if _, err := rand.Read(cid); err != nil {
				return nil
			}
			s.mu.Lock()
			s.cid = cid
			s.hasCID = true
			s.mu.Unlock()
			return cid
		}
	}

	conn, err := dtls.Server(s.transport, &cfg)
	if err != nil {
		return sessionerrors.New("accept", s.id, s.Endpoint().String(), err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateEstablished
	s.connectionInfo = connectionInfoFrom(conn)
	s.mu.Unlock()
	return nil
}

func connectionInfoFrom(conn *dtls.Conn) map[string]any {
	state := conn.ConnectionState()
	info := map[string]any{
		"cipher_suite": state.CipherSuiteID.String(),
	}
	if len(state.IdentityHint) > 0 {
		info["identity"] = string(state.IdentityHint)
	}
	return info
}

// Receive returns one decrypted CoAP payload, or an error once ctx is done,
// the session closes, or the underlying DTLS connection fails.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	if err := s.recvSignal.Wait(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	conn := s.conn
	limit := s.transport.ReceiveLimit()
	s.mu.RUnlock()
	if conn == nil {
		return nil, sessionerrors.New("receive", s.id, s.Endpoint().String(), sessionerrors.ErrNotEstablished)
	}

	buf := make([]byte, limit)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, sessionerrors.New("receive", s.id, s.Endpoint().String(), err)
	}

	s.commitMigrationIfNewest()
	return buf[:n], nil
}

// commitMigrationIfNewest applies the RFC 9146 §6 migration-commit rule: a
// record's source endpoint becomes the session's endpoint only once a
// record from it has been (a) decrypted successfully — we are only called
// after that — (b) found to carry a sequence info strictly newer than
// anything committed so far, and (c) protected with a Connection ID.
func (s *Session) commitMigrationIfNewest() {
	meta, ok := s.transport.PopPendingMeta()
	if !ok || !meta.CIDProtected || !meta.HasSeq || meta.Source == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasCommittedSeq && !s.lastCommittedSeq.Less(meta.Seq) {
		return
	}
	s.lastCommittedSeq = meta.Seq
	s.hasCommittedSeq = true

	if meta.Source.String() == s.endpoint.String() {
		return
	}
	s.endpoint = meta.Source
	s.pendingEndpoint = nil
	s.transport.UpdateEndpoint(s.endpoint)
}

// Send forwards payload to the DTLS provider. It fails if called before the
// session reaches Established.
func (s *Session) Send(payload []byte) error {
	s.mu.RLock()
	state := s.state
	conn := s.conn
	s.mu.RUnlock()

	if state != StateEstablished || conn == nil {
		return sessionerrors.New("send", s.id, s.Endpoint().String(), sessionerrors.ErrNotEstablished)
	}
	if _, err := conn.Write(payload); err != nil {
		return sessionerrors.New("send", s.id, s.Endpoint().String(), err)
	}
	return nil
}

// Close tears down the session. If notifyPeer is false or no DTLS record
// exists yet, the Queue Transport is closed first, so the DTLS provider
// cannot emit a close alert onto a transport that will never deliver it.
// Close is idempotent.
func (s *Session) Close(notifyPeer bool) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	conn := s.conn
	s.mu.Unlock()

	if !notifyPeer || conn == nil {
		_ = s.transport.Close()
		if conn != nil {
			return conn.Close()
		}
		return nil
	}

	err := conn.Close()
	_ = s.transport.Close()
	return err
}

// Done is closed once the session's Queue Transport closes.
func (s *Session) Done() <-chan struct{} {
	return s.transport.Done()
}
