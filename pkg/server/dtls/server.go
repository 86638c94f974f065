// SPDX-License-Identifier: Apache-2.0

package dtls

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	piondtls "github.com/pion/dtls/v2"
	"golang.org/x/sync/errgroup"

	"github.com/patagonaa/CoAP.Net/pkg/breaker"
	sessionerrors "github.com/patagonaa/CoAP.Net/pkg/errors"
	"github.com/patagonaa/CoAP.Net/pkg/dtlssession"
	"github.com/patagonaa/CoAP.Net/pkg/handler"
	"github.com/patagonaa/CoAP.Net/pkg/metrics"
	"github.com/patagonaa/CoAP.Net/pkg/ratelimit"
	"github.com/patagonaa/CoAP.Net/pkg/recordparser"
	"github.com/patagonaa/CoAP.Net/pkg/sessionstore"
)

// outboundDatagram is one payload queued for delivery to a UDP peer.
type outboundDatagram struct {
	payload []byte
	target  net.Addr
}

// sessionEntry is the full surface *dtlssession.Session exposes that Entry
// leaves out, needed to build a SessionSnapshot. Server type-asserts
// sessionstore.Entry values to this rather than widening sessionstore.Entry
// itself, the same interface-segregation choice the store already makes for
// its own minimal Entry.
type sessionEntry interface {
	sessionstore.Entry
	ConnectionInfo() map[string]any
	SessionStartTime() time.Time
	LastReceivedTime() time.Time
}

// Server is the Transport: it owns the UDP socket, demultiplexes inbound
// datagrams, and drives one handshake/request loop per session.
type Server struct {
	cfg Config

	handler handler.RequestHandler

	store    *sessionstore.Store
	counters counters

	metrics *metrics.Metrics
	logger  *slog.Logger

	limiter *ratelimit.Limiter
	cb      *breaker.CircuitBreaker

	conn    *net.UDPConn
	outbox  chan outboundDatagram
	done    chan struct{}
}

// New constructs a Server. h processes every decrypted CoAP payload; m, if
// non-nil, receives Prometheus observations alongside the atomic counters
// GetStatistics always reports.
func New(cfg Config, h handler.RequestHandler, m *metrics.Metrics) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		handler: h,
		store:   sessionstore.New(),
		metrics: m,
		logger:  cfg.Logger,
		limiter: ratelimit.NewLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.Refill, cfg.RateLimit.MaxPeers),
		cb: breaker.New(breaker.Config{
			MaxFailures:      cfg.Breaker.MaxFailures,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			Timeout:          cfg.Breaker.Timeout,
		}),
		outbox: make(chan outboundDatagram, 1024),
		done:   make(chan struct{}),
	}
	if m != nil {
		s.cb.OnStateChange(func(from, to breaker.State) {
			m.CircuitBreakerState.Set(float64(to))
			if to == breaker.StateOpen {
				m.CircuitBreakerTrips.Inc()
			}
		})
	}
	return s
}

// Serve binds the configured listen address and runs the inbound, outbound,
// and reaper tasks until ctx is cancelled. It returns once every task has
// exited and the socket is closed.
func (s *Server) Serve(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", s.cfg.ListenAddr)
	if err != nil {
		return sessionerrors.Wrap(err, "resolve listen address")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return sessionerrors.Wrap(err, "listen udp")
	}
	s.conn = conn

	s.logger.Info("dtls transport listening", "addr", conn.LocalAddr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.inboundLoop(gctx) })
	g.Go(func() error { return s.outboundLoop(gctx) })
	g.Go(func() error { return s.reaperLoop(gctx) })

	err = g.Wait()

	s.shutdown()
	close(s.done)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Done is closed once Serve has finished shutting down.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) shutdown() {
	drainDeadline := time.Now().Add(s.cfg.ShutdownDrainTimeout)
	for _, entry := range s.store.GetSessions() {
		if sess, ok := entry.(*dtlssession.Session); ok {
			_ = sess.Close(true)
		}
	}
	// The outbound task has already stopped, so the close alerts queued
	// above are written here until the outbox is empty or the deadline passes.
	for time.Now().Before(drainDeadline) && len(s.outbox) > 0 {
		dg := <-s.outbox
		udpAddr, ok := dg.target.(*net.UDPAddr)
		if !ok {
			continue
		}
		if _, err := s.conn.WriteToUDP(dg.payload, udpAddr); err != nil {
			s.counters.packetsSendErrors.Add(1)
			continue
		}
		s.counters.packetsSent.Add(1)
	}
	_ = s.conn.Close()
	s.limiter.Close()
}

// inboundLoop implements the Transport's demultiplexing contract: classify
// every datagram by {endpoint, candidate CID} and route it to an existing
// session, spawn a new one, or drop it.
func (s *Server) inboundLoop(ctx context.Context) error {
	buf := make([]byte, s.cfg.NetworkMTU)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("inbound read error", "error", err)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		s.dispatch(ctx, datagram, addr)
	}
}

func (s *Server) dispatch(ctx context.Context, datagram []byte, addr *net.UDPAddr) {
	cidLen, pinned := s.store.CIDLength()
	var candidateCID []byte
	if pinned {
		candidateCID, _ = recordparser.TryGetConnectionID(datagram, cidLen)
	}

	result, entry := s.store.TryFind(addr, candidateCID)
	switch result {
	case sessionstore.ResultFoundByEndpoint:
		s.recordReceived(ReceivedByEndpoint)
		entry.(*dtlssession.Session).EnqueueDatagram(datagram, addr)
		return
	case sessionstore.ResultFoundByConnectionID:
		s.recordReceived(ReceivedByConnectionID)
		entry.(*dtlssession.Session).EnqueueDatagram(datagram, addr)
		return
	case sessionstore.ResultUnknownCID:
		s.recordDropped(ReceivedUnknownCID)
		return
	}

	if len(candidateCID) > 0 {
		s.recordDropped(ReceivedUnknownCID)
		return
	}

	if !recordparser.MayBeClientHello(datagram) {
		s.recordDropped(ReceivedInvalid)
		return
	}

	if !s.limiter.Allow(addr.String()) {
		s.recordDropped(ReceivedInvalid)
		if s.metrics != nil {
			s.metrics.RateLimitedHandshakes.WithLabelValues(addr.String()).Inc()
		}
		return
	}

	if s.store.AcceptingCount() >= s.cfg.MaxSimultaneousHandshakes {
		s.recordDropped(ReceivedInvalid)
		s.logger.Warn("handshake admission limit reached", "remote", addr.String())
		return
	}

	sess := dtlssession.New(s.conn.LocalAddr(), addr, s.cfg.NetworkMTU, s.enqueueOutbound, datagram)
	if err := s.store.Add(sess); err != nil {
		s.logger.Warn("failed to register new session", "error", err)
		return
	}
	s.recordReceived(ReceivedNewSession)
	go s.runSession(ctx, sess)
}

func (s *Server) recordReceived(t ReceivedType) {
	s.counters.recordReceived(t)
	if s.metrics != nil {
		s.metrics.PacketsReceivedByType.WithLabelValues(t.String()).Inc()
	}
}

func (s *Server) recordDropped(t ReceivedType) {
	s.counters.recordReceived(t)
	if s.metrics != nil {
		s.metrics.PacketsDropped.WithLabelValues(t.String()).Inc()
	}
}

func (s *Server) enqueueOutbound(payload []byte, target net.Addr) error {
	select {
	case s.outbox <- outboundDatagram{payload: payload, target: target}:
		return nil
	default:
		s.counters.packetsSendErrors.Add(1)
		return errors.New("dtls: outbound queue full")
	}
}

func (s *Server) outboundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case dg := <-s.outbox:
			udpAddr, ok := dg.target.(*net.UDPAddr)
			if !ok {
				resolved, err := net.ResolveUDPAddr("udp", dg.target.String())
				if err != nil {
					s.counters.packetsSendErrors.Add(1)
					continue
				}
				udpAddr = resolved
			}
			if _, err := s.conn.WriteToUDP(dg.payload, udpAddr); err != nil {
				s.counters.packetsSendErrors.Add(1)
				if s.metrics != nil {
					s.metrics.PacketsSent.WithLabelValues("error").Inc()
				}
				continue
			}
			s.counters.packetsSent.Add(1)
			if s.metrics != nil {
				s.metrics.PacketsSent.WithLabelValues("ok").Inc()
			}
		}
	}
}

// reaperLoop closes sessions idle past their inactivity threshold. Sessions
// with a Connection ID are closed silently (no close alert), because the
// endpoint they were last seen at may since have been taken over by another
// peer; sessions without one are closed with a close alert.
func (s *Server) reaperLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.reapIdleSessions()
		}
	}
}

func (s *Server) reapIdleSessions() {
	now := time.Now()
	for _, entry := range s.store.GetSessions() {
		sess, ok := entry.(*dtlssession.Session)
		if !ok {
			continue
		}
		_, hasCID := sess.CID()
		timeout := s.cfg.SessionTimeout
		if hasCID {
			timeout = s.cfg.SessionTimeoutWithCID
		}
		if now.Sub(sess.LastReceivedTime()) < timeout {
			continue
		}
		notifyPeer := !hasCID
		s.logger.Info("reaping idle session", "session_id", sess.ID(), "has_cid", hasCID)
		s.store.Remove(sess)
		_ = sess.Close(notifyPeer)
	}
}

// runSession drives one session's handshake and request loop from creation
// until it closes, then evicts it from the store.
func (s *Server) runSession(ctx context.Context, sess *dtlssession.Session) {
	defer func() {
		s.store.Remove(sess)
		_ = sess.Close(false)
	}()

	dtlsCfg := s.cfg.DTLS
	if dtlsCfg == nil {
		dtlsCfg = &piondtls.Config{}
	}

	handshakeCtx := ctx
	cidLen, _ := s.store.CIDLength()
	if cidLen == 0 {
		cidLen = s.cfg.CIDLength
	}

	handshakeStart := time.Now()
	err := sess.Accept(handshakeCtx, dtlsCfg, cidLen)
	handshakeDuration := time.Since(handshakeStart).Seconds()
	if err != nil {
		result := classifyHandshakeError(err)
		s.counters.recordHandshake(result)
		if s.metrics != nil {
			s.metrics.HandshakesByResult.WithLabelValues(result.String()).Inc()
			s.metrics.HandshakeDuration.WithLabelValues(result.String()).Observe(handshakeDuration)
		}
		s.logger.Warn("handshake failed", "session_id", sess.ID(), "result", result.String(), "error", err)
		return
	}

	s.counters.recordHandshake(HandshakeSuccess)
	if s.metrics != nil {
		s.metrics.HandshakesByResult.WithLabelValues(HandshakeSuccess.String()).Inc()
		s.metrics.HandshakeDuration.WithLabelValues(HandshakeSuccess.String()).Observe(handshakeDuration)
	}

	if err := s.store.NotifyAccepted(sess); err != nil {
		s.logger.Warn("session accepted but could not be promoted", "session_id", sess.ID(), "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.WithLabelValues("established").Inc()
		defer s.metrics.ActiveSessions.WithLabelValues("established").Dec()
		defer func() { s.metrics.SessionDuration.Observe(time.Since(sess.SessionStartTime()).Seconds()) }()
	}

	s.logger.Info("session established", "session_id", sess.ID(), "endpoint", sess.Endpoint().String())

	for {
		payload, err := sess.Receive(ctx)
		if err != nil {
			return
		}

		info := &handler.ConnectionInfo{
			SessionID:      sess.ID(),
			LocalAddr:      sess.Transport().LocalAddr(),
			RemoteAddr:     sess.Endpoint(),
			ConnectionInfo: sess.ConnectionInfo(),
		}
		if _, hasCID := sess.CID(); hasCID {
			info.HasCID = true
		}

		var resp []byte
		cbErr := s.cb.Call(func() error {
			var handlerErr error
			resp, handlerErr = s.handler.ProcessRequest(ctx, info, payload)
			return handlerErr
		})
		if cbErr != nil {
			s.logger.Warn("request handler failed", "session_id", sess.ID(), "error", cbErr)
			continue
		}
		if resp == nil {
			continue
		}
		if err := sess.Send(resp); err != nil {
			s.logger.Warn("send failed", "session_id", sess.ID(), "error", err)
			return
		}
	}
}

// classifyHandshakeError distinguishes an expired or cancelled context (the
// gateway gave up waiting, or is shutting down) from every other handshake
// failure. pion/dtls does not export
// a narrow alert-vs-transport error taxonomy we can safely switch on, so
// anything else is reported as a generic HandshakeError.
func classifyHandshakeError(err error) HandshakeResult {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return HandshakeTimedOut
	}
	return HandshakeError
}

// GetStatistics returns a snapshot of the Transport's counters and current
// sessions.
func (s *Server) GetStatistics() Statistics {
	stats := Statistics{
		ReceivedByEndpoint:     s.counters.receivedByEndpoint.Load(),
		ReceivedByConnectionID: s.counters.receivedByCID.Load(),
		ReceivedNewSession:     s.counters.receivedNewSession.Load(),
		ReceivedUnknownCID:     s.counters.receivedUnknownCID.Load(),
		ReceivedInvalid:        s.counters.receivedInvalid.Load(),
		HandshakeSuccess:       s.counters.handshakeSuccess.Load(),
		HandshakeTLSError:      s.counters.handshakeTLSError.Load(),
		HandshakeTimedOut:      s.counters.handshakeTimedOut.Load(),
		HandshakeError:         s.counters.handshakeError.Load(),
		PacketsSent:            s.counters.packetsSent.Load(),
		PacketsSendErrors:      s.counters.packetsSendErrors.Load(),
		CircuitBreakerState:    s.cb.State(),
		RateLimitedEndpoints:   s.limiter.Stats().TrackedEndpoints,
	}

	for _, entry := range s.store.GetSessions() {
		se, ok := entry.(sessionEntry)
		if !ok {
			continue
		}
		_, hasCID := se.CID()
		stats.Sessions = append(stats.Sessions, SessionSnapshot{
			ID:               se.ID(),
			Endpoint:         se.Endpoint(),
			ConnectionInfo:   se.ConnectionInfo(),
			SessionStartTime: se.SessionStartTime(),
			LastReceivedTime: se.LastReceivedTime(),
			HasConnectionID:  hasCID,
		})
	}
	return stats
}

// AcceptingCount reports the number of sessions currently handshaking.
func (s *Server) AcceptingCount() int {
	return s.store.AcceptingCount()
}

// SessionCount reports the total number of indexed sessions.
func (s *Server) SessionCount() int {
	return s.store.GetCount()
}

// CircuitBreakerState exposes the handler circuit breaker's current state,
// for the health checker and metrics gauge to read.
func (s *Server) CircuitBreakerState() breaker.State {
	return s.cb.State()
}
