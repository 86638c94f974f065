// SPDX-License-Identifier: Apache-2.0

package dtls

import (
	"log/slog"
	"time"

	piondtls "github.com/pion/dtls/v2"
)

// Default configuration values, per spec.md §6.
const (
	DefaultSessionTimeout        = time.Hour
	DefaultSessionTimeoutWithCID = time.Hour
	DefaultMaxSimultaneousHandshakes = 1000
	DefaultNetworkMTU            = 1500
	DefaultListenAddr            = ":5684"
	DefaultReaperInterval        = 10 * time.Second
	DefaultShutdownDrainTimeout  = 30 * time.Second

	DefaultRateLimitCapacity   = int64(5)
	DefaultRateLimitRefill    = int64(1)
	DefaultRateLimitMaxPeers  = 100000

	DefaultBreakerMaxFailures      = 10
	DefaultBreakerResetTimeout     = 30 * time.Second
	DefaultBreakerSuccessThreshold = 3
	DefaultBreakerTimeout          = 10 * time.Second
)

// RateLimitConfig tunes the per-endpoint token bucket gating ClientHello
// admission ahead of MaxSimultaneousHandshakes.
type RateLimitConfig struct {
	// Capacity is the number of ClientHello datagrams a single endpoint may
	// burst before being throttled.
	Capacity int64
	// Refill is the number of tokens restored per second.
	Refill int64
	// MaxPeers bounds how many per-endpoint buckets the limiter tracks at
	// once.
	MaxPeers int
}

// BreakerConfig tunes the circuit breaker wrapping every
// handler.RequestHandler.ProcessRequest call.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive ProcessRequest failures
	// before the breaker opens.
	MaxFailures int
	// ResetTimeout is how long the breaker stays open before probing the
	// handler again in the half-open state.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker again.
	SuccessThreshold int
	// Timeout is passed through to the breaker's Config. The breaker does
	// not enforce it: a ProcessRequest call runs until it returns.
	Timeout time.Duration
}

// Config holds everything the Transport needs to bind and run.
type Config struct {
	// ListenAddr is the UDP address to bind, default ":5684" (the CoAPS port).
	ListenAddr string

	// SessionTimeout is the inactivity limit for sessions without a
	// Connection ID.
	SessionTimeout time.Duration

	// SessionTimeoutWithCID is the inactivity limit for sessions that
	// negotiated a Connection ID.
	SessionTimeoutWithCID time.Duration

	// MaxSimultaneousHandshakes caps the number of sessions concurrently
	// in the accepting (handshaking) state.
	MaxSimultaneousHandshakes int

	// NetworkMTU bounds the outbound datagram size budget handed to each
	// session's Queue Transport.
	NetworkMTU int

	// CIDLength is the Connection ID length new sessions attempt to
	// negotiate. Zero disables Connection ID support entirely.
	CIDLength int

	// ReaperInterval is how often the reaper task scans for idle sessions.
	ReaperInterval time.Duration

	// ShutdownDrainTimeout bounds how long Serve, once its context is
	// cancelled, spends writing queued outbound datagrams before forcing the
	// socket closed.
	ShutdownDrainTimeout time.Duration

	// RateLimit tunes the per-endpoint handshake admission throttle.
	RateLimit RateLimitConfig

	// Breaker tunes the circuit breaker wrapping the application handler.
	Breaker BreakerConfig

	// DTLS carries the cipher suites and PSK callback handed to every
	// session's handshake. ConnectContextMaker and ConnectionIDGenerator
	// are set per-session by dtlssession.Session.Accept and must not be
	// set here.
	DTLS *piondtls.Config

	Logger *slog.Logger
}

// withDefaults returns a copy of cfg with zero-valued fields set to their
// documented defaults.
func (cfg Config) withDefaults() Config {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.SessionTimeoutWithCID == 0 {
		cfg.SessionTimeoutWithCID = DefaultSessionTimeoutWithCID
	}
	if cfg.MaxSimultaneousHandshakes == 0 {
		cfg.MaxSimultaneousHandshakes = DefaultMaxSimultaneousHandshakes
	}
	if cfg.NetworkMTU == 0 {
		cfg.NetworkMTU = DefaultNetworkMTU
	}
	if cfg.ReaperInterval == 0 {
		cfg.ReaperInterval = DefaultReaperInterval
	}
	if cfg.ShutdownDrainTimeout == 0 {
		cfg.ShutdownDrainTimeout = DefaultShutdownDrainTimeout
	}
	if cfg.RateLimit.Capacity == 0 {
		cfg.RateLimit.Capacity = DefaultRateLimitCapacity
	}
	if cfg.RateLimit.Refill == 0 {
		cfg.RateLimit.Refill = DefaultRateLimitRefill
	}
	if cfg.RateLimit.MaxPeers == 0 {
		cfg.RateLimit.MaxPeers = DefaultRateLimitMaxPeers
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = DefaultBreakerMaxFailures
	}
	if cfg.Breaker.ResetTimeout == 0 {
		cfg.Breaker.ResetTimeout = DefaultBreakerResetTimeout
	}
	if cfg.Breaker.SuccessThreshold == 0 {
		cfg.Breaker.SuccessThreshold = DefaultBreakerSuccessThreshold
	}
	if cfg.Breaker.Timeout == 0 {
		cfg.Breaker.Timeout = DefaultBreakerTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
