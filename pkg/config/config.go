// SPDX-License-Identifier: Apache-2.0

// Package config loads the gateway's configuration from environment
// variables, following the teacher's caarlos0/env + godotenv convention.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/patagonaa/CoAP.Net/pkg/coap"
)

// Config holds every environment-configurable knob of the gateway process.
type Config struct {
	// Transport (spec.md §6)
	ListenAddr                string        `env:"LISTEN_ADDR"                    envDefault:":5684"`
	SessionTimeout            time.Duration `env:"SESSION_TIMEOUT"                envDefault:"1h"`
	SessionTimeoutWithCID     time.Duration `env:"SESSION_TIMEOUT_WITH_CID"       envDefault:"1h"`
	MaxSimultaneousHandshakes int           `env:"MAX_SIMULTANEOUS_HANDSHAKES"    envDefault:"1000"`
	NetworkMTU                int           `env:"NETWORK_MTU"                    envDefault:"1500"`
	CIDLength                 int           `env:"CID_LENGTH"                     envDefault:"8"`
	ReaperInterval            time.Duration `env:"REAPER_INTERVAL"                envDefault:"10s"`
	ShutdownDrainTimeout      time.Duration `env:"SHUTDOWN_DRAIN_TIMEOUT"         envDefault:"30s"`

	// PSK identities, as "identity:hex(key)" pairs.
	PSKIdentities []string `env:"PSK_IDENTITIES" envSeparator:","`
	PSKHint       string   `env:"PSK_HINT" envDefault:"coap-gateway"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// Resource limits
	MaxGoroutines int `env:"MAX_GOROUTINES" envDefault:"50000"`

	// Circuit breaker, guarding handler.RequestHandler.ProcessRequest calls.
	BreakerMaxFailures      int           `env:"BREAKER_MAX_FAILURES"      envDefault:"10"`
	BreakerResetTimeout     time.Duration `env:"BREAKER_RESET_TIMEOUT"     envDefault:"30s"`
	BreakerSuccessThreshold int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"3"`
	BreakerTimeout          time.Duration `env:"BREAKER_TIMEOUT"           envDefault:"10s"`

	// Rate limiting, throttling ClientHello datagrams per source endpoint.
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"5"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"   envDefault:"1"`
	RateLimitMaxPeers int   `env:"RATE_LIMIT_MAX_PEERS" envDefault:"100000"`

	// Discovery (spec.md §12 supplemented feature).
	DiscoveryEnabled       bool          `env:"DISCOVERY_ENABLED"        envDefault:"false"`
	DiscoveryMulticastAddr string        `env:"DISCOVERY_MULTICAST_ADDR" envDefault:"239.0.0.1:5685"`
	DiscoveryInterval      time.Duration `env:"DISCOVERY_INTERVAL"       envDefault:"5s"`
	ServiceName            string        `env:"SERVICE_NAME"             envDefault:"coap-gateway"`
}

// Load reads .env (if present, optional) and then environment variables
// into a Config, applying the env tags' defaults for anything unset.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}

// PSKStore parses PSKIdentities ("identity:hex(key)" pairs) into a
// coap.PSKStore advertising PSKHint.
func (c Config) PSKStore() (*coap.PSKStore, error) {
	store := coap.NewPSKStore(c.PSKHint)
	for _, entry := range c.PSKIdentities {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		identity, hexKey, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("config: malformed PSK_IDENTITIES entry %q, want identity:hexkey", entry)
		}
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("config: decode key for identity %q: %w", identity, err)
		}
		store.Add(identity, key)
	}
	return store, nil
}
