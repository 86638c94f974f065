// SPDX-License-Identifier: Apache-2.0

// Command gateway runs the DTLS-fronted CoAP server: binds the configured
// UDP listen address, serves Prometheus metrics and health endpoints, and
// dispatches decrypted CoAP requests to a RequestHandler.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/patagonaa/CoAP.Net/pkg/breaker"
	"github.com/patagonaa/CoAP.Net/pkg/config"
	"github.com/patagonaa/CoAP.Net/pkg/coap"
	"github.com/patagonaa/CoAP.Net/pkg/discovery"
	"github.com/patagonaa/CoAP.Net/pkg/health"
	"github.com/patagonaa/CoAP.Net/pkg/metrics"
	dtlsserver "github.com/patagonaa/CoAP.Net/pkg/server/dtls"

	piondtls "github.com/pion/dtls/v2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting coap gateway",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.Int("max_simultaneous_handshakes", cfg.MaxSimultaneousHandshakes))

	m := metrics.New("coap_gateway")

	go startMetricsServer(cfg.MetricsPort, logger)

	pskStore, err := cfg.PSKStore()
	if err != nil {
		logger.Error("failed to load psk identities", slog.String("error", err.Error()))
		os.Exit(1)
	}

	router := coap.NewRouter()

	srv := dtlsserver.New(dtlsserver.Config{
		ListenAddr:                cfg.ListenAddr,
		SessionTimeout:            cfg.SessionTimeout,
		SessionTimeoutWithCID:     cfg.SessionTimeoutWithCID,
		MaxSimultaneousHandshakes: cfg.MaxSimultaneousHandshakes,
		NetworkMTU:                cfg.NetworkMTU,
		CIDLength:                 cfg.CIDLength,
		ReaperInterval:            cfg.ReaperInterval,
		ShutdownDrainTimeout:      cfg.ShutdownDrainTimeout,
		RateLimit: dtlsserver.RateLimitConfig{
			Capacity: cfg.RateLimitCapacity,
			Refill:   cfg.RateLimitRefill,
			MaxPeers: cfg.RateLimitMaxPeers,
		},
		Breaker: dtlsserver.BreakerConfig{
			MaxFailures:      cfg.BreakerMaxFailures,
			ResetTimeout:     cfg.BreakerResetTimeout,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			Timeout:          cfg.BreakerTimeout,
		},
		DTLS: &piondtls.Config{
			PSK:             pskStore.Lookup,
			PSKIdentityHint: pskStore.Hint(),
			CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_GCM_SHA256},
		},
		Logger: logger,
	}, router, m)

	healthChecker := health.NewChecker(10 * time.Second)
	healthChecker.Register("goroutines", func(ctx context.Context) (map[string]any, error) {
		count := runtime.NumGoroutine()
		m.GoroutinesActive.WithLabelValues("all").Set(float64(count))
		details := map[string]any{"count": count, "budget": cfg.MaxGoroutines}
		if count > cfg.MaxGoroutines {
			return details, fmt.Errorf("too many goroutines: %d > %d", count, cfg.MaxGoroutines)
		}
		return details, nil
	})
	healthChecker.Register("handshake_admission", func(ctx context.Context) (map[string]any, error) {
		accepting := srv.AcceptingCount()
		details := map[string]any{"accepting": accepting, "budget": cfg.MaxSimultaneousHandshakes}
		if accepting >= cfg.MaxSimultaneousHandshakes {
			return details, fmt.Errorf("handshake admission limit reached: %d/%d", accepting, cfg.MaxSimultaneousHandshakes)
		}
		return details, nil
	})
	healthChecker.Register("sessions", func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"active": srv.SessionCount()}, nil
	})
	healthChecker.Register("circuit_breaker", func(ctx context.Context) (map[string]any, error) {
		state := srv.CircuitBreakerState()
		details := map[string]any{"state": state.String()}
		if state == breaker.StateOpen {
			return details, fmt.Errorf("handler circuit breaker is open")
		}
		return details, nil
	})

	go startHealthServer(cfg.HealthPort, healthChecker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("dtls gateway listening", slog.String("addr", cfg.ListenAddr))
		return srv.Serve(gctx)
	})

	if cfg.DiscoveryEnabled {
		dtlsPort, err := dtlsListenPort(cfg.ListenAddr)
		if err != nil {
			logger.Warn("discovery disabled, could not determine dtls port", slog.String("error", err.Error()))
		} else {
			responder, err := discovery.New(cfg.DiscoveryMulticastAddr, dtlsPort, cfg.ServiceName, logger)
			if err != nil {
				logger.Warn("failed to start discovery responder", slog.String("error", err.Error()))
			} else {
				g.Go(func() error { return responder.Serve(gctx) })
			}
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-gctx.Done():
		logger.Info("context cancelled")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout+5*time.Second)
	defer shutdownCancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("graceful shutdown completed")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, forcing exit")
		os.Exit(1)
	}
}

func dtlsListenPort(listenAddr string) (uint16, error) {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(port), nil
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h)
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", slog.String("error", err.Error()))
	}
}

// startHealthServer starts the health check HTTP server.
func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health server error", slog.String("error", err.Error()))
	}
}
