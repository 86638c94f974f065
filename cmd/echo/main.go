// SPDX-License-Identifier: Apache-2.0

// Command echo is a minimal demo gateway: it serves a single CoAP /hello
// resource over DTLS-PSK, logging every request the way the teacher's
// example handler logs every MQTT event.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	piondtls "github.com/pion/dtls/v2"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"

	"github.com/patagonaa/CoAP.Net/pkg/coap"
	"github.com/patagonaa/CoAP.Net/pkg/handler"
	"github.com/patagonaa/CoAP.Net/pkg/metrics"
	dtlsserver "github.com/patagonaa/CoAP.Net/pkg/server/dtls"
)

const (
	demoIdentity = "echo-client"
	demoHint     = "echo-gateway"
)

// demoKey is the PSK for the demo identity above. Hardcoded because this
// binary exists to be dialed by hand while learning the wire protocol, not
// to run in production - cmd/gateway is the production entry point.
var demoKey = []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	pskStore := coap.NewPSKStore(demoHint)
	pskStore.Add(demoIdentity, demoKey)

	router := coap.NewRouter()
	router.Handle("/hello", helloResource(logger))

	m := metrics.New("coap_echo")

	srv := dtlsserver.New(dtlsserver.Config{
		ListenAddr: ":5684",
		DTLS: &piondtls.Config{
			PSK:             pskStore.Lookup,
			PSKIdentityHint: pskStore.Hint(),
			CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_GCM_SHA256},
		},
		Logger: logger,
	}, router, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-quit
		logger.Info("shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("echo gateway listening", slog.String("addr", ":5684"), slog.String("identity", demoIdentity))
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("serve failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// helloResource answers every GET with a greeting naming the caller's
// negotiated PSK identity, and logs the request the way the teacher's
// example handler logs every connect/publish event.
func helloResource(logger *slog.Logger) coap.ResourceFunc {
	return func(ctx context.Context, info *handler.ConnectionInfo, req *pool.Message) (*pool.Message, error) {
		identity, _ := info.Identity()
		logger.Info("hello",
			slog.String("session", info.SessionID),
			slog.String("identity", identity),
			slog.String("remote", info.RemoteAddr.String()),
			slog.Bool("has_cid", info.HasCID))

		body := []byte("hello, " + identity)
		return coap.NewResponse(ctx, req, codes.Content, message.TextPlain, body), nil
	}
}
