// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/mcp-oauth-proxy/pkg/config"
	"github.com/go-core-stack/mcp-oauth-proxy/pkg/metrics"
	"github.com/go-core-stack/mcp-oauth-proxy/pkg/oauth"
	"github.com/go-core-stack/mcp-oauth-proxy/pkg/proxy"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// run serves the proxy on ln until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, ln net.Listener) error {
	m := metrics.New()

	var launcher oauth.Launcher = oauth.SystemLauncher{}
	if cfg.NoBrowser {
		launcher = oauth.NoopLauncher
	}

	coordinator, err := oauth.NewCoordinator(oauth.Config{
		AuthURL:         cfg.AuthorizeURL(),
		TokenURL:        cfg.TokenURL(),
		ClientID:        cfg.ClientID,
		State:           cfg.State,
		CallbackPort:    cfg.CallbackPort,
		CallbackTimeout: cfg.CallbackTimeout,
		HTTPClient:      &http.Client{Timeout: cfg.RequestTimeout},
		Launcher:        launcher,
		Metrics:         m,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer coordinator.Close()

	proxyHandler, err := proxy.New(cfg, coordinator, m)
	if err != nil {
		_ = ln.Close()
		return err
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer, _, err = m.Serve(cfg.MetricsAddr)
		if err != nil {
			_ = ln.Close()
			return err
		}
	}

	server := &http.Server{
		Handler:      proxyHandler,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	log.Info().
		Str("listen_addr", ln.Addr().String()).
		Str("endpoint", cfg.LocalEndpoint()).
		Str("remote", cfg.RemoteURL.Redacted()).
		Int("callback_port", cfg.CallbackPort).
		Msg("starting MCP OAuth proxy")

	go preAuthenticate(ctx, coordinator)

	select {
	case <-ctx.Done():
		// Release requests still waiting on a login before draining.
		coordinator.Close()
	case err := <-serveErr:
		log.Error().Err(err).Msg("proxy server exited unexpectedly")
		shutdown(server, metricsServer, cfg.GracefulShutdownTimeout)
		return err
	}

	shutdown(server, metricsServer, cfg.GracefulShutdownTimeout)
	return nil
}

// preAuthenticate logs in at startup so the first MCP request does not wait
// on the browser. Failure is not fatal; the next request retries.
func preAuthenticate(ctx context.Context, coordinator *oauth.Coordinator) {
	if _, err := coordinator.EnsureToken(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("pre-authentication failed; will retry on first request")
		return
	}
	log.Info().Msg("authenticated; ready to proxy requests")
}

func shutdown(srv, metricsSrv *http.Server, timeout time.Duration) {
	log.Info().Msg("shutting down MCP OAuth proxy")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, s := range []*http.Server{srv, metricsSrv} {
		if s == nil {
			continue
		}
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed; forcing close")
			if closeErr := s.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("forced close failed")
			}
		}
	}

	log.Info().Msg("proxy stopped")
}
