// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package metrics exposes Prometheus collectors for the proxy and the OAuth
// flow. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "mcp_oauth_proxy"

// Authorization attempt outcomes.
const (
	OutcomeSuccess       = "success"
	OutcomeOAuthError    = "oauth_error"
	OutcomeExchangeError = "exchange_error"
	OutcomeTimeout       = "timeout"
	OutcomeFailure       = "failure"
)

// Metrics bundles the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	proxyRequests *prometheus.CounterVec
	proxyDuration *prometheus.HistogramVec
	authAttempts  *prometheus.CounterVec
	tokenLookups  *prometheus.CounterVec
	tokenHits     prometheus.Counter
	tokenMisses   prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxied requests by method and response status.",
		}, []string{"method", "code"}),
		proxyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from receiving a request to finishing the relayed response.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_attempts_total",
			Help:      "Interactive authorization attempts by outcome.",
		}, []string{"outcome"}),
		tokenLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_cache_lookups_total",
			Help:      "Token cache lookups by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.proxyRequests, m.proxyDuration, m.authAttempts, m.tokenLookups)
	// resolved once so lookups on the hot path skip the label hash
	m.tokenHits = m.tokenLookups.WithLabelValues("hit")
	m.tokenMisses = m.tokenLookups.WithLabelValues("miss")
	return m
}

// ObserveRequest records one completed proxied request.
func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.proxyDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveAttempt records the outcome of one authorization attempt.
func (m *Metrics) ObserveAttempt(outcome string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(outcome).Inc()
}

// ObserveTokenLookup records a cache hit or miss.
func (m *Metrics) ObserveTokenLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.tokenHits.Inc()
		return
	}
	m.tokenMisses.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve binds addr and serves /metrics in the background. The returned server
// should be shut down by the caller.
func (m *Metrics) Serve(addr string) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger := log.With().Str("component", "metrics").Logger()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Msg("metrics server exited")
		}
	}()
	logger.Info().Str("listen_addr", ln.Addr().String()).Msg("metrics enabled")
	return srv, ln, nil
}
