// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/mcp-oauth-proxy/pkg/auth"
	"github.com/go-core-stack/mcp-oauth-proxy/pkg/config"
	"github.com/go-core-stack/mcp-oauth-proxy/pkg/metrics"
)

// Error codes carried in the JSON body of locally generated failures.
const (
	ErrorCodeAuth  = "auth_error"
	ErrorCodeProxy = "proxy_error"
)

// hopHeaders lists standard hop-by-hop headers that must be stripped before a
// request is proxied so the upstream connection semantics remain correct.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// TokenProvider hands out a bearer token, authorizing first if needed.
type TokenProvider interface {
	EnsureToken(ctx context.Context) (*auth.Token, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context) (*auth.Token, error)

// EnsureToken calls f(ctx).
func (f TokenProviderFunc) EnsureToken(ctx context.Context) (*auth.Token, error) {
	return f(ctx)
}

// Proxy forwards local MCP requests to the remote origin with a bearer token
// obtained from the TokenProvider.
type Proxy struct {
	// cfg keeps runtime knobs such as the origin and header options.
	cfg config.Config
	// client performs outbound HTTP requests with tuned transport settings.
	client *http.Client
	// tokens supplies the bearer credential for every forwarded request.
	tokens TokenProvider
	// metrics records request outcomes; nil disables recording.
	metrics *metrics.Metrics
	// logger emits structured logs for observability.
	logger zerolog.Logger
	// baseURL is the remote origin used to resolve inbound paths.
	baseURL *url.URL
}

// New constructs a Proxy backed by an http.Client configured with sensible
// connection pooling defaults and the provided runtime configuration.
func New(cfg config.Config, tokens TokenProvider, m *metrics.Metrics) (http.Handler, error) {
	if tokens == nil {
		return nil, errors.New("token provider is required")
	}
	if cfg.Origin == nil {
		return nil, errors.New("remote origin is required")
	}

	// Build a transport that honours system proxies and keeps connections warm.
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		// Bodies are relayed byte for byte, so never negotiate gzip on the
		// client's behalf.
		DisableCompression: true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, // nolint:gosec -- opt-in for development scenarios
		},
	}

	// No overall client timeout: event streams stay open for as long as the
	// MCP session lives.
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	handler := &Proxy{
		cfg:     cfg,
		client:  client,
		tokens:  tokens,
		metrics: m,
		logger:  log.With().Str("component", "proxy").Logger(),
		baseURL: cloneURL(cfg.Origin),
	}

	return handler, nil
}

// ServeHTTP answers CORS preflights locally and otherwise forwards the
// request upstream with a bearer token, streaming the response back.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rw := &statusWriter{ResponseWriter: w}
	event := p.logger.With().
		Str("request_id", uuid.NewString()).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("remote_addr", r.RemoteAddr).
		Logger()

	defer func() {
		p.metrics.ObserveRequest(r.Method, rw.Status(), time.Since(start))
	}()

	if r.Method == http.MethodOptions {
		servePreflight(rw)
		event.Debug().Msg("answered CORS preflight")
		return
	}

	// Respond locally for discovery metadata probes so the client does not
	// start an OAuth flow of its own.
	if p.cfg.HideDiscovery && r.Method == http.MethodGet && isDiscoveryPath(r.URL.Path) {
		http.NotFound(rw, r)
		event.Debug().Msg("discovery metadata hidden; returning 404")
		return
	}

	// The token step may block for a whole browser login, so the body is
	// read up front.
	body, err := readBody(r, event)
	if err != nil {
		writeError(rw, http.StatusBadRequest, ErrorCodeProxy, err.Error(), event)
		event.Error().
			Err(err).
			Dur("duration", time.Since(start)).
			Msg("read request body failed")
		return
	}

	tok, err := p.tokens.EnsureToken(r.Context())
	if err != nil {
		writeError(rw, http.StatusInternalServerError, ErrorCodeAuth, err.Error(), event)
		event.Error().
			Err(err).
			Dur("duration", time.Since(start)).
			Msg("authentication failed")
		return
	}

	resp, err := p.forwardRequest(r, body, tok, event)
	if err != nil {
		status := http.StatusBadGateway
		var httpErr *httpError
		if errors.As(err, &httpErr) {
			status = httpErr.Status
		}
		writeError(rw, status, ErrorCodeProxy, err.Error(), event)
		event.Error().
			Err(err).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("request failed")
		return
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			event.Error().
				Err(closeErr).
				Msg("close upstream response body failed")
		}
	}()

	// Default to streaming the upstream body; error bodies are sampled for
	// the log and then relayed in full.
	var bodyReader io.Reader = resp.Body
	if resp.StatusCode >= http.StatusBadRequest {
		const maxLogBody = 64 * 1024 // limit to a manageable payload for logs.
		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxLogBody))
		if readErr != nil {
			event.Error().
				Err(readErr).
				Int("status", resp.StatusCode).
				Msg("failed to read upstream error body")
		} else {
			event.Warn().
				Int("status", resp.StatusCode).
				Bytes("upstream_body", payload).
				Msg("upstream returned error")
		}
		bodyReader = io.MultiReader(bytes.NewReader(payload), resp.Body)
	}

	cleanHopHeaders(resp.Header)
	copyResponseHeaders(rw.Header(), resp.Header)
	rw.WriteHeader(resp.StatusCode)
	rw.Flush()

	if _, copyErr := copyStream(rw, bodyReader); copyErr != nil {
		event.Error().
			Err(copyErr).
			Dur("duration", time.Since(start)).
			Msg("stream response failed")
		return
	}

	event.Info().
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("request proxied")
}

// forwardRequest clones the inbound request onto the origin, swaps in the
// bearer token, and returns the upstream response for the caller to stream.
func (p *Proxy) forwardRequest(r *http.Request, body []byte, tok *auth.Token, event zerolog.Logger) (*http.Response, error) {
	targetURL := p.singleJoiningURL(r.URL)

	var reqBody io.Reader = http.NoBody
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}

	// The inbound context aborts the upstream call when the client goes away.
	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	copyHeaders(upstreamReq.Header, r.Header)
	cleanHopHeaders(upstreamReq.Header)
	upstreamReq.Header.Del("Host")
	if p.cfg.ForwardedHeaders {
		augmentForwardHeaders(upstreamReq.Header, r)
	}

	upstreamReq.Host = targetURL.Host

	if err := auth.AttachBearer(upstreamReq, tok); err != nil {
		return nil, fmt.Errorf("attach bearer token: %w", err)
	}

	event.Debug().
		Str("upstream", targetURL.Redacted()).
		Msg("proxying request")

	resp, err := p.client.Do(upstreamReq)
	if err != nil {
		// Timeouts included: any failure to reach the remote is a bad gateway.
		return nil, &httpError{Status: http.StatusBadGateway, Err: err}
	}

	return resp, nil
}

// readBody buffers the full inbound body.
func readBody(r *http.Request, event zerolog.Logger) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			event.Error().
				Err(err).
				Msg("close request body failed")
		}
	}()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return body, nil
}

// servePreflight answers OPTIONS without contacting the upstream.
func servePreflight(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.WriteHeader(http.StatusOK)
}

// errorBody is the JSON payload of locally generated failures.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError emits a JSON error unless the response was already started.
func writeError(w *statusWriter, status int, code, message string, event zerolog.Logger) {
	if w.wroteHeader {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Error: code, Message: message}); err != nil {
		event.Debug().Err(err).Msg("write error response failed")
	}
}

// isDiscoveryPath identifies well-known OAuth discovery URL probes.
func isDiscoveryPath(path string) bool {
	return strings.HasPrefix(path, "/.well-known/oauth-authorization-server") ||
		strings.HasPrefix(path, "/.well-known/oauth-protected-resource")
}

// singleJoiningURL appends the incoming path to the origin's path.
func (p *Proxy) singleJoiningURL(requestURL *url.URL) *url.URL {
	target := cloneURL(p.baseURL)
	target.Path = singleJoiningSlash(p.baseURL.Path, requestURL.Path)
	if p.baseURL.RawPath != "" || requestURL.RawPath != "" {
		target.RawPath = singleJoiningSlash(p.baseURL.EscapedPath(), requestURL.EscapedPath())
	}
	target.RawQuery = requestURL.RawQuery
	target.Fragment = ""
	return target
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && b != "":
		return a + "/" + b
	}
	return a + b
}

// cloneURL makes a shallow copy of the provided URL pointer.
func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	clone := *u
	return &clone
}

// copyHeaders appends all headers from src into dst.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// cleanHopHeaders removes hop-by-hop headers that should not be forwarded.
func cleanHopHeaders(h http.Header) {
	for k := range hopHeaders {
		h.Del(k)
	}
}

// augmentForwardHeaders ensures X-Forwarded-* headers capture client metadata.
func augmentForwardHeaders(h http.Header, r *http.Request) {
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		prior := r.Header.Get("X-Forwarded-For")
		if prior != "" {
			clientIP = prior + ", " + clientIP
		}
		h.Set("X-Forwarded-For", clientIP)
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		h.Set("X-Forwarded-Proto", scheme)
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
	h.Set("X-Forwarded-Host", r.Host)
}

// copyResponseHeaders mirrors headers from the upstream response to the writer.
func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// httpError wraps a status code with the underlying error from the upstream round trip.
type httpError struct {
	Status int   // Status preserves the HTTP status to emit downstream.
	Err    error // Err retains the original cause for logging.
}

// Error implements the error interface for httpError.
func (e *httpError) Error() string {
	return e.Err.Error()
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *httpError) Unwrap() error {
	return e.Err
}
