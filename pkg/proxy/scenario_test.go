// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-core-stack/mcp-oauth-proxy/pkg/oauth"
)

// remoteServer plays both the authorization server and the MCP endpoint.
type remoteServer struct {
	*httptest.Server
	exchanges atomic.Int32
	mcpCalls  atomic.Int32
}

func newRemoteServer(t *testing.T) *remoteServer {
	t.Helper()
	rs := &remoteServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/token", func(w http.ResponseWriter, r *http.Request) {
		rs.exchanges.Add(1)
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "abc123" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id_token":"tok1","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/api/mcp", func(w http.ResponseWriter, r *http.Request) {
		rs.mcpCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"result":"ok"}`)
	})
	rs.Server = httptest.NewServer(mux)
	t.Cleanup(rs.Close)
	return rs
}

// browserReturning completes the login by calling the redirect URI with query.
func browserReturning(t *testing.T, query string, opens *atomic.Int32) oauth.Launcher {
	t.Helper()
	return oauth.LauncherFunc(func(authURL string) error {
		opens.Add(1)
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		redirect := strings.Replace(u.Query().Get("redirect_uri"), "localhost", "127.0.0.1", 1)
		go func() {
			resp, err := http.Get(redirect + "?" + query)
			if err != nil {
				t.Errorf("callback request failed: %v", err)
				return
			}
			_ = resp.Body.Close()
		}()
		return nil
	})
}

func newScenarioProxy(t *testing.T, remote *remoteServer, launcher oauth.Launcher) *httptest.Server {
	t.Helper()
	cfg := testConfig(t, remote.URL)

	coordinator, err := oauth.NewCoordinator(oauth.Config{
		AuthURL:         remote.URL + "/api/auth/authorize",
		TokenURL:        remote.URL + "/api/auth/token",
		CallbackPort:    0,
		CallbackTimeout: 5 * time.Second,
		Launcher:        launcher,
	})
	if err != nil {
		t.Fatalf("create coordinator: %v", err)
	}
	t.Cleanup(coordinator.Close)

	handler, err := New(cfg, coordinator, nil)
	if err != nil {
		t.Fatalf("create proxy: %v", err)
	}
	front := httptest.NewServer(handler)
	t.Cleanup(front.Close)
	return front
}

func TestScenarioFirstRequestAuthorizesThenReusesToken(t *testing.T) {
	remote := newRemoteServer(t)
	var opens atomic.Int32
	front := newScenarioProxy(t, remote, browserReturning(t, "code=abc123&state=claude-desktop", &opens))

	for i := 0; i < 2; i++ {
		resp, err := http.Get(front.URL + "/api/mcp")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			t.Fatalf("read body %d: %v", i, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d: %s", i, resp.StatusCode, body)
		}
		if string(body) != `{"result":"ok"}` {
			t.Fatalf("request %d: unexpected body %s", i, body)
		}
	}

	if got := opens.Load(); got != 1 {
		t.Fatalf("expected one browser launch, got %d", got)
	}
	if got := remote.exchanges.Load(); got != 1 {
		t.Fatalf("expected one token exchange, got %d", got)
	}
	if got := remote.mcpCalls.Load(); got != 2 {
		t.Fatalf("expected two upstream calls, got %d", got)
	}
}

func TestScenarioDeniedLoginReturnsAuthError(t *testing.T) {
	remote := newRemoteServer(t)
	var opens atomic.Int32
	front := newScenarioProxy(t, remote, browserReturning(t, "error=access_denied", &opens))

	resp, err := http.Get(front.URL + "/api/mcp")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	var got errorBody
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.Error != ErrorCodeAuth || !strings.Contains(got.Message, "access_denied") {
		t.Fatalf("unexpected error body: %+v", got)
	}
	if remote.exchanges.Load() != 0 || remote.mcpCalls.Load() != 0 {
		t.Fatalf("denied login must not reach the remote server")
	}
}
