// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-core-stack/mcp-oauth-proxy/pkg/auth"
)

func startListener(t *testing.T, timeout time.Duration) *CallbackListener {
	t.Helper()
	l := NewCallbackListener(0, timeout)
	redirectURI, err := l.Start()
	require.NoError(t, err)
	t.Cleanup(l.Close)

	require.NotZero(t, l.Port())
	require.Equal(t, fmt.Sprintf("http://localhost:%d/callback", l.Port()), redirectURI)
	return l
}

func getBody(t *testing.T, rawURL string) (int, string) {
	t.Helper()
	resp, err := http.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func callbackURL(l *CallbackListener, query string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s?%s", l.Port(), CallbackPath, query)
}

type page struct {
	status int
	body   string
}

// visit requests rawURL in the background, the way a browser tab waits on
// the redirect while the code is redeemed.
func visit(t *testing.T, rawURL string) <-chan page {
	t.Helper()
	ch := make(chan page, 1)
	go func() {
		resp, err := http.Get(rawURL)
		if err != nil {
			t.Errorf("visit %s: %v", rawURL, err)
			close(ch)
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Errorf("read page: %v", err)
		}
		ch <- page{status: resp.StatusCode, body: string(body)}
	}()
	return ch
}

func awaitPage(t *testing.T, ch <-chan page) page {
	t.Helper()
	select {
	case p, ok := <-ch:
		require.True(t, ok, "browser request failed")
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("browser did not receive a page")
	}
	return page{}
}

func awaitCode(t *testing.T, l *CallbackListener) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	code, err := l.Await(ctx)
	require.NoError(t, err)
	return code
}

func TestCallbackListenerResolvesWithCode(t *testing.T) {
	l := startListener(t, time.Minute)

	browser := visit(t, callbackURL(l, "code=abc123&state=claude-desktop"))
	assert.Equal(t, "abc123", awaitCode(t, l))

	select {
	case <-browser:
		t.Fatal("browser answered before the exchange finished")
	case <-time.After(50 * time.Millisecond):
	}

	l.Complete(&auth.Token{Value: "tok1", ExpiresAt: time.Now().Add(90*time.Minute + 30*time.Second)}, nil)

	got := awaitPage(t, browser)
	assert.Equal(t, http.StatusOK, got.status)
	assert.Contains(t, got.body, "Authentication Successful")
	assert.Contains(t, got.body, "close this window")
	assert.Contains(t, got.body, "Token expires in 90 minutes.")

	waitClosed(t, l)
}

func TestCallbackListenerReportsOAuthError(t *testing.T) {
	l := startListener(t, time.Minute)

	status, body := getBody(t, callbackURL(l, "error=access_denied&error_description=User+%3Cb%3Edenied%3C%2Fb%3E"))
	assert.Equal(t, http.StatusOK, status, "failure page is still a 200 so the browser renders it")
	assert.Contains(t, body, "Authentication Failed")
	assert.Contains(t, body, "access_denied")
	assert.Contains(t, body, "User &lt;b&gt;denied&lt;/b&gt;")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := l.Await(ctx)

	var oauthErr *OAuthError
	require.True(t, errors.As(err, &oauthErr))
	assert.Equal(t, "access_denied", oauthErr.Code)
	assert.Equal(t, "User <b>denied</b>", oauthErr.Description)

	waitClosed(t, l)
}

func TestCallbackListenerIgnoresUnrelatedRequests(t *testing.T) {
	l := startListener(t, time.Minute)

	status, _ := getBody(t, fmt.Sprintf("http://127.0.0.1:%d/favicon.ico", l.Port()))
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = getBody(t, callbackURL(l, "state=claude-desktop"))
	assert.Equal(t, http.StatusNotFound, status)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := l.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "unrelated requests must not resolve the listener")

	browser := visit(t, callbackURL(l, "code=late"))
	assert.Equal(t, "late", awaitCode(t, l))

	status, body := getBody(t, callbackURL(l, "code=again"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, "Callback already processed")

	l.Complete(&auth.Token{Value: "tok1", ExpiresAt: time.Now().Add(time.Hour)}, nil)
	assert.Equal(t, http.StatusOK, awaitPage(t, browser).status)
}

func TestCallbackListenerShowsExchangeFailure(t *testing.T) {
	l := startListener(t, time.Minute)

	browser := visit(t, callbackURL(l, "code=wrong"))
	assert.Equal(t, "wrong", awaitCode(t, l))

	l.Complete(nil, &TokenExchangeError{Status: http.StatusBadRequest, Body: `{"error":"invalid_grant"}`})

	got := awaitPage(t, browser)
	assert.Equal(t, http.StatusInternalServerError, got.status)
	assert.Contains(t, got.body, "Token Exchange Failed")
	assert.Contains(t, got.body, "invalid_grant")
	assert.NotContains(t, got.body, "Authentication Successful")

	waitClosed(t, l)
}

func TestCallbackListenerCloseReleasesWaitingBrowser(t *testing.T) {
	l := startListener(t, time.Minute)

	browser := visit(t, callbackURL(l, "code=abc123"))
	awaitCode(t, l)

	l.Close()

	got := awaitPage(t, browser)
	assert.Equal(t, http.StatusInternalServerError, got.status)
	assert.Contains(t, got.body, "Authentication Failed")
	waitClosed(t, l)
}

func TestCallbackListenerCodeStopsDeadline(t *testing.T) {
	l := startListener(t, 100*time.Millisecond)

	browser := visit(t, callbackURL(l, "code=abc123"))
	awaitCode(t, l)

	// past the deadline the attempt is still waiting on the exchange
	time.Sleep(200 * time.Millisecond)
	select {
	case <-l.Done():
		t.Fatal("deadline closed the listener after the code arrived")
	default:
	}

	l.Complete(&auth.Token{Value: "tok1", ExpiresAt: time.Now().Add(time.Hour)}, nil)
	assert.Contains(t, awaitPage(t, browser).body, "Authentication Successful")
	waitClosed(t, l)
}

func TestCallbackListenerTimeoutFreesPort(t *testing.T) {
	l := startListener(t, 50*time.Millisecond)
	port := l.Port()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := l.Await(ctx)
	require.ErrorIs(t, err, ErrTimeout)

	waitClosed(t, l)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err, "port should be released after the deadline")
	require.NoError(t, ln.Close())
}

func TestCallbackListenerCloseIsIdempotent(t *testing.T) {
	l := startListener(t, time.Minute)

	assert.NotPanics(t, func() {
		l.Close()
		l.Close()
	})
	waitClosed(t, l)

	unstarted := NewCallbackListener(0, 0)
	assert.NotPanics(t, unstarted.Close)
	assert.Equal(t, DefaultCallbackTimeout, unstarted.timeout)
}

func TestCallbackListenerBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	l := NewCallbackListener(busy.Addr().(*net.TCPAddr).Port, time.Minute)
	_, err = l.Start()

	var listenErr *ListenError
	require.True(t, errors.As(err, &listenErr))
	assert.True(t, strings.HasPrefix(listenErr.Addr, "127.0.0.1:"))
}

func waitClosed(t *testing.T, l *CallbackListener) {
	t.Helper()
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("callback listener did not close")
	}
}
