// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestExchanger(t *testing.T, handler http.HandlerFunc) (*Exchanger, time.Time) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	now := time.Unix(1_700_000_000, 0).UTC()
	cfg := &oauth2.Config{
		ClientID: DefaultClientID,
		Endpoint: oauth2.Endpoint{TokenURL: srv.URL + "/api/auth/token"},
	}
	ex := NewExchanger(cfg, srv.Client())
	ex.Now = func() time.Time { return now }
	return ex, now
}

func TestExchangeSendsAuthorizationCodeGrant(t *testing.T) {
	ex, now := newTestExchanger(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/auth/token", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "abc123", r.PostForm.Get("code"))
		assert.Equal(t, "http://localhost:59908/callback", r.PostForm.Get("redirect_uri"))
		assert.Equal(t, DefaultClientID, r.PostForm.Get("client_id"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id_token":"tok1","access_token":"opaque","expires_in":1800}`))
	})

	tok, err := ex.Exchange(context.Background(), "abc123", "http://localhost:59908/callback")
	require.NoError(t, err)
	assert.Equal(t, "tok1", tok.Value, "id_token takes precedence")
	assert.Equal(t, now.Add(30*time.Minute), tok.ExpiresAt)
}

func TestExchangeDefaultsExpiry(t *testing.T) {
	ex, now := newTestExchanger(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id_token":"tok1"}`))
	})

	tok, err := ex.Exchange(context.Background(), "abc123", "http://localhost/callback")
	require.NoError(t, err)
	assert.Equal(t, now.Add(DefaultExpiresIn), tok.ExpiresAt)
}

func TestExchangeFallsBackToAccessToken(t *testing.T) {
	ex, _ := newTestExchanger(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":60}`))
	})

	tok, err := ex.Exchange(context.Background(), "abc123", "http://localhost/callback")
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok.Value)
}

func TestExchangeFailures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantBody   string
		wantCause  bool
	}{
		{name: "rejected code", status: http.StatusBadRequest, body: `{"error":"invalid_grant"}`, wantStatus: http.StatusBadRequest, wantBody: `{"error":"invalid_grant"}`},
		{name: "server error", status: http.StatusInternalServerError, body: "boom", wantStatus: http.StatusInternalServerError, wantBody: "boom"},
		{name: "missing token", status: http.StatusOK, body: `{"expires_in":3600}`, wantStatus: http.StatusOK, wantBody: `{"expires_in":3600}`, wantCause: true},
		{name: "malformed json", status: http.StatusOK, body: `not-json`, wantStatus: http.StatusOK, wantBody: "not-json", wantCause: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, _ := newTestExchanger(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			tok, err := ex.Exchange(context.Background(), "abc123", "http://localhost/callback")
			require.Error(t, err)
			assert.Nil(t, tok)

			var exErr *TokenExchangeError
			require.True(t, errors.As(err, &exErr))
			assert.Equal(t, tt.wantStatus, exErr.Status)
			assert.Equal(t, tt.wantBody, exErr.Body)
			assert.Equal(t, tt.wantCause, exErr.Err != nil)
			if tt.name == "missing token" {
				assert.ErrorIs(t, err, ErrNoToken)
			}
		})
	}
}

func TestExchangeTransportFailure(t *testing.T) {
	ex, _ := newTestExchanger(t, func(w http.ResponseWriter, r *http.Request) {})
	ex.Endpoint.TokenURL = "http://127.0.0.1:1/api/auth/token"

	_, err := ex.Exchange(context.Background(), "abc123", "http://localhost/callback")

	var exErr *TokenExchangeError
	require.True(t, errors.As(err, &exErr))
	assert.Zero(t, exErr.Status)
	assert.Error(t, errors.Unwrap(exErr))
}
