// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/go-core-stack/mcp-oauth-proxy/pkg/auth"
)

const (
	// DefaultExpiresIn is assumed when the token response omits expires_in.
	DefaultExpiresIn = 3600 * time.Second

	maxTokenResponse = 1 << 20
)

// tokenResponse is the subset of the token endpoint payload the proxy reads.
type tokenResponse struct {
	IDToken     string `json:"id_token"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Exchanger trades an authorization code for a bearer token at the token
// endpoint.
type Exchanger struct {
	Endpoint   oauth2.Endpoint
	ClientID   string
	HTTPClient *http.Client
	Now        func() time.Time
}

// NewExchanger builds an exchanger for cfg's token endpoint and client id.
func NewExchanger(cfg *oauth2.Config, client *http.Client) *Exchanger {
	if client == nil {
		client = http.DefaultClient
	}
	return &Exchanger{
		Endpoint:   cfg.Endpoint,
		ClientID:   cfg.ClientID,
		HTTPClient: client,
		Now:        time.Now,
	}
}

// Exchange POSTs the code with the redirect URI used to obtain it. The
// id_token field is the credential; access_token is used only when the
// server does not send an id_token.
func (e *Exchanger) Exchange(ctx context.Context, code, redirectURI string) (*auth.Token, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
		"client_id":    {e.ClientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, &TokenExchangeError{Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return nil, &TokenExchangeError{Status: resp.StatusCode, Err: fmt.Errorf("read token response: %w", err)}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &TokenExchangeError{Status: resp.StatusCode, Body: string(body)}
	}

	var payload tokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &TokenExchangeError{Status: resp.StatusCode, Body: string(body), Err: fmt.Errorf("decode token response: %w", err)}
	}

	value := payload.IDToken
	if value == "" {
		value = payload.AccessToken
	}
	if value == "" {
		return nil, &TokenExchangeError{Status: resp.StatusCode, Body: string(body), Err: ErrNoToken}
	}

	lifetime := DefaultExpiresIn
	if payload.ExpiresIn > 0 {
		lifetime = time.Duration(payload.ExpiresIn) * time.Second
	}

	return &auth.Token{
		Value:     value,
		ExpiresAt: e.now().Add(lifetime),
	}, nil
}

func (e *Exchanger) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
