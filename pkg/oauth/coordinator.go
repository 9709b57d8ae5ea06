// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/go-core-stack/mcp-oauth-proxy/pkg/auth"
	"github.com/go-core-stack/mcp-oauth-proxy/pkg/metrics"
)

const (
	// DefaultClientID identifies the proxy to the authorization server.
	DefaultClientID = "claude-desktop-mcp"
	// DefaultState is sent with every authorization request.
	DefaultState = "claude-desktop"

	attemptKey = "authorize"
)

// Config describes the authorization server and the local side of the flow.
type Config struct {
	AuthURL         string
	TokenURL        string
	ClientID        string
	State           string
	CallbackPort    int
	CallbackTimeout time.Duration
	HTTPClient      *http.Client
	Launcher        Launcher
	Metrics         *metrics.Metrics
}

// attempt is the state of one in-progress authorization.
type attempt struct {
	authorizationURL string
	callbackPort     int
	deadline         time.Time
}

// Coordinator hands out bearer tokens, running at most one interactive
// authorization at a time.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	cache     *auth.TokenCache
	group     singleflight.Group
	oauthCfg  oauth2.Config
	exchanger *Exchanger
	launcher  Launcher
	state     string

	callbackPort    int
	callbackTimeout time.Duration

	mu      sync.Mutex
	pending *attempt

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewCoordinator validates cfg and returns a coordinator with an empty cache.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, errors.New("authorization and token endpoints are required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.State == "" {
		cfg.State = DefaultState
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = DefaultCallbackTimeout
	}
	if cfg.Launcher == nil {
		cfg.Launcher = SystemLauncher{}
	}

	oauthCfg := oauth2.Config{
		ClientID: cfg.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		ctx:             ctx,
		cancel:          cancel,
		cache:           auth.NewTokenCache(),
		oauthCfg:        oauthCfg,
		exchanger:       NewExchanger(&oauthCfg, cfg.HTTPClient),
		launcher:        cfg.Launcher,
		state:           cfg.State,
		callbackPort:    cfg.CallbackPort,
		callbackTimeout: cfg.CallbackTimeout,
		metrics:         cfg.Metrics,
		logger:          log.With().Str("component", "oauth").Logger(),
	}, nil
}

// Cache exposes the token cache backing the coordinator.
func (c *Coordinator) Cache() *auth.TokenCache {
	return c.cache
}

// EnsureToken returns a valid token, authorizing interactively when the cache
// has none. Callers arriving during a pending attempt wait for its outcome.
// Cancelling ctx stops this caller from waiting; the attempt itself keeps
// running until its callback deadline.
func (c *Coordinator) EnsureToken(ctx context.Context) (*auth.Token, error) {
	if tok, ok := c.cache.Get(); ok {
		c.metrics.ObserveTokenLookup(true)
		return tok, nil
	}
	c.metrics.ObserveTokenLookup(false)

	ch := c.group.DoChan(attemptKey, func() (any, error) {
		// a previous attempt may have finished between the miss and here
		if tok, ok := c.cache.Get(); ok {
			return tok, nil
		}
		return c.authorize(c.ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*auth.Token), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AuthorizationURL returns the URL of the pending attempt, if any.
func (c *Coordinator) AuthorizationURL() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return "", false
	}
	return c.pending.authorizationURL, true
}

// Close aborts a pending attempt. Subsequent EnsureToken calls that miss the
// cache fail immediately.
func (c *Coordinator) Close() {
	c.cancel()
}

func (c *Coordinator) authorize(ctx context.Context) (*auth.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.logger.Info().Msg("starting OAuth authentication flow")

	listener := NewCallbackListener(c.callbackPort, c.callbackTimeout)
	redirectURI, err := listener.Start()
	if err != nil {
		c.metrics.ObserveAttempt(metrics.OutcomeFailure)
		return nil, err
	}
	defer listener.Close()

	oauthCfg := c.oauthCfg
	oauthCfg.RedirectURL = redirectURI
	authURL := oauthCfg.AuthCodeURL(c.state)

	pending := &attempt{
		authorizationURL: authURL,
		callbackPort:     listener.Port(),
		deadline:         time.Now().Add(c.callbackTimeout),
	}
	c.setPending(pending)
	defer c.setPending(nil)

	c.logger.Info().
		Str("authorization_url", pending.authorizationURL).
		Int("callback_port", pending.callbackPort).
		Time("deadline", pending.deadline).
		Msg("opening browser for authentication; visit the URL manually if it does not open")
	if err := c.launcher.Open(authURL); err != nil {
		c.logger.Warn().
			Err(&LaunchError{URL: authURL, Err: err}).
			Msg("could not open browser; please visit the authorization URL manually")
	}

	code, err := listener.Await(ctx)
	if err != nil {
		c.metrics.ObserveAttempt(outcomeOf(err))
		c.logger.Error().Err(err).Msg("authorization failed")
		return nil, err
	}

	c.logger.Info().Msg("exchanging authorization code for token")
	tok, err := c.exchanger.Exchange(ctx, code, redirectURI)
	listener.Complete(tok, err)
	if err != nil {
		c.metrics.ObserveAttempt(metrics.OutcomeExchangeError)
		c.logger.Error().Err(err).Msg("token exchange error")
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	c.cache.Set(tok)
	c.metrics.ObserveAttempt(metrics.OutcomeSuccess)
	c.logger.Info().
		Time("expires_at", tok.ExpiresAt).
		Dur("expires_in", tok.ExpiresIn(time.Now())).
		Msg("authentication successful")

	return tok, nil
}

func (c *Coordinator) setPending(a *attempt) {
	c.mu.Lock()
	c.pending = a
	c.mu.Unlock()
}

func outcomeOf(err error) string {
	var oauthErr *OAuthError
	switch {
	case errors.As(err, &oauthErr):
		return metrics.OutcomeOAuthError
	case errors.Is(err, ErrTimeout):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeFailure
	}
}
