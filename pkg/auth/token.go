// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package auth

import (
	"sync/atomic"
	"time"
)

// RefreshBuffer is how long before hard expiry a cached token stops being
// handed out, forcing re-authentication ahead of time.
const RefreshBuffer = 5 * time.Minute

// Token is an opaque bearer credential together with its absolute expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// ExpiresIn reports the remaining lifetime of the token relative to now.
func (t *Token) ExpiresIn(now time.Time) time.Duration {
	if t == nil {
		return 0
	}
	return t.ExpiresAt.Sub(now)
}

// TokenCache holds at most one token. Reads are lock free; Set atomically
// replaces whatever was stored before.
type TokenCache struct {
	current atomic.Pointer[Token]
	// Now is the clock used for validity checks.
	Now func() time.Time
}

// NewTokenCache returns an empty cache using the wall clock.
func NewTokenCache() *TokenCache {
	return &TokenCache{Now: time.Now}
}

// Get returns the cached token if one is stored and it is not inside the
// refresh buffer of its expiry.
func (c *TokenCache) Get() (*Token, bool) {
	tok := c.current.Load()
	if tok == nil || tok.Value == "" {
		return nil, false
	}
	if !c.Now().Before(tok.ExpiresAt.Add(-RefreshBuffer)) {
		return nil, false
	}
	return tok, true
}

// Set stores tok, discarding the previous token.
func (c *TokenCache) Set(tok *Token) {
	if tok == nil {
		return
	}
	stored := *tok
	c.current.Store(&stored)
}
