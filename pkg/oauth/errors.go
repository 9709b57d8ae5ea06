// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package oauth

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when no callback arrives before the listener deadline.
var ErrTimeout = errors.New("authentication timeout - please try again")

// ErrNoToken means the token endpoint answered 2xx without a token field.
var ErrNoToken = errors.New("no id_token in response")

// OAuthError is reported by the authorization server through the callback,
// typically because the user denied access.
type OAuthError struct {
	Code        string
	Description string
}

// Error implements the error interface for OAuthError.
func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth error: %s: %s", e.Code, e.Description)
	}
	return "oauth error: " + e.Code
}

// TokenExchangeError means the token endpoint rejected the code or answered
// with something that does not carry a token.
type TokenExchangeError struct {
	Status int    // Status is the HTTP status returned by the token endpoint.
	Body   string // Body is the (possibly truncated) response payload.
	Err    error  // Err is set when the failure happened before or while decoding.
}

// Error implements the error interface for TokenExchangeError.
func (e *TokenExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token exchange failed: %d %s: %v", e.Status, e.Body, e.Err)
	}
	return fmt.Sprintf("token exchange failed: %d %s", e.Status, e.Body)
}

// Unwrap exposes the underlying cause, if any.
func (e *TokenExchangeError) Unwrap() error {
	return e.Err
}

// LaunchError is a non-fatal failure to open the system browser. The user can
// still visit URL by hand.
type LaunchError struct {
	URL string
	Err error
}

// Error implements the error interface for LaunchError.
func (e *LaunchError) Error() string {
	return fmt.Sprintf("could not open browser: %v", e.Err)
}

// Unwrap exposes the launcher failure.
func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ListenError means the callback port could not be bound.
type ListenError struct {
	Addr string
	Err  error
}

// Error implements the error interface for ListenError.
func (e *ListenError) Error() string {
	return fmt.Sprintf("start callback listener on %s: %v", e.Addr, e.Err)
}

// Unwrap exposes the bind failure.
func (e *ListenError) Unwrap() error {
	return e.Err
}
