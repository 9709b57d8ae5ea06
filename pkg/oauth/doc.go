// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package oauth obtains bearer tokens for the proxy through a browser-mediated
// authorization-code flow.
//
// A Coordinator answers token requests from its cache and, on a miss, runs a
// single authorization attempt at a time: it binds a short-lived
// CallbackListener, opens the system browser at the authorization endpoint,
// waits for the redirect carrying the code, and exchanges the code at the
// token endpoint. Concurrent callers that arrive while an attempt is pending
// share its outcome.
package oauth
