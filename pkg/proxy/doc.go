// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy provides the local HTTP reverse proxy that sits between an MCP
// client and a remote OAuth-protected MCP server. CORS preflights are answered
// locally. Every other request is buffered, given a Bearer token from a
// TokenProvider and forwarded to the remote origin, with the response streamed
// back as it arrives. Authentication failures surface as 500 auth_error and
// transport failures as 502 proxy_error, both as JSON bodies.
package proxy
