// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package auth

import (
	"errors"
	"net/http"
)

// HeaderAuthorization is the header carrying the bearer credential upstream.
const HeaderAuthorization = "Authorization"

// ErrEmptyToken is returned when a bearer header is requested for a missing token.
var ErrEmptyToken = errors.New("bearer token must be set")

// AttachBearer mutates the request so it carries tok as its only Authorization
// value, replacing anything the client sent.
func AttachBearer(req *http.Request, tok *Token) error {
	if tok == nil || tok.Value == "" {
		return ErrEmptyToken
	}
	req.Header.Del(HeaderAuthorization)
	req.Header.Set(HeaderAuthorization, "Bearer "+tok.Value)
	return nil
}
