// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package oauth

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/mcp-oauth-proxy/pkg/auth"
)

const (
	// DefaultCallbackPort is the local port the authorization server redirects to.
	DefaultCallbackPort = 59908
	// DefaultCallbackTimeout bounds how long an attempt waits for the redirect.
	DefaultCallbackTimeout = 5 * time.Minute
	// CallbackPath is the path component of the redirect URI.
	CallbackPath = "/callback"
)

var (
	//go:embed templates/callback_success.html
	callbackSuccessHTML string
	//go:embed templates/callback_error.html
	callbackErrorHTML string

	successPage = template.Must(template.New("success").Parse(callbackSuccessHTML))
	errorPage   = template.Must(template.New("error").Parse(callbackErrorHTML))
)

// callbackResult is the single value a listener resolves with.
type callbackResult struct {
	code string
	err  error
}

// exchangeOutcome is the result of redeeming the code, shown in the browser.
type exchangeOutcome struct {
	tok *auth.Token
	err error
}

// errorView feeds the failure page.
type errorView struct {
	Title       string
	Error       string
	Description string
}

// successView feeds the success page.
type successView struct {
	ExpiresInMinutes int
}

// CallbackListener is a one-shot local HTTP endpoint that receives the
// authorization redirect. It resolves exactly once, with a code, an
// *OAuthError, or ErrTimeout, and then shuts itself down. When it resolves
// with a code the browser is held until Complete reports the exchange.
type CallbackListener struct {
	port    int
	timeout time.Duration

	server      *http.Server
	listener    net.Listener
	timer       *time.Timer

	resultCh  chan callbackResult
	outcomeCh chan exchangeOutcome
	resolved  atomic.Bool
	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}

	logger zerolog.Logger
}

// NewCallbackListener prepares a listener for port. Port 0 binds a free port.
// A non-positive timeout falls back to DefaultCallbackTimeout.
func NewCallbackListener(port int, timeout time.Duration) *CallbackListener {
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	return &CallbackListener{
		port:      port,
		timeout:   timeout,
		resultCh:  make(chan callbackResult, 1),
		outcomeCh: make(chan exchangeOutcome, 1),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		logger:    log.With().Str("component", "oauth").Str("subsystem", "callback").Logger(),
	}
}

// Start binds the port, begins serving and arms the deadline. It returns the
// redirect URI to hand to the authorization server.
func (l *CallbackListener) Start() (string, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", l.port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", &ListenError{Addr: addr, Err: err}
	}

	l.listener = ln
	l.port = ln.Addr().(*net.TCPAddr).Port
	redirectURI := fmt.Sprintf("http://localhost:%d%s", l.port, CallbackPath)

	l.server = &http.Server{
		Handler:           http.HandlerFunc(l.handle),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// armed before serving: the handler and Close both read l.timer
	l.timer = time.AfterFunc(l.timeout, func() {
		if !l.resolve(callbackResult{err: ErrTimeout}) {
			return
		}
		l.logger.Warn().Dur("timeout", l.timeout).Msg("no authorization callback received")
		l.Close()
	})

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Debug().Err(err).Msg("callback server exited")
		}
	}()

	l.logger.Debug().Int("port", l.port).Msg("callback listener started")
	return redirectURI, nil
}

// Await blocks until the listener resolves or ctx is done.
func (l *CallbackListener) Await(ctx context.Context) (string, error) {
	select {
	case res := <-l.resultCh:
		return res.code, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Complete reports how redeeming the code ended so the waiting browser tab
// can show it. Calls after the first are ignored.
func (l *CallbackListener) Complete(tok *auth.Token, err error) {
	select {
	case l.outcomeCh <- exchangeOutcome{tok: tok, err: err}:
	default:
	}
}

// Port is the bound port, valid after Start.
func (l *CallbackListener) Port() int {
	return l.port
}

// Done is closed once the listener has released its port.
func (l *CallbackListener) Done() <-chan struct{} {
	return l.done
}

// Close stops the deadline and frees the port. Safe to call more than once.
func (l *CallbackListener) Close() {
	l.closeOnce.Do(func() {
		defer close(l.done)
		close(l.closing)
		if l.timer != nil {
			l.timer.Stop()
		}
		if l.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.server.Shutdown(ctx); err != nil {
				_ = l.server.Close()
			}
		}
		if l.listener != nil {
			_ = l.listener.Close()
		}
	})
}

// resolve delivers res if nothing was delivered before.
func (l *CallbackListener) resolve(res callbackResult) bool {
	if !l.resolved.CompareAndSwap(false, true) {
		return false
	}
	l.resultCh <- res
	return true
}

func (l *CallbackListener) handle(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	code := query.Get("code")
	oauthErr := query.Get("error")

	// Browsers probe /favicon.ico and the like; only the redirect counts.
	if code == "" && oauthErr == "" {
		http.NotFound(w, r)
		return
	}

	var res callbackResult
	if oauthErr != "" {
		res.err = &OAuthError{Code: oauthErr, Description: query.Get("error_description")}
	} else {
		res.code = code
	}
	if !l.resolve(res) {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
		return
	}
	// the deadline covers the redirect only, not the exchange that follows
	l.timer.Stop()

	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if oauthErr != "" {
		l.render(w, http.StatusOK, errorPage, errorView{
			Title:       "Authentication Failed",
			Error:       oauthErr,
			Description: query.Get("error_description"),
		})
		go l.Close()
		return
	}

	select {
	case out := <-l.outcomeCh:
		if out.err != nil {
			l.render(w, http.StatusInternalServerError, errorPage, errorView{
				Title:       "Token Exchange Failed",
				Description: out.err.Error(),
			})
		} else {
			l.render(w, http.StatusOK, successPage, successView{
				ExpiresInMinutes: int(out.tok.ExpiresIn(time.Now()) / time.Minute),
			})
		}
	case <-l.closing:
		l.render(w, http.StatusInternalServerError, errorPage, errorView{
			Title:       "Authentication Failed",
			Description: "The authorization attempt ended before the code was redeemed.",
		})
		return
	case <-r.Context().Done():
		return
	}

	// Shutdown waits for this handler to return, so it cannot run inline.
	go l.Close()
}

func (l *CallbackListener) render(w http.ResponseWriter, status int, page *template.Template, data any) {
	w.WriteHeader(status)
	if err := page.Execute(w, data); err != nil {
		l.logger.Error().Err(err).Str("page", page.Name()).Msg("render callback page failed")
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
