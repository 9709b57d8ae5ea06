// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Configuration keys. Each is settable by flag, by MCP_<KEY> in the
// environment, and the first three also by positional argument.
const (
	KeyRemoteURL          = "remote_url"
	KeyLocalPort          = "local_port"
	KeyCallbackPort       = "callback_port"
	KeyListenHost         = "listen_host"
	KeyClientID           = "client_id"
	KeyState              = "state"
	KeyCallbackTimeout    = "callback_timeout"
	KeyRequestTimeout     = "request_timeout"
	KeyInsecureSkipVerify = "upstream_insecure"
	KeyForwardedHeaders   = "forwarded_headers"
	KeyHideDiscovery      = "hide_discovery"
	KeyNoBrowser          = "no_browser"
	KeyLogLevel           = "log_level"
	KeyLogFormat          = "log_format"
	KeyMetricsAddr        = "metrics_addr"
	KeyServerReadTimeout  = "server_read_timeout"
	KeyServerWriteTimeout = "server_write_timeout"
	KeyServerIdleTimeout  = "server_idle_timeout"
	KeyGracefulShutdown   = "graceful_shutdown"
)

const (
	envPrefix = "MCP"

	DefaultRemoteURL         = "https://mcp-auth-demo-green.vercel.app/api/mcp"
	DefaultLocalPort         = 3001
	DefaultCallbackPort      = 59908
	DefaultListenHost        = "127.0.0.1"
	DefaultClientID          = "claude-desktop-mcp"
	DefaultState             = "claude-desktop"
	DefaultCallbackTimeout   = 5 * time.Minute
	DefaultRequestTimeout    = 60 * time.Second
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultServerReadTimeout = 30 * time.Second
	DefaultServerIdleTimeout = 120 * time.Second
	DefaultGracefulShutdown  = 10 * time.Second

	// DefaultServerWriteTimeout is disabled so a request can wait out an
	// interactive login.
	DefaultServerWriteTimeout time.Duration = 0

	authorizePath = "/api/auth/authorize"
	tokenPath     = "/api/auth/token"
	mcpPathMarker = "/api/mcp"
)

// legacyEnv keeps the variable names of the signing proxy working.
var legacyEnv = map[string]string{
	KeyRemoteURL: "MCP_UPSTREAM_URL",
}

// Config captures runtime settings for the proxy.
type Config struct {
	// RemoteURL is the MCP endpoint as configured by the user.
	RemoteURL *url.URL
	// Origin is RemoteURL with its /api/mcp suffix removed; requests and the
	// OAuth endpoints are resolved against it.
	Origin                  *url.URL
	LocalPort               int
	CallbackPort            int
	ListenHost              string
	ClientID                string
	State                   string
	CallbackTimeout         time.Duration
	RequestTimeout          time.Duration
	InsecureSkipVerify      bool
	ForwardedHeaders        bool
	HideDiscovery           bool
	NoBrowser               bool
	LogLevel                string
	LogFormat               string
	MetricsAddr             string
	ServerReadTimeout       time.Duration
	ServerWriteTimeout      time.Duration
	ServerIdleTimeout       time.Duration
	GracefulShutdownTimeout time.Duration
}

// ListenAddr is the host:port the proxy binds.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.LocalPort))
}

// AuthorizeURL is the authorization endpoint of the remote server.
func (c Config) AuthorizeURL() string {
	return c.endpoint(authorizePath)
}

// TokenURL is the token endpoint of the remote server.
func (c Config) TokenURL() string {
	return c.endpoint(tokenPath)
}

// LocalEndpoint is the URL MCP clients should be pointed at.
func (c Config) LocalEndpoint() string {
	path := "/"
	if c.RemoteURL != nil && c.Origin != nil {
		path = strings.TrimPrefix(c.RemoteURL.Path, strings.TrimSuffix(c.Origin.Path, "/"))
		if path == "" {
			path = "/"
		}
	}
	return fmt.Sprintf("http://localhost:%d%s", c.LocalPort, path)
}

func (c Config) endpoint(path string) string {
	if c.Origin == nil {
		return ""
	}
	u := *c.Origin
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// NewViper returns a viper instance with defaults and environment bindings.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	defaults := map[string]any{
		KeyRemoteURL:          DefaultRemoteURL,
		KeyLocalPort:          DefaultLocalPort,
		KeyCallbackPort:       DefaultCallbackPort,
		KeyListenHost:         DefaultListenHost,
		KeyClientID:           DefaultClientID,
		KeyState:              DefaultState,
		KeyCallbackTimeout:    DefaultCallbackTimeout,
		KeyRequestTimeout:     DefaultRequestTimeout,
		KeyInsecureSkipVerify: false,
		KeyForwardedHeaders:   false,
		KeyHideDiscovery:      false,
		KeyNoBrowser:          false,
		KeyLogLevel:           DefaultLogLevel,
		KeyLogFormat:          DefaultLogFormat,
		KeyMetricsAddr:        "",
		KeyServerReadTimeout:  DefaultServerReadTimeout,
		KeyServerWriteTimeout: DefaultServerWriteTimeout,
		KeyServerIdleTimeout:  DefaultServerIdleTimeout,
		KeyGracefulShutdown:   DefaultGracefulShutdown,
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
		envNames := []string{key, envPrefix + "_" + strings.ToUpper(key)}
		if legacy, ok := legacyEnv[key]; ok {
			envNames = append(envNames, legacy)
		}
		// BindEnv only fails when no key is given.
		_ = v.BindEnv(envNames...)
	}
	return v
}

// RegisterFlags declares the command line flags for every setting.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(flagName(KeyRemoteURL), DefaultRemoteURL, "remote MCP server URL")
	flags.Int(flagName(KeyLocalPort), DefaultLocalPort, "local proxy port")
	flags.Int(flagName(KeyCallbackPort), DefaultCallbackPort, "local OAuth callback port")
	flags.String(flagName(KeyListenHost), DefaultListenHost, "interface the proxy binds")
	flags.String(flagName(KeyClientID), DefaultClientID, "OAuth client_id sent to the authorization server")
	flags.String(flagName(KeyState), DefaultState, "OAuth state sent with the authorization request")
	flags.Duration(flagName(KeyCallbackTimeout), DefaultCallbackTimeout, "how long to wait for the browser login")
	flags.Duration(flagName(KeyRequestTimeout), DefaultRequestTimeout, "time to wait for upstream response headers")
	flags.Bool(flagName(KeyInsecureSkipVerify), false, "skip upstream TLS verification (development only)")
	flags.Bool(flagName(KeyForwardedHeaders), false, "add X-Forwarded-* headers to upstream requests")
	flags.Bool(flagName(KeyHideDiscovery), false, "answer OAuth discovery probes locally with 404")
	flags.Bool(flagName(KeyNoBrowser), false, "log the authorization URL instead of opening a browser")
	flags.String(flagName(KeyLogLevel), DefaultLogLevel, "log level (trace, debug, info, warn, error)")
	flags.String(flagName(KeyLogFormat), DefaultLogFormat, "log format (json or console)")
	flags.String(flagName(KeyMetricsAddr), "", "serve Prometheus metrics on this address (disabled when empty)")
	flags.Duration(flagName(KeyServerReadTimeout), DefaultServerReadTimeout, "proxy server read timeout")
	flags.Duration(flagName(KeyServerWriteTimeout), DefaultServerWriteTimeout, "proxy server write timeout (0 disables)")
	flags.Duration(flagName(KeyServerIdleTimeout), DefaultServerIdleTimeout, "proxy server idle timeout")
	flags.Duration(flagName(KeyGracefulShutdown), DefaultGracefulShutdown, "graceful shutdown timeout")
}

// BindFlags wires flags registered by RegisterFlags into v.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, fmt.Errorf("bind flag %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// ApplyArgs maps the positional arguments [remote-url] [local-port]
// [callback-port] onto v. Positional values win over flags and environment.
func ApplyArgs(v *viper.Viper, args []string) error {
	if len(args) > 3 {
		return fmt.Errorf("expected at most 3 arguments, got %d", len(args))
	}
	if len(args) > 0 {
		v.Set(KeyRemoteURL, args[0])
	}
	for i, key := range []string{KeyLocalPort, KeyCallbackPort} {
		if len(args) <= i+1 {
			break
		}
		port, err := strconv.Atoi(args[i+1])
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", flagName(key), args[i+1], err)
		}
		v.Set(key, port)
	}
	return nil
}

// Load reads configuration from v and validates it.
func Load(v *viper.Viper) (Config, error) {
	remoteRaw := strings.TrimSpace(v.GetString(KeyRemoteURL))
	if remoteRaw == "" {
		return Config{}, errors.New("remote URL is required")
	}

	remote, err := url.Parse(remoteRaw)
	if err != nil {
		return Config{}, fmt.Errorf("invalid remote URL: %w", err)
	}
	if !remote.IsAbs() || remote.Host == "" {
		return Config{}, errors.New("remote URL must be absolute (scheme://host)")
	}
	if remote.Scheme != "http" && remote.Scheme != "https" {
		return Config{}, fmt.Errorf("unsupported remote URL scheme %q", remote.Scheme)
	}

	localPort, err := getPort(v, KeyLocalPort)
	if err != nil {
		return Config{}, err
	}
	callbackPort, err := getPort(v, KeyCallbackPort)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RemoteURL:               remote,
		Origin:                  originOf(remote),
		LocalPort:               localPort,
		CallbackPort:            callbackPort,
		ListenHost:              getString(v, KeyListenHost, DefaultListenHost),
		ClientID:                getString(v, KeyClientID, DefaultClientID),
		State:                   getString(v, KeyState, DefaultState),
		CallbackTimeout:         getDuration(v, KeyCallbackTimeout, DefaultCallbackTimeout),
		RequestTimeout:          getDuration(v, KeyRequestTimeout, DefaultRequestTimeout),
		InsecureSkipVerify:      v.GetBool(KeyInsecureSkipVerify),
		ForwardedHeaders:        v.GetBool(KeyForwardedHeaders),
		HideDiscovery:           v.GetBool(KeyHideDiscovery),
		NoBrowser:               v.GetBool(KeyNoBrowser),
		LogLevel:                strings.ToLower(getString(v, KeyLogLevel, DefaultLogLevel)),
		LogFormat:               strings.ToLower(getString(v, KeyLogFormat, DefaultLogFormat)),
		MetricsAddr:             strings.TrimSpace(v.GetString(KeyMetricsAddr)),
		ServerReadTimeout:       getDuration(v, KeyServerReadTimeout, DefaultServerReadTimeout),
		ServerWriteTimeout:      getDuration(v, KeyServerWriteTimeout, DefaultServerWriteTimeout),
		ServerIdleTimeout:       getDuration(v, KeyServerIdleTimeout, DefaultServerIdleTimeout),
		GracefulShutdownTimeout: getDuration(v, KeyGracefulShutdown, DefaultGracefulShutdown),
	}

	if cfg.CallbackTimeout <= 0 {
		return Config{}, errors.New("callback timeout must be positive")
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return Config{}, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return cfg, nil
}

// originOf strips everything from the first /api/mcp segment on.
func originOf(remote *url.URL) *url.URL {
	origin := *remote
	origin.RawQuery = ""
	origin.Fragment = ""
	origin.RawPath = ""
	if idx := strings.Index(remote.Path, mcpPathMarker); idx >= 0 {
		origin.Path = remote.Path[:idx]
	}
	return &origin
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

func getString(v *viper.Viper, key, fallback string) string {
	if val := strings.TrimSpace(v.GetString(key)); val != "" {
		return val
	}
	return fallback
}

func getPort(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", flagName(key), raw, err)
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("%s %d out of range", flagName(key), port)
	}
	return port, nil
}

func getDuration(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	switch val := v.Get(key).(type) {
	case nil:
		return fallback
	case time.Duration:
		return val
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(val))
		if err != nil {
			return fallback
		}
		return parsed
	default:
		return v.GetDuration(key)
	}
}
