// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-core-stack/mcp-oauth-proxy/pkg/config"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp-oauth-proxy [remote-url] [local-port] [callback-port]",
		Short: "Local OAuth proxy for remote MCP servers",
		Long: `mcp-oauth-proxy listens on localhost and forwards MCP traffic to a remote
server, logging the user in through the browser on first use and attaching
the resulting bearer token to every request.

Every flag can also be set through an MCP_<FLAG> environment variable, for
example MCP_REMOTE_URL or MCP_CALLBACK_PORT.`,
		Args:         cobra.MaximumNArgs(3),
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.NewViper()
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			if err := config.ApplyArgs(v, args); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if err := configureLogging(cfg, cmd.ErrOrStderr()); err != nil {
				return err
			}

			ln, err := net.Listen("tcp", cfg.ListenAddr())
			if err != nil {
				return fmt.Errorf("bind proxy listener: %w", err)
			}
			return run(cmd.Context(), cfg, ln)
		},
	}
	cmd.SetVersionTemplate(`{{printf "mcp-oauth-proxy version %s\n" .Version}}`)
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// configureLogging installs the global zerolog logger for cfg.
func configureLogging(cfg config.Config, w io.Writer) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	out := w
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return nil
}
