// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package oauth

import (
	"fmt"
	"os/exec"
	"runtime"
)

// Launcher opens a URL for the user, normally in the default browser.
type Launcher interface {
	Open(url string) error
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(url string) error

// Open calls f(url).
func (f LauncherFunc) Open(url string) error {
	return f(url)
}

// NoopLauncher never opens anything; the authorization URL is only logged.
var NoopLauncher = LauncherFunc(func(string) error { return nil })

// SystemLauncher opens URLs with the platform's default browser.
type SystemLauncher struct {
	// GOOS selects the opener; empty means runtime.GOOS.
	GOOS string
	// start runs the command without waiting for it, replaced in tests.
	start func(*exec.Cmd) error
}

// Open starts the platform opener in the background.
func (s SystemLauncher) Open(url string) error {
	cmd, err := s.command(url)
	if err != nil {
		return err
	}

	start := s.start
	if start == nil {
		start = startDetached
	}
	if err := start(cmd); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}

func (s SystemLauncher) command(url string) (*exec.Cmd, error) {
	goos := s.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}

	switch goos {
	case "linux", "freebsd", "openbsd", "netbsd":
		return exec.Command("xdg-open", url), nil
	case "darwin":
		return exec.Command("open", url), nil
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url), nil
	default:
		return nil, fmt.Errorf("unsupported platform: %s", goos)
	}
}

// startDetached starts cmd and reaps it in the background so no zombie is left.
func startDetached(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}
