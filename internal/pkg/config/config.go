// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package config resolves the sandboxd runtime configuration from an optional
// TOML file overlaid with the environment. Environment values win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/sylabs/sandboxd/pkg/sylog"
)

// Defaults for values not set by file or environment.
const (
	DefaultControlPort    = 3000
	DefaultCommandTimeout = 30 * time.Second
	DefaultCleanupEvery   = 30 * time.Second
	DefaultTempFileMaxAge = 60 * time.Second
	DefaultSessionCwd     = "/workspace"
	DefaultSleepAfter     = 10 * time.Minute
)

// Config is the resolved control-plane configuration.
type Config struct {
	// SandboxID identifies this sandbox instance. Required for routing.
	SandboxID string `toml:"sandbox_id"`
	// SandboxName is the human-facing name, used for the default session.
	SandboxName string `toml:"sandbox_name"`
	// Port is the control-plane listen port.
	Port int `toml:"port"`
	// BaseURL is the public base domain for preview URLs, empty in local dev.
	BaseURL string `toml:"base_url"`
	// StateDir holds the persisted sandbox metadata database.
	StateDir string `toml:"state_dir"`
	// TempDir is where per-command IPC files live. Empty selects a directory
	// under os.TempDir at startup.
	TempDir string `toml:"temp_dir"`
	// SessionID, when set, names the implicit default session.
	SessionID string `toml:"session_id"`
	// SessionCwd is the initial working directory for new sessions.
	SessionCwd string `toml:"session_cwd"`
	// CommandTimeout bounds a blocking exec.
	CommandTimeout time.Duration `toml:"command_timeout"`
	// CleanupInterval is the temp file sweeper period.
	CleanupInterval time.Duration `toml:"cleanup_interval"`
	// TempFileMaxAge is the age past which unreferenced temp files are swept.
	TempFileMaxAge time.Duration `toml:"temp_file_max_age"`
	// SleepAfter is the inactivity window before the container may sleep.
	// Zero means never.
	SleepAfter time.Duration `toml:"sleep_after"`
	// KeepAlive enables the background activity renewal ticker.
	KeepAlive bool `toml:"keep_alive"`
	// BlockedApexes lists hostname apexes where preview subdomains cannot be
	// served and port exposure must be rejected.
	BlockedApexes []string `toml:"blocked_apexes"`
}

// New returns a Config populated with defaults, the TOML file at path (when
// non-empty), and the process environment, in increasing precedence.
func New(path string) (*Config, error) {
	c := &Config{
		Port:            DefaultControlPort,
		SessionCwd:      DefaultSessionCwd,
		CommandTimeout:  DefaultCommandTimeout,
		CleanupInterval: DefaultCleanupEvery,
		TempFileMaxAge:  DefaultTempFileMaxAge,
		SleepAfter:      DefaultSleepAfter,
		BlockedApexes:   []string{"workers.dev"},
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("while reading config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("while parsing config file %s: %w", path, err)
		}
		sylog.Debugf("Loaded configuration from %s", path)
	}

	c.applyEnv()

	if c.SandboxName == "" {
		c.SandboxName = c.SandboxID
	}
	return c, nil
}

func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setMillis := func(key string, dst *time.Duration) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		ms, err := strconv.Atoi(v)
		if err != nil {
			sylog.Warningf("Ignoring non-numeric %s=%q", key, v)
			return
		}
		*dst = time.Duration(ms) * time.Millisecond
	}

	setString("SANDBOX_ID", &c.SandboxID)
	setString("SANDBOX_NAME", &c.SandboxName)
	setString("BASE_URL", &c.BaseURL)
	setString("STATE_DIR", &c.StateDir)
	setString("TEMP_DIR", &c.TempDir)
	setString("SESSION_ID", &c.SessionID)
	setString("SESSION_CWD", &c.SessionCwd)

	if v, ok := os.LookupEnv("PORT"); ok {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			sylog.Warningf("Ignoring invalid PORT=%q", v)
		} else {
			c.Port = p
		}
	}

	setMillis("COMMAND_TIMEOUT_MS", &c.CommandTimeout)
	setMillis("CLEANUP_INTERVAL_MS", &c.CleanupInterval)
	setMillis("TEMP_FILE_MAX_AGE_MS", &c.TempFileMaxAge)
}

// DefaultSessionName returns the name of the implicit session used when a
// request does not carry an explicit session id.
func (c *Config) DefaultSessionName() string {
	if c.SessionID != "" {
		return c.SessionID
	}
	if c.SandboxName != "" {
		return "sandbox-" + c.SandboxName
	}
	return "sandbox-default"
}
