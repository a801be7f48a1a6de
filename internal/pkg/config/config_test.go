// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestDefaults(t *testing.T) {
	c, err := New("")
	assert.NilError(t, err)
	assert.Equal(t, c.Port, DefaultControlPort)
	assert.Equal(t, c.CommandTimeout, DefaultCommandTimeout)
	assert.Equal(t, c.SessionCwd, DefaultSessionCwd)
	assert.Equal(t, c.TempFileMaxAge, DefaultTempFileMaxAge)
	assert.DeepEqual(t, c.BlockedApexes, []string{"workers.dev"})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SANDBOX_ID", "sbx-42")
	t.Setenv("SANDBOX_NAME", "fortytwo")
	t.Setenv("PORT", "3100")
	t.Setenv("COMMAND_TIMEOUT_MS", "5000")
	t.Setenv("TEMP_FILE_MAX_AGE_MS", "120000")
	t.Setenv("SESSION_CWD", "/srv/work")

	c, err := New("")
	assert.NilError(t, err)
	assert.Equal(t, c.SandboxID, "sbx-42")
	assert.Equal(t, c.SandboxName, "fortytwo")
	assert.Equal(t, c.Port, 3100)
	assert.Equal(t, c.CommandTimeout, 5*time.Second)
	assert.Equal(t, c.TempFileMaxAge, 2*time.Minute)
	assert.Equal(t, c.SessionCwd, "/srv/work")
}

func TestInvalidEnvValuesIgnored(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	t.Setenv("COMMAND_TIMEOUT_MS", "soon")

	c, err := New("")
	assert.NilError(t, err)
	assert.Equal(t, c.Port, DefaultControlPort)
	assert.Equal(t, c.CommandTimeout, DefaultCommandTimeout)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandboxd.toml")
	content := `
sandbox_id = "file-sbx"
port = 3200
base_url = "https://sandbox.example.com"
blocked_apexes = ["workers.dev", "pages.dev"]
`
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := New(path)
	assert.NilError(t, err)
	assert.Equal(t, c.SandboxID, "file-sbx")
	assert.Equal(t, c.Port, 3200)
	assert.Equal(t, c.BaseURL, "https://sandbox.example.com")
	assert.DeepEqual(t, c.BlockedApexes, []string{"workers.dev", "pages.dev"})
}

func TestEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandboxd.toml")
	assert.NilError(t, os.WriteFile(path, []byte("port = 3200\n"), 0o600))
	t.Setenv("PORT", "3300")

	c, err := New(path)
	assert.NilError(t, err)
	assert.Equal(t, c.Port, 3300)
}

func TestDefaultSessionName(t *testing.T) {
	c := &Config{SandboxName: "demo"}
	assert.Equal(t, c.DefaultSessionName(), "sandbox-demo")

	c = &Config{}
	assert.Equal(t, c.DefaultSessionName(), "sandbox-default")

	c = &Config{SessionID: "pinned", SandboxName: "demo"}
	assert.Equal(t, c.DefaultSessionName(), "pinned")
}
