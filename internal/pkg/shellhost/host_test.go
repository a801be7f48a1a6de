// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package shellhost

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
)

func startTestHost(t *testing.T) *Host {
	t.Helper()
	tempDir, err := EnsureTempDir(t.TempDir())
	assert.NilError(t, err)
	h, err := Start(map[string]string{"PATH": os.Getenv("PATH")}, t.TempDir(), tempDir)
	assert.NilError(t, err)
	t.Cleanup(func() {
		h.Kill(syscall.SIGKILL)
		select {
		case <-h.Done():
		case <-time.After(5 * time.Second):
		}
	})
	return h
}

// runCommand dispatches command and blocks until the completion marker fires
// or the timeout elapses.
var cmdSeq atomic.Int64

func runCommand(t *testing.T, h *Host, command, overrideCwd string) (string, string, int) {
	t.Helper()
	cf, err := h.CreateCommandFiles(fmt.Sprintf("test-%d", cmdSeq.Add(1)))
	assert.NilError(t, err)
	defer cf.Cleanup()

	completed := make(chan struct{})
	h.RegisterCompletion(cf.ID, MarkerDone, func() { close(completed) })

	assert.NilError(t, h.Dispatch(cf, command, overrideCwd, MarkerDone))

	select {
	case <-completed:
	case <-time.After(10 * time.Second):
		t.Fatalf("command %q did not complete", command)
	}

	stdout, stderr, code, err := cf.ReadResult()
	assert.NilError(t, err)
	return stdout, stderr, code
}

func TestDispatchBasic(t *testing.T) {
	h := startTestHost(t)
	stdout, stderr, code := runCommand(t, h, "echo Hello from sandbox", "")
	assert.Equal(t, stdout, "Hello from sandbox\n")
	assert.Equal(t, stderr, "")
	assert.Equal(t, code, 0)
}

func TestDispatchStderrAndExitCode(t *testing.T) {
	h := startTestHost(t)
	stdout, stderr, code := runCommand(t, h, "echo oops >&2; exit 3", "")
	assert.Equal(t, stdout, "")
	assert.Equal(t, stderr, "oops\n")
	assert.Equal(t, code, 3)
}

func TestDispatchEmptyCommand(t *testing.T) {
	h := startTestHost(t)
	stdout, _, code := runCommand(t, h, "", "")
	assert.Equal(t, stdout, "")
	assert.Equal(t, code, 0)
}

func TestEnvPersistsAcrossCommands(t *testing.T) {
	h := startTestHost(t)
	_, _, code := runCommand(t, h, "export SANDBOX_TEST_VAR=abc", "")
	assert.Equal(t, code, 0)
	stdout, _, _ := runCommand(t, h, "echo $SANDBOX_TEST_VAR", "")
	assert.Equal(t, stdout, "abc\n")
}

func TestCwdPersistsUnlessOverridden(t *testing.T) {
	h := startTestHost(t)
	target := t.TempDir()

	_, _, code := runCommand(t, h, "cd "+target, "")
	assert.Equal(t, code, 0)
	stdout, _, _ := runCommand(t, h, "pwd", "")
	assert.Equal(t, stdout, target+"\n")

	// an override runs elsewhere but must not move the session
	other := t.TempDir()
	stdout, _, _ = runCommand(t, h, "pwd", other)
	assert.Equal(t, stdout, other+"\n")
	stdout, _, _ = runCommand(t, h, "pwd", "")
	assert.Equal(t, stdout, target+"\n")
}

func TestDispatchAfterExit(t *testing.T) {
	h := startTestHost(t)
	assert.NilError(t, h.Kill(syscall.SIGKILL))
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not exit after SIGKILL")
	}

	cf := &CommandFiles{ID: "dead", host: h}
	err := h.Dispatch(cf, "echo hi", "", MarkerDone)
	assert.Assert(t, err != nil)
	assert.Equal(t, errdefs.CodeOf(err), errdefs.ShellNotAlive)
}

func TestStaleMarkerIgnored(t *testing.T) {
	h := startTestHost(t)
	fired := 0
	done := make(chan struct{})
	h.RegisterCompletion("once", MarkerDone, func() {
		fired++
		close(done)
	})

	cf, err := h.CreateCommandFiles("once")
	assert.NilError(t, err)
	defer cf.Cleanup()
	assert.NilError(t, h.Dispatch(cf, "true", "", MarkerDone))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("marker did not fire")
	}

	// emit the same marker again; the registration is gone, so nothing fires
	assert.NilError(t, h.write("echo DONE:once\n"))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, fired, 1)
}

func TestCleanupTwiceIsSafe(t *testing.T) {
	h := startTestHost(t)
	cf, err := h.CreateCommandFiles("cleanup")
	assert.NilError(t, err)
	cf.Cleanup()
	cf.Cleanup()
	for _, p := range cf.paths() {
		_, err := os.Stat(p)
		assert.Assert(t, os.IsNotExist(err))
	}
}

func TestSweeperRemovesOnlyStaleUnreferenced(t *testing.T) {
	h := startTestHost(t)
	dir := h.TempDir()

	stale := filepath.Join(dir, "cmd-old.out")
	assert.NilError(t, os.WriteFile(stale, nil, 0o600))
	old := time.Now().Add(-2 * time.Minute)
	assert.NilError(t, os.Chtimes(stale, old, old))

	cf, err := h.CreateCommandFiles("live")
	assert.NilError(t, err)
	defer cf.Cleanup()
	assert.NilError(t, os.Chtimes(cf.Out, old, old))

	s := NewSweeper(dir, time.Minute, 10*time.Millisecond, h.InUse)
	s.Start()
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	_, err = os.Stat(stale)
	assert.Assert(t, os.IsNotExist(err))
	_, err = os.Stat(cf.Out)
	assert.NilError(t, err)
}
