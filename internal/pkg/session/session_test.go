// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package session

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/internal/pkg/shellhost"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	tempDir, err := shellhost.EnsureTempDir(t.TempDir())
	assert.NilError(t, err)
	m := NewManager(tempDir, t.TempDir(), 30*time.Second, map[string]string{
		"PATH": os.Getenv("PATH"),
	})
	t.Cleanup(m.Destroy)
	return m
}

func TestExecBasic(t *testing.T) {
	m := testManager(t)
	s, err := m.Create(Options{})
	assert.NilError(t, err)

	res, err := s.Exec(context.Background(), "echo Hello from sandbox", "", 0)
	assert.NilError(t, err)
	assert.Equal(t, res.Stdout, "Hello from sandbox\n")
	assert.Equal(t, res.Stderr, "")
	assert.Equal(t, res.ExitCode, 0)
	assert.Equal(t, res.Success, true)
}

func TestExecEnvThreading(t *testing.T) {
	m := testManager(t)
	s, err := m.Create(Options{})
	assert.NilError(t, err)

	ctx := context.Background()
	assert.NilError(t, s.SetEnv(ctx, map[string]string{"NODE_ENV": "test", "API_KEY": "k"}))

	res, err := s.Exec(ctx, `echo "$NODE_ENV|$API_KEY"`, "", 0)
	assert.NilError(t, err)
	assert.Equal(t, res.Stdout, "test|k\n")
}

func TestExecTimeout(t *testing.T) {
	m := testManager(t)
	s, err := m.Create(Options{})
	assert.NilError(t, err)

	_, err = s.Exec(context.Background(), "sleep 10", "", 200*time.Millisecond)
	assert.Assert(t, err != nil)
	assert.Equal(t, errdefs.CodeOf(err), errdefs.CommandTimeout)
}

func TestCwdIsolationBetweenSessions(t *testing.T) {
	m := testManager(t)
	s1, err := m.Create(Options{})
	assert.NilError(t, err)
	s2, err := m.Create(Options{})
	assert.NilError(t, err)

	ctx := context.Background()
	target := t.TempDir()
	assert.NilError(t, s1.SetCwd(ctx, target))

	cwd1, err := s1.GetCwd(ctx)
	assert.NilError(t, err)
	assert.Equal(t, cwd1, target)

	cwd2, err := s2.GetCwd(ctx)
	assert.NilError(t, err)
	assert.Assert(t, cwd2 != target)
}

func TestSetCwdMissingDirectory(t *testing.T) {
	m := testManager(t)
	s, err := m.Create(Options{})
	assert.NilError(t, err)

	err = s.SetCwd(context.Background(), "/does/not/exist")
	assert.Assert(t, err != nil)
	assert.Equal(t, errdefs.CodeOf(err), errdefs.FileNotFound)
}

func collectStream(t *testing.T, s *Session, command string, timeout time.Duration) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	err := s.ExecStream(context.Background(), command, timeout, func(ev StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	assert.NilError(t, err)
	return events
}

func TestExecStreamOrdering(t *testing.T) {
	m := testManager(t)
	s, err := m.Create(Options{})
	assert.NilError(t, err)

	events := collectStream(t, s, "for i in 1 2 3; do echo Line $i; done", 0)

	assert.Assert(t, len(events) >= 2)
	assert.Equal(t, events[0].Type, EventStart)
	last := events[len(events)-1]
	assert.Equal(t, last.Type, EventComplete)
	assert.Equal(t, *last.ExitCode, 0)

	var stdout strings.Builder
	completes := 0
	for i, ev := range events {
		switch ev.Type {
		case EventStdout:
			stdout.WriteString(ev.Data)
		case EventComplete, EventError:
			completes++
			assert.Equal(t, i, len(events)-1)
		case EventStart:
			assert.Equal(t, i, 0)
		}
	}
	assert.Equal(t, completes, 1)
	// every byte of final stdout is covered by the emitted chunks
	assert.Equal(t, stdout.String(), last.Result.Stdout)
	assert.Equal(t, last.Result.Stdout, "Line 1\nLine 2\nLine 3\n")
}

func TestExecStreamEmptyCommand(t *testing.T) {
	m := testManager(t)
	s, err := m.Create(Options{})
	assert.NilError(t, err)

	events := collectStream(t, s, "", 0)
	assert.Equal(t, events[0].Type, EventStart)
	for _, ev := range events[1 : len(events)-1] {
		assert.Assert(t, ev.Type != EventStdout, "unexpected stdout event: %+v", ev)
	}
	last := events[len(events)-1]
	assert.Equal(t, last.Type, EventComplete)
	assert.Equal(t, *last.ExitCode, 0)
}

func TestExecStreamTimeout(t *testing.T) {
	m := testManager(t)
	s, err := m.Create(Options{})
	assert.NilError(t, err)

	events := collectStream(t, s, "sleep 10", 200*time.Millisecond)
	last := events[len(events)-1]
	assert.Equal(t, last.Type, EventError)
	assert.Assert(t, strings.Contains(last.Error, "COMMAND_TIMEOUT"))
}

func TestDefaultSessionSingleFlight(t *testing.T) {
	m := testManager(t)

	var wg sync.WaitGroup
	sessions := make([]*Session, 8)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Default("sandbox-test")
			if err != nil {
				t.Error(err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range sessions[1:] {
		assert.Equal(t, s, sessions[0])
	}
	assert.Equal(t, sessions[0].ID, "sandbox-test")
}

func TestCreateDuplicateID(t *testing.T) {
	m := testManager(t)
	_, err := m.Create(Options{ID: "dup"})
	assert.NilError(t, err)
	_, err = m.Create(Options{ID: "dup"})
	assert.Assert(t, err != nil)
	assert.Equal(t, errdefs.CodeOf(err), errdefs.InvalidRequest)
}

func TestTerminatedSessionRejectsExec(t *testing.T) {
	m := testManager(t)
	s, err := m.Create(Options{})
	assert.NilError(t, err)

	s.Terminate()
	// wait for the shell to reap
	select {
	case <-s.Host().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not exit")
	}

	_, err = s.Exec(context.Background(), "echo hi", "", 0)
	assert.Assert(t, err != nil)
	assert.Equal(t, errdefs.CodeOf(err), errdefs.SessionTerminated)
}

func TestShellDeathSurfacesAsTerminatedUnexpectedly(t *testing.T) {
	m := testManager(t)
	s, err := m.Create(Options{})
	assert.NilError(t, err)

	_, err = s.Exec(context.Background(), "exit 7", "", 0)
	assert.Assert(t, err != nil)
	assert.Equal(t, errdefs.CodeOf(err), errdefs.ShellTerminatedUnexpectedly)
	assert.Assert(t, strings.Contains(err.Error(), "shell terminated unexpectedly"))
}
