// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package process

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
)

func testProcManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(t.TempDir(), map[string]string{"PATH": os.Getenv("PATH")})
	t.Cleanup(m.Destroy)
	return m
}

func waitTerminal(t *testing.T, p *Process) Info {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(10 * time.Second):
		t.Fatalf("process %s did not reach a terminal state", p.id)
	}
	return p.Info()
}

func TestStartAndComplete(t *testing.T) {
	m := testProcManager(t)
	p, err := m.Start("echo out; echo err >&2", StartOptions{})
	assert.NilError(t, err)

	info := p.Info()
	assert.Equal(t, info.Status, StatusRunning)
	assert.Assert(t, info.PID > 0)

	final := waitTerminal(t, p)
	assert.Equal(t, final.Status, StatusCompleted)
	assert.Equal(t, *final.ExitCode, 0)
	assert.Assert(t, final.EndTime != nil)

	logs := p.Logs()
	assert.Equal(t, logs.Stdout, "out\n")
	assert.Equal(t, logs.Stderr, "err\n")
}

func TestFailedStatus(t *testing.T) {
	m := testProcManager(t)
	p, err := m.Start("exit 3", StartOptions{})
	assert.NilError(t, err)

	final := waitTerminal(t, p)
	assert.Equal(t, final.Status, StatusFailed)
	assert.Equal(t, *final.ExitCode, 3)
}

func TestKillTransitionsToKilled(t *testing.T) {
	m := testProcManager(t)
	p, err := m.Start("sleep 60", StartOptions{})
	assert.NilError(t, err)

	assert.NilError(t, m.Kill(p.id))
	final := waitTerminal(t, p)
	assert.Equal(t, final.Status, StatusKilled)

	// terminal kill is idempotent
	assert.NilError(t, m.Kill(p.id))
	assert.Equal(t, p.Info().Status, StatusKilled)
}

func TestKillUnknown(t *testing.T) {
	m := testProcManager(t)
	err := m.Kill("no-such-process")
	assert.Assert(t, err != nil)
	assert.Equal(t, errdefs.CodeOf(err), errdefs.ProcessNotFound)
}

func TestProcessIDInUse(t *testing.T) {
	m := testProcManager(t)
	_, err := m.Start("sleep 60", StartOptions{ProcessID: "web"})
	assert.NilError(t, err)
	_, err = m.Start("sleep 60", StartOptions{ProcessID: "web"})
	assert.Assert(t, err != nil)
	assert.Equal(t, errdefs.CodeOf(err), errdefs.ProcessIDInUse)
}

func TestListSeesAllSessions(t *testing.T) {
	m := testProcManager(t)
	_, err := m.Start("sleep 60", StartOptions{SessionID: "a"})
	assert.NilError(t, err)
	_, err = m.Start("sleep 60", StartOptions{SessionID: "b"})
	assert.NilError(t, err)

	infos := m.List()
	assert.Equal(t, len(infos), 2)
}

func TestKillAll(t *testing.T) {
	m := testProcManager(t)
	p1, err := m.Start("sleep 60", StartOptions{})
	assert.NilError(t, err)
	p2, err := m.Start("sleep 60", StartOptions{})
	assert.NilError(t, err)

	done, err := m.Start("true", StartOptions{})
	assert.NilError(t, err)
	waitTerminal(t, done)

	cleaned := m.KillAll()
	assert.Equal(t, cleaned, 2)
	waitTerminal(t, p1)
	waitTerminal(t, p2)
}

func TestStreamLogs(t *testing.T) {
	m := testProcManager(t)
	p, err := m.Start("echo one; sleep 0.2; echo two; echo three >&2", StartOptions{})
	assert.NilError(t, err)

	var events []LogEvent
	err = p.StreamLogs(context.Background(), func(ev LogEvent) error {
		events = append(events, ev)
		return nil
	})
	assert.NilError(t, err)

	last := events[len(events)-1]
	assert.Equal(t, last.Type, LogEventExit)
	assert.Equal(t, *last.ExitCode, 0)

	var stdout, stderr strings.Builder
	for _, ev := range events {
		switch ev.Type {
		case LogEventStdout:
			stdout.WriteString(ev.Data)
		case LogEventStderr:
			stderr.WriteString(ev.Data)
		}
	}
	assert.Equal(t, stdout.String(), "one\ntwo\n")
	assert.Equal(t, stderr.String(), "three\n")
}

func TestStreamLogsCancel(t *testing.T) {
	m := testProcManager(t)
	p, err := m.Start("sleep 60", StartOptions{})
	assert.NilError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = p.StreamLogs(ctx, func(LogEvent) error { return nil })
	assert.Assert(t, err == context.DeadlineExceeded)
}
