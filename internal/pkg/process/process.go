// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package process tracks detached background processes: start, lifecycle
// state, log capture and real-time log streaming. Processes belong to the
// sandbox, not to the session that started them.
package process

import (
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/internal/pkg/sse"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

// Status is a background process lifecycle state. Transitions are
// running -> completed | killed | failed, and terminal states never change.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusKilled    Status = "killed"
	StatusFailed    Status = "failed"
)

// Info is the JSON snapshot of a process.
type Info struct {
	ID        string     `json:"id"`
	Command   string     `json:"command"`
	PID       int        `json:"pid"`
	Status    Status     `json:"status"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
}

// Logs is the point-in-time log snapshot of a process.
type Logs struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Log event discriminators for streaming.
const (
	LogEventStdout = "stdout"
	LogEventStderr = "stderr"
	LogEventExit   = "exit"
)

// LogEvent is one element of a log stream.
type LogEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      string `json:"data,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
}

// Process is one tracked background process.
type Process struct {
	id        string
	command   string
	sessionID string
	startTime time.Time

	cmd *exec.Cmd

	mu            sync.Mutex
	status        Status
	endTime       *time.Time
	exitCode      *int
	killRequested bool

	stdout *logBuffer
	stderr *logBuffer

	// hub multiplexes growth wakeups to every log subscriber; subscribers
	// then read fresh bytes through their own cursors, so delivery stays
	// byte exact no matter how many clients follow the stream.
	hub *sse.Hub

	done chan struct{}
}

func (p *Process) waiter() {
	err := p.cmd.Wait()
	code := p.cmd.ProcessState.ExitCode()
	now := time.Now().UTC()

	p.mu.Lock()
	p.endTime = &now
	p.exitCode = &code
	switch {
	case p.killRequested:
		p.status = StatusKilled
	case err == nil && code == 0:
		p.status = StatusCompleted
	default:
		p.status = StatusFailed
	}
	p.mu.Unlock()

	close(p.done)
	// closing the hub wakes every subscriber for its final drain
	p.hub.Close()
	sylog.Debugf("Background process %s exited with code %d (%s)", p.id, code, p.statusSnapshot())
}

func (p *Process) statusSnapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Info returns the JSON snapshot of the process.
func (p *Process) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		ID:        p.id,
		Command:   p.command,
		PID:       p.cmd.Process.Pid,
		Status:    p.status,
		StartTime: p.startTime,
		EndTime:   p.endTime,
		ExitCode:  p.exitCode,
		SessionID: p.sessionID,
	}
}

// Logs returns a snapshot of captured output.
func (p *Process) Logs() Logs {
	return Logs{
		Stdout: string(p.stdout.snapshot()),
		Stderr: string(p.stderr.snapshot()),
	}
}

// kill delivers SIGTERM to the process group. Killing an already terminal
// process is a successful no-op.
func (p *Process) kill() error {
	p.mu.Lock()
	if p.status != StatusRunning {
		p.mu.Unlock()
		return nil
	}
	p.killRequested = true
	pid := p.cmd.Process.Pid
	p.mu.Unlock()

	if err := unix.Kill(-pid, syscall.SIGTERM); err != nil && err != unix.ESRCH {
		return errdefs.Wrap(err, errdefs.ProcessError, "while killing process %s", p.id)
	}
	return nil
}

// StreamLogs delivers captured output to sink from the beginning of the
// buffers, then follows growth until the process exits. The final event is
// exit with the process exit code. Byte order within each of stdout/stderr
// is preserved; there is no cross-stream ordering guarantee.
func (p *Process) StreamLogs(ctx context.Context, sink func(LogEvent) error) error {
	// subscribe before the initial drain so no growth is missed
	sub := p.hub.Subscribe(64)
	defer sub.Close()

	outCur, errCur := 0, 0
	emit := func() error {
		if chunk := p.stdout.readFrom(&outCur); len(chunk) > 0 {
			if err := sink(LogEvent{Type: LogEventStdout, Timestamp: stamp(), Data: string(chunk)}); err != nil {
				return err
			}
		}
		if chunk := p.stderr.readFrom(&errCur); len(chunk) > 0 {
			if err := sink(LogEvent{Type: LogEventStderr, Timestamp: stamp(), Data: string(chunk)}); err != nil {
				return err
			}
		}
		return nil
	}

	finish := func() error {
		if err := emit(); err != nil {
			return err
		}
		info := p.Info()
		return sink(LogEvent{Type: LogEventExit, Timestamp: stamp(), ExitCode: info.ExitCode})
	}

	if err := emit(); err != nil {
		return err
	}

	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				// hub closed: the process exited
				return finish()
			}
			if err := emit(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// logBuffer is an append-only capture of one output stream. Readers keep
// their own cursors.
type logBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.buf = append(b.buf, p...)
	b.mu.Unlock()
	return len(p), nil
}

func (b *logBuffer) snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// readFrom returns bytes past *cur and advances the cursor.
func (b *logBuffer) readFrom(cur *int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if *cur >= len(b.buf) {
		return nil
	}
	chunk := make([]byte, len(b.buf)-*cur)
	copy(chunk, b.buf[*cur:])
	*cur = len(b.buf)
	return chunk
}

// notifyWriter appends to a capture buffer and wakes stream subscribers.
// Handing it to exec.Cmd keeps the copy on the runtime's own goroutine, so
// Wait cannot race log capture.
type notifyWriter struct {
	buf *logBuffer
	hub *sse.Hub
}

func (w notifyWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	w.hub.Broadcast(struct{}{})
	return n, err
}
