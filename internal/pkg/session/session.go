// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package session implements shell sessions: a named bundle of environment,
// working directory and one persistent shell child, with blocking and
// streaming command execution on top of the shellhost IPC protocol.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/internal/pkg/shellhost"
	"github.com/sylabs/sandboxd/internal/pkg/util/env"
	shellutil "github.com/sylabs/sandboxd/internal/pkg/util/shell"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

// State is the session lifecycle state.
type State int32

const (
	// StateReady accepts commands.
	StateReady State = iota
	// StateTerminated rejects everything; terminal.
	StateTerminated
)

// streamPollInterval is the cadence at which a streaming exec samples the
// growing out/err files.
const streamPollInterval = 100 * time.Millisecond

// Session drives one shell. Commands within a session serialize at the shell's
// stdin; distinct sessions are fully independent.
type Session struct {
	ID string

	mu   sync.Mutex
	cwd  string
	env  map[string]string
	host *shellhost.Host

	state atomic.Int32

	// defaultTimeout bounds exec when the request does not carry one.
	defaultTimeout time.Duration
}

// Options configures session creation.
type Options struct {
	ID  string
	Env map[string]string
	Cwd string
}

// New spawns the session's shell and returns the ready session.
func New(opts Options, tempDir string, defaultTimeout time.Duration) (*Session, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if opts.Env == nil {
		opts.Env = map[string]string{}
	}
	host, err := shellhost.Start(opts.Env, opts.Cwd, tempDir)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:             id,
		cwd:            opts.Cwd,
		env:            opts.Env,
		host:           host,
		defaultTimeout: defaultTimeout,
	}
	go func() {
		<-host.Done()
		s.state.Store(int32(StateTerminated))
		sylog.Debugf("Session %s terminated with shell", id)
	}()
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Host exposes the underlying shell host, for temp file accounting.
func (s *Session) Host() *shellhost.Host {
	return s.host
}

func (s *Session) checkAlive() error {
	if s.State() == StateTerminated {
		return errdefs.New(errdefs.SessionTerminated, "session %s is terminated", s.ID)
	}
	return nil
}

func (s *Session) shellDeathError() error {
	code, known := s.host.ExitCode()
	if known {
		return errdefs.New(errdefs.ShellTerminatedUnexpectedly,
			"shell terminated unexpectedly with exit code %d", code)
	}
	return errdefs.New(errdefs.ShellTerminatedUnexpectedly, "shell terminated unexpectedly")
}

// Exec runs command to completion and returns its aggregate result. A zero
// timeout selects the session default. Expiry of the timeout yields
// COMMAND_TIMEOUT; completion and timeout race through a single-writer flag
// so cleanup runs exactly once.
func (s *Session) Exec(ctx context.Context, command string, overrideCwd string, timeout time.Duration) (*ExecResult, error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	id := uuid.NewString()
	cf, err := s.host.CreateCommandFiles(id)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.CommandExecutionError, "while preparing command files")
	}

	var completed atomic.Bool
	markerSeen := make(chan struct{})
	s.host.RegisterCompletion(id, shellhost.MarkerDone, func() {
		if completed.CompareAndSwap(false, true) {
			close(markerSeen)
		}
	})

	if err := s.host.Dispatch(cf, command, overrideCwd, shellhost.MarkerDone); err != nil {
		s.host.UnregisterCompletion(id)
		cf.Cleanup()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-markerSeen:
		defer cf.Cleanup()
		stdout, stderr, code, err := cf.ReadResult()
		if err != nil {
			return nil, err
		}
		return &ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: code, Success: code == 0}, nil

	case <-timer.C:
		if completed.CompareAndSwap(false, true) {
			s.host.UnregisterCompletion(id)
			cf.Cleanup()
			return nil, errdefs.New(errdefs.CommandTimeout,
				"command exceeded timeout of %v", timeout).WithDetail("timeoutMs", timeout.Milliseconds())
		}
		// lost the race: the marker fired between expiry and the swap
		<-markerSeen
		defer cf.Cleanup()
		stdout, stderr, code, err := cf.ReadResult()
		if err != nil {
			return nil, err
		}
		return &ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: code, Success: code == 0}, nil

	case <-s.host.Done():
		if completed.CompareAndSwap(false, true) {
			cf.Cleanup()
		}
		return nil, s.shellDeathError()

	case <-ctx.Done():
		if completed.CompareAndSwap(false, true) {
			s.host.UnregisterCompletion(id)
			cf.Cleanup()
		}
		return nil, errdefs.Wrap(ctx.Err(), errdefs.CommandExecutionError, "command canceled")
	}
}

// ExecStream runs command and delivers events to sink as output accrues. The
// sequence starts with a start event and ends with exactly one complete or
// error event; every byte of final output is delivered before complete. A
// sink error cancels delivery but the command itself runs to completion or
// timeout in the shell.
func (s *Session) ExecStream(ctx context.Context, command string, timeout time.Duration, sink func(StreamEvent) error) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	id := uuid.NewString()
	cf, err := s.host.CreateCommandFiles(id)
	if err != nil {
		return errdefs.Wrap(err, errdefs.CommandExecutionError, "while preparing command files")
	}
	defer cf.Cleanup()

	var completed atomic.Bool
	markerSeen := make(chan struct{})
	s.host.RegisterCompletion(id, shellhost.MarkerStreamDone, func() {
		if completed.CompareAndSwap(false, true) {
			close(markerSeen)
		}
	})

	if err := s.host.Dispatch(cf, command, "", shellhost.MarkerStreamDone); err != nil {
		s.host.UnregisterCompletion(id)
		return err
	}

	if err := sink(startEvent(command)); err != nil {
		s.host.UnregisterCompletion(id)
		return err
	}

	poll := newFilePoller(cf)
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	emit := func() error {
		out, errOut := poll.next()
		if out != "" {
			if err := sink(outputEvent(EventStdout, out)); err != nil {
				return err
			}
		}
		if errOut != "" {
			if err := sink(outputEvent(EventStderr, errOut)); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		select {
		case <-ticker.C:
			if err := emit(); err != nil {
				s.host.UnregisterCompletion(id)
				return err
			}

		case <-markerSeen:
			// final drain so complete covers every byte
			if err := emit(); err != nil {
				return err
			}
			stdout, stderr, code, err := cf.ReadResult()
			if err != nil {
				return sink(errorEvent(err.Error()))
			}
			return sink(completeEvent(ExecResult{
				Stdout:   stdout,
				Stderr:   stderr,
				ExitCode: code,
				Success:  code == 0,
			}))

		case <-timer.C:
			if completed.CompareAndSwap(false, true) {
				s.host.UnregisterCompletion(id)
				return sink(errorEvent(fmt.Sprintf("COMMAND_TIMEOUT: command exceeded timeout of %v", timeout)))
			}
			<-markerSeen
			if err := emit(); err != nil {
				return err
			}
			stdout, stderr, code, err := cf.ReadResult()
			if err != nil {
				return sink(errorEvent(err.Error()))
			}
			return sink(completeEvent(ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: code, Success: code == 0}))

		case <-s.host.Done():
			completed.Store(true)
			return sink(errorEvent(s.shellDeathError().Error()))

		case <-ctx.Done():
			if completed.CompareAndSwap(false, true) {
				s.host.UnregisterCompletion(id)
			}
			return ctx.Err()
		}
	}
}

// SetEnv applies the patch to the live shell via export statements, so values
// are visible to subsequent commands, and records them on the session.
func (s *Session) SetEnv(ctx context.Context, patch map[string]string) error {
	if len(patch) == 0 {
		return nil
	}
	// keys are substituted into the export script unquoted
	if err := env.Validate(patch); err != nil {
		return errdefs.Wrap(err, errdefs.InvalidRequest, "invalid environment patch")
	}
	var b strings.Builder
	for k, v := range patch {
		fmt.Fprintf(&b, "export %s=\"%s\"\n", k, shellutil.Escape(v))
	}
	res, err := s.Exec(ctx, b.String(), "", 0)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errdefs.New(errdefs.CommandExecutionError,
			"while setting environment: %s", strings.TrimSpace(res.Stderr))
	}
	s.mu.Lock()
	for k, v := range patch {
		s.env[k] = v
	}
	s.mu.Unlock()
	return nil
}

// GetCwd reports the shell's current working directory.
func (s *Session) GetCwd(ctx context.Context) (string, error) {
	res, err := s.Exec(ctx, "pwd", "", 0)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", errdefs.New(errdefs.CommandExecutionError, "pwd failed: %s", strings.TrimSpace(res.Stderr))
	}
	cwd := strings.TrimRight(res.Stdout, "\n")
	s.mu.Lock()
	s.cwd = cwd
	s.mu.Unlock()
	return cwd, nil
}

// SetCwd moves the session to path. The change persists for subsequent
// commands in this session only.
func (s *Session) SetCwd(ctx context.Context, path string) error {
	res, err := s.Exec(ctx, "cd "+shellutil.Quote(path), "", 0)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errdefs.New(errdefs.FileNotFound,
			"cannot change directory to %s: %s", path, strings.TrimSpace(res.Stderr)).WithDetail("path", path)
	}
	s.mu.Lock()
	s.cwd = path
	s.mu.Unlock()
	return nil
}

// Terminate kills the shell and marks the session terminated. Idempotent.
func (s *Session) Terminate() {
	if s.state.Swap(int32(StateTerminated)) == int32(StateTerminated) {
		return
	}
	if err := s.host.Kill(syscall.SIGKILL); err != nil {
		sylog.Debugf("While killing shell for session %s: %v", s.ID, err)
	}
}
