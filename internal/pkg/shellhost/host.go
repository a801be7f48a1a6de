// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package shellhost supervises the persistent shell child process backing a
// session, and dispatches commands to it over a file based IPC protocol that
// keeps command output off the shell's own stdout stream.
package shellhost

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/internal/pkg/util/bin"
	"github.com/sylabs/sandboxd/internal/pkg/util/env"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

// Completion markers emitted by dispatch scripts on the shell's stdout,
// concatenated with the command id as "<marker>:<id>".
const (
	MarkerDone       = "DONE"
	MarkerStreamDone = "STREAM_DONE"
)

// markerTail bounds the stdout bytes retained to match markers spanning a
// chunk boundary.
const markerTail = 256

// Host supervises one shell child process. All exported methods are safe for
// concurrent use; writes to the shell's stdin serialize on the host mutex,
// which is what serializes commands within a session.
type Host struct {
	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser

	alive    bool
	exitCode int

	// completion callbacks keyed by command id; fired at most once when the
	// command's marker appears on stdout.
	completions map[string]completion

	// rolling tail of stdout for boundary spanning marker matches
	tail []byte

	tempDir string
	refs    map[string]struct{}

	done chan struct{}
}

type completion struct {
	marker string
	fn     func()
}

// Start spawns a shell with --norc, piped stdio and the given environment and
// working directory. tempDir must be a per-process 0700 directory created with
// EnsureTempDir.
func Start(environ map[string]string, cwd, tempDir string) (*Host, error) {
	shell, err := bin.FindBin("bash")
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.ShellSpawnFailed, "shell binary unavailable")
	}

	cmd := exec.Command(shell, "--norc")
	cmd.Dir = cwd
	cmd.Env = env.ToList(environ)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.ShellSpawnFailed, "while creating stdin pipe")
	}

	h := &Host{
		cmd:         cmd,
		stdin:       stdin,
		alive:       true,
		exitCode:    -1,
		completions: map[string]completion{},
		tempDir:     tempDir,
		refs:        map[string]struct{}{},
		done:        make(chan struct{}),
	}

	// handing writers to exec.Cmd keeps the stdio copies on the runtime's
	// own goroutines, so Wait cannot race the marker scanner
	cmd.Stdout = writerFunc(func(p []byte) (int, error) {
		h.scan(p)
		return len(p), nil
	})
	cmd.Stderr = writerFunc(func(p []byte) (int, error) {
		sylog.Debugf("shell stderr: %s", string(p))
		return len(p), nil
	})

	if err := cmd.Start(); err != nil {
		return nil, errdefs.Wrap(err, errdefs.ShellSpawnFailed, "while starting %s", shell)
	}
	sylog.Debugf("Started shell pid %d in %s", cmd.Process.Pid, cwd)

	go h.wait()

	return h, nil
}

// writerFunc adapts a function to io.Writer.
type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) {
	return f(p)
}

// scan searches the stdout stream for registered completion markers. A match
// removes the registration before the callback runs, so a stale marker for an
// already completed command is silently ignored. Matched bytes are not
// retained in the tail, so a reused id never completes against an old marker.
func (h *Host) scan(chunk []byte) {
	h.mu.Lock()
	window := append(h.tail, chunk...)
	var fire []func()
	consumed := 0
	for id, c := range h.completions {
		needle := []byte(c.marker + ":" + id)
		if i := bytes.Index(window, needle); i >= 0 {
			delete(h.completions, id)
			fire = append(fire, c.fn)
			if end := i + len(needle); end > consumed {
				consumed = end
			}
		}
	}
	window = window[consumed:]
	if len(window) > markerTail {
		window = window[len(window)-markerTail:]
	}
	h.tail = append(h.tail[:0], window...)
	h.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
}

func (h *Host) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.alive = false
	h.exitCode = h.cmd.ProcessState.ExitCode()
	// registered completions never fire once the shell is gone; owners
	// observe Done() instead
	h.completions = map[string]completion{}
	h.mu.Unlock()

	if err != nil {
		sylog.Debugf("Shell pid %d exited: %v", h.cmd.Process.Pid, err)
	}
	close(h.done)
}

// RegisterCompletion arranges for fn to run once when "<marker>:<id>" appears
// on the shell's stdout.
func (h *Host) RegisterCompletion(id, marker string, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completions[id] = completion{marker: marker, fn: fn}
}

// UnregisterCompletion removes a pending completion registration, typically
// when a timeout won the race.
func (h *Host) UnregisterCompletion(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.completions, id)
}

// Alive reports whether the shell child is still running.
func (h *Host) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

// ExitCode returns the shell's exit code once it has terminated. The second
// return is false while the shell is alive.
func (h *Host) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.alive {
		return 0, false
	}
	return h.exitCode, true
}

// Done returns a channel closed when the shell child exits.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// Pid returns the shell's process id.
func (h *Host) Pid() int {
	return h.cmd.Process.Pid
}

// write sends raw script text to the shell's stdin.
func (h *Host) write(script string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.alive {
		return errdefs.New(errdefs.ShellNotAlive, "shell is not alive")
	}
	if _, err := io.WriteString(h.stdin, script); err != nil {
		return errdefs.Wrap(err, errdefs.ShellNotAlive, "while writing to shell stdin")
	}
	return nil
}

// Kill delivers sig to the shell's process group. Terminal: the host cannot
// be restarted afterwards.
func (h *Host) Kill(sig syscall.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.alive {
		return nil
	}
	pgid := h.cmd.Process.Pid
	if err := unix.Kill(-pgid, sig); err != nil {
		return fmt.Errorf("while signaling shell process group %d: %w", pgid, err)
	}
	return nil
}
