// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package interp

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/internal/pkg/util/bin"
	"github.com/sylabs/sandboxd/internal/pkg/util/env"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

//go:embed bootstrap/kernel.py
var pythonBootstrap []byte

//go:embed bootstrap/kernel.js
var javascriptBootstrap []byte

//go:embed bootstrap/kernel.R
var rBootstrap []byte

// kernelMsg is one JSON line on a kernel's stdout.
type kernelMsg struct {
	Type           string                 `json:"type"`
	ID             string                 `json:"id"`
	Text           string                 `json:"text"`
	Data           map[string]interface{} `json:"data"`
	Ename          string                 `json:"ename"`
	Evalue         string                 `json:"evalue"`
	Traceback      []string               `json:"traceback"`
	ExecutionCount int                    `json:"execution_count"`
}

// kernelScanBuffer bounds a single kernel event line; rich outputs such as
// base64 images can be large.
const kernelScanBuffer = 16 << 20

// kernel supervises one language runtime child. Executions serialize on the
// kernel mutex; a kernel belongs to exactly one context.
type kernel struct {
	language string
	cmd      *exec.Cmd
	stdin    io.WriteCloser

	execMu sync.Mutex
	events chan kernelMsg
	ready  chan struct{}
	dead   chan struct{}
}

// startKernel spawns the language runtime with its bootstrap script from
// scriptDir, in cwd with the given environment.
func startKernel(language, scriptDir, cwd string, environ map[string]string) (*kernel, error) {
	var binName, script string
	switch language {
	case LangPython:
		binName, script = "python3", "kernel.py"
	case LangJavaScript:
		binName, script = "node", "kernel.js"
	case LangR:
		binName, script = "Rscript", "kernel.R"
	default:
		return nil, errdefs.New(errdefs.InvalidLanguage, "unsupported language %q", language)
	}

	path, err := bin.FindBin(binName)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.InterpreterNotReady, "%s runtime unavailable", language)
	}

	var cmd *exec.Cmd
	switch language {
	case LangPython:
		cmd = exec.Command(path, "-u", scriptDir+"/"+script)
	case LangR:
		cmd = exec.Command(path, "--vanilla", scriptDir+"/"+script)
	default:
		cmd = exec.Command(path, scriptDir+"/"+script)
	}
	cmd.Dir = cwd
	cmd.Env = env.ToList(environ)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("while creating kernel stdin pipe: %w", err)
	}
	// exec.Cmd owns the stdio copies into these pipes; Wait blocks until
	// they drain, and closing the write ends afterwards unblocks the
	// scanners with a clean EOF
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		return nil, errdefs.Wrap(err, errdefs.InterpreterNotReady, "while starting %s kernel", language)
	}

	k := &kernel{
		language: language,
		cmd:      cmd,
		stdin:    stdin,
		events:   make(chan kernelMsg, 256),
		ready:    make(chan struct{}),
		dead:     make(chan struct{}),
	}
	go k.readEvents(outR)
	go k.drainStderr(errR)
	go func() {
		_ = cmd.Wait()
		outW.Close()
		errW.Close()
		close(k.dead)
		sylog.Debugf("%s kernel pid %d exited", language, cmd.Process.Pid)
	}()

	sylog.Debugf("Started %s kernel pid %d in %s", language, cmd.Process.Pid, cwd)
	return k, nil
}

func (k *kernel) readEvents(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), kernelScanBuffer)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var m kernelMsg
		if err := json.Unmarshal(line, &m); err != nil {
			// user code writing to the raw stdout fd lands here; it is not
			// part of the protocol
			sylog.Debugf("Dropping non-protocol kernel output: %.120s", string(line))
			continue
		}
		if m.Type == "ready" {
			close(k.ready)
			continue
		}
		k.events <- m
	}
}

func (k *kernel) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		sylog.Debugf("%s kernel stderr: %s", k.language, sc.Text())
	}
}

// notReady reports whether the kernel has not finished initializing.
func (k *kernel) notReady() bool {
	select {
	case <-k.ready:
		return false
	default:
		return true
	}
}

// exec runs code and feeds protocol messages for this execution to handler
// until the execution completes. It fails with INTERPRETER_NOT_READY when the
// kernel is still initializing so callers can retry with backoff.
func (k *kernel) exec(ctx context.Context, execID, code string, timeout time.Duration, handler func(kernelMsg) error) error {
	k.execMu.Lock()
	defer k.execMu.Unlock()

	select {
	case <-k.dead:
		return errdefs.New(errdefs.InternalError, "%s kernel exited unexpectedly", k.language)
	default:
	}
	if k.notReady() {
		return errdefs.New(errdefs.InterpreterNotReady, "%s kernel is initializing", k.language)
	}

	if !strings.HasSuffix(code, "\n") {
		code += "\n"
	}
	lines := strings.Count(code, "\n")
	if _, err := fmt.Fprintf(k.stdin, "%s %d\n%s", execID, lines, code); err != nil {
		return errdefs.Wrap(err, errdefs.InternalError, "while writing to %s kernel", k.language)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case m := <-k.events:
			if m.ID != "" && m.ID != execID {
				// stale event from an interrupted predecessor
				continue
			}
			if err := handler(m); err != nil {
				return err
			}
			if m.Type == EventComplete {
				return nil
			}
		case <-k.dead:
			return errdefs.New(errdefs.InternalError, "%s kernel exited unexpectedly", k.language)
		case <-timer.C:
			k.interrupt()
			return errdefs.New(errdefs.CommandTimeout, "code execution exceeded timeout of %v", timeout)
		case <-ctx.Done():
			k.interrupt()
			return ctx.Err()
		}
	}
}

// interrupt asks the runtime to abandon the current execution.
func (k *kernel) interrupt() {
	if err := unix.Kill(k.cmd.Process.Pid, syscall.SIGINT); err != nil && err != unix.ESRCH {
		sylog.Debugf("While interrupting %s kernel: %v", k.language, err)
	}
}

// kill terminates the kernel process group.
func (k *kernel) kill() {
	if err := unix.Kill(-k.cmd.Process.Pid, syscall.SIGKILL); err != nil && err != unix.ESRCH {
		sylog.Debugf("While killing %s kernel: %v", k.language, err)
	}
}
