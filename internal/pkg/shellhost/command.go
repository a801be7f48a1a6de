// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package shellhost

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/internal/pkg/util/fs"
	shellutil "github.com/sylabs/sandboxd/internal/pkg/util/shell"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

// EnsureTempDir creates the per-process IPC directory under base and returns
// its path. The directory is 0700; command files within it are 0600.
func EnsureTempDir(base string) (string, error) {
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, fmt.Sprintf("sandboxd-%d", os.Getpid()))
	if err := fs.EnsureDirWithPermission(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// CommandFiles holds the four per-command IPC paths.
type CommandFiles struct {
	ID   string
	Cmd  string
	Out  string
	Err  string
	Exit string

	host *Host
}

// CreateCommandFiles creates the cmd/out/err/exit files for the given command
// id and marks them referenced so the sweeper leaves them alone.
func (h *Host) CreateCommandFiles(id string) (*CommandFiles, error) {
	cf := &CommandFiles{
		ID:   id,
		Cmd:  filepath.Join(h.tempDir, "cmd-"+id+".sh"),
		Out:  filepath.Join(h.tempDir, "cmd-"+id+".out"),
		Err:  filepath.Join(h.tempDir, "cmd-"+id+".err"),
		Exit: filepath.Join(h.tempDir, "cmd-"+id+".exit"),
		host: h,
	}
	for _, p := range cf.paths() {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			cf.Cleanup()
			return nil, fmt.Errorf("while creating command file %s: %w", p, err)
		}
		f.Close()
	}

	h.mu.Lock()
	for _, p := range cf.paths() {
		h.refs[p] = struct{}{}
	}
	h.mu.Unlock()

	return cf, nil
}

func (cf *CommandFiles) paths() []string {
	return []string{cf.Cmd, cf.Out, cf.Err, cf.Exit}
}

// Cleanup removes the command files. Removal is rename-then-unlink so a
// concurrent reader holding a path never observes a half-truncated file, and
// a file already gone is not an error.
func (cf *CommandFiles) Cleanup() {
	cf.host.mu.Lock()
	for _, p := range cf.paths() {
		delete(cf.host.refs, p)
	}
	cf.host.mu.Unlock()

	for _, p := range cf.paths() {
		gone := p + ".gone"
		if err := os.Rename(p, gone); err != nil {
			if !os.IsNotExist(err) {
				sylog.Debugf("While renaming %s for removal: %v", p, err)
			}
			continue
		}
		if err := os.Remove(gone); err != nil && !os.IsNotExist(err) {
			sylog.Debugf("While removing %s: %v", gone, err)
		}
	}
}

// InUse reports whether path currently belongs to a live command.
func (h *Host) InUse(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.refs[path]
	return ok
}

// TempDir returns the host's per-process IPC directory.
func (h *Host) TempDir() string {
	return h.tempDir
}

// Dispatch writes the user command into its command file and feeds the shell
// a generated script that sources it with stdout/stderr redirected into the
// out/err files, records the exit code, and emits "<marker>:<id>" on the
// shell's stdout. Sourcing is what lets cd/export in the command mutate the
// session; when overrideCwd is set the previous directory is restored so the
// session cwd survives.
func (h *Host) Dispatch(cf *CommandFiles, command, overrideCwd, marker string) error {
	if !h.Alive() {
		return errdefs.New(errdefs.ShellNotAlive, "shell is not alive")
	}

	if err := os.WriteFile(cf.Cmd, []byte(command+"\n"), 0o600); err != nil {
		return errdefs.Wrap(err, errdefs.IPCReadError, "while writing command file")
	}

	qCmd := shellutil.Quote(cf.Cmd)
	qOut := shellutil.Quote(cf.Out)
	qErr := shellutil.Quote(cf.Err)
	qExit := shellutil.Quote(cf.Exit)
	markerLine := marker + ":" + cf.ID

	var b strings.Builder
	if overrideCwd != "" {
		fmt.Fprintf(&b, "__sandboxd_prev_dir=$PWD\n")
		fmt.Fprintf(&b, "if cd %s 2> %s; then\n", shellutil.Quote(overrideCwd), qErr)
		fmt.Fprintf(&b, "{ . %s ; } > %s 2>> %s\n", qCmd, qOut, qErr)
		fmt.Fprintf(&b, "echo $? > %s\n", qExit)
		fmt.Fprintf(&b, "cd \"$__sandboxd_prev_dir\"\n")
		fmt.Fprintf(&b, "else\n")
		fmt.Fprintf(&b, "echo 1 > %s\n", qExit)
		fmt.Fprintf(&b, "fi\n")
	} else {
		fmt.Fprintf(&b, "{ . %s ; } > %s 2> %s\n", qCmd, qOut, qErr)
		fmt.Fprintf(&b, "echo $? > %s\n", qExit)
	}
	fmt.Fprintf(&b, "echo %s\n", shellutil.Quote(markerLine))

	sylog.Debugf("Dispatching command %s to shell pid %d", cf.ID, h.Pid())
	return h.write(b.String())
}

// ReadResult reads the out, err and exit files once the command completed.
func (cf *CommandFiles) ReadResult() (stdout, stderr string, exitCode int, err error) {
	outB, err := os.ReadFile(cf.Out)
	if err != nil {
		return "", "", 0, errdefs.Wrap(err, errdefs.IPCReadError, "while reading stdout file")
	}
	errB, err := os.ReadFile(cf.Err)
	if err != nil {
		return "", "", 0, errdefs.Wrap(err, errdefs.IPCReadError, "while reading stderr file")
	}
	exitB, err := os.ReadFile(cf.Exit)
	if err != nil {
		return "", "", 0, errdefs.Wrap(err, errdefs.IPCReadError, "while reading exit file")
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(exitB)))
	if err != nil {
		return "", "", 0, errdefs.Wrap(err, errdefs.IPCReadError, "malformed exit status %q", string(exitB))
	}
	return string(outB), string(errB), code, nil
}
