// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package process

import (
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/internal/pkg/sse"
	"github.com/sylabs/sandboxd/internal/pkg/util/bin"
	"github.com/sylabs/sandboxd/internal/pkg/util/env"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

// Manager owns every background process in the sandbox. Listing is not
// filtered by session: a process outlives and is visible beyond its creator.
type Manager struct {
	mu        sync.RWMutex
	processes map[string]*Process

	cwd     string
	baseEnv map[string]string
}

// NewManager returns an empty process manager. cwd and baseEnv apply to every
// started process.
func NewManager(cwd string, baseEnv map[string]string) *Manager {
	return &Manager{
		processes: map[string]*Process{},
		cwd:       cwd,
		baseEnv:   baseEnv,
	}
}

// StartOptions configures Start.
type StartOptions struct {
	// ProcessID pins the id; it must be unused. Empty generates one.
	ProcessID string
	// SessionID records which session started the process, for bookkeeping
	// only.
	SessionID string
	// Cwd overrides the manager working directory.
	Cwd string
	// Env is merged over the manager base environment.
	Env map[string]string
}

// Start launches command detached from any session and begins log capture.
func (m *Manager) Start(command string, opts StartOptions) (*Process, error) {
	id := opts.ProcessID
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if _, exists := m.processes[id]; exists {
		m.mu.Unlock()
		return nil, errdefs.New(errdefs.ProcessIDInUse, "process id %s is already in use", id).
			WithDetail("processId", id)
	}
	// reserve the id before the fork so concurrent starts cannot race it
	m.processes[id] = nil
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.processes, id)
		m.mu.Unlock()
	}

	shell, err := bin.FindBin("bash")
	if err != nil {
		release()
		return nil, errdefs.Wrap(err, errdefs.ProcessSpawnFailed, "shell binary unavailable")
	}

	cwd := opts.Cwd
	if cwd == "" {
		cwd = m.cwd
	}
	merged := map[string]string{}
	env.MergeMap(merged, m.baseEnv)
	env.MergeMap(merged, opts.Env)

	cmd := exec.Command(shell, "-c", command)
	cmd.Dir = cwd
	cmd.Env = env.ToList(merged)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &Process{
		id:        id,
		command:   command,
		sessionID: opts.SessionID,
		startTime: time.Now().UTC(),
		cmd:       cmd,
		status:    StatusRunning,
		stdout:    &logBuffer{},
		stderr:    &logBuffer{},
		hub:       sse.NewHub(),
		done:      make(chan struct{}),
	}

	cmd.Stdout = notifyWriter{buf: p.stdout, hub: p.hub}
	cmd.Stderr = notifyWriter{buf: p.stderr, hub: p.hub}

	if err := cmd.Start(); err != nil {
		release()
		return nil, errdefs.Wrap(err, errdefs.ProcessSpawnFailed, "while starting %q", command)
	}

	go p.waiter()

	m.mu.Lock()
	m.processes[id] = p
	m.mu.Unlock()

	sylog.Debugf("Started background process %s pid %d: %s", id, cmd.Process.Pid, command)
	return p, nil
}

// Get returns the process with the given id.
func (m *Manager) Get(id string) (*Process, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.processes[id]
	if !ok || p == nil {
		return nil, errdefs.New(errdefs.ProcessNotFound, "process %s not found", id).
			WithDetail("processId", id)
	}
	return p, nil
}

// List returns snapshots of every process in the sandbox, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.processes))
	for _, p := range m.processes {
		if p == nil {
			continue
		}
		infos = append(infos, p.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartTime.Before(infos[j].StartTime)
	})
	return infos
}

// Kill sends SIGTERM to the process with the given id. Killing a terminal
// process succeeds; killing an unknown id fails with PROCESS_NOT_FOUND.
func (m *Manager) Kill(id string) error {
	p, err := m.Get(id)
	if err != nil {
		return err
	}
	return p.kill()
}

// KillAll kills every running process and returns how many it signaled.
// Individual kill failures are logged, never propagated.
func (m *Manager) KillAll() int {
	m.mu.RLock()
	running := make([]*Process, 0, len(m.processes))
	for _, p := range m.processes {
		if p != nil && p.statusSnapshot() == StatusRunning {
			running = append(running, p)
		}
	}
	m.mu.RUnlock()

	cleaned := 0
	for _, p := range running {
		if err := p.kill(); err != nil {
			sylog.Warningf("While killing process %s: %v", p.id, err)
			continue
		}
		cleaned++
	}
	return cleaned
}

// Destroy kills everything and forgets all records.
func (m *Manager) Destroy() {
	m.KillAll()
	m.mu.Lock()
	m.processes = map[string]*Process{}
	m.mu.Unlock()
}
