// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package session

import (
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/internal/pkg/util/env"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

// Manager owns every session in the sandbox.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// create-once guard for the implicit default session
	defaults singleflight.Group

	tempDir        string
	defaultCwd     string
	defaultTimeout time.Duration
	baseEnv        map[string]string
}

// NewManager returns an empty session manager. tempDir is the per-process IPC
// directory shared by all session hosts; baseEnv seeds every new session's
// environment.
func NewManager(tempDir, defaultCwd string, defaultTimeout time.Duration, baseEnv map[string]string) *Manager {
	return &Manager{
		sessions:       map[string]*Session{},
		tempDir:        tempDir,
		defaultCwd:     defaultCwd,
		defaultTimeout: defaultTimeout,
		baseEnv:        baseEnv,
	}
}

// Create makes a new session. A supplied id must not collide with a live
// session.
func (m *Manager) Create(opts Options) (*Session, error) {
	if opts.Cwd == "" {
		opts.Cwd = m.defaultCwd
	}
	merged := map[string]string{}
	env.MergeMap(merged, m.baseEnv)
	env.MergeMap(merged, opts.Env)
	if err := env.Validate(merged); err != nil {
		return nil, errdefs.Wrap(err, errdefs.InvalidRequest, "invalid session environment")
	}
	opts.Env = merged

	if opts.ID != "" {
		m.mu.RLock()
		_, exists := m.sessions[opts.ID]
		m.mu.RUnlock()
		if exists {
			return nil, errdefs.New(errdefs.InvalidRequest, "session %s already exists", opts.ID)
		}
	}

	s, err := New(opts, m.tempDir, m.defaultTimeout)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.sessions[s.ID]; exists {
		m.mu.Unlock()
		s.Terminate()
		return nil, errdefs.New(errdefs.InvalidRequest, "session %s already exists", s.ID)
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	sylog.Debugf("Created session %s (cwd %s)", s.ID, opts.Cwd)
	return s, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errdefs.New(errdefs.InvalidRequest, "unknown session %s", id)
	}
	if s.State() == StateTerminated {
		return nil, errdefs.New(errdefs.SessionTerminated, "session %s is terminated", id)
	}
	return s, nil
}

// Default returns the session named name, creating it on first use. Creation
// is single-flight so concurrent first requests share one shell.
func (m *Manager) Default(name string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[name]
	m.mu.RUnlock()
	if ok && s.State() != StateTerminated {
		return s, nil
	}

	v, err, _ := m.defaults.Do(name, func() (interface{}, error) {
		m.mu.RLock()
		s, ok := m.sessions[name]
		m.mu.RUnlock()
		if ok && s.State() != StateTerminated {
			return s, nil
		}
		if ok {
			// replace a session whose shell died
			m.mu.Lock()
			delete(m.sessions, name)
			m.mu.Unlock()
		}
		return m.Create(Options{ID: name})
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// List returns a snapshot of registered session ids, including sessions
// whose shell has terminated.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := lo.Keys(m.sessions)
	return ids
}

// InUse reports whether path belongs to an in-flight command of any session,
// for the temp file sweeper.
func (m *Manager) InUse(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.Host().InUse(path) {
			return true
		}
	}
	return false
}

// Destroy terminates every session.
func (m *Manager) Destroy() {
	m.mu.Lock()
	sessions := lo.Values(m.sessions)
	m.sessions = map[string]*Session{}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Terminate()
	}
}
