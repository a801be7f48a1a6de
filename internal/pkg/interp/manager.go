// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package interp provides per-language code interpreter contexts with
// persistent bindings and streamed rich outputs. Each context owns one
// long-lived kernel subprocess; contexts never share state.
package interp

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/internal/pkg/util/env"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

// Supported languages.
const (
	LangPython     = "python"
	LangJavaScript = "javascript"
	LangR          = "r"
)

// DefaultRunTimeout bounds a code execution when the caller does not supply
// a timeout.
const DefaultRunTimeout = 5 * time.Minute

// Info is the JSON snapshot of a context.
type Info struct {
	ID        string    `json:"id"`
	Language  string    `json:"language"`
	Cwd       string    `json:"cwd"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed"`
}

// Context is one interpreter context.
type Context struct {
	id        string
	language  string
	cwd       string
	createdAt time.Time

	mu       sync.Mutex
	lastUsed time.Time

	kernel *kernel
}

// Info returns the JSON snapshot of the context.
func (c *Context) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:        c.id,
		Language:  c.language,
		Cwd:       c.cwd,
		CreatedAt: c.createdAt,
		LastUsed:  c.lastUsed,
	}
}

func (c *Context) touch() {
	c.mu.Lock()
	c.lastUsed = time.Now().UTC()
	c.mu.Unlock()
}

// Manager owns every interpreter context in the sandbox.
type Manager struct {
	mu       sync.RWMutex
	contexts map[string]*Context

	scriptDir string
	cwd       string
	baseEnv   map[string]string
}

// NewManager materializes the kernel bootstrap scripts under dir and returns
// an empty manager.
func NewManager(dir, cwd string, baseEnv map[string]string) (*Manager, error) {
	scriptDir := filepath.Join(dir, "kernels")
	if err := os.MkdirAll(scriptDir, 0o700); err != nil {
		return nil, err
	}
	for name, content := range map[string][]byte{
		"kernel.py": pythonBootstrap,
		"kernel.js": javascriptBootstrap,
		"kernel.R":  rBootstrap,
	} {
		if err := os.WriteFile(filepath.Join(scriptDir, name), content, 0o600); err != nil {
			return nil, err
		}
	}
	return &Manager{
		contexts:  map[string]*Context{},
		scriptDir: scriptDir,
		cwd:       cwd,
		baseEnv:   baseEnv,
	}, nil
}

// CreateOptions configures CreateContext.
type CreateOptions struct {
	Language string
	Cwd      string
	EnvVars  map[string]string
}

// CreateContext spawns a kernel for the requested language and registers the
// context. The kernel initializes in the background; executions arriving
// before it reports ready retry with backoff.
func (m *Manager) CreateContext(opts CreateOptions) (*Context, error) {
	switch opts.Language {
	case LangPython, LangJavaScript, LangR:
	default:
		return nil, errdefs.New(errdefs.InvalidLanguage, "unsupported language %q", opts.Language).
			WithDetail("language", opts.Language)
	}

	cwd := opts.Cwd
	if cwd == "" {
		cwd = m.cwd
	}
	merged := map[string]string{}
	env.MergeMap(merged, m.baseEnv)
	env.MergeMap(merged, opts.EnvVars)

	k, err := startKernel(opts.Language, m.scriptDir, cwd, merged)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &Context{
		id:        uuid.NewString(),
		language:  opts.Language,
		cwd:       cwd,
		createdAt: now,
		lastUsed:  now,
		kernel:    k,
	}

	m.mu.Lock()
	m.contexts[c.id] = c
	m.mu.Unlock()

	sylog.Debugf("Created %s interpreter context %s", opts.Language, c.id)
	return c, nil
}

// Get returns the context with the given id.
func (m *Manager) Get(id string) (*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[id]
	if !ok {
		return nil, errdefs.New(errdefs.ContextNotFound, "context %s not found", id).
			WithDetail("contextId", id)
	}
	return c, nil
}

// List returns snapshots of every context.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]Info, 0, len(m.contexts))
	for _, c := range m.contexts {
		infos = append(infos, c.Info())
	}
	return infos
}

// DeleteContext kills the context's kernel and forgets it.
func (m *Manager) DeleteContext(id string) error {
	m.mu.Lock()
	c, ok := m.contexts[id]
	if ok {
		delete(m.contexts, id)
	}
	m.mu.Unlock()
	if !ok {
		return errdefs.New(errdefs.ContextNotFound, "context %s not found", id).
			WithDetail("contextId", id)
	}
	c.kernel.kill()
	return nil
}

// Destroy kills every kernel and clears the registry.
func (m *Manager) Destroy() {
	m.mu.Lock()
	ctxs := m.contexts
	m.contexts = map[string]*Context{}
	m.mu.Unlock()
	for _, c := range ctxs {
		c.kernel.kill()
	}
}

// notReadyBackoff implements the kernel warm-up retry policy: exponential
// from 1s, doubling, with jitter, three tries in total. Only
// INTERPRETER_NOT_READY retries; everything else is permanent.
func notReadyBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, 2)
}

func retryNotReady(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errdefs.CodeOf(err) == errdefs.InterpreterNotReady {
			sylog.Debugf("Interpreter not ready, retrying: %v", err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(notReadyBackoff(), ctx))
}

// RunCodeStream executes code in the context, delivering events to sink as
// they arrive. The final event is execution_complete; raised exceptions are
// error events, not Go errors.
func (m *Manager) RunCodeStream(ctx context.Context, contextID, code string, timeout time.Duration, sink func(Event) error) error {
	c, err := m.Get(contextID)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	c.touch()

	execID := uuid.NewString()
	return retryNotReady(ctx, func() error {
		return c.kernel.exec(ctx, execID, code, timeout, func(m kernelMsg) error {
			return sink(eventFromMsg(m))
		})
	})
}

// RunCode executes code and aggregates the stream into an ExecOutput.
func (m *Manager) RunCode(ctx context.Context, contextID, code string, timeout time.Duration) (*ExecOutput, error) {
	out := &ExecOutput{
		Logs:    ExecLogs{Stdout: []string{}, Stderr: []string{}},
		Results: []RichResult{},
	}
	err := m.RunCodeStream(ctx, contextID, code, timeout, func(ev Event) error {
		switch ev.Type {
		case EventStdout:
			out.Logs.Stdout = append(out.Logs.Stdout, ev.Text)
		case EventStderr:
			out.Logs.Stderr = append(out.Logs.Stderr, ev.Text)
		case EventResult:
			out.Results = append(out.Results, resultFromEvent(ev))
		case EventError:
			out.Error = &ExecError{Name: ev.Ename, Value: ev.Evalue, Traceback: ev.Traceback}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
