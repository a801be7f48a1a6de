// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package server implements the in-sandbox control plane: one HTTP server
// composing the session, process, interpreter and port components behind the
// JSON API, with SSE for every streaming surface.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/sylabs/sandboxd/internal/pkg/config"
	"github.com/sylabs/sandboxd/internal/pkg/fileops"
	"github.com/sylabs/sandboxd/internal/pkg/gitops"
	"github.com/sylabs/sandboxd/internal/pkg/interp"
	"github.com/sylabs/sandboxd/internal/pkg/lifecycle"
	"github.com/sylabs/sandboxd/internal/pkg/portreg"
	"github.com/sylabs/sandboxd/internal/pkg/process"
	"github.com/sylabs/sandboxd/internal/pkg/session"
	"github.com/sylabs/sandboxd/internal/pkg/shellhost"
	"github.com/sylabs/sandboxd/internal/pkg/state"
	"github.com/sylabs/sandboxd/internal/pkg/util/env"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

// Request headers recognized on every endpoint.
const (
	HeaderSandboxID = "X-Sandbox-Id"
	HeaderSessionID = "X-Session-Id"
	HeaderKeepAlive = "X-Sandbox-KeepAlive"
	HeaderProxyPort = "X-Proxy-Port"
)

// Server is the control plane for one sandbox.
type Server struct {
	cfg *config.Config

	sessions  *session.Manager
	processes *process.Manager
	contexts  *interp.Manager
	ports     *portreg.Registry
	files     *fileops.Ops
	git       *gitops.Cloner

	monitor *lifecycle.Monitor
	store   *state.Store
	sweeper *shellhost.Sweeper

	destroyOnce sync.Once

	srv http.Server
}

// New assembles a control plane from cfg. The returned server owns the state
// store, temp directory and component managers until Destroy.
func New(cfg *config.Config) (*Server, error) {
	tempDir, err := shellhost.EnsureTempDir(cfg.TempDir)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.SessionCwd, 0o755); err != nil {
		return nil, fmt.Errorf("while creating workspace directory %s: %w", cfg.SessionCwd, err)
	}

	baseEnv := env.FromList(os.Environ())

	var store *state.Store
	meta := &state.Metadata{}
	if cfg.StateDir != "" {
		store, err = state.Open(cfg.StateDir)
		if err != nil {
			return nil, err
		}
		meta, err = store.Load()
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	// a non-zero persisted sleep window wins over the configured one;
	// keep-alive is on when either config or persisted metadata enables it
	sleepAfter := cfg.SleepAfter
	if meta.SleepAfterMs != 0 {
		sleepAfter = meta.SleepAfter()
	}
	keepAlive := cfg.KeepAlive || meta.KeepAlive

	contexts, err := interp.NewManager(tempDir, cfg.SessionCwd, baseEnv)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		sessions:  session.NewManager(tempDir, cfg.SessionCwd, cfg.CommandTimeout, baseEnv),
		processes: process.NewManager(cfg.SessionCwd, baseEnv),
		contexts:  contexts,
		ports: portreg.NewRegistry(cfg.Port, &portreg.PreviewURLs{
			SandboxID:     cfg.SandboxID,
			BaseURL:       cfg.BaseURL,
			BlockedApexes: cfg.BlockedApexes,
		}),
		files:   fileops.New(cfg.SessionCwd),
		git:     gitops.New(cfg.SessionCwd),
		monitor: lifecycle.NewMonitor(sleepAfter, keepAlive),
		store:   store,
	}

	s.sweeper = shellhost.NewSweeper(tempDir, cfg.TempFileMaxAge, cfg.CleanupInterval, s.sessions.InUse)
	s.sweeper.Start()

	if store != nil {
		meta.SandboxName = cfg.SandboxName
		meta.BaseURL = cfg.BaseURL
		meta.SleepAfterMs = sleepAfter.Milliseconds()
		meta.KeepAlive = keepAlive
		if err := store.Save(meta); err != nil {
			sylog.Warningf("While persisting sandbox metadata: %v", err)
		}
	}

	s.srv.Handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/session/create", s.handleSessionCreate).Methods(http.MethodPost)
	api.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost)
	api.HandleFunc("/execStream", s.handleExecStream).Methods(http.MethodPost)
	api.HandleFunc("/env/set", s.handleEnvSet).Methods(http.MethodPost)
	api.HandleFunc("/cwd", s.handleGetCwd).Methods(http.MethodGet)
	api.HandleFunc("/cwd", s.handleSetCwd).Methods(http.MethodPost)

	api.HandleFunc("/file/mkdir", s.handleFileMkdir).Methods(http.MethodPost)
	api.HandleFunc("/file/write", s.handleFileWrite).Methods(http.MethodPost)
	api.HandleFunc("/file/read", s.handleFileRead).Methods(http.MethodPost)
	api.HandleFunc("/file/read/stream", s.handleFileReadStream).Methods(http.MethodPost)
	api.HandleFunc("/file/delete", s.handleFileDelete).Methods(http.MethodPost)
	api.HandleFunc("/file/rename", s.handleFileRename).Methods(http.MethodPost)
	api.HandleFunc("/file/move", s.handleFileMove).Methods(http.MethodPost)
	api.HandleFunc("/file/list", s.handleFileList).Methods(http.MethodPost)
	api.HandleFunc("/file/exists", s.handleFileExists).Methods(http.MethodPost)

	api.HandleFunc("/process/start", s.handleProcessStart).Methods(http.MethodPost)
	api.HandleFunc("/process/list", s.handleProcessList).Methods(http.MethodGet)
	api.HandleFunc("/process/kill-all", s.handleProcessKillAll).Methods(http.MethodPost)
	api.HandleFunc("/process/{id}", s.handleProcessGet).Methods(http.MethodGet)
	api.HandleFunc("/process/{id}", s.handleProcessKill).Methods(http.MethodDelete)
	api.HandleFunc("/process/{id}/logs", s.handleProcessLogs).Methods(http.MethodGet)
	api.HandleFunc("/process/{id}/stream", s.handleProcessStream).Methods(http.MethodGet)

	api.HandleFunc("/port/expose", s.handlePortExpose).Methods(http.MethodPost)
	api.HandleFunc("/exposed-ports", s.handlePortList).Methods(http.MethodGet)
	api.HandleFunc("/exposed-ports/{port}", s.handlePortUnexpose).Methods(http.MethodDelete)

	api.HandleFunc("/git/clone", s.handleGitClone).Methods(http.MethodPost)

	api.HandleFunc("/code/context/create", s.handleContextCreate).Methods(http.MethodPost)
	api.HandleFunc("/code/context/list", s.handleContextList).Methods(http.MethodGet)
	api.HandleFunc("/code/context/{id}", s.handleContextDelete).Methods(http.MethodDelete)
	api.HandleFunc("/code/execute", s.handleCodeExecute).Methods(http.MethodPost)
	api.HandleFunc("/code/execute/stream", s.handleCodeExecuteStream).Methods(http.MethodPost)

	api.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)
	api.HandleFunc("/commands", s.handleCommands).Methods(http.MethodGet)
	api.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	api.HandleFunc("/destroy", s.handleDestroy).Methods(http.MethodPost)

	// preview path traffic proxied straight to a user port
	r.PathPrefix("/preview/{port:[0-9]+}/{sandbox}").HandlerFunc(s.handlePreview)

	return s.middleware(r)
}

// middleware renews the activity deadline, honors the keep-alive header and
// short-circuits port-proxy traffic flagged by the front end.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.monitor.Touch()

		switch req.Header.Get(HeaderKeepAlive) {
		case "true":
			s.monitor.SetKeepAlive(true)
		case "false":
			s.monitor.SetKeepAlive(false)
		}

		if portHdr := req.Header.Get(HeaderProxyPort); portHdr != "" {
			var port int
			if _, err := fmt.Sscanf(portHdr, "%d", &port); err == nil && port != s.cfg.Port {
				if err := s.ports.Proxy(w, req, port, req.URL.Path); err != nil {
					writeError(w, req, err)
				}
				return
			}
		}

		sylog.Debugf("%s %s", req.Method, req.URL.Path)
		next.ServeHTTP(w, req)
	})
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	sylog.Infof("Control plane listening on %s", ln.Addr())
	err := s.srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ListenAndServe binds the configured port on all interfaces.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("while binding control plane port %d: %w", s.cfg.Port, err)
	}
	return s.Serve(ln)
}

// Shutdown drains in-flight requests, then releases every component.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.Destroy()
	return err
}

// Destroy tears down all volatile sandbox state: sessions, processes,
// kernels, the sweeper and the metadata store. Idempotent.
func (s *Server) Destroy() {
	s.destroyOnce.Do(func() {
		s.sweeper.Stop()
		s.monitor.Stop()
		s.sessions.Destroy()
		s.processes.Destroy()
		s.contexts.Destroy()
		if s.store != nil {
			s.store.Close()
		}
	})
}

// resolveSession returns the session addressed by the request: the
// X-Session-Id header when present, otherwise the sandbox default session.
func (s *Server) resolveSession(req *http.Request) (*session.Session, error) {
	if id := req.Header.Get(HeaderSessionID); id != "" {
		return s.sessions.Get(id)
	}
	return s.sessions.Default(s.cfg.DefaultSessionName())
}

// requestTimeout converts a millisecond field to a duration, zero meaning
// the configured default.
func requestTimeout(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
