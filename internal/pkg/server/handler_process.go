// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/internal/pkg/process"
	"github.com/sylabs/sandboxd/internal/pkg/sse"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

func (s *Server) handleProcessStart(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Command   string            `json:"command"`
		ProcessID string            `json:"processId"`
		Cwd       string            `json:"cwd"`
		Env       map[string]string `json:"env"`
	}
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	if body.Command == "" {
		writeError(w, req, errdefs.New(errdefs.InvalidRequest, "command is required"))
		return
	}

	p, err := s.processes.Start(body.Command, process.StartOptions{
		ProcessID: body.ProcessID,
		SessionID: req.Header.Get(HeaderSessionID),
		Cwd:       body.Cwd,
		Env:       body.Env,
	})
	if err != nil {
		writeError(w, req, err)
		return
	}

	info := p.Info()
	writeSuccess(w, map[string]interface{}{
		"process": info,
		"id":      info.ID,
		"pid":     info.PID,
	})
}

func (s *Server) handleProcessList(w http.ResponseWriter, req *http.Request) {
	infos := s.processes.List()
	writeSuccess(w, map[string]interface{}{
		"processes": infos,
		"count":     len(infos),
	})
}

func (s *Server) handleProcessGet(w http.ResponseWriter, req *http.Request) {
	p, err := s.processes.Get(mux.Vars(req)["id"])
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"process": p.Info()})
}

func (s *Server) handleProcessKill(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if err := s.processes.Kill(id); err != nil {
		writeError(w, req, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"id": id})
}

func (s *Server) handleProcessKillAll(w http.ResponseWriter, req *http.Request) {
	cleaned := s.processes.KillAll()
	writeSuccess(w, map[string]interface{}{"cleanedCount": cleaned})
}

func (s *Server) handleProcessLogs(w http.ResponseWriter, req *http.Request) {
	p, err := s.processes.Get(mux.Vars(req)["id"])
	if err != nil {
		writeError(w, req, err)
		return
	}
	logs := p.Logs()
	writeSuccess(w, map[string]interface{}{
		"stdout": logs.Stdout,
		"stderr": logs.Stderr,
	})
}

func (s *Server) handleProcessStream(w http.ResponseWriter, req *http.Request) {
	p, err := s.processes.Get(mux.Vars(req)["id"])
	if err != nil {
		writeError(w, req, err)
		return
	}

	out, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, req, err)
		return
	}

	err = p.StreamLogs(req.Context(), func(ev process.LogEvent) error {
		return out.Send(ev)
	})
	if err != nil {
		sylog.Debugf("Process log stream ended early: %v", err)
		return
	}
	if err := out.Done(); err != nil {
		sylog.Debugf("While terminating process log stream: %v", err)
	}
}
