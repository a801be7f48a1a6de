// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package server

import (
	"net/http"

	"github.com/sylabs/sandboxd/internal/pkg/session"
)

func (s *Server) handleSessionCreate(w http.ResponseWriter, req *http.Request) {
	var body struct {
		ID  string            `json:"id"`
		Env map[string]string `json:"env"`
		Cwd string            `json:"cwd"`
	}
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}

	sess, err := s.sessions.Create(session.Options{
		ID:  body.ID,
		Env: body.Env,
		Cwd: body.Cwd,
	})
	if err != nil {
		writeError(w, req, err)
		return
	}

	writeSuccess(w, map[string]interface{}{
		"sessionId": sess.ID,
	})
}

func (s *Server) handleEnvSet(w http.ResponseWriter, req *http.Request) {
	var body struct {
		EnvVars map[string]string `json:"envVars"`
	}
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}

	sess, err := s.resolveSession(req)
	if err != nil {
		writeError(w, req, err)
		return
	}
	if err := sess.SetEnv(req.Context(), body.EnvVars); err != nil {
		writeError(w, req, err)
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleGetCwd(w http.ResponseWriter, req *http.Request) {
	sess, err := s.resolveSession(req)
	if err != nil {
		writeError(w, req, err)
		return
	}
	cwd, err := sess.GetCwd(req.Context())
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"cwd": cwd})
}

func (s *Server) handleSetCwd(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Cwd string `json:"cwd"`
	}
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}

	sess, err := s.resolveSession(req)
	if err != nil {
		writeError(w, req, err)
		return
	}
	if err := sess.SetCwd(req.Context(), body.Cwd); err != nil {
		writeError(w, req, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"cwd": body.Cwd})
}
