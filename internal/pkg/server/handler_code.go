// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/internal/pkg/interp"
	"github.com/sylabs/sandboxd/internal/pkg/sse"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

func (s *Server) handleContextCreate(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Language string            `json:"language"`
		Cwd      string            `json:"cwd"`
		EnvVars  map[string]string `json:"envVars"`
	}
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}

	c, err := s.contexts.CreateContext(interp.CreateOptions{
		Language: body.Language,
		Cwd:      body.Cwd,
		EnvVars:  body.EnvVars,
	})
	if err != nil {
		writeError(w, req, err)
		return
	}

	info := c.Info()
	writeSuccess(w, map[string]interface{}{
		"id":        info.ID,
		"language":  info.Language,
		"cwd":       info.Cwd,
		"createdAt": info.CreatedAt,
		"lastUsed":  info.LastUsed,
	})
}

func (s *Server) handleContextList(w http.ResponseWriter, req *http.Request) {
	infos := s.contexts.List()
	writeSuccess(w, map[string]interface{}{
		"contexts": infos,
		"count":    len(infos),
	})
}

func (s *Server) handleContextDelete(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if err := s.contexts.DeleteContext(id); err != nil {
		writeError(w, req, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"id": id})
}

type codeExecuteBody struct {
	Code    string `json:"code"`
	Options struct {
		Context   string `json:"context"`
		Language  string `json:"language"`
		TimeoutMs int64  `json:"timeoutMs"`
	} `json:"options"`
}

// resolveContext finds the addressed context, creating a transient one when
// only a language was given.
func (s *Server) resolveContext(body *codeExecuteBody) (string, error) {
	if body.Options.Context != "" {
		return body.Options.Context, nil
	}
	if body.Options.Language == "" {
		return "", errdefs.New(errdefs.InvalidRequest, "options.context or options.language is required")
	}
	c, err := s.contexts.CreateContext(interp.CreateOptions{Language: body.Options.Language})
	if err != nil {
		return "", err
	}
	return c.Info().ID, nil
}

func (s *Server) handleCodeExecute(w http.ResponseWriter, req *http.Request) {
	var body codeExecuteBody
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	if body.Code == "" {
		writeError(w, req, errdefs.New(errdefs.InvalidRequest, "code is required"))
		return
	}

	ctxID, err := s.resolveContext(&body)
	if err != nil {
		writeError(w, req, err)
		return
	}

	out, err := s.contexts.RunCode(req.Context(), ctxID, body.Code, requestTimeout(body.Options.TimeoutMs))
	if err != nil {
		writeError(w, req, err)
		return
	}

	// raised exceptions in user code ride inside a success envelope so the
	// caller can tell "your code threw" from "the platform failed"
	writeSuccess(w, map[string]interface{}{
		"context": ctxID,
		"logs":    out.Logs,
		"error":   out.Error,
		"results": out.Results,
	})
}

func (s *Server) handleCodeExecuteStream(w http.ResponseWriter, req *http.Request) {
	var body codeExecuteBody
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	if body.Code == "" {
		writeError(w, req, errdefs.New(errdefs.InvalidRequest, "code is required"))
		return
	}

	ctxID, err := s.resolveContext(&body)
	if err != nil {
		writeError(w, req, err)
		return
	}

	out, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, req, err)
		return
	}

	err = s.contexts.RunCodeStream(req.Context(), ctxID, body.Code, requestTimeout(body.Options.TimeoutMs), func(ev interp.Event) error {
		return out.Send(ev)
	})
	if err != nil {
		sylog.Debugf("Code stream ended early: %v", err)
		return
	}
	if err := out.Done(); err != nil {
		sylog.Debugf("While terminating code stream: %v", err)
	}
}
