// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package server

import (
	"net/http"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/internal/pkg/session"
	"github.com/sylabs/sandboxd/internal/pkg/sse"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

func (s *Server) handleExecute(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Command   string `json:"command"`
		Cwd       string `json:"cwd"`
		TimeoutMs int64  `json:"timeoutMs"`
	}
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	if body.Command == "" {
		writeError(w, req, errdefs.New(errdefs.InvalidRequest, "command is required"))
		return
	}

	sess, err := s.resolveSession(req)
	if err != nil {
		writeError(w, req, err)
		return
	}

	res, err := sess.Exec(req.Context(), body.Command, body.Cwd, requestTimeout(body.TimeoutMs))
	if err != nil {
		writeError(w, req, err)
		return
	}

	// success reflects the command's exit status, not just request delivery
	writeSuccess(w, map[string]interface{}{
		"stdout":   res.Stdout,
		"stderr":   res.Stderr,
		"exitCode": res.ExitCode,
		"success":  res.Success,
		"command":  body.Command,
	})
}

func (s *Server) handleExecStream(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Command   string `json:"command"`
		TimeoutMs int64  `json:"timeoutMs"`
	}
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	if body.Command == "" {
		writeError(w, req, errdefs.New(errdefs.InvalidRequest, "command is required"))
		return
	}

	sess, err := s.resolveSession(req)
	if err != nil {
		writeError(w, req, err)
		return
	}

	out, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, req, err)
		return
	}

	err = sess.ExecStream(req.Context(), body.Command, requestTimeout(body.TimeoutMs), func(ev session.StreamEvent) error {
		return out.Send(ev)
	})
	if err != nil {
		// the stream already started; all we can do is log and end it
		sylog.Debugf("Exec stream ended early: %v", err)
		return
	}
	if err := out.Done(); err != nil {
		sylog.Debugf("While terminating exec stream: %v", err)
	}
}
