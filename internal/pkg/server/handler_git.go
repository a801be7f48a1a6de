// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package server

import (
	"net/http"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/internal/pkg/gitops"
)

func (s *Server) handleGitClone(w http.ResponseWriter, req *http.Request) {
	var body struct {
		RepoURL   string `json:"repoUrl"`
		Branch    string `json:"branch"`
		TargetDir string `json:"targetDir"`
	}
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	if body.RepoURL == "" {
		writeError(w, req, errdefs.New(errdefs.InvalidGitURL, "repoUrl is required"))
		return
	}

	res, err := s.git.Clone(req.Context(), body.RepoURL, gitops.CloneOptions{
		Branch:    body.Branch,
		TargetDir: body.TargetDir,
	})
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeSuccess(w, map[string]interface{}{
		"repoUrl":   res.RepoURL,
		"branch":    res.Branch,
		"targetDir": res.TargetDir,
	})
}
