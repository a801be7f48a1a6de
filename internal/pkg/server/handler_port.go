// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
)

func (s *Server) handlePortExpose(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Port int    `json:"port"`
		Name string `json:"name"`
	}
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}

	entry, err := s.ports.Expose(body.Port, body.Name)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeSuccess(w, map[string]interface{}{
		"port":      entry.Port,
		"name":      entry.Name,
		"url":       entry.URL,
		"exposedAt": entry.ExposedAt,
	})
}

func (s *Server) handlePortUnexpose(w http.ResponseWriter, req *http.Request) {
	port, err := strconv.Atoi(mux.Vars(req)["port"])
	if err != nil {
		writeError(w, req, errdefs.New(errdefs.InvalidPort, "invalid port %q", mux.Vars(req)["port"]))
		return
	}
	if err := s.ports.Unexpose(port); err != nil {
		writeError(w, req, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"port": port})
}

func (s *Server) handlePortList(w http.ResponseWriter, req *http.Request) {
	ports := s.ports.List()
	writeSuccess(w, map[string]interface{}{
		"ports": ports,
		"count": len(ports),
	})
}

// handlePreview serves /preview/{port}/{sandbox}[/rest] by proxying into the
// addressed user port. The rest of the path, with a leading slash, is what
// the in-container service sees.
func (s *Server) handlePreview(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	port, err := strconv.Atoi(vars["port"])
	if err != nil {
		writeError(w, req, errdefs.New(errdefs.InvalidPort, "invalid port %q", vars["port"]))
		return
	}

	prefix := "/preview/" + vars["port"] + "/" + vars["sandbox"]
	rest := strings.TrimPrefix(req.URL.Path, prefix)
	if rest == "" {
		rest = "/"
	}

	if err := s.ports.Proxy(w, req, port, rest); err != nil {
		writeError(w, req, err)
	}
}
