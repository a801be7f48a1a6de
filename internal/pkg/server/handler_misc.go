// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package server

import (
	"net/http"
	"runtime"

	"github.com/sylabs/sandboxd/internal/pkg/buildcfg"
)

func (s *Server) handlePing(w http.ResponseWriter, req *http.Request) {
	writeSuccess(w, map[string]interface{}{
		"message": "pong",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, req *http.Request) {
	writeSuccess(w, map[string]interface{}{
		"version": buildcfg.Version,
		"go":      runtime.Version(),
	})
}

// commandInventory is the operation surface reported by /api/commands.
var commandInventory = []map[string]string{
	{"method": http.MethodPost, "path": "/api/session/create", "description": "create a shell session"},
	{"method": http.MethodPost, "path": "/api/execute", "description": "run a command to completion"},
	{"method": http.MethodPost, "path": "/api/execStream", "description": "run a command with streamed output"},
	{"method": http.MethodPost, "path": "/api/env/set", "description": "set session environment variables"},
	{"method": http.MethodGet, "path": "/api/cwd", "description": "get session working directory"},
	{"method": http.MethodPost, "path": "/api/cwd", "description": "set session working directory"},
	{"method": http.MethodPost, "path": "/api/file/mkdir", "description": "create a directory"},
	{"method": http.MethodPost, "path": "/api/file/write", "description": "write a file"},
	{"method": http.MethodPost, "path": "/api/file/read", "description": "read a file"},
	{"method": http.MethodPost, "path": "/api/file/read/stream", "description": "read a file as a stream"},
	{"method": http.MethodPost, "path": "/api/file/delete", "description": "delete a file or directory"},
	{"method": http.MethodPost, "path": "/api/file/rename", "description": "rename a file"},
	{"method": http.MethodPost, "path": "/api/file/move", "description": "move a file"},
	{"method": http.MethodPost, "path": "/api/file/list", "description": "list a directory"},
	{"method": http.MethodPost, "path": "/api/file/exists", "description": "check a path"},
	{"method": http.MethodPost, "path": "/api/process/start", "description": "start a background process"},
	{"method": http.MethodGet, "path": "/api/process/list", "description": "list background processes"},
	{"method": http.MethodGet, "path": "/api/process/{id}", "description": "inspect a background process"},
	{"method": http.MethodGet, "path": "/api/process/{id}/logs", "description": "snapshot process logs"},
	{"method": http.MethodGet, "path": "/api/process/{id}/stream", "description": "stream process logs"},
	{"method": http.MethodDelete, "path": "/api/process/{id}", "description": "kill a background process"},
	{"method": http.MethodPost, "path": "/api/process/kill-all", "description": "kill all background processes"},
	{"method": http.MethodPost, "path": "/api/port/expose", "description": "expose a user port"},
	{"method": http.MethodDelete, "path": "/api/exposed-ports/{port}", "description": "unexpose a user port"},
	{"method": http.MethodGet, "path": "/api/exposed-ports", "description": "list exposed ports"},
	{"method": http.MethodPost, "path": "/api/git/clone", "description": "clone a git repository"},
	{"method": http.MethodPost, "path": "/api/code/context/create", "description": "create an interpreter context"},
	{"method": http.MethodGet, "path": "/api/code/context/list", "description": "list interpreter contexts"},
	{"method": http.MethodDelete, "path": "/api/code/context/{id}", "description": "delete an interpreter context"},
	{"method": http.MethodPost, "path": "/api/code/execute", "description": "execute code in a context"},
	{"method": http.MethodPost, "path": "/api/code/execute/stream", "description": "execute code with streamed events"},
	{"method": http.MethodGet, "path": "/api/ping", "description": "liveness probe"},
	{"method": http.MethodGet, "path": "/api/commands", "description": "this inventory"},
	{"method": http.MethodGet, "path": "/api/version", "description": "control plane version"},
	{"method": http.MethodPost, "path": "/api/destroy", "description": "tear down sandbox state"},
}

func (s *Server) handleCommands(w http.ResponseWriter, req *http.Request) {
	writeSuccess(w, map[string]interface{}{
		"commands": commandInventory,
		"count":    len(commandInventory),
	})
}

func (s *Server) handleDestroy(w http.ResponseWriter, req *http.Request) {
	// respond before the components go away
	writeSuccess(w, map[string]interface{}{"destroyed": true})
	go s.Destroy()
}
