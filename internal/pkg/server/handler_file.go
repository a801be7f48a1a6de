// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package server

import (
	"net/http"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/internal/pkg/fileops"
	"github.com/sylabs/sandboxd/internal/pkg/sse"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

type filePathBody struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

func (s *Server) handleFileMkdir(w http.ResponseWriter, req *http.Request) {
	var body filePathBody
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	if err := s.files.Mkdir(body.Path, body.Recursive); err != nil {
		writeError(w, req, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"path": body.Path})
}

func (s *Server) handleFileWrite(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Path     string `json:"path"`
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	if err := s.files.WriteFile(body.Path, body.Content, body.Encoding); err != nil {
		writeError(w, req, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"path": body.Path})
}

func (s *Server) handleFileRead(w http.ResponseWriter, req *http.Request) {
	var body filePathBody
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	fc, err := s.files.ReadFile(body.Path)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeSuccess(w, map[string]interface{}{
		"path":     body.Path,
		"content":  fc.Content,
		"encoding": fc.Encoding,
		"size":     fc.Size,
		"mimeType": fc.MimeType,
		"isBinary": fc.IsBinary,
	})
}

func (s *Server) handleFileReadStream(w http.ResponseWriter, req *http.Request) {
	var body filePathBody
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}

	// resolve failures before any event is written so they surface as a
	// plain error response
	res, err := s.files.Exists(body.Path)
	if err != nil {
		writeError(w, req, err)
		return
	}
	if !res.Exists {
		writeError(w, req, errdefs.New(errdefs.FileNotFound, "%s does not exist", body.Path).
			WithDetail("path", body.Path))
		return
	}

	out, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, req, err)
		return
	}

	err = s.files.StreamRead(req.Context(), body.Path, func(ev fileops.StreamEvent) error {
		return out.Send(ev)
	})
	if err != nil {
		// headers are gone; report in-band and end the stream
		ev := fileops.StreamEvent{Type: fileops.EventError, Error: err.Error()}
		if serr := out.Send(ev); serr != nil {
			sylog.Debugf("While reporting stream error: %v", serr)
		}
		return
	}
	if err := out.Done(); err != nil {
		sylog.Debugf("While terminating file stream: %v", err)
	}
}

func (s *Server) handleFileDelete(w http.ResponseWriter, req *http.Request) {
	var body filePathBody
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	if err := s.files.Delete(body.Path, body.Recursive); err != nil {
		writeError(w, req, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"path": body.Path})
}

func (s *Server) handleFileRename(w http.ResponseWriter, req *http.Request) {
	var body struct {
		OldPath string `json:"oldPath"`
		NewPath string `json:"newPath"`
	}
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	if err := s.files.Rename(body.OldPath, body.NewPath); err != nil {
		writeError(w, req, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"path": body.NewPath})
}

func (s *Server) handleFileMove(w http.ResponseWriter, req *http.Request) {
	var body struct {
		SourcePath string `json:"sourcePath"`
		TargetPath string `json:"targetPath"`
	}
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	if err := s.files.Move(body.SourcePath, body.TargetPath); err != nil {
		writeError(w, req, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"path": body.TargetPath})
}

func (s *Server) handleFileList(w http.ResponseWriter, req *http.Request) {
	var body filePathBody
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	entries, err := s.files.List(body.Path)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeSuccess(w, map[string]interface{}{
		"path":    body.Path,
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleFileExists(w http.ResponseWriter, req *http.Request) {
	var body filePathBody
	if err := decodeBody(req, &body); err != nil {
		writeError(w, req, err)
		return
	}
	res, err := s.files.Exists(body.Path)
	if err != nil {
		writeError(w, req, err)
		return
	}
	writeSuccess(w, map[string]interface{}{
		"path":   body.Path,
		"exists": res.Exists,
		"type":   res.Type,
	})
}
