// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

// writeSuccess writes the standard success envelope with the payload fields
// merged in at the top level.
func writeSuccess(w http.ResponseWriter, payload map[string]interface{}) {
	body := map[string]interface{}{
		"success":   true,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range payload {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		sylog.Debugf("While writing response: %v", err)
	}
}

// writeError maps err onto the taxonomy and writes the error envelope.
// Client errors are expected and log at debug only; server errors log loud.
func writeError(w http.ResponseWriter, req *http.Request, err error) {
	e := errdefs.AsError(err)
	status := e.Code.HTTPStatus()
	if status >= 500 {
		sylog.Errorf("%s %s failed: %v", req.Method, req.URL.Path, err)
	} else {
		sylog.Debugf("%s %s rejected: %v", req.Method, req.URL.Path, err)
	}

	body := map[string]interface{}{
		"success":   false,
		"error":     e.Message,
		"code":      string(e.Code),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		sylog.Debugf("While writing error response: %v", encErr)
	}
}

// decodeBody parses the JSON request body into dst. An empty body leaves dst
// at its zero value.
func decodeBody(req *http.Request, dst interface{}) error {
	if req.Body == nil {
		return nil
	}
	dec := json.NewDecoder(req.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errdefs.Wrap(err, errdefs.InvalidRequest, "malformed JSON request body")
	}
	return nil
}
