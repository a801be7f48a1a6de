// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package sse implements the server-sent-events transport used by streaming
// endpoints. Each event is a single line of JSON framed as "data: <json>\n\n";
// a literal "data: [DONE]\n\n" marks logical end of stream.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// DoneSentinel is the payload of the final frame of every stream that ends
// naturally.
const DoneSentinel = "[DONE]"

// Writer frames events onto an HTTP response. It is not safe for concurrent
// use; streaming handlers own their writer.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter prepares w for event streaming and returns the framing writer.
// It fails when the ResponseWriter cannot be flushed, since unflushed events
// would defeat streaming entirely.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// Send marshals v and writes it as one event frame, flushing immediately.
func (s *Writer) Send(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("while encoding event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Done writes the end-of-stream sentinel.
func (s *Writer) Done() error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", DoneSentinel); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
