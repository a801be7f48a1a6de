// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package fileops

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
)

// Stream event discriminators for the streaming file read.
const (
	EventMetadata = "metadata"
	EventChunk    = "chunk"
	EventComplete = "complete"
	EventError    = "error"
)

// streamChunkSize is the payload size of one chunk event, pre-encoding.
const streamChunkSize = 64 << 10

// StreamEvent is one element of a streaming file read.
type StreamEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	MimeType  string `json:"mimeType,omitempty"`
	Size      *int64 `json:"size,omitempty"`
	IsBinary  *bool  `json:"isBinary,omitempty"`
	Encoding  string `json:"encoding,omitempty"`
	Data      string `json:"data,omitempty"`
	BytesRead *int64 `json:"bytesRead,omitempty"`
	Error     string `json:"error,omitempty"`
}

func streamStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// sniff classifies content, deciding the mime type and whether the bytes must
// travel base64 encoded.
func sniff(head []byte) (mime string, binary bool) {
	mime = http.DetectContentType(head)
	switch {
	case strings.HasPrefix(mime, "text/"):
		binary = false
	case mime == "application/json", strings.HasSuffix(mime, "+json"),
		strings.HasSuffix(mime, "+xml"):
		binary = false
	default:
		binary = true
	}
	if !binary && !utf8.Valid(head) {
		binary = true
	}
	return mime, binary
}

// StreamRead reads path and delivers it to sink as a metadata event, zero or
// more chunk events, and one complete event. Failures after the stream began
// surface as a single error event; the sequence always ends with exactly one
// of complete or error.
func (o *Ops) StreamRead(ctx context.Context, path string, sink func(StreamEvent) error) error {
	fail := func(msg string) error {
		return sink(StreamEvent{Type: EventError, Timestamp: streamStamp(), Error: msg})
	}

	p, err := o.resolve(path)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		return mapError(err, path, "read")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return mapError(err, path, "read")
	}
	if info.IsDir() {
		return errdefs.New(errdefs.IsDirectory, "%s is a directory", path).WithDetail("path", path)
	}

	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return mapError(err, path, "read")
	}
	head = head[:n]
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return mapError(err, path, "read")
	}

	mime, binary := sniff(head)
	encoding := "utf-8"
	if binary {
		encoding = "base64"
	}
	size := info.Size()
	if err := sink(StreamEvent{
		Type:      EventMetadata,
		Timestamp: streamStamp(),
		MimeType:  mime,
		Size:      &size,
		IsBinary:  &binary,
		Encoding:  encoding,
	}); err != nil {
		return err
	}

	var read int64
	buf := make([]byte, streamChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := f.Read(buf)
		if n > 0 {
			read += int64(n)
			data := string(buf[:n])
			if binary {
				data = base64.StdEncoding.EncodeToString(buf[:n])
			}
			if serr := sink(StreamEvent{Type: EventChunk, Timestamp: streamStamp(), Data: data}); serr != nil {
				return serr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fail(err.Error())
		}
	}

	return sink(StreamEvent{Type: EventComplete, Timestamp: streamStamp(), BytesRead: &read})
}
