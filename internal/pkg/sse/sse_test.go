// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sse

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func TestWriterFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	assert.NilError(t, err)

	assert.NilError(t, w.Send(map[string]string{"type": "start"}))
	assert.NilError(t, w.Send(map[string]interface{}{"type": "stdout", "data": "hi\n"}))
	assert.NilError(t, w.Done())

	resp := rec.Result()
	assert.Equal(t, resp.Header.Get("Content-Type"), "text/event-stream")
	assert.Equal(t, resp.Header.Get("Cache-Control"), "no-cache")

	body := rec.Body.String()
	lines := strings.Split(body, "\n\n")
	assert.Equal(t, lines[0], `data: {"type":"start"}`)
	assert.Assert(t, strings.HasPrefix(lines[1], `data: {`))
	assert.Equal(t, lines[2], "data: [DONE]")
	// payloads are single lines
	for _, l := range lines[:3] {
		assert.Assert(t, !strings.Contains(strings.TrimPrefix(l, "data: "), "\n"))
	}
}

type noFlush struct {
	http.ResponseWriter
}

func TestWriterRequiresFlusher(t *testing.T) {
	rec := httptest.NewRecorder()
	_, err := NewWriter(noFlush{rec})
	assert.Assert(t, err != nil)
}

func TestHubFanOut(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(4)
	b := h.Subscribe(4)
	assert.Equal(t, h.Len(), 2)

	h.Broadcast("one")
	h.Broadcast("two")

	assert.Equal(t, (<-a.C).(string), "one")
	assert.Equal(t, (<-a.C).(string), "two")
	assert.Equal(t, (<-b.C).(string), "one")
	assert.Equal(t, (<-b.C).(string), "two")
}

func TestHubSlowSubscriberDrops(t *testing.T) {
	h := NewHub()
	s := h.Subscribe(1)
	h.Broadcast(1)
	h.Broadcast(2) // dropped, buffer full

	assert.Equal(t, (<-s.C).(int), 1)
	select {
	case v := <-s.C:
		t.Fatalf("unexpected event %v", v)
	default:
	}
}

func TestHubClose(t *testing.T) {
	h := NewHub()
	s := h.Subscribe(1)
	h.Close()

	_, ok := <-s.C
	assert.Assert(t, !ok)
	assert.Equal(t, h.Len(), 0)

	// subscribing after close yields an already closed channel
	late := h.Subscribe(1)
	_, ok = <-late.C
	assert.Assert(t, !ok)

	// broadcasting after close is a no-op
	h.Broadcast("ignored")
}

func TestSubscriberCloseTwice(t *testing.T) {
	h := NewHub()
	s := h.Subscribe(1)
	s.Close()
	s.Close()
	assert.Equal(t, h.Len(), 0)
}
