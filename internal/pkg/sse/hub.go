// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sse

import (
	"sync"

	"github.com/sylabs/sandboxd/pkg/sylog"
)

// Hub fans events out to any number of subscribers. Producers never block on
// a slow consumer: when a subscriber's buffer is full the event is dropped
// for that subscriber only.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool
}

// Subscriber receives hub events on C. C is closed when the subscriber is
// removed or the hub shuts down.
type Subscriber struct {
	C   chan interface{}
	hub *Hub
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: map[*Subscriber]struct{}{}}
}

// Subscribe registers a new subscriber with the given channel buffer.
// Subscribing to a closed hub returns a subscriber whose channel is already
// closed, so consumers need no special case.
func (h *Hub) Subscribe(buffer int) *Subscriber {
	s := &Subscriber{C: make(chan interface{}, buffer), hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.C)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Close removes the subscriber from its hub and closes its channel.
func (s *Subscriber) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.subs[s]; !ok {
		return
	}
	delete(s.hub.subs, s)
	close(s.C)
}

// Broadcast delivers v to every live subscriber.
func (h *Hub) Broadcast(v interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.C <- v:
		default:
			sylog.Debugf("Dropping event for slow SSE subscriber")
		}
	}
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Further Broadcast calls are no-ops and
// further Subscribe calls return closed subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.C)
	}
}
