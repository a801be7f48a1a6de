// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package portreg maintains the set of exposed user ports and forwards HTTP
// and WebSocket traffic addressed to them into the container.
package portreg

import (
	"sort"
	"sync"
	"time"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

// minUserPort is the lowest exposable port; privileged ports stay private.
const minUserPort = 1024

// ExposedPort is one registry entry.
type ExposedPort struct {
	Port      int       `json:"port"`
	Name      string    `json:"name,omitempty"`
	URL       string    `json:"url,omitempty"`
	ExposedAt time.Time `json:"exposedAt"`
}

// Registry owns the exposed port set for one sandbox.
type Registry struct {
	mu    sync.RWMutex
	ports map[int]ExposedPort

	controlPort int
	urls        *PreviewURLs
}

// NewRegistry returns an empty registry. controlPort is never exposable;
// urls builds the externally addressable URL for each exposure.
func NewRegistry(controlPort int, urls *PreviewURLs) *Registry {
	return &Registry{
		ports:       map[int]ExposedPort{},
		controlPort: controlPort,
		urls:        urls,
	}
}

// Expose registers port and returns its entry with the routable URL.
func (r *Registry) Expose(port int, name string) (*ExposedPort, error) {
	if port < minUserPort || port > 65535 {
		return nil, errdefs.New(errdefs.InvalidPort,
			"port %d outside the exposable range %d-65535", port, minUserPort).WithDetail("port", port)
	}
	if port == r.controlPort {
		return nil, errdefs.New(errdefs.PortReserved,
			"port %d is reserved for the control plane", port).WithDetail("port", port)
	}

	url, err := r.urls.For(port)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ports[port]; exists {
		return nil, errdefs.New(errdefs.PortAlreadyExposed,
			"port %d is already exposed", port).WithDetail("port", port)
	}
	entry := ExposedPort{
		Port:      port,
		Name:      name,
		URL:       url,
		ExposedAt: time.Now().UTC(),
	}
	r.ports[port] = entry
	sylog.Debugf("Exposed port %d as %s", port, url)
	return &entry, nil
}

// Unexpose removes port from the registry.
func (r *Registry) Unexpose(port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ports[port]; !exists {
		return errdefs.New(errdefs.PortNotExposed, "port %d is not exposed", port).
			WithDetail("port", port)
	}
	delete(r.ports, port)
	sylog.Debugf("Unexposed port %d", port)
	return nil
}

// IsExposed reports whether port is currently exposed.
func (r *Registry) IsExposed(port int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ports[port]
	return ok
}

// List returns a snapshot of all exposures, lowest port first.
func (r *Registry) List() []ExposedPort {
	r.mu.RLock()
	out := make([]ExposedPort, 0, len(r.ports))
	for _, p := range r.ports {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}
