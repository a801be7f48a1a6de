// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package router implements the stateless front end: it examines hostname
// and path of every request, decides which sandbox and port it addresses,
// and forwards it to that sandbox's control plane.
package router

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/sylabs/sandboxd/pkg/sylog"
)

// ProvisioningBody is the 503 body signature emitted while a sandbox
// container is still being provisioned. Clients retry on exactly this text.
const ProvisioningBody = "There is no Container instance available"

// ErrNoInstance is returned by a Resolver when the sandbox has no reachable
// container yet.
var ErrNoInstance = errors.New("no container instance available")

var (
	subdomainRe = regexp.MustCompile(`^(\d+)-([A-Za-z0-9-]+)\.`)
	devPathRe   = regexp.MustCompile(`^/preview/(\d+)/([^/]+)(/.*)?$`)
)

// Target identifies where a request should land.
type Target struct {
	SandboxID string
	Port      int
	Path      string
}

// Resolver maps a sandbox id onto the base URL of its control plane.
type Resolver interface {
	ControlPlaneURL(sandboxID string) (string, error)
}

// Config configures a Router.
type Config struct {
	// ControlPort is the reserved in-container control plane port.
	ControlPort int
	// Resolver locates sandbox control planes.
	Resolver Resolver
}

// Router forwards matched requests; unmatched requests are left to the host
// application.
type Router struct {
	cfg Config
}

// New returns a router for cfg.
func New(cfg Config) *Router {
	return &Router{cfg: cfg}
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLocalhost(host string) bool {
	switch hostOnly(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Match extracts the routing target from req, trying the preview subdomain
// pattern first, then the localhost development path form. A nil return
// means the request is not sandbox traffic.
func Match(req *http.Request) *Target {
	host := hostOnly(req.Host)
	if m := subdomainRe.FindStringSubmatch(host); m != nil {
		port, err := strconv.Atoi(m[1])
		if err == nil && port >= 1 && port <= 65535 {
			return &Target{SandboxID: m[2], Port: port, Path: req.URL.Path}
		}
	}

	if isLocalhost(req.Host) {
		if m := devPathRe.FindStringSubmatch(req.URL.Path); m != nil {
			port, err := strconv.Atoi(m[1])
			if err == nil && port >= 1 && port <= 65535 {
				path := m[3]
				if path == "" {
					path = "/"
				}
				return &Target{SandboxID: m[2], Port: port, Path: path}
			}
		}
	}

	return nil
}

// Route forwards req when it addresses a sandbox, reporting whether it was
// handled. Upgrade requests pass through the reverse proxy, which bridges
// them natively.
func (r *Router) Route(w http.ResponseWriter, req *http.Request) bool {
	t := Match(req)
	if t == nil {
		return false
	}

	base, err := r.cfg.Resolver.ControlPlaneURL(t.SandboxID)
	if err != nil {
		if errors.Is(err, ErrNoInstance) {
			// the provisioning signature is the client's retry trigger
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"error":%q}`, ProvisioningBody)
			return true
		}
		sylog.Errorf("While resolving sandbox %s: %v", t.SandboxID, err)
		http.Error(w, "sandbox resolution failed", http.StatusBadGateway)
		return true
	}

	target, err := url.Parse(base)
	if err != nil {
		sylog.Errorf("Bad control plane URL for sandbox %s: %v", t.SandboxID, err)
		http.Error(w, "sandbox resolution failed", http.StatusBadGateway)
		return true
	}

	origin := originalURL(req)
	proxy := httputil.NewSingleHostReverseProxy(target)
	baseDirector := proxy.Director
	proxy.Director = func(out *http.Request) {
		baseDirector(out)
		out.URL.Path = t.Path
		out.Host = target.Host
		out.Header.Set("X-Original-URL", origin)
		out.Header.Set("X-Forwarded-Host", hostOnly(req.Host))
		out.Header.Set("X-Forwarded-Proto", schemeOf(req))
		out.Header.Set("X-Sandbox-Name", t.SandboxID)
		if t.Port != r.cfg.ControlPort {
			out.Header.Set("X-Proxy-Port", strconv.Itoa(t.Port))
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		sylog.Debugf("While proxying to sandbox %s: %v", t.SandboxID, err)
		http.Error(w, "sandbox unreachable", http.StatusBadGateway)
	}
	proxy.ServeHTTP(w, req)
	return true
}

func schemeOf(req *http.Request) string {
	if req.TLS != nil {
		return "https"
	}
	return "http"
}

func originalURL(req *http.Request) string {
	var b strings.Builder
	b.WriteString(schemeOf(req))
	b.WriteString("://")
	b.WriteString(req.Host)
	b.WriteString(req.URL.RequestURI())
	return b.String()
}
