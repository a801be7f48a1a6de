// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package router

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func TestMatchSubdomain(t *testing.T) {
	tests := []struct {
		name string
		host string
		path string
		want *Target
	}{
		{
			"preview subdomain",
			"8080-my-sandbox.sandbox.example.com",
			"/index.html",
			&Target{SandboxID: "my-sandbox", Port: 8080, Path: "/index.html"},
		},
		{
			"control plane subdomain",
			"3000-abc123.sandbox.example.com",
			"/api/ping",
			&Target{SandboxID: "abc123", Port: 3000, Path: "/api/ping"},
		},
		{"no port prefix", "www.example.com", "/", nil},
		{"bare apex", "example.com", "/", nil},
		{"port out of range", "99999-x.example.com", "/", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://"+tt.host+tt.path, nil)
			req.Host = tt.host
			got := Match(req)
			if tt.want == nil {
				assert.Assert(t, got == nil)
				return
			}
			assert.Assert(t, got != nil)
			assert.Equal(t, *got, *tt.want)
		})
	}
}

func TestMatchDevPath(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://localhost:8787/preview/8080/sbx-1/assets/app.js", nil)
	req.Host = "localhost:8787"
	got := Match(req)
	assert.Assert(t, got != nil)
	assert.Equal(t, *got, Target{SandboxID: "sbx-1", Port: 8080, Path: "/assets/app.js"})

	// bare preview root defaults to /
	req = httptest.NewRequest(http.MethodGet, "http://localhost:8787/preview/8080/sbx-1", nil)
	req.Host = "localhost:8787"
	got = Match(req)
	assert.Assert(t, got != nil)
	assert.Equal(t, got.Path, "/")

	// dev path form only applies to localhost hosts
	req = httptest.NewRequest(http.MethodGet, "http://example.com/preview/8080/sbx-1/", nil)
	req.Host = "example.com"
	assert.Assert(t, Match(req) == nil)
}

type staticResolver struct {
	url string
	err error
}

func (r staticResolver) ControlPlaneURL(string) (string, error) {
	return r.url, r.err
}

func TestRouteForwardsWithHeaders(t *testing.T) {
	var seen http.Header
	var seenPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		seen = req.Header.Clone()
		seenPath = req.URL.Path
		fmt.Fprint(w, "ok")
	}))
	defer backend.Close()

	r := New(Config{ControlPort: 3000, Resolver: staticResolver{url: backend.URL}})

	req := httptest.NewRequest(http.MethodGet, "http://8080-sbx-1.example.com/app?x=1", nil)
	req.Host = "8080-sbx-1.example.com"
	w := httptest.NewRecorder()
	handled := r.Route(w, req)

	assert.Assert(t, handled)
	assert.Equal(t, w.Code, http.StatusOK)
	assert.Equal(t, seenPath, "/app")
	assert.Equal(t, seen.Get("X-Sandbox-Name"), "sbx-1")
	assert.Equal(t, seen.Get("X-Forwarded-Host"), "8080-sbx-1.example.com")
	assert.Equal(t, seen.Get("X-Forwarded-Proto"), "http")
	assert.Equal(t, seen.Get("X-Proxy-Port"), "8080")
	assert.Assert(t, strings.Contains(seen.Get("X-Original-URL"), "/app?x=1"))
}

func TestRouteControlPlaneTrafficHasNoProxyPort(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		seen = req.Header.Clone()
	}))
	defer backend.Close()

	r := New(Config{ControlPort: 3000, Resolver: staticResolver{url: backend.URL}})
	req := httptest.NewRequest(http.MethodGet, "http://3000-sbx-1.example.com/api/ping", nil)
	req.Host = "3000-sbx-1.example.com"
	w := httptest.NewRecorder()
	assert.Assert(t, r.Route(w, req))
	assert.Equal(t, seen.Get("X-Proxy-Port"), "")
}

func TestRouteUnmatchedReturnsFalse(t *testing.T) {
	r := New(Config{ControlPort: 3000, Resolver: staticResolver{url: "http://unused"}})
	req := httptest.NewRequest(http.MethodGet, "http://www.example.com/", nil)
	req.Host = "www.example.com"
	handled := r.Route(httptest.NewRecorder(), req)
	assert.Assert(t, !handled)
}

func TestRouteProvisioning503(t *testing.T) {
	r := New(Config{ControlPort: 3000, Resolver: staticResolver{err: ErrNoInstance}})
	req := httptest.NewRequest(http.MethodGet, "http://8080-sbx-1.example.com/", nil)
	req.Host = "8080-sbx-1.example.com"
	w := httptest.NewRecorder()
	assert.Assert(t, r.Route(w, req))

	assert.Equal(t, w.Code, http.StatusServiceUnavailable)
	body, _ := io.ReadAll(w.Result().Body)
	assert.Assert(t, strings.Contains(string(body), ProvisioningBody))
}
