// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package portreg

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
)

// PreviewURLs constructs the externally routable URL of an exposed port.
type PreviewURLs struct {
	// SandboxID names this sandbox in preview hostnames and paths.
	SandboxID string
	// BaseURL is the public base, e.g. "https://sandbox.example.com".
	// Empty selects local development form.
	BaseURL string
	// DevPort is the local front-end port used in development form.
	DevPort int
	// BlockedApexes are hostname apexes without wildcard DNS, where preview
	// subdomains cannot resolve.
	BlockedApexes []string
}

// For returns the preview URL of port.
func (p *PreviewURLs) For(port int) (string, error) {
	if p.BaseURL == "" {
		devPort := p.DevPort
		if devPort == 0 {
			devPort = 8787
		}
		return fmt.Sprintf("http://localhost:%d/preview/%d/%s/", devPort, port, p.SandboxID), nil
	}

	u, err := url.Parse(p.BaseURL)
	if err != nil || u.Host == "" {
		return "", errdefs.New(errdefs.InvalidRequest, "invalid base url %q", p.BaseURL)
	}
	host := u.Hostname()
	for _, apex := range p.BlockedApexes {
		if host == apex || strings.HasSuffix(host, "."+apex) {
			return "", errdefs.New(errdefs.CustomDomainRequired,
				"preview URLs require a custom domain; %s does not support wildcard subdomains", apex).
				WithDetail("apex", apex)
		}
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%d-%s.%s/", scheme, port, p.SandboxID, u.Host), nil
}
