// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package gitops shells out to git for repository operations and classifies
// its failures onto the error taxonomy.
package gitops

import (
	"bytes"
	"context"
	"net/url"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/internal/pkg/util/bin"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

// CloneOptions configures Clone.
type CloneOptions struct {
	// Branch checks out a specific branch after clone.
	Branch string
	// TargetDir is the checkout directory, relative to the base directory
	// when not absolute. Empty derives it from the repository name.
	TargetDir string
}

// CloneResult reports where the repository landed.
type CloneResult struct {
	RepoURL   string `json:"repoUrl"`
	Branch    string `json:"branch,omitempty"`
	TargetDir string `json:"targetDir"`
}

// Cloner performs clones under a base directory.
type Cloner struct {
	base string
}

// New returns a Cloner resolving relative target directories against base.
func New(base string) *Cloner {
	return &Cloner{base: base}
}

// validateURL accepts http(s), ssh and scp-like git URLs.
func validateURL(repoURL string) error {
	bad := func() error {
		return errdefs.New(errdefs.InvalidGitURL, "invalid git url %q", repoURL).
			WithDetail("repository", repoURL)
	}
	if repoURL == "" {
		return bad()
	}
	if strings.HasPrefix(repoURL, "git@") && strings.Contains(repoURL, ":") {
		return nil
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return bad()
	}
	switch u.Scheme {
	case "http", "https", "ssh", "git":
		if u.Host == "" {
			return bad()
		}
		return nil
	default:
		return bad()
	}
}

// deriveTarget returns the checkout directory name a bare clone would pick.
func deriveTarget(repoURL string) string {
	name := repoURL
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, ".git")
}

// classify maps git's stderr onto the taxonomy.
func classify(stderr string, repoURL, branch string) *errdefs.Error {
	s := strings.ToLower(stderr)
	switch {
	// branch failures mention "not found" too, so they go first
	case strings.Contains(s, "remote branch") && strings.Contains(s, "not found"),
		strings.Contains(s, "couldn't find remote ref"):
		return errdefs.New(errdefs.GitBranchNotFound, "branch %q not found in %s", branch, repoURL).
			WithDetail("branch", branch).WithDetail("repository", repoURL)
	case strings.Contains(s, "authentication failed"),
		strings.Contains(s, "could not read username"),
		strings.Contains(s, "permission denied (publickey)"),
		strings.Contains(s, "invalid credentials"):
		return errdefs.New(errdefs.GitAuthFailed, "authentication failed for %s", repoURL).
			WithDetail("repository", repoURL)
	case strings.Contains(s, "repository") && strings.Contains(s, "not found"),
		strings.Contains(s, "does not exist"):
		return errdefs.New(errdefs.GitRepositoryNotFound, "repository not found: %s", repoURL).
			WithDetail("repository", repoURL)
	case strings.Contains(s, "could not resolve host"),
		strings.Contains(s, "connection timed out"),
		strings.Contains(s, "connection refused"),
		strings.Contains(s, "network is unreachable"):
		return errdefs.New(errdefs.GitNetworkError, "network failure while reaching %s", repoURL).
			WithDetail("repository", repoURL)
	default:
		return errdefs.New(errdefs.GitCloneFailed, "git clone failed: %s", strings.TrimSpace(stderr)).
			WithDetail("repository", repoURL)
	}
}

// Clone clones repoURL per opts and returns the resolved target directory.
func (c *Cloner) Clone(ctx context.Context, repoURL string, opts CloneOptions) (*CloneResult, error) {
	if err := validateURL(repoURL); err != nil {
		return nil, err
	}
	gitPath, err := bin.FindBin("git")
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.GitCloneFailed, "git binary unavailable")
	}

	target := opts.TargetDir
	if target == "" {
		target = deriveTarget(repoURL)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(c.base, target)
	}

	args := []string{"clone"}
	if opts.Branch != "" {
		args = append(args, "--branch", opts.Branch)
	}
	args = append(args, repoURL, target)

	sylog.Debugf("Running git %s", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, gitPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// never let git prompt on a headless control plane
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")

	if err := cmd.Run(); err != nil {
		gitErr := classify(stderr.String(), repoURL, opts.Branch)
		// a branch failure after a successful transfer is a checkout problem
		if opts.Branch != "" && gitErr.Code == errdefs.GitCloneFailed &&
			strings.Contains(strings.ToLower(stderr.String()), "checkout") {
			return nil, errdefs.New(errdefs.GitCheckoutFailed, "checkout of %q failed", opts.Branch).
				WithDetail("branch", opts.Branch)
		}
		return nil, gitErr
	}

	return &CloneResult{RepoURL: repoURL, Branch: opts.Branch, TargetDir: target}, nil
}
