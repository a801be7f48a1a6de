// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package bin provides access to external binaries
package bin

import (
	"fmt"
	"os/exec"
)

// FindBin returns the path to the named binary, or an error if it is not found.
func FindBin(name string) (path string, err error) {
	switch name {
	// Shell used for session hosts. bash is required; sh is not a substitute
	// because dispatch scripts rely on bash redirections.
	case "bash":
		return findOnPath(name)
	// Source control for the clone endpoint.
	case "git":
		return findOnPath(name)
	// Interpreter kernels. Rscript is optional at runtime; absence surfaces
	// when a context for the language is created.
	case "python3", "node", "Rscript":
		return findOnPath(name)
	default:
		return "", fmt.Errorf("executable name %q is not known to FindBin", name)
	}
}

// findOnPath performs a search on the configured binary path for the named
// executable, returning its absolute path.
func findOnPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found on PATH: %w", name, err)
	}
	return path, nil
}
