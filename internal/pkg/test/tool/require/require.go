// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package require provides test gates that skip a test when the environment
// cannot support it.
package require

import (
	"os/exec"
	"testing"

	"github.com/sylabs/sandboxd/internal/pkg/util/bin"
)

// Command checks if the command is available, via sandboxd's internal
// bin.FindBin() facility, or else simply on the PATH. If not found, the
// current test is skipped with a message.
func Command(t *testing.T, command string) {
	t.Helper()
	if _, err := bin.FindBin(command); err == nil {
		return
	}

	if _, err := exec.LookPath(command); err == nil {
		return
	}

	t.Skipf("%s command not found in $PATH", command)
}

// OneCommand checks if one of the provided commands is available (via
// sandboxd's internal bin.FindBin() facility, or else simply on the PATH).
// If none are found, the current test is skipped with a message.
func OneCommand(t *testing.T, commands []string) {
	t.Helper()
	for _, c := range commands {
		if _, err := bin.FindBin(c); err == nil {
			return
		}

		if _, err := exec.LookPath(c); err == nil {
			return
		}
	}

	t.Skipf("%v commands not found in $PATH", commands)
}
