// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package env

import (
	"fmt"
	"sort"
	"strings"
)

// MergeMap merges two maps of environment variables, with values in b replacing
// values also set in a.
func MergeMap(a map[string]string, b map[string]string) map[string]string {
	for k, v := range b {
		a[k] = v
	}
	return a
}

// ToList converts an environment map to the KEY=VAL list form expected by
// exec.Cmd, in deterministic order.
func ToList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(env))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}

// FromList converts a KEY=VAL list to a map, skipping malformed entries.
func FromList(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, e := range environ {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	return env
}

// Validate checks that every key is a well formed environment variable name.
func Validate(env map[string]string) error {
	for k := range env {
		if k == "" {
			return fmt.Errorf("empty environment variable name")
		}
		for i, r := range k {
			switch {
			case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
			case r >= '0' && r <= '9':
				if i == 0 {
					return fmt.Errorf("invalid environment variable name %q", k)
				}
			default:
				return fmt.Errorf("invalid environment variable name %q", k)
			}
		}
	}
	return nil
}
