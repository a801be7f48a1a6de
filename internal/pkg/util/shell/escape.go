// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package shell provides quoting helpers for text substituted into generated
// shell scripts.
package shell

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Escape performs escaping of shell double quotes, backticks and $ characters.
// Does not escape single quotes - apply EscapeSingleQuotes separately for this.
func Escape(s string) string {
	escaped := strings.ReplaceAll(s, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	escaped = strings.ReplaceAll(escaped, "`", "\\`")
	escaped = strings.ReplaceAll(escaped, `$`, `\$`)
	return escaped
}

// EscapeSingleQuotes performs shell escaping of single quotes only
func EscapeSingleQuotes(s string) string {
	return strings.ReplaceAll(s, `'`, `'"'"'`)
}

// Quote returns s quoted such that a POSIX shell reads back exactly s. Used
// for file paths substituted into dispatch scripts.
func Quote(s string) string {
	q, err := syntax.Quote(s, syntax.LangBash)
	if err != nil {
		// s contains a null byte or similar; fall back to single quoting
		// with the offending bytes dropped.
		clean := strings.Map(func(r rune) rune {
			if r == 0 {
				return -1
			}
			return r
		}, s)
		return fmt.Sprintf("'%s'", EscapeSingleQuotes(clean))
	}
	return q
}
