// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package shell

import "testing"

func TestEscape(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		expect string
	}{
		{"no escape needed", "echo hello", "echo hello"},
		{"double quotes", `echo "hello"`, `echo \"hello\"`},
		{"backticks", "echo `date`", "echo \\`date\\`"},
		{"dollar", "echo $HOME", `echo \$HOME`},
		{"backslash", `a\b`, `a\\b`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Escape(tt.input); got != tt.expect {
				t.Errorf("Escape(%q) = %q, want %q", tt.input, got, tt.expect)
			}
		})
	}
}

func TestEscapeSingleQuotes(t *testing.T) {
	input := "It's here"
	expect := `It'"'"'s here`
	if got := EscapeSingleQuotes(input); got != expect {
		t.Errorf("EscapeSingleQuotes(%q) = %q, want %q", input, got, expect)
	}
}

func TestQuote(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"plain path", "/tmp/cmd-123.out"},
		{"spaces", "/tmp/my dir/out file"},
		{"single quote", "/tmp/it's/out"},
		{"dollar and backtick", "/tmp/$x/`y`"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Quote(tt.input)
			if q == "" {
				t.Fatalf("Quote(%q) returned empty string", tt.input)
			}
			// a quoted path never contains an unescaped space at top level;
			// minimal sanity check that quoting added something when needed
			if tt.input != q && len(q) <= len(tt.input) {
				t.Errorf("Quote(%q) = %q looks truncated", tt.input, q)
			}
		})
	}
}
