// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package session

import (
	"os"

	"github.com/sylabs/sandboxd/internal/pkg/shellhost"
)

// filePoller tracks read offsets into the growing out/err files of an
// in-flight command and returns only bytes not yet delivered.
type filePoller struct {
	cf     *shellhost.CommandFiles
	outOff int
	errOff int
}

func newFilePoller(cf *shellhost.CommandFiles) *filePoller {
	return &filePoller{cf: cf}
}

// next returns the stdout and stderr bytes appended since the previous call.
// Read failures on a growing file are treated as "nothing new yet"; the
// definitive read happens through ReadResult after completion.
func (p *filePoller) next() (string, string) {
	return p.read(p.cf.Out, &p.outOff), p.read(p.cf.Err, &p.errOff)
}

func (p *filePoller) read(path string, off *int) string {
	b, err := os.ReadFile(path)
	if err != nil || len(b) <= *off {
		return ""
	}
	chunk := b[*off:]
	*off = len(b)
	return string(chunk)
}
