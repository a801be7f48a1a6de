// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package shellhost

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sylabs/sandboxd/pkg/sylog"
)

// Sweeper periodically removes unreferenced files older than maxAge from the
// per-process IPC directory. It never touches anything outside that directory.
type Sweeper struct {
	dir      string
	maxAge   time.Duration
	interval time.Duration
	inUse    func(path string) bool
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper returns a sweeper for dir. inUse reports whether a path still
// belongs to a live command and must be kept regardless of age.
func NewSweeper(dir string, maxAge, interval time.Duration, inUse func(path string) bool) *Sweeper {
	return &Sweeper{
		dir:      dir,
		maxAge:   maxAge,
		interval: interval,
		inUse:    inUse,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic sweep.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.sweep()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop ends the sweep loop and waits for it to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) sweep() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		sylog.Debugf("While sweeping %s: %v", s.dir, err)
		return
	}
	cutoff := time.Now().Add(-s.maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(s.dir, e.Name())
		if s.inUse != nil && s.inUse(p) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			sylog.Debugf("While removing stale file %s: %v", p, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		sylog.Debugf("Swept %d stale IPC files from %s", removed, s.dir)
	}
}
