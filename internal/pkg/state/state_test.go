// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package state

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	assert.NilError(t, err)
	defer s.Close()

	meta, err := s.Load()
	assert.NilError(t, err)
	assert.Equal(t, *meta, Metadata{})

	want := Metadata{
		SandboxName:  "demo",
		BaseURL:      "https://sandbox.example.com",
		SleepAfterMs: (10 * time.Minute).Milliseconds(),
		KeepAlive:    true,
	}
	assert.NilError(t, s.Save(&want))

	got, err := s.Load()
	assert.NilError(t, err)
	assert.Equal(t, *got, want)
	assert.Equal(t, got.SleepAfter(), 10*time.Minute)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	assert.NilError(t, err)
	assert.NilError(t, s.Save(&Metadata{SandboxName: "persisted"}))
	s.Close()

	s, err = Open(dir)
	assert.NilError(t, err)
	defer s.Close()
	got, err := s.Load()
	assert.NilError(t, err)
	assert.Equal(t, got.SandboxName, "persisted")
}

func TestDirectoryExclusivity(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	assert.NilError(t, err)
	defer s.Close()

	_, err = Open(dir)
	assert.Assert(t, err != nil)
}
