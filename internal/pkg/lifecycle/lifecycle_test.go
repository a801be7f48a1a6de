// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package lifecycle

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestTouchRenews(t *testing.T) {
	m := NewMonitor(time.Minute, false)
	defer m.Stop()

	d1 := m.Deadline()
	assert.Assert(t, !m.Expired())
	assert.Assert(t, d1.After(time.Now()))

	time.Sleep(10 * time.Millisecond)
	m.Touch()
	assert.Assert(t, m.Deadline().After(d1))
}

func TestTouchThrottled(t *testing.T) {
	m := NewMonitor(time.Minute, false)
	defer m.Stop()

	m.Touch()
	d1 := m.Deadline()
	// immediate second touch is under the renewal floor and must not renew
	m.Touch()
	assert.Equal(t, m.Deadline(), d1)
}

func TestZeroSleepAfterNeverExpires(t *testing.T) {
	m := NewMonitor(0, false)
	defer m.Stop()
	assert.Assert(t, !m.Expired())
	assert.Assert(t, m.Deadline().IsZero())
}

func TestKeepAliveToggle(t *testing.T) {
	m := NewMonitor(time.Minute, true)
	assert.Assert(t, m.KeepAlive())
	m.SetKeepAlive(false)
	assert.Assert(t, !m.KeepAlive())
	m.SetKeepAlive(true)
	assert.Assert(t, m.KeepAlive())
	m.Stop()
	assert.Assert(t, !m.KeepAlive())
	// enabling after stop is a no-op
	m.SetKeepAlive(true)
	assert.Assert(t, !m.KeepAlive())
}
