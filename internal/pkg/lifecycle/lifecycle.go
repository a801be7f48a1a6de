// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package lifecycle tracks sandbox activity: every control-plane request
// renews an activity deadline (throttled so streaming bursts do not renew
// per chunk), and an optional keep-alive ticker renews it on its own.
package lifecycle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sylabs/sandboxd/pkg/sylog"
)

// renewalFloor bounds renewals to one per 5 seconds per sandbox.
const renewalFloor = 5 * time.Second

// Monitor owns the activity deadline of one sandbox.
type Monitor struct {
	mu         sync.Mutex
	deadline   time.Time
	sleepAfter time.Duration
	keepAlive  bool

	limiter *rate.Limiter

	tickerStop chan struct{}
	stopped    bool
}

// NewMonitor returns a monitor with the deadline set sleepAfter from now.
// A zero sleepAfter means the sandbox never sleeps.
func NewMonitor(sleepAfter time.Duration, keepAlive bool) *Monitor {
	m := &Monitor{
		sleepAfter: sleepAfter,
		limiter:    rate.NewLimiter(rate.Every(renewalFloor), 1),
	}
	m.renew()
	if keepAlive {
		m.SetKeepAlive(true)
	}
	return m
}

func (m *Monitor) renew() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sleepAfter > 0 {
		m.deadline = time.Now().Add(m.sleepAfter)
	}
}

// Touch renews the activity deadline, subject to the renewal floor.
func (m *Monitor) Touch() {
	if !m.limiter.Allow() {
		return
	}
	m.renew()
}

// Deadline returns the current activity deadline; the zero time means the
// sandbox never sleeps.
func (m *Monitor) Deadline() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deadline
}

// Expired reports whether the deadline has passed.
func (m *Monitor) Expired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sleepAfter <= 0 {
		return false
	}
	return time.Now().After(m.deadline)
}

// KeepAlive reports whether the renewal ticker is running.
func (m *Monitor) KeepAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keepAlive
}

// SetKeepAlive starts or stops the background renewal ticker. While enabled,
// the deadline renews at half the sleep window so it can never lapse.
func (m *Monitor) SetKeepAlive(enable bool) {
	m.mu.Lock()
	if m.stopped || m.keepAlive == enable {
		m.mu.Unlock()
		return
	}
	m.keepAlive = enable
	if !enable {
		close(m.tickerStop)
		m.tickerStop = nil
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.tickerStop = stop
	interval := m.sleepAfter / 2
	m.mu.Unlock()

	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				sylog.Debugf("Keep-alive renewal")
				m.renew()
			case <-stop:
				return
			}
		}
	}()
}

// Stop ends the keep-alive ticker permanently.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	m.keepAlive = false
	if m.tickerStop != nil {
		close(m.tickerStop)
		m.tickerStop = nil
	}
}
