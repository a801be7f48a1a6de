// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package state persists the small per-sandbox metadata that survives a
// container restart. Only metadata lives here; command, process and log data
// are volatile by design.
package state

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"

	"github.com/sylabs/sandboxd/internal/pkg/util/fs"
	"github.com/sylabs/sandboxd/pkg/sylog"
)

var metaBucket = []byte("sandbox")

var metaKey = []byte("metadata")

// Metadata is the persisted sandbox record.
type Metadata struct {
	SandboxName string `json:"sandboxName,omitempty"`
	BaseURL     string `json:"baseUrl,omitempty"`
	// SleepAfterMs is the inactivity window in milliseconds; zero means the
	// sandbox never sleeps.
	SleepAfterMs int64 `json:"sleepAfter,omitempty"`
	KeepAlive    bool  `json:"keepAlive,omitempty"`
}

// SleepAfter returns the inactivity window as a duration.
func (m *Metadata) SleepAfter() time.Duration {
	return time.Duration(m.SleepAfterMs) * time.Millisecond
}

// Store is the on-disk metadata store. The state directory is held under an
// advisory lock so two control planes never share it.
type Store struct {
	db   *bolt.DB
	lock *flock.Flock
}

// Open prepares the state directory and opens the metadata database.
func Open(dir string) (*Store, error) {
	if err := fs.EnsureDirWithPermission(dir, 0o700); err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(dir, ".lock"))
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("while locking state directory %s: %w", dir, err)
	}
	if !held {
		return nil, fmt.Errorf("state directory %s is in use by another instance", dir)
	}

	db, err := bolt.Open(filepath.Join(dir, "meta.db"), 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("while opening metadata database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		lock.Unlock()
		return nil, fmt.Errorf("while preparing metadata bucket: %w", err)
	}
	return &Store{db: db, lock: lock}, nil
}

// Load returns the persisted metadata, or an empty record when none exists.
func (s *Store) Load() (*Metadata, error) {
	m := &Metadata{}
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(metaKey)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, m)
	})
	if err != nil {
		return nil, fmt.Errorf("while loading sandbox metadata: %w", err)
	}
	return m, nil
}

// Save writes the metadata record.
func (s *Store) Save(m *Metadata) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(metaKey, raw)
	})
	if err != nil {
		return fmt.Errorf("while saving sandbox metadata: %w", err)
	}
	return nil
}

// Close releases the database and the directory lock.
func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		sylog.Debugf("While closing metadata database: %v", err)
	}
	if err := s.lock.Unlock(); err != nil {
		sylog.Debugf("While unlocking state directory: %v", err)
	}
}
