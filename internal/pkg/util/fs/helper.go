// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package fs

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// IsDir check if name is a directory.
func IsDir(name string) bool {
	info, err := os.Stat(name)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// IsFile check if name component is regular file.
func IsFile(name string) bool {
	info, err := os.Stat(name)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// PathExists checks if name exists regardless of type.
func PathExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// EnsureDirWithPermission creates a directory and all parents with the
// requested permission, and enforces that permission when the directory
// already exists.
func EnsureDirWithPermission(dir string, mode os.FileMode) error {
	if err := os.MkdirAll(dir, mode); err != nil {
		return errors.Wrapf(err, "while creating directory %s", dir)
	}
	if err := os.Chmod(dir, mode); err != nil {
		return errors.Wrapf(err, "while setting permission on %s", dir)
	}
	return nil
}

// Abs returns an absolute representation of path, resolved against base when
// path is relative.
func Abs(base, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}
