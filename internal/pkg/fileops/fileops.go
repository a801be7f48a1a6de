// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package fileops implements the file manipulation surface of the control
// plane. Operating system failures are mapped onto the stable error taxonomy
// so clients can react to codes rather than parse messages.
package fileops

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sylabs/sandboxd/internal/pkg/errdefs"
	"github.com/sylabs/sandboxd/internal/pkg/util/fs"
)

// Ops performs file operations with paths resolved against a base directory.
type Ops struct {
	base string
}

// New returns an Ops resolving relative paths against base.
func New(base string) *Ops {
	return &Ops{base: base}
}

func (o *Ops) resolve(path string) (string, error) {
	if path == "" {
		return "", errdefs.New(errdefs.InvalidRequest, "path is required")
	}
	return fs.Abs(o.base, path), nil
}

// mapError converts an operating system error for path into a taxonomy error.
func mapError(err error, path, op string) error {
	var code errdefs.Code
	switch {
	case errors.Is(err, os.ErrNotExist):
		code = errdefs.FileNotFound
	case errors.Is(err, os.ErrPermission):
		code = errdefs.PermissionDenied
	case errors.Is(err, os.ErrExist):
		code = errdefs.FileExists
	case errors.Is(err, syscall.EISDIR):
		code = errdefs.IsDirectory
	case errors.Is(err, syscall.ENOTDIR):
		code = errdefs.NotDirectory
	case errors.Is(err, syscall.ENOSPC):
		code = errdefs.NoSpace
	case errors.Is(err, syscall.ENOTEMPTY):
		code = errdefs.FilesystemError
	default:
		code = errdefs.FilesystemError
	}
	return errdefs.Wrap(err, code, "while performing %s on %s", op, path).WithDetail("path", path)
}

// Mkdir creates a directory. With recursive set, parents are created and an
// existing directory is not an error.
func (o *Ops) Mkdir(path string, recursive bool) error {
	p, err := o.resolve(path)
	if err != nil {
		return err
	}
	if recursive {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return mapError(err, path, "mkdir")
		}
		return nil
	}
	if err := os.Mkdir(p, 0o755); err != nil {
		return mapError(err, path, "mkdir")
	}
	return nil
}

// WriteFile writes content to path, creating parent directories. Content in
// base64 encoding is decoded first.
func (o *Ops) WriteFile(path, content, encoding string) error {
	p, err := o.resolve(path)
	if err != nil {
		return err
	}
	data := []byte(content)
	if encoding == "base64" {
		data, err = base64.StdEncoding.DecodeString(content)
		if err != nil {
			return errdefs.Wrap(err, errdefs.InvalidRequest, "invalid base64 content")
		}
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return mapError(err, path, "write")
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return mapError(err, path, "write")
	}
	return nil
}

// FileContent is the outcome of a read.
type FileContent struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	IsBinary bool   `json:"isBinary"`
}

// ReadFile reads path fully. Binary content is returned base64 encoded.
func (o *Ops) ReadFile(path string) (*FileContent, error) {
	p, err := o.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, mapError(err, path, "read")
	}
	if info.IsDir() {
		return nil, errdefs.New(errdefs.IsDirectory, "%s is a directory", path).WithDetail("path", path)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, mapError(err, path, "read")
	}

	mime, binary := sniff(data)
	fc := &FileContent{
		Size:     int64(len(data)),
		MimeType: mime,
		IsBinary: binary,
	}
	if binary {
		fc.Content = base64.StdEncoding.EncodeToString(data)
		fc.Encoding = "base64"
	} else {
		fc.Content = string(data)
		fc.Encoding = "utf-8"
	}
	return fc, nil
}

// Delete removes path. Removing a non-empty directory requires recursive.
func (o *Ops) Delete(path string, recursive bool) error {
	p, err := o.resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err != nil {
		return mapError(err, path, "delete")
	}
	if recursive {
		if err := os.RemoveAll(p); err != nil {
			return mapError(err, path, "delete")
		}
		return nil
	}
	if err := os.Remove(p); err != nil {
		return mapError(err, path, "delete")
	}
	return nil
}

// Rename renames oldPath to newPath.
func (o *Ops) Rename(oldPath, newPath string) error {
	op, err := o.resolve(oldPath)
	if err != nil {
		return err
	}
	np, err := o.resolve(newPath)
	if err != nil {
		return err
	}
	if err := os.Rename(op, np); err != nil {
		return mapError(err, oldPath, "rename")
	}
	return nil
}

// Move relocates src to dst, falling back to copy+remove across filesystems.
func (o *Ops) Move(src, dst string) error {
	sp, err := o.resolve(src)
	if err != nil {
		return err
	}
	dp, err := o.resolve(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dp), 0o755); err != nil {
		return mapError(err, dst, "move")
	}
	err = os.Rename(sp, dp)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
		data, rerr := os.ReadFile(sp)
		if rerr != nil {
			return mapError(rerr, src, "move")
		}
		if werr := os.WriteFile(dp, data, 0o644); werr != nil {
			return mapError(werr, dst, "move")
		}
		if rerr := os.Remove(sp); rerr != nil {
			return mapError(rerr, src, "move")
		}
		return nil
	}
	return mapError(err, src, "move")
}

// Entry describes one directory entry.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Type    string    `json:"type"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"modTime"`
}

// List returns the entries of the directory at path.
func (o *Ops) List(path string) ([]Entry, error) {
	p, err := o.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, mapError(err, path, "list")
	}
	if !info.IsDir() {
		return nil, errdefs.New(errdefs.NotDirectory, "%s is not a directory", path).WithDetail("path", path)
	}
	dirents, err := os.ReadDir(p)
	if err != nil {
		return nil, mapError(err, path, "list")
	}
	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		fi, err := de.Info()
		if err != nil {
			continue
		}
		typ := "file"
		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			typ = "symlink"
		case fi.IsDir():
			typ = "directory"
		}
		entries = append(entries, Entry{
			Name:    de.Name(),
			Path:    filepath.Join(p, de.Name()),
			Type:    typ,
			Size:    fi.Size(),
			Mode:    fi.Mode().String(),
			ModTime: fi.ModTime().UTC(),
		})
	}
	return entries, nil
}

// ExistsResult reports presence and kind of a path.
type ExistsResult struct {
	Exists bool   `json:"exists"`
	Type   string `json:"type,omitempty"`
}

// Exists reports whether path exists.
func (o *Ops) Exists(path string) (*ExistsResult, error) {
	p, err := o.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &ExistsResult{Exists: false}, nil
		}
		return nil, mapError(err, path, "exists")
	}
	typ := "file"
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		typ = "symlink"
	case info.IsDir():
		typ = "directory"
	}
	return &ExistsResult{Exists: true, Type: typ}, nil
}
