// Package tempfile holds script content in a temporary file for the lifetime of a child process.
package tempfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
)

// File is a temporary file that is deleted exactly once, either by Close or when the context passed to Create is done,
// whichever happens first.
type File struct {
	path string

	// stopAfter deregisters the shutdown callback.
	stopAfter func() bool
	remove    func(name string) error

	m       sync.Mutex
	deleted bool
}

// Create writes content to a new file in the system temp directory.
// ctx is the application's stopping signal: when it is done, the file is deleted even if Close is never called.
func Create(ctx context.Context, content string) (*File, error) {
	f, err := os.CreateTemp("", "scripthost-*.js")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	_, err = f.WriteString(content)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("writing temp file %q: %w", f.Name(), err)
	}

	t := &File{
		path:   f.Name(),
		remove: os.Remove,
	}
	t.stopAfter = context.AfterFunc(ctx, func() { _ = t.ensureDeleted() })
	return t, nil
}

// Path is the absolute path of the file.
func (t *File) Path() string { return t.path }

// Close deregisters the shutdown callback and deletes the file. It is safe to call more than once,
// and safe to race with the shutdown callback.
func (t *File) Close() error {
	t.stopAfter()
	return t.ensureDeleted()
}

func (t *File) ensureDeleted() error {
	t.m.Lock()
	defer t.m.Unlock()
	if t.deleted {
		return nil
	}
	t.deleted = true
	err := t.remove(t.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting temp file %q: %w", t.path, err)
	}
	return nil
}
