// Package store provides the positional shared-store abstraction used for
// checkpointing transferred cell data. Every rank writes and reads byte
// ranges at offsets computed from the ownership map, so the store only needs
// positional access, no append semantics.
package store

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Store wraps a filesystem with positional range access. A single Store may
// be shared by every in-process rank; access is serialized so concurrent
// range writes from different ranks cannot interleave inside one call. On a
// real deployment the filesystem is a shared mount and the ranges written by
// different ranks never overlap.
type Store struct {
	mu sync.Mutex
	fs afero.Fs
}

// New creates a store on the given filesystem. Use afero.NewMemMapFs() for
// tests and afero.NewBasePathFs(afero.NewOsFs(), dir) for a shared mount.
func New(fs afero.Fs) *Store {
	return &Store{fs: fs}
}

// WriteAt writes p at offset off in the named file, creating it if needed.
func (s *Store) WriteAt(name string, off int64, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.fs.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s for range write", name)
	}
	defer f.Close()
	if _, err := f.WriteAt(p, off); err != nil {
		return errors.Wrapf(err, "write %d bytes at %d to %s", len(p), off, name)
	}
	return nil
}

// ReadAt fills p from offset off in the named file.
func (s *Store) ReadAt(name string, off int64, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.fs.Open(name)
	if err != nil {
		return errors.Wrapf(err, "open %s for range read", name)
	}
	defer f.Close()
	if _, err := f.ReadAt(p, off); err != nil {
		return errors.Wrapf(err, "read %d bytes at %d from %s", len(p), off, name)
	}
	return nil
}

// Size returns the current length of the named file.
func (s *Store) Size(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.fs.Stat(name)
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", name)
	}
	return info.Size(), nil
}

// Remove deletes the named file if it exists.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Remove(name); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", name)
	}
	return nil
}
