// Copyright (C) 2026 Syndactyl Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package filestore implements the File Handler (spec §4.1, C1): it
// reads and writes observer file content by offset, computes content
// hashes, and enumerates observer directories. It is the only package
// that touches observer-owned files on disk; every other component
// reaches the filesystem through it.
//
// The streaming discipline here (never buffer a whole file to hash
// or serve it) is adapted from tenant/dcache.readThrough, which reads
// segments through an io.Reader rather than materializing them.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/syndactyl/syndactyl/internal/model"
)

// ErrNotFound is returned when a requested observer-relative path
// does not exist.
var ErrNotFound = errors.New("filestore: not found")

// Logger is the minimal logging interface accepted by Store,
// matching dcache.Logger so either *log.Logger or a test double can
// be supplied.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Store implements the File Handler for a set of observers.
type Store struct {
	Logger    Logger
	Observers *model.Registry
}

func (s *Store) errorf(f string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(f, args...)
	}
}

func (s *Store) resolve(observerName, relPath string) (*model.Observer, string, error) {
	obs := s.Observers.Lookup(observerName)
	if obs == nil {
		return nil, "", fmt.Errorf("%w: %q", model.ErrUnknownObserver, observerName)
	}
	full, err := model.SafeJoin(obs.RootPath, relPath)
	if err != nil {
		return nil, "", err
	}
	return obs, full, nil
}

// Hash streams the file at (observer, relPath) and returns its
// 256-bit BLAKE2b content digest (spec §4.1: "streams the file,
// digests it... never loads the whole file").
func (s *Store) Hash(observerName, relPath string) (model.Hash, error) {
	_, full, err := s.resolve(observerName, relPath)
	if err != nil {
		return model.Hash{}, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.Hash{}, fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return model.Hash{}, err
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return model.Hash{}, err
	}
	if _, err := io.Copy(h, f); err != nil {
		return model.Hash{}, err
	}
	var out model.Hash
	h.Sum(out[:0])
	return out, nil
}

// Stat returns the current size of the file at (observer, relPath).
func (s *Store) Stat(observerName, relPath string) (int64, error) {
	_, full, err := s.resolve(observerName, relPath)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return 0, err
	}
	return fi.Size(), nil
}

// ReadChunk returns up to maxLen bytes of the file at (observer,
// relPath) starting at offset, along with the file's total size and
// whether this window reaches the end of the file (spec §4.1).
func (s *Store) ReadChunk(observerName, relPath string, offset int64, maxLen int) (data []byte, totalSize int64, isLast bool, err error) {
	if maxLen <= 0 {
		maxLen = model.DefaultMaxChunkLen
	}
	_, full, err := s.resolve(observerName, relPath)
	if err != nil {
		return nil, 0, false, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, false, fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return nil, 0, false, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, 0, false, err
	}
	size := fi.Size()
	if offset > size {
		return nil, 0, false, fmt.Errorf("filestore: offset %d beyond size %d", offset, size)
	}
	want := int64(maxLen)
	if remaining := size - offset; want > remaining {
		want = remaining
	}
	buf := make([]byte, want)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, 0, false, err
	}
	buf = buf[:n]
	last := offset+int64(n) == size
	return buf, size, last, nil
}

// Scratch is an in-progress transfer's temporary backing file, living
// at <observer_root>/.syndactyl/scratch/<uuid> per spec §6.
type Scratch struct {
	Path string
	file *os.File
}

func scratchDir(obs *model.Observer) string {
	return filepath.Join(obs.RootPath, ".syndactyl", "scratch")
}

// NewScratch creates a fresh scratch file for a new inbound transfer
// on observerName, preallocating expectedSize bytes on platforms that
// support it (see preallocate, ported from tenant/dcache/file_linux.go).
func (s *Store) NewScratch(observerName string, expectedSize int64) (*Scratch, error) {
	obs := s.Observers.Lookup(observerName)
	if obs == nil {
		return nil, fmt.Errorf("filestore: unknown observer %q", observerName)
	}
	dir := scratchDir(obs)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, uuid.NewString())
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return nil, err
	}
	if expectedSize > 0 {
		if err := preallocate(f, expectedSize); err != nil {
			// not fatal: a failed preallocation just means we lose
			// the fragmentation-avoidance benefit
			s.errorf("filestore: preallocate %s: %s", path, err)
		}
	}
	return &Scratch{Path: path, file: f}, nil
}

// WriteChunk performs a positional write into the scratch file (spec
// §4.1). Only the transfer state machine that owns this Scratch may
// call WriteChunk on it (spec §3's Transfer State invariant: "Only
// the state machine owning a scratch file writes to it").
func (sc *Scratch) WriteChunk(offset int64, data []byte) error {
	_, err := sc.file.WriteAt(data, offset)
	return err
}

// Close releases the scratch file's descriptor without removing it.
func (sc *Scratch) Close() error {
	return sc.file.Close()
}

// Hash computes the content digest of the scratch file as it
// stands, used by the transfer tracker to verify a completed
// transfer before commit (spec §4.5: "C3 verifies by hashing the
// committed scratch file").
func (sc *Scratch) Hash() (model.Hash, error) {
	if _, err := sc.file.Seek(0, io.SeekStart); err != nil {
		return model.Hash{}, err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return model.Hash{}, err
	}
	if _, err := io.Copy(h, sc.file); err != nil {
		return model.Hash{}, err
	}
	var out model.Hash
	h.Sum(out[:0])
	return out, nil
}

// Commit atomically moves a scratch file to its final observer-
// relative path (spec §4.1: "Atomically moves scratch file to final
// path (same-filesystem rename); creates parent directories").
func (s *Store) Commit(sc *Scratch, observerName, relPath string) error {
	obs, full, err := s.resolve(observerName, relPath)
	if err != nil {
		return err
	}
	if err := sc.file.Close(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return err
	}
	if err := os.Rename(sc.Path, full); err != nil {
		return err
	}
	_ = obs
	return nil
}

// Abort removes a scratch file that will never be committed (spec
// §4.3: "On Failed, the scratch file is unlinked").
func (s *Store) Abort(sc *Scratch) error {
	sc.file.Close()
	err := os.Remove(sc.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Delete removes the file at (observer, relPath). It is idempotent:
// deleting an already-absent file is not an error (spec §4.5: "Event
// kind is Delete -> delete locally (idempotent)").
func (s *Store) Delete(observerName, relPath string) error {
	_, full, err := s.resolve(observerName, relPath)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ReconcileScratch removes every leftover scratch file for an
// observer. It is called once at startup (spec §6: "cleaned at
// startup"), since a crash mid-transfer otherwise leaks scratch files
// forever.
func (s *Store) ReconcileScratch(observerName string) error {
	obs := s.Observers.Lookup(observerName)
	if obs == nil {
		return fmt.Errorf("filestore: unknown observer %q", observerName)
	}
	dir := scratchDir(obs)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if err := os.Remove(p); err != nil {
			s.errorf("filestore: reconcile scratch: removing %s: %s", p, err)
		}
	}
	return nil
}

// Entry describes one file found by Enumerate.
type Entry struct {
	RelPath string
	Size    int64
	ModTime time.Time
}

// EnumerateFn is called once per file visited by Enumerate.
// Returning an error stops the walk.
type EnumerateFn func(Entry) error

// Enumerate walks an observer's root directory in lexicographic
// order, reporting every regular file not under .syndactyl and not
// hidden (spec §4.1's default policy knob; see model.IsHidden).
// It is used at startup for reconciliation and is not required for
// the correctness of event-driven sync (spec §4.1).
func (s *Store) Enumerate(observerName string, fn EnumerateFn) error {
	obs := s.Observers.Lookup(observerName)
	if obs == nil {
		return fmt.Errorf("filestore: unknown observer %q", observerName)
	}
	root := obs.RootPath
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if rel == ".syndactyl" {
				return fs.SkipDir
			}
			return nil
		}
		if model.IsHidden(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		return fn(Entry{RelPath: rel, Size: info.Size(), ModTime: info.ModTime()})
	})
}
