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

// Package watcher defines the minimal change-stream boundary the
// Observer Bridge (internal/bridge) consumes. Real filesystem-change
// detection (inotify, FSEvents, ReadDirectoryChangesW) is out of
// scope; this package specifies the Source interface the bridge
// depends on and ships one reference implementation, a directory
// poller, suitable for tests and local demos.
package watcher

import (
	"io/fs"
	"os"
	"path"
	"sync"
	"time"

	"github.com/syndactyl/syndactyl/fsutil"
	"github.com/syndactyl/syndactyl/internal/model"
)

// Kind classifies a detected filesystem change.
type Kind int

const (
	Created Kind = iota
	Modified
	Removed
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change describes one observed change to a file below an observer's
// root, relative to that root.
type Change struct {
	RelPath string
	Kind    Kind
	Size    int64
	ModTime time.Time
}

// Source produces a stream of Changes until Close is called, at
// which point its Changes channel is closed.
type Source interface {
	Changes() <-chan Change
	Close() error
}

// Logger is the minimal logging interface accepted by Poller,
// matching the single-method Printf convention used throughout this
// module.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Poller is a reference Source that periodically re-scans a root
// directory and diffs the result against its previous scan. It is a
// stand-in for a real OS-level watch and is not intended for
// production file trees of any real size: every tick costs a full
// directory walk.
type Poller struct {
	Root     string
	Interval time.Duration
	Logger   Logger

	mu       sync.Mutex
	known    map[string]snapshot
	out      chan Change
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type snapshot struct {
	size    int64
	modTime time.Time
}

// NewPoller starts scanning root every interval (or every second, if
// interval is non-positive) and returns immediately; changes are
// delivered asynchronously on the returned Poller's Changes channel.
func NewPoller(root string, interval time.Duration, logger Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	p := &Poller{
		Root:     root,
		Interval: interval,
		Logger:   logger,
		known:    make(map[string]snapshot),
		out:      make(chan Change, 64),
		stop:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Poller) Changes() <-chan Change { return p.out }

// Close stops the poller's scan loop and closes the Changes channel.
// It is safe to call more than once.
func (p *Poller) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	return nil
}

func (p *Poller) run() {
	defer p.wg.Done()
	defer close(p.out)
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	p.scanOnce()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.scanOnce()
		}
	}
}

// scanOnce walks the root directory using fsutil.WalkDir (adapted
// from fsutil/dir.go's fs.FS-based tree walk) and diffs the result
// against the previous scan to synthesize Created/Modified/Removed
// events.
func (p *Poller) scanOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]snapshot, len(p.known))
	root := os.DirFS(p.Root)
	err := fsutil.WalkDir(root, ".", func(rel string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if path.Base(rel) == ".syndactyl" {
				return fs.SkipDir
			}
			return nil
		}
		if model.IsHidden(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		snap := snapshot{size: info.Size(), modTime: info.ModTime()}
		seen[rel] = snap
		prior, existed := p.known[rel]
		switch {
		case !existed:
			p.emit(Change{RelPath: rel, Kind: Created, Size: snap.size, ModTime: snap.modTime})
		case prior.size != snap.size || !prior.modTime.Equal(snap.modTime):
			p.emit(Change{RelPath: rel, Kind: Modified, Size: snap.size, ModTime: snap.modTime})
		}
		return nil
	})
	if err != nil {
		p.logf("watcher: scan %s: %s", p.Root, err)
		return
	}
	for rel, prior := range p.known {
		if _, ok := seen[rel]; !ok {
			p.emit(Change{RelPath: rel, Kind: Removed, Size: prior.size, ModTime: time.Now()})
		}
	}
	p.known = seen
}

func (p *Poller) emit(c Change) {
	select {
	case p.out <- c:
	case <-p.stop:
	}
}

func (p *Poller) logf(format string, args ...interface{}) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}
