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

// Package bridge implements the Observer Bridge (spec §4.4, C4): it
// bridges the filesystem watcher's blocking, per-observer execution
// model to the protocol engine's cooperative single-threaded event
// loop, coalescing bursts of changes on the same path within a
// debounce window before building and tagging an authenticated file
// event.
package bridge

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/dchest/siphash"

	"github.com/syndactyl/syndactyl/internal/authenticator"
	"github.com/syndactyl/syndactyl/internal/filestore"
	"github.com/syndactyl/syndactyl/internal/model"
	"github.com/syndactyl/syndactyl/pkg/watcher"
)

// DefaultDebounce is the default coalescing window for bursts of
// changes on the same path (spec §4.4).
const DefaultDebounce = 250 * time.Millisecond

// Logger is the minimal logging interface this package accepts.
type Logger interface {
	Printf(format string, args ...interface{})
}

// processKey0/processKey1 seed the siphash used as the pending-change
// map key, generated once at process start with crypto/rand. A path
// string arriving off a filesystem walk is untrusted input; keying
// the map with a process-random siphash (the same anti-collision
// rationale siphash was designed for, and the reason Go's own map
// implementation uses a sibling algorithm) means an adversarial
// directory tree cannot force pathological bucket collisions in the
// debounce map the way a predictable hash could.
var processKey0, processKey1 = randomSipKeys()

func randomSipKeys() (uint64, uint64) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is already fatal for the process;
		// fall back to fixed keys rather than panic here, matching
		// cmd/snellerd/splitter.go's tolerance of a fixed siphash key.
		return 0x5d1ec810, 0xfebed702
	}
	return binary.LittleEndian.Uint64(buf[:8]), binary.LittleEndian.Uint64(buf[8:])
}

// debounceKey hashes "observer|path" into the pending-change map key.
func debounceKey(observer, relPath string) uint64 {
	buf := make([]byte, 0, len(observer)+1+len(relPath))
	buf = append(buf, observer...)
	buf = append(buf, '|')
	buf = append(buf, relPath...)
	return siphash.Hash(processKey0, processKey1, buf)
}

// Worker runs the blocking per-observer loop for a single observer: it
// reads from a watcher.Source, debounces bursts per path, and emits
// authenticated FileEvents onto a bounded, backpressure-blocking
// output channel consumed by the protocol engine.
type Worker struct {
	Observer *model.Observer
	Store    *filestore.Store
	Source   watcher.Source
	Out      chan<- *model.FileEvent
	Debounce time.Duration
	Logger   Logger
	LocalID  []byte

	mu      sync.Mutex
	pending map[uint64]*pendingChange
	stop    chan struct{}
	done    chan struct{}
}

type pendingChange struct {
	relPath string
	kind    watcher.Kind
	timer   *time.Timer
}

// NewWorker constructs a Worker with DefaultDebounce if debounce is
// non-positive.
func NewWorker(obs *model.Observer, store *filestore.Store, src watcher.Source, out chan<- *model.FileEvent, debounce time.Duration, localID []byte, logger Logger) *Worker {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Worker{
		Observer: obs,
		Store:    store,
		Source:   src,
		Out:      out,
		Debounce: debounce,
		Logger:   logger,
		LocalID:  localID,
		pending:  make(map[uint64]*pendingChange),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run consumes the worker's Source until it is closed or Stop is
// called. It is intended to run on its own goroutine, one per
// observer, matching the blocking-per-observer-worker execution model
// of spec §4.4/§5.
func (w *Worker) Run() {
	defer close(w.done)
	for {
		select {
		case c, ok := <-w.Source.Changes():
			if !ok {
				w.flushAll()
				return
			}
			w.observe(c)
		case <-w.stop:
			return
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) observe(c watcher.Change) {
	if _, err := model.NormalizePath(c.RelPath); err != nil {
		w.logf("bridge: dropping change on %s/%s: %s", w.Observer.Name, c.RelPath, err)
		return
	}

	key := debounceKey(w.Observer.Name, c.RelPath)

	w.mu.Lock()
	defer w.mu.Unlock()

	if pc, ok := w.pending[key]; ok {
		pc.kind = c.Kind
		pc.timer.Reset(w.Debounce)
		return
	}

	pc := &pendingChange{relPath: c.RelPath, kind: c.Kind}
	w.pending[key] = pc
	pc.timer = time.AfterFunc(w.Debounce, func() { w.fire(key) })
}

// fire builds and publishes the coalesced event for the pending
// change identified by key once its debounce window has elapsed
// without a further change.
func (w *Worker) fire(key uint64) {
	w.mu.Lock()
	pc, ok := w.pending[key]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.pending, key)
	relPath, kind := pc.relPath, pc.kind
	w.mu.Unlock()

	ev, err := w.buildEvent(relPath, kind)
	if err != nil {
		w.logf("bridge: building event for %s/%s: %s", w.Observer.Name, relPath, err)
		return
	}
	if ev == nil {
		// buildEvent reports a file that vanished before it could be
		// hashed as a Delete event, not as nil; this guard only keeps
		// a nil event off the output channel.
		return
	}
	// Queue policy (spec §4.4): block rather than drop on backpressure.
	w.Out <- ev
}

func (w *Worker) buildEvent(relPath string, kind watcher.Kind) (*model.FileEvent, error) {
	evKind := model.Create
	switch kind {
	case watcher.Modified:
		evKind = model.Modify
	case watcher.Removed:
		evKind = model.Delete
	}

	ev := &model.FileEvent{
		Observer:   w.Observer.Name,
		Kind:       evKind,
		Path:       relPath,
		OriginPeer: w.LocalID,
	}

	if evKind != model.Delete {
		hash, err := w.Store.Hash(w.Observer.Name, relPath)
		if err != nil {
			if isNotFound(err) {
				// vanished after the watcher reported it; treat as a
				// delete so the rest of the mesh converges.
				ev.Kind = model.Delete
			} else {
				return nil, err
			}
		} else {
			size, err := w.Store.Stat(w.Observer.Name, relPath)
			if err != nil {
				if isNotFound(err) {
					ev.Kind = model.Delete
				} else {
					return nil, err
				}
			} else {
				ev.ContentHash = hash
				ev.Size = uint64(size)
			}
		}
	}
	ev.ModifiedTime = time.Now().UnixNano()

	if w.Observer.HasSecret() {
		tag, err := authenticator.Tag(w.Observer.SharedSecret, ev)
		if err != nil {
			return nil, err
		}
		ev.AuthTag = &tag
	}
	return ev, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, filestore.ErrNotFound)
}

func (w *Worker) logf(format string, args ...interface{}) {
	if w.Logger != nil {
		w.Logger.Printf(format, args...)
	}
}

// flushAll fires every still-pending change immediately; called when
// the underlying Source closes so no coalesced change is silently
// lost.
func (w *Worker) flushAll() {
	w.mu.Lock()
	keys := make([]uint64, 0, len(w.pending))
	for k, pc := range w.pending {
		pc.timer.Stop()
		keys = append(keys, k)
	}
	w.mu.Unlock()
	for _, k := range keys {
		w.fire(k)
	}
}
