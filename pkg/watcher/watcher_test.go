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

package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func drain(t *testing.T, ch <-chan Change, timeout time.Duration) []Change {
	t.Helper()
	var out []Change
	deadline := time.After(timeout)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-deadline:
			return out
		}
	}
}

func findKind(changes []Change, rel string, kind Kind) bool {
	for _, c := range changes {
		if c.RelPath == rel && c.Kind == kind {
			return true
		}
	}
	return false
}

func TestPollerDetectsCreate(t *testing.T) {
	root := t.TempDir()
	p := NewPoller(root, 10*time.Millisecond, nil)
	defer p.Close()

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0640); err != nil {
		t.Fatalf("WriteFile: %s", err)
	}

	changes := drain(t, p.Changes(), 200*time.Millisecond)
	if !findKind(changes, "a.txt", Created) {
		t.Fatalf("expected Created event for a.txt, got %+v", changes)
	}
}

func TestPollerDetectsModifyAndRemove(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a.txt")
	if err := os.WriteFile(target, []byte("v1"), 0640); err != nil {
		t.Fatalf("WriteFile: %s", err)
	}

	p := NewPoller(root, 10*time.Millisecond, nil)
	defer p.Close()

	// allow the initial scan to register the file as known before
	// mutating it, so the next scan reports Modified, not Created.
	time.Sleep(30 * time.Millisecond)

	if err := os.WriteFile(target, []byte("version-two"), 0640); err != nil {
		t.Fatalf("WriteFile (modify): %s", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := os.Remove(target); err != nil {
		t.Fatalf("Remove: %s", err)
	}

	changes := drain(t, p.Changes(), 300*time.Millisecond)
	if !findKind(changes, "a.txt", Modified) {
		t.Fatalf("expected Modified event for a.txt, got %+v", changes)
	}
	if !findKind(changes, "a.txt", Removed) {
		t.Fatalf("expected Removed event for a.txt, got %+v", changes)
	}
}

func TestPollerSkipsHiddenAndScratchDir(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ".hidden"), []byte("x"), 0640); err != nil {
		t.Fatalf("WriteFile: %s", err)
	}
	scratchDir := filepath.Join(root, ".syndactyl", "scratch")
	if err := os.MkdirAll(scratchDir, 0750); err != nil {
		t.Fatalf("MkdirAll: %s", err)
	}
	if err := os.WriteFile(filepath.Join(scratchDir, "inflight"), []byte("x"), 0640); err != nil {
		t.Fatalf("WriteFile: %s", err)
	}

	p := NewPoller(root, 10*time.Millisecond, nil)
	defer p.Close()

	changes := drain(t, p.Changes(), 150*time.Millisecond)
	for _, c := range changes {
		t.Fatalf("expected no events for hidden/scratch files, got %+v", c)
	}
}

func TestPollerCloseStopsLoop(t *testing.T) {
	root := t.TempDir()
	p := NewPoller(root, 5*time.Millisecond, nil)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}
	if _, ok := <-p.Changes(); ok {
		t.Fatalf("expected Changes channel to be closed after Close")
	}
}
