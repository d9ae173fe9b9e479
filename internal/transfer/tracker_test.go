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

package transfer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/syndactyl/syndactyl/internal/filestore"
	"github.com/syndactyl/syndactyl/internal/model"
)

func newTestStore(t *testing.T) (*filestore.Store, string) {
	t.Helper()
	root := t.TempDir()
	reg, err := model.NewRegistry([]*model.Observer{{Name: "docs", RootPath: root}})
	if err != nil {
		t.Fatalf("NewRegistry: %s", err)
	}
	return &filestore.Store{Observers: reg}, root
}

func TestTrackerStartIsIdempotentOnSameHash(t *testing.T) {
	store, _ := newTestStore(t)
	sc, err := store.NewScratch("docs", 10)
	if err != nil {
		t.Fatalf("NewScratch: %s", err)
	}
	tr := New()
	key := Key{Observer: "docs", Path: "a.txt"}
	hash := model.Hash{1, 2, 3}
	now := time.Unix(1000, 0)

	t1, err := tr.Start(key, hash, 10, nil, sc, now)
	if err != nil {
		t.Fatalf("Start: %s", err)
	}
	t2, err := tr.Start(key, hash, 10, nil, sc, now)
	if err != nil {
		t.Fatalf("second Start: %s", err)
	}
	if t1 != t2 {
		t.Fatalf("expected Start to return the same Transfer on matching hash")
	}
	if tr.Len() != 1 {
		t.Fatalf("expected exactly one active transfer, got %d", tr.Len())
	}
}

func TestTrackerStartRejectsHashChangeUntilCanceled(t *testing.T) {
	store, _ := newTestStore(t)
	sc, err := store.NewScratch("docs", 10)
	if err != nil {
		t.Fatalf("NewScratch: %s", err)
	}
	tr := New()
	key := Key{Observer: "docs", Path: "a.txt"}
	now := time.Unix(1000, 0)

	if _, err := tr.Start(key, model.Hash{1}, 10, nil, sc, now); err != nil {
		t.Fatalf("Start: %s", err)
	}
	if _, err := tr.Start(key, model.Hash{2}, 10, nil, sc, now); err != ErrHashChanged {
		t.Fatalf("expected ErrHashChanged, got %v", err)
	}
	old := tr.Cancel(key)
	if old == nil {
		t.Fatalf("expected Cancel to return the prior transfer")
	}
	if tr.Lookup(key) != nil {
		t.Fatalf("expected key to be released after Cancel")
	}
	if _, err := tr.Start(key, model.Hash{2}, 10, nil, sc, now); err != nil {
		t.Fatalf("Start after Cancel: %s", err)
	}
}

func TestApplyChunkRejectsOutOfOrderOffset(t *testing.T) {
	store, _ := newTestStore(t)
	sc, err := store.NewScratch("docs", 8)
	if err != nil {
		t.Fatalf("NewScratch: %s", err)
	}
	tr := New()
	key := Key{Observer: "docs", Path: "a.txt"}
	now := time.Unix(1000, 0)
	tf, err := tr.Start(key, model.Hash{9}, 8, nil, sc, now)
	if err != nil {
		t.Fatalf("Start: %s", err)
	}

	resp := &model.ChunkResponse{
		Observer:  "docs",
		Path:      "a.txt",
		Offset:    4, // wrong: NextOffset is 0
		Data:      []byte("late"),
		TotalSize: 8,
		IsLast:    true,
	}
	if action := tf.ApplyChunk(resp, now); action != ActionReject {
		t.Fatalf("expected ActionReject for out-of-order chunk, got %v", action)
	}
	if tf.State() != Requesting {
		t.Fatalf("rejected chunk must not advance state, got %v", tf.State())
	}
}

func TestApplyChunkDrivesToVerifyOnLastChunk(t *testing.T) {
	store, root := newTestStore(t)
	sc, err := store.NewScratch("docs", 8)
	if err != nil {
		t.Fatalf("NewScratch: %s", err)
	}
	tr := New()
	key := Key{Observer: "docs", Path: "a.txt"}
	now := time.Unix(1000, 0)
	tf, err := tr.Start(key, model.Hash{9}, 8, nil, sc, now)
	if err != nil {
		t.Fatalf("Start: %s", err)
	}

	first := &model.ChunkResponse{Offset: 0, Data: []byte("abcd"), TotalSize: 8, IsLast: false}
	if action := tf.ApplyChunk(first, now); action != ActionRequestNext {
		t.Fatalf("expected ActionRequestNext after first chunk, got %v", action)
	}
	if tf.State() != Receiving {
		t.Fatalf("expected Receiving after first chunk, got %v", tf.State())
	}

	second := &model.ChunkResponse{Offset: 4, Data: []byte("wxyz"), TotalSize: 8, IsLast: true}
	if action := tf.ApplyChunk(second, now); action != ActionVerify {
		t.Fatalf("expected ActionVerify on last chunk, got %v", action)
	}
	if tf.State() != Verifying {
		t.Fatalf("expected Verifying after last chunk, got %v", tf.State())
	}

	got, err := sc.Hash()
	if err != nil {
		t.Fatalf("Hash: %s", err)
	}
	if got.IsZero() {
		t.Fatalf("expected non-zero hash for written scratch content")
	}
	_ = filepath.Join(root) // root retained for readability, unused otherwise
}

func TestVerifiedTransitionsOnHashOutcome(t *testing.T) {
	store, _ := newTestStore(t)
	sc, err := store.NewScratch("docs", 4)
	if err != nil {
		t.Fatalf("NewScratch: %s", err)
	}
	tr := New()
	key := Key{Observer: "docs", Path: "a.txt"}
	now := time.Unix(1000, 0)
	tf, err := tr.Start(key, model.Hash{9}, 4, nil, sc, now)
	if err != nil {
		t.Fatalf("Start: %s", err)
	}
	tf.ApplyChunk(&model.ChunkResponse{Offset: 0, Data: []byte("abcd"), TotalSize: 4, IsLast: true}, now)
	if tf.State() != Verifying {
		t.Fatalf("expected Verifying, got %v", tf.State())
	}
	if action := tf.Verified(false); action != ActionFail {
		t.Fatalf("expected ActionFail on hash mismatch, got %v", action)
	}
	if tf.State() != Failed {
		t.Fatalf("expected Failed after mismatch, got %v", tf.State())
	}
}

func TestApplyChunkFailsOnSizeMismatch(t *testing.T) {
	store, _ := newTestStore(t)
	sc, err := store.NewScratch("docs", 8)
	if err != nil {
		t.Fatalf("NewScratch: %s", err)
	}
	tr := New()
	key := Key{Observer: "docs", Path: "a.txt"}
	now := time.Unix(1000, 0)
	tf, err := tr.Start(key, model.Hash{9}, 8, nil, sc, now)
	if err != nil {
		t.Fatalf("Start: %s", err)
	}
	resp := &model.ChunkResponse{Offset: 0, Data: []byte("abcd"), TotalSize: 99, IsLast: false}
	if action := tf.ApplyChunk(resp, now); action != ActionFail {
		t.Fatalf("expected ActionFail for total-size mismatch, got %v", action)
	}
}

func TestStaleDetectsExpiredDeadline(t *testing.T) {
	store, _ := newTestStore(t)
	sc, err := store.NewScratch("docs", 8)
	if err != nil {
		t.Fatalf("NewScratch: %s", err)
	}
	tr := New()
	key := Key{Observer: "docs", Path: "a.txt"}
	start := time.Unix(1000, 0)
	tf, err := tr.Start(key, model.Hash{9}, 8, nil, sc, start)
	if err != nil {
		t.Fatalf("Start: %s", err)
	}
	if tf.Stale(start.Add(DefaultNoProgressTO - time.Second)) {
		t.Fatalf("transfer should not be stale before deadline")
	}
	if !tf.Stale(start.Add(DefaultNoProgressTO + time.Second)) {
		t.Fatalf("transfer should be stale after deadline")
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	for attempt, want := range map[int]time.Duration{
		0: 500 * time.Millisecond,
		1: time.Second,
		2: 2 * time.Second,
		6: 32 * time.Second, // would overflow past cap without clamping
	} {
		got := Backoff(attempt, nil)
		if attempt == 6 {
			if got != DefaultMaxBackoff {
				t.Fatalf("attempt %d: expected capped %s, got %s", attempt, DefaultMaxBackoff, got)
			}
			continue
		}
		if got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestRetryChunkExhaustsBudget(t *testing.T) {
	store, _ := newTestStore(t)
	sc, err := store.NewScratch("docs", 8)
	if err != nil {
		t.Fatalf("NewScratch: %s", err)
	}
	tr := New()
	key := Key{Observer: "docs", Path: "a.txt"}
	now := time.Unix(1000, 0)
	tf, err := tr.Start(key, model.Hash{9}, 8, nil, sc, now)
	if err != nil {
		t.Fatalf("Start: %s", err)
	}
	var last Action
	for i := 0; i <= DefaultMaxAttempts; i++ {
		last = tf.RetryChunk(now)
	}
	if last != ActionFail {
		t.Fatalf("expected ActionFail once retry budget is exhausted, got %v", last)
	}
	if tf.State() != Failed {
		t.Fatalf("expected Failed state, got %v", tf.State())
	}
}
