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

// Package transfer implements the Transfer Tracker (spec §4.3, C3):
// the per-inbound-file state machine that reassembles a file from
// chunks served by a peer.
//
// The Tracker is a value owned by the Protocol Engine's transfer map
// (spec §9: "C3 is a value owned by C5's transfer map... Avoid
// back-pointers from C3 into C5; instead, C3 returns intent... that
// the engine dispatches"). Tracker is therefore not safe for
// concurrent use; it is exclusively manipulated by the single-
// threaded protocol engine, matching the ownership discipline
// tenant/dcache.Cache uses for its own inflight map (guarded
// entirely by the cache's own lock, never reached into from outside).
package transfer

import (
	"errors"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/syndactyl/syndactyl/internal/filestore"
	"github.com/syndactyl/syndactyl/internal/model"
)

// State is a transfer's position in the state machine of spec §4.3.
type State int

const (
	Idle State = iota
	Requesting
	Receiving
	Verifying
	Committed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Requesting:
		return "Requesting"
	case Receiving:
		return "Receiving"
	case Verifying:
		return "Verifying"
	case Committed:
		return "Committed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Key identifies a transfer the way spec §3 does: by
// (observer, path).
type Key struct {
	Observer string
	Path     string
}

// Default policy constants, spec §4.3.
const (
	DefaultMaxAttempts  = 5
	DefaultBaseBackoff  = 500 * time.Millisecond
	DefaultMaxBackoff   = 30 * time.Second
	DefaultNoProgressTO = 120 * time.Second
	DefaultChunkTimeout = 15 * time.Second
)

// Transfer is the reassembly record for one inbound file (spec §3's
// Transfer State).
type Transfer struct {
	Key          Key
	ExpectedHash model.Hash
	ExpectedSize uint64
	NextOffset   uint64
	SourcePeer   []byte
	Attempts     int
	Deadline     time.Time
	Scratch      *filestore.Scratch

	state State
}

// State returns the transfer's current state.
func (t *Transfer) State() State { return t.state }

// Tracker owns every active Transfer, keyed by (observer, path). At
// most one Transfer exists per Key at any moment (spec §8: "For every
// (observer, path) at most one transfer state exists at any moment;
// restarting on a new hash destroys the prior").
type Tracker struct {
	active map[Key]*Transfer
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{active: make(map[Key]*Transfer)}
}

// Lookup returns the active transfer for key, or nil if there is
// none.
func (tr *Tracker) Lookup(key Key) *Transfer {
	return tr.active[key]
}

// Len reports the number of active transfers.
func (tr *Tracker) Len() int { return len(tr.active) }

// Snapshot returns every active transfer in a deterministic order
// (keys sorted by Observer, then Path), so the engine's deadline
// sweep and logging visit transfers in the same order every time
// rather than at map-iteration's whim. It exists for the protocol
// engine's periodic deadline sweep (spec §4.3, §5); nothing else in
// this package needs to enumerate the active set.
func (tr *Tracker) Snapshot() []*Transfer {
	keys := maps.Keys(tr.active)
	slices.SortFunc(keys, func(a, b Key) bool {
		if a.Observer != b.Observer {
			return a.Observer < b.Observer
		}
		return a.Path < b.Path
	})
	out := make([]*Transfer, 0, len(keys))
	for _, k := range keys {
		out = append(out, tr.active[k])
	}
	return out
}

// ErrHashChanged is returned by Start when a transfer already exists
// for key with a different ExpectedHash; the caller is expected to
// have already canceled the prior transfer (via Cancel) before
// calling Start again, per spec §4.5's "with a different
// expected_hash, cancel and restart".
var ErrHashChanged = errors.New("transfer: expected hash changed for in-flight transfer")

// Start begins tracking a new transfer for key. If a transfer already
// exists for key with the same expectedHash, Start returns the
// existing transfer unchanged (spec §4.5: "no-op"). If one exists
// with a different expectedHash, Start returns ErrHashChanged and
// does not touch the map; the caller must Cancel the old transfer
// first.
func (tr *Tracker) Start(key Key, expectedHash model.Hash, expectedSize uint64, sourcePeer []byte, scratch *filestore.Scratch, now time.Time) (*Transfer, error) {
	if existing := tr.active[key]; existing != nil {
		if existing.ExpectedHash == expectedHash {
			return existing, nil
		}
		return nil, ErrHashChanged
	}
	t := &Transfer{
		Key:          key,
		ExpectedHash: expectedHash,
		ExpectedSize: expectedSize,
		SourcePeer:   sourcePeer,
		Scratch:      scratch,
		Deadline:     now.Add(DefaultNoProgressTO),
		state:        Requesting,
	}
	tr.active[key] = t
	return t, nil
}

// Cancel removes and returns the transfer for key, if any, so the
// caller can release its scratch file. Canceling releases the key
// immediately so a later event can restart from scratch (spec §4.3).
func (tr *Tracker) Cancel(key Key) *Transfer {
	t := tr.active[key]
	delete(tr.active, key)
	return t
}

// Action is the intent a Tracker hands back to the protocol engine
// after ApplyChunk, per spec §9's "C3 returns intent... that the
// engine dispatches" design.
type Action int

const (
	// ActionNone means there is nothing further for the engine to
	// dispatch; Verified returns it once a matching hash has moved
	// the transfer to Committed.
	ActionNone Action = iota
	// ActionRequestNext tells the engine to issue a request for the
	// transfer's new NextOffset.
	ActionRequestNext
	// ActionVerify tells the engine the last chunk has arrived and
	// the scratch file's hash should be checked against
	// ExpectedHash.
	ActionVerify
	// ActionReject means the response was not applied: the transfer
	// is not awaiting a chunk, the response violates the chunk
	// response invariant, or its offset is not NextOffset. The
	// transfer is otherwise untouched.
	ActionReject
	// ActionFail means the transfer has moved to Failed and must be
	// torn down by the engine (scratch unlinked, key released).
	ActionFail
)

// ApplyChunk advances the state machine for a chunk response. The
// caller (the protocol engine) has already looked the transfer up by
// key; ApplyChunk never does the lookup itself so the no-such-
// transfer / stale-response decision is explicit at the call site
// (spec §4.5: "if absent or stale, drop").
func (t *Transfer) ApplyChunk(resp *model.ChunkResponse, now time.Time) Action {
	if t.state != Requesting && t.state != Receiving {
		return ActionReject
	}
	if resp.ErrorCode != 0 {
		if resp.ErrorCode == model.Gone || resp.ErrorCode == model.BadRequest {
			t.state = Failed
			return ActionFail
		}
		t.Attempts++
		if t.Attempts >= DefaultMaxAttempts {
			t.state = Failed
			return ActionFail
		}
		return ActionRequestNext
	}
	if !resp.Valid() {
		// spec §3's response invariant (offset+len(data) <= total_size,
		// IsLast iff that holds with equality) catches a malformed
		// response before it is ever written to the scratch file,
		// rather than only being caught indirectly by the final hash
		// mismatch.
		return ActionReject
	}
	if resp.TotalSize != t.ExpectedSize {
		t.state = Failed
		return ActionFail
	}
	if resp.Offset != t.NextOffset {
		// spec §3: "A chunk whose offset != next_expected_offset is
		// rejected; the state does not advance."
		return ActionReject
	}
	if err := t.Scratch.WriteChunk(int64(resp.Offset), resp.Data); err != nil {
		t.state = Failed
		return ActionFail
	}
	t.NextOffset += uint64(len(resp.Data))
	t.Attempts = 0
	t.Deadline = now.Add(DefaultNoProgressTO)
	if resp.IsLast {
		t.state = Verifying
		return ActionVerify
	}
	t.state = Receiving
	return ActionRequestNext
}

// Verified transitions the transfer to Committed (on a matching
// hash) or Failed (on mismatch) after the engine has hashed the
// completed scratch file.
func (t *Transfer) Verified(match bool) Action {
	if t.state != Verifying {
		return ActionReject
	}
	if !match {
		t.state = Failed
		return ActionFail
	}
	t.state = Committed
	return ActionNone
}

// RetryChunk records a failed attempt at the current offset without
// any data having arrived (a request timeout, spec §4.3's per-chunk
// retry). It returns ActionFail once the retry budget is exhausted.
func (t *Transfer) RetryChunk(now time.Time) Action {
	t.Attempts++
	if t.Attempts >= DefaultMaxAttempts {
		t.state = Failed
		return ActionFail
	}
	return ActionRequestNext
}

// Stale reports whether the transfer has exceeded its no-progress
// deadline (spec §4.3, §5).
func (t *Transfer) Stale(now time.Time) bool {
	return now.After(t.Deadline)
}

// Backoff computes the exponential, jittered backoff delay for the
// given attempt count, starting at DefaultBaseBackoff and capped at
// DefaultMaxBackoff (spec §4.3).
func Backoff(attempt int, jitter func(max time.Duration) time.Duration) time.Duration {
	d := DefaultBaseBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= DefaultMaxBackoff {
			d = DefaultMaxBackoff
			break
		}
	}
	if jitter != nil {
		return jitter(d)
	}
	return d
}
