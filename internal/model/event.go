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

package model

import (
	"bytes"
	"fmt"
)

// EventKind is the kind of change a FileEvent announces.
type EventKind int

const (
	Create EventKind = iota
	Modify
	Delete
)

// String renders the event kind as the word form used in the
// Authenticator's canonical serialization (spec §4.2).
func (k EventKind) String() string {
	switch k {
	case Create:
		return "Create"
	case Modify:
		return "Modify"
	case Delete:
		return "Delete"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// HashSize is the length in bytes of a content digest (spec §3: "a
// 32-byte digest").
const HashSize = 32

// Hash is a content digest. It is the zero value (all-zero bytes) for
// Delete events, which carry no content.
type Hash [HashSize]byte

// IsZero reports whether h is the all-zero digest.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Less orders two hashes lexicographically, used by the receiver-side
// tie-break rule of spec §4.5 ("later by modified_time, then by
// content_hash lexicographic").
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

// FileEvent announces that a file within an observer has reached a
// given content hash on its origin node (spec §3).
type FileEvent struct {
	Observer     string
	Kind         EventKind
	Path         string // observer-relative, normalized; see NormalizePath
	ContentHash  Hash   // zero for Delete
	Size         uint64 // 0 for Delete
	ModifiedTime int64  // nanoseconds since epoch, monotonic on origin
	OriginPeer   []byte // stable peer identifier of sender
	AuthTag      *Tag   // optional authentication tag, see internal/authenticator
}

// Tag is a 256-bit authentication tag (spec §4.2).
type Tag [32]byte

// NewerThan reports whether e should win a tie-break against other
// for the same (Observer, Path) under spec §4.5: later ModifiedTime
// wins, ties broken by lexicographically larger ContentHash.
func (e *FileEvent) NewerThan(other *FileEvent) bool {
	if e.ModifiedTime != other.ModifiedTime {
		return e.ModifiedTime > other.ModifiedTime
	}
	return other.ContentHash.Less(e.ContentHash)
}
