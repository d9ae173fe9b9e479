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

import "errors"

// ErrUnknownObserver is returned (or wrapped) whenever a message or
// request names an observer that is not configured locally. Per spec
// §7, this is always a silent drop, never surfaced to a peer.
var ErrUnknownObserver = errors.New("model: unknown observer")

// ErrUnauthorized is returned by internal/authenticator.Verify when an
// observer has a shared secret but the event's tag is missing or does
// not match it (spec §4.2, §7).
var ErrUnauthorized = errors.New("model: unauthorized file event")

// ErrHashMismatch is wrapped into a log line when a completed
// transfer's reassembled content hash does not match the content hash
// announced by the originating event (spec §4.3's verify step, §7).
var ErrHashMismatch = errors.New("model: content hash mismatch")

// ErrGone is wrapped into a log line when a chunk request addresses a
// file that has since been removed locally (spec §3's ChunkResponse
// Gone error code, §7).
var ErrGone = errors.New("model: file no longer present")
