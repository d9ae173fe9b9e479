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

// Package stats holds the atomically-updated counters spec §5
// requires to be readable from any goroutine ("Counters ... are
// updated by the scheduler and read by any observer via atomic
// load"). The shape is adapted from tenant/dcache.Stats.
package stats

import "sync/atomic"

// Stats is a collection of counters updated by the protocol engine
// and read by anything else (an HTTP handler, a test) via atomic
// load.
//
// Reset is not safe to call concurrently with the other methods.
type Stats struct {
	filesSynced        int64
	bytesTransferred   int64
	unauthorizedEvents int64
	insecureAccepts    int64
	hashMismatches     int64
	activeTransfers    int64
}

// Reset zeros every counter. Not safe to call concurrently with other
// Stats methods.
func (s *Stats) Reset() { *s = Stats{} }

func (s *Stats) AddFilesSynced(n int64)        { atomic.AddInt64(&s.filesSynced, n) }
func (s *Stats) AddBytesTransferred(n int64)   { atomic.AddInt64(&s.bytesTransferred, n) }
func (s *Stats) AddUnauthorizedEvents(n int64) { atomic.AddInt64(&s.unauthorizedEvents, n) }
func (s *Stats) AddInsecureAccepts(n int64)    { atomic.AddInt64(&s.insecureAccepts, n) }
func (s *Stats) AddHashMismatches(n int64)     { atomic.AddInt64(&s.hashMismatches, n) }
func (s *Stats) AddActiveTransfers(delta int64) { atomic.AddInt64(&s.activeTransfers, delta) }

func (s *Stats) FilesSynced() int64        { return atomic.LoadInt64(&s.filesSynced) }
func (s *Stats) BytesTransferred() int64   { return atomic.LoadInt64(&s.bytesTransferred) }
func (s *Stats) UnauthorizedEvents() int64 { return atomic.LoadInt64(&s.unauthorizedEvents) }
func (s *Stats) InsecureAccepts() int64    { return atomic.LoadInt64(&s.insecureAccepts) }
func (s *Stats) HashMismatches() int64     { return atomic.LoadInt64(&s.hashMismatches) }
func (s *Stats) ActiveTransfers() int64    { return atomic.LoadInt64(&s.activeTransfers) }
