// Copyright (C) 2022 Sneller, Inc.
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

package cache

import "sync/atomic"

// Stats accumulates authentic-shortcut vs synthetic-staging counts for a
// descriptor, the same hit/miss/byte-count bookkeeping a content cache
// keeps, with "hit" read as "authentic shortcut taken" and "miss" as
// "synthetic staging buffer used".
type Stats struct {
	authentic int64
	synthetic int64
	bytes     int64
}

func (s *Stats) recordAuthentic(n int) {
	atomic.AddInt64(&s.authentic, 1)
	atomic.AddInt64(&s.bytes, int64(n))
}

func (s *Stats) recordSynthetic(n int) {
	atomic.AddInt64(&s.synthetic, 1)
	atomic.AddInt64(&s.bytes, int64(n))
}

// Authentic returns the number of region transfers that took the
// authentic shortcut (aliased the backing directly, no staging copy).
func (s *Stats) Authentic() int64 { return atomic.LoadInt64(&s.authentic) }

// Synthetic returns the number of region transfers that went through a
// nexus's private staging buffer.
func (s *Stats) Synthetic() int64 { return atomic.LoadInt64(&s.synthetic) }

// Bytes returns the total pixel+index bytes transferred across every
// QueueAuthentic/GetAuthentic call so far.
func (s *Stats) Bytes() int64 { return atomic.LoadInt64(&s.bytes) }

// Stats returns the descriptor's region-transfer counters.
func (d *Descriptor) Stats() *Stats { return &d.stats }
