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

import (
	"encoding/binary"
	"sync"

	"github.com/dchest/siphash"

	"github.com/pixcache/pixcache/internal/packet"
	"github.com/pixcache/pixcache/rng"
)

// fillK0/fillK1 key the region dedup hash used by CoalescedFill. They are
// process-wide and not security sensitive: the hash only has to disperse
// well enough to keep the pending-fill map's collisions rare, not resist
// an adversary.
var fillK0, fillK1 = func() (uint64, uint64) {
	buf, err := rng.Nonce(16)
	if err != nil {
		return 0x9e3779b97f4a7c15, 0xbf58476d1ce4e5b9
	}
	return binary.LittleEndian.Uint64(buf[0:8]), binary.LittleEndian.Uint64(buf[8:16])
}()

// fill is one in-flight coalesced region fill: the goroutine that creates
// it runs the caller's fill function; every other goroutine that asks for
// the same region while it is pending waits on done and shares its result.
type fill struct {
	done chan struct{}
	err  error
}

// coalescer tracks fills in flight for one descriptor, keyed by a siphash
// of the requested region. This generalizes the etag-keyed reservation
// queue a content-addressed blob cache uses to avoid two callers reading
// through the same segment concurrently: here the key is derived from the
// region geometry rather than a content hash, since two pixel-cache reads
// of the same rectangle on the same descriptor are the same unit of work
// regardless of what is currently in the tier.
type coalescer struct {
	mu      sync.Mutex
	pending map[uint64]*fill
}

func regionKey(region packet.Rect) uint64 {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(region.X))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(region.Y))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(region.Width))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(region.Height))
	return siphash.Hash(fillK0, fillK1, buf[:])
}

// CoalescedFill runs fillFunc at most once per distinct region that is
// concurrently requested on d: the first caller to ask for a region runs
// fillFunc and fans its result out to every other caller that asked for
// the identical region while the first was still running. Later calls for
// the same region, once no fill is in flight, run fillFunc again — this
// only coalesces concurrent work, it is not a persistent result cache.
//
// threadID is accepted for symmetry with the rest of the descriptor's
// per-thread API but CoalescedFill deliberately does not touch the nexus
// array itself; fillFunc is expected to call GetAuthentic/GetVirtual/
// SyncAuthentic using threadID as it normally would.
func (d *Descriptor) CoalescedFill(threadID int, region packet.Rect, fillFunc func() error) error {
	key := regionKey(region)
	d.coalesceMu.Lock()
	if d.coalesce.pending == nil {
		d.coalesce.pending = make(map[uint64]*fill)
	}
	if f, ok := d.coalesce.pending[key]; ok {
		d.coalesceMu.Unlock()
		<-f.done
		return f.err
	}
	f := &fill{done: make(chan struct{})}
	d.coalesce.pending[key] = f
	d.coalesceMu.Unlock()

	f.err = fillFunc()

	d.coalesceMu.Lock()
	delete(d.coalesce.pending, key)
	d.coalesceMu.Unlock()
	close(f.done)
	return f.err
}
