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
	"fmt"
	"io"

	"github.com/pixcache/pixcache/cerr"
	"github.com/pixcache/pixcache/internal/packet"
	"github.com/pixcache/pixcache/tier"
)

// nexusFor returns the nexus slot for threadID, bounded by the descriptor's
// nexus array length: every operation on a descriptor picks
// nexuses[thread_id].
func (d *Descriptor) nexusFor(threadID int) (*Nexus, error) {
	if threadID < 0 || threadID >= len(d.nexuses) {
		return nil, cerr.ErrUnableToGetNexus
	}
	return d.nexuses[threadID], nil
}

// authenticEligible implements the set_pixel_cache_nexus_pixels "authentic
// shortcut" test: the tier must be directly addressable
// (not Disk, not Ping/Undefined), the image must carry neither mask, and
// the rectangle must be a single row, a full-width stripe, or an integer
// multiple of a full row, and lie entirely within the image.
func (d *Descriptor) authenticEligible(r packet.Rect) bool {
	switch d.tierKind {
	case tier.Disk, tier.Ping, tier.Undefined:
		return false
	}
	if d.clipMask != nil || d.softMask != nil {
		return false
	}
	if !d.geometry.Contains(r) {
		return false
	}
	if r.Height == 1 {
		return true
	}
	if d.geometry.Columns <= 0 {
		return false
	}
	return r.Width == d.geometry.Columns || r.Width%d.geometry.Columns == 0
}

// setNexusPixels implements set_pixel_cache_nexus_pixels: it binds nx to
// region, either aliasing the backing directly (authentic) or sizing nx's
// synthetic staging buffers, reallocating them whenever the required
// length differs from the current one.
func (d *Descriptor) setNexusPixels(nx *Nexus, region packet.Rect) error {
	if d.tierKind == tier.Undefined {
		return cerr.ErrNoPixelsDefined
	}
	nx.region = region
	if d.authenticEligible(region) {
		if s, ok := d.backing.(tier.Sliceable); ok {
			pixOff := d.geometry.PixelOffset(region.X, region.Y)
			pixLen := region.Width * region.Height * int64(packet.PixelSize)
			nx.pixels = s.Slice(pixOff, pixLen)
			nx.indexes = nil
			if d.activeIndex() {
				planeLen, err := d.geometry.PixelPlaneLength()
				if err != nil {
					return err
				}
				idxOff := planeLen + d.geometry.IndexOffset(region.X, region.Y)
				idxLen := region.Width * region.Height * int64(packet.IndexSize)
				nx.indexes = s.Slice(idxOff, idxLen)
			}
			nx.authentic = true
			d.stats.recordAuthentic(len(nx.pixels) + len(nx.indexes))
			return nil
		}
	}
	nx.authentic = false
	pixLen := region.Width * region.Height * int64(packet.PixelSize)
	if int64(len(nx.pixels)) != pixLen {
		nx.pixels = make([]byte, pixLen)
	}
	if d.activeIndex() {
		idxLen := region.Width * region.Height * int64(packet.IndexSize)
		if int64(len(nx.indexes)) != idxLen {
			nx.indexes = make([]byte, idxLen)
		}
	} else {
		nx.indexes = nil
	}
	d.stats.recordSynthetic(len(nx.pixels) + len(nx.indexes))
	return nil
}

// transferAt is the shared bulk-or-row-by-row stripe walk used by
// readPixels/readIndexes and their write counterparts: one
// contiguous transfer when the region spans full rows of the
// backing, otherwise one transfer per row strided by the backing's own
// row width.
func transferAt(b tier.Backing, buf []byte, base, backingStride, stagingStride, rows int64, write bool) error {
	if backingStride == stagingStride {
		return ioAt(b, buf[:backingStride*rows], base, write)
	}
	for row := int64(0); row < rows; row++ {
		chunk := buf[row*stagingStride : row*stagingStride+stagingStride]
		if err := ioAt(b, chunk, base+row*backingStride, write); err != nil {
			return err
		}
	}
	return nil
}

func ioAt(b tier.Backing, buf []byte, off int64, write bool) error {
	var n int
	var err error
	if write {
		n, err = b.WriteAt(buf, off)
	} else {
		n, err = b.ReadAt(buf, off)
	}
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	if err != nil {
		if write {
			return cerr.Path(fmt.Errorf("%w: %v", cerr.ErrUnableToWrite, err), "")
		}
		return cerr.Path(fmt.Errorf("%w: %v", cerr.ErrUnableToRead, err), "")
	}
	return nil
}

// readPixels copies nx's region from the tier into nx's synthetic staging
// buffer. Authentic nexuses have
// nothing to read: their pixels already alias the backing.
func (d *Descriptor) readPixels(nx *Nexus) error {
	if nx.authentic {
		return nil
	}
	r := nx.region
	backingStride := d.geometry.Columns * int64(packet.PixelSize)
	stagingStride := r.Width * int64(packet.PixelSize)
	base := d.geometry.PixelOffset(r.X, r.Y)
	return transferAt(d.backing, nx.pixels, base, backingStride, stagingStride, r.Height, false)
}

// readIndexes is readPixels' index-plane counterpart.
func (d *Descriptor) readIndexes(nx *Nexus) error {
	if nx.authentic || !d.activeIndex() {
		return nil
	}
	r := nx.region
	planeLen, err := d.geometry.PixelPlaneLength()
	if err != nil {
		return err
	}
	backingStride := d.geometry.Columns * int64(packet.IndexSize)
	stagingStride := r.Width * int64(packet.IndexSize)
	base := planeLen + d.geometry.IndexOffset(r.X, r.Y)
	return transferAt(d.backing, nx.indexes, base, backingStride, stagingStride, r.Height, false)
}

// writePixels is the write-through mirror of readPixels, used by
// SyncAuthentic to flush a synthetic nexus. Authentic nexuses are
// short-circuited: they have nothing to flush.
func (d *Descriptor) writePixels(nx *Nexus) error {
	if nx.authentic {
		return nil
	}
	r := nx.region
	backingStride := d.geometry.Columns * int64(packet.PixelSize)
	stagingStride := r.Width * int64(packet.PixelSize)
	base := d.geometry.PixelOffset(r.X, r.Y)
	return transferAt(d.backing, nx.pixels, base, backingStride, stagingStride, r.Height, true)
}

func (d *Descriptor) writeIndexes(nx *Nexus) error {
	if nx.authentic || !d.activeIndex() {
		return nil
	}
	r := nx.region
	planeLen, err := d.geometry.PixelPlaneLength()
	if err != nil {
		return err
	}
	backingStride := d.geometry.Columns * int64(packet.IndexSize)
	stagingStride := r.Width * int64(packet.IndexSize)
	base := planeLen + d.geometry.IndexOffset(r.X, r.Y)
	return transferAt(d.backing, nx.indexes, base, backingStride, stagingStride, r.Height, true)
}
