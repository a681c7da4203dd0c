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
	"os"

	"github.com/pixcache/pixcache/cerr"
	"github.com/pixcache/pixcache/internal/packet"
	"github.com/pixcache/pixcache/rlimit"
	"github.com/pixcache/pixcache/tier"
)

// ClonePixels transfers
// the overlapping min(columns)xmin(rows) pixel (and, when both sides carry
// one, index) plane from src to dst, across any combination of tiers, and
// zero-pads any extra destination columns. It works uniformly for every
// tier pairing because tier.Backing.ReadAt/WriteAt abstract the actual
// storage; the only tier-specific behavior is Ping, which has nothing to
// copy.
//
// This also carries the fix for the design-notes index-plane stride bug:
// index rows are always copied at the index packet's own stride
// (packet.IndexSize), never at the pixel packet's stride, which the
// original CloneDiskToDiskPixelCache conflated.
func ClonePixels(dst, src *Descriptor) error {
	if src.tierKind == tier.Ping || src.backing == nil || dst.backing == nil {
		return nil
	}
	cols := min64(src.geometry.Columns, dst.geometry.Columns)
	rows := min64(src.geometry.Rows, dst.geometry.Rows)
	if cols == 0 || rows == 0 {
		return nil
	}
	if dst.activeIndex() && src.activeIndex() {
		if err := clonePlane(dst, src, cols, rows, int64(packet.IndexSize), true); err != nil {
			return err
		}
	}
	return clonePlane(dst, src, cols, rows, int64(packet.PixelSize), false)
}

// clonePlane copies `rows` rows of `cols` packets of size packetSize from
// src's plane (pixel or index, selected by index) to dst's corresponding
// plane, then zero-pads dst's remaining columns on each copied row when
// dst is wider than src.
func clonePlane(dst, src *Descriptor, cols, rows, packetSize int64, index bool) error {
	var srcBase, dstBase int64
	var err error
	if index {
		if srcBase, err = src.geometry.PixelPlaneLength(); err != nil {
			return err
		}
		if dstBase, err = dst.geometry.PixelPlaneLength(); err != nil {
			return err
		}
	}
	rowBytes := cols * packetSize
	scratch := make([]byte, rowBytes)
	padCols := dst.geometry.Columns - cols
	var pad []byte
	if padCols > 0 {
		pad = make([]byte, padCols*packetSize)
	}
	for row := int64(0); row < rows; row++ {
		var srcOff, dstOff int64
		if index {
			srcOff = srcBase + src.geometry.IndexOffset(0, row)
			dstOff = dstBase + dst.geometry.IndexOffset(0, row)
		} else {
			srcOff = src.geometry.PixelOffset(0, row)
			dstOff = dst.geometry.PixelOffset(0, row)
		}
		if err := ioAt(src.backing, scratch, srcOff, false); err != nil {
			return cerr.Path(fmt.Errorf("%w: %v", cerr.ErrUnableToClone, err), "")
		}
		if err := ioAt(dst.backing, scratch, dstOff, true); err != nil {
			return cerr.Path(fmt.Errorf("%w: %v", cerr.ErrUnableToClone, err), "")
		}
		if pad != nil {
			if err := ioAt(dst.backing, pad, dstOff+rowBytes, true); err != nil {
				return cerr.Path(fmt.Errorf("%w: %v", cerr.ErrUnableToClone, err), "")
			}
		}
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Persist attaches the descriptor's backing
// to a pre-existing disk cache file f at offset, trusting the caller's
// external knowledge that that region already holds a layout matching this
// descriptor's current geometry/class/colorspace — there are no magic
// bytes or header to validate against. It returns the offset the caller
// should use for the next persisted cache packed into the same file:
// offset + length + pageSize - length%pageSize.
func (d *Descriptor) Persist(f *os.File, offset int64) (nextOffset int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	length, err := d.geometry.Length(d.class, d.colorSpace)
	if err != nil {
		return 0, err
	}
	if d.backing != nil {
		d.backing.Close()
	}
	if d.areaReserved > 0 {
		d.gov.Release(rlimit.Area, d.areaReserved)
		d.areaReserved = 0
	}
	d.backing = tier.Attach(f, offset, length)
	d.tierKind = tier.Disk
	pageSize := int64(4096)
	next := offset + length + pageSize - length%pageSize
	return next, nil
}
