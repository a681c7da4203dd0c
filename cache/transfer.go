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
	"github.com/pixcache/pixcache/internal/packet"
	"github.com/pixcache/pixcache/vpixel"
)

// QueueAuthentic implements queue_authentic: it binds the calling thread's
// nexus to region for writing, without staging any existing content in —
// the write path never needs a read-back. The returned slices
// alias the backing directly when the region qualifies for the authentic
// shortcut; otherwise they are the nexus's private staging buffers, to be
// populated by the caller and flushed by SyncAuthentic.
func (d *Descriptor) QueueAuthentic(threadID int, region packet.Rect) (pixels, indexes []byte, err error) {
	nx, err := d.nexusFor(threadID)
	if err != nil {
		return nil, nil, err
	}
	if err := d.setNexusPixels(nx, region); err != nil {
		return nil, nil, err
	}
	return nx.pixels, nx.indexes, nil
}

// GetAuthentic implements get_authentic: queue_authentic followed by an
// explicit read-back for synthetic nexuses. Authentic
// nexuses already see live backing content and need no read-back.
func (d *Descriptor) GetAuthentic(threadID int, region packet.Rect) (pixels, indexes []byte, err error) {
	nx, err := d.nexusFor(threadID)
	if err != nil {
		return nil, nil, err
	}
	if err := d.setNexusPixels(nx, region); err != nil {
		return nil, nil, err
	}
	if !nx.authentic {
		if err := d.readPixels(nx); err != nil {
			return nil, nil, err
		}
		if err := d.readIndexes(nx); err != nil {
			return nil, nil, err
		}
	}
	return nx.pixels, nx.indexes, nil
}

// SyncAuthentic implements sync_authentic: a no-op for an authentic nexus
// (its mutations already landed in the backing), otherwise a clip/soft
// mask composite followed by a write-through of the synthetic staging
// buffers.
func (d *Descriptor) SyncAuthentic(threadID int) error {
	nx, err := d.nexusFor(threadID)
	if err != nil {
		return err
	}
	if nx.authentic {
		return nil
	}
	if d.clipMask != nil || d.softMask != nil {
		if err := d.compositeMasks(nx); err != nil {
			return err
		}
	}
	if err := d.writePixels(nx); err != nil {
		return err
	}
	return d.writeIndexes(nx)
}

// compositeMasks applies the clip mask (keep the tier's existing pixel
// where the mask is false) and the soft mask (Porter-Duff "Over" blend
// using the mask's intensity as alpha) to nx's synthetic staging buffer
// before it is written through.
func (d *Descriptor) compositeMasks(nx *Nexus) error {
	r := nx.region
	var orig [packet.PixelSize]byte
	for v := int64(0); v < r.Height; v++ {
		for u := int64(0); u < r.Width; u++ {
			x, y := r.X+u, r.Y+v
			off := (v*r.Width + u) * int64(packet.PixelSize)
			cur := nx.pixels[off : off+int64(packet.PixelSize)]
			if d.clipMask != nil && !d.clipMask.Clip(x, y) {
				if err := ioAt(d.backing, orig[:], d.geometry.PixelOffset(x, y), false); err != nil {
					return err
				}
				copy(cur, orig[:])
				continue
			}
			if d.softMask != nil {
				if err := ioAt(d.backing, orig[:], d.geometry.PixelOffset(x, y), false); err != nil {
					return err
				}
				base := packet.GetPixel(orig[:])
				over := packet.GetPixel(cur)
				packet.PutPixel(cur, alphaOver(over, base, d.softMask.Alpha(x, y)))
			}
		}
	}
	return nil
}

// alphaOver blends src over dst using weight/maxQuantum as the source's
// effective opacity (the soft mask's per-pixel "Over" compositing rule).
func alphaOver(src, dst packet.Pixel, weight packet.Quantum) packet.Pixel {
	const maxQ = int64(^packet.Quantum(0))
	w := int64(weight)
	blend := func(s, d packet.Quantum) packet.Quantum {
		return packet.Quantum((int64(s)*w + int64(d)*(maxQ-w)) / maxQ)
	}
	return packet.Pixel{
		R: blend(src.R, dst.R),
		G: blend(src.G, dst.G),
		B: blend(src.B, dst.B),
		A: blend(src.A, dst.A),
	}
}

// fetchAuthentic resolves one in-bounds pixel directly from the backing,
// without staging it through a shared Nexus: a disposable single-slot
// read, simpler than constructing and discarding a real Nexus for every
// out-of-bounds pixel the sampler touches.
func (d *Descriptor) fetchAuthentic(x, y int64) (packet.Pixel, bool) {
	if d.backing == nil || !d.geometry.Contains(packet.Rect{X: x, Y: y, Width: 1, Height: 1}) {
		return packet.Pixel{}, false
	}
	var buf [packet.PixelSize]byte
	if err := ioAt(d.backing, buf[:], d.geometry.PixelOffset(x, y), false); err != nil {
		return packet.Pixel{}, false
	}
	return packet.GetPixel(buf[:]), true
}

// GetVirtual implements get_virtual: a rectangle fully inside the image is
// served exactly like GetAuthentic (re-using the nexus's staging machinery);
// otherwise the thread's nexus is pointed at a freshly sized buffer and
// vpixel.Policy.FillRegion materializes it, row by row, via the configured
// boundary-sampling method.
func (d *Descriptor) GetVirtual(threadID int, method vpixel.Method, region packet.Rect) (pixels []byte, err error) {
	if d.geometry.Contains(region) {
		px, _, err := d.GetAuthentic(threadID, region)
		return px, err
	}
	nx, err := d.nexusFor(threadID)
	if err != nil {
		return nil, err
	}
	length := region.Width * region.Height * int64(packet.PixelSize)
	if nx.authentic || int64(len(nx.pixels)) != length {
		nx.pixels = make([]byte, length)
	}
	nx.authentic = false
	nx.indexes = nil
	nx.region = region
	pol := vpixel.Policy{
		Geometry:   d.geometry,
		Background: d.background,
		Rand:       d.rand,
		Fetch:      d.fetchAuthentic,
	}
	pol.FillRegion(method, region.X, region.Y, region.Width, region.Height,
		func(u, v int64, px packet.Pixel, _ bool) {
			off := (v*region.Width + u) * int64(packet.PixelSize)
			packet.PutPixel(nx.pixels[off:off+int64(packet.PixelSize)], px)
		})
	return nx.pixels, nil
}
