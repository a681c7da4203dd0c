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

// Package packet defines the fixed-width pixel/index packet layout shared
// by the tier and cache packages, and the geometry arithmetic (with
// overflow checks) used to size a cache's backing bytes.
package packet

import (
	"encoding/binary"
	"fmt"
	"math"
)

// byteOrder is used wherever this package lays out a packet's bytes: the
// in-memory backing, the on-disk layout and the remote wire protocol all
// share one encoding; the remote protocol targets same-host/same-
// architecture peers, not a portable wire format.
var byteOrder = binary.LittleEndian

// Quantum is the per-channel sample type. This build uses a 16-bit
// quantum, matching a "Q16" build of the reference implementation.
type Quantum = uint16

// QuantumSize is sizeof(Quantum) in bytes.
const QuantumSize = 2

// Pixel is one RGBA packet: four quantum samples.
type Pixel struct {
	R, G, B, A Quantum
}

// PixelSize is the byte size of one Pixel packet.
const PixelSize = 4 * QuantumSize

// IndexSize is the byte size of one index packet (one quantum-any value,
// used for palette indices or the CMYK black channel).
const IndexSize = QuantumSize

// StorageClass selects whether a cache carries a direct RGBA plane or an
// indexed (palette) plane alongside it.
type StorageClass int

const (
	UndefinedClass StorageClass = iota
	DirectClass
	PseudoClass
)

func (c StorageClass) String() string {
	switch c {
	case DirectClass:
		return "Direct"
	case PseudoClass:
		return "Pseudo"
	default:
		return "Undefined"
	}
}

// ColorSpace is an opaque tag; only CMYK is semantically observed by the
// cache (it forces an index/black-channel plane the way Pseudo does).
type ColorSpace int

const (
	UndefinedColorSpace ColorSpace = iota
	RGBColorSpace
	CMYKColorSpace
)

// ActiveIndexChannel reports whether a cache of this class/colorspace
// carries an index plane: a pure function of storage class and
// colorspace, true iff the class is Pseudo or the colorspace is CMYK.
func ActiveIndexChannel(class StorageClass, cs ColorSpace) bool {
	return class == PseudoClass || cs == CMYKColorSpace
}

// Geometry is a cache's rectangular extent.
type Geometry struct {
	Columns, Rows int64
}

// NumPixels returns Columns*Rows, erroring on overflow or a negative
// dimension.
func (g Geometry) NumPixels() (int64, error) {
	if g.Columns < 0 || g.Rows < 0 {
		return 0, fmt.Errorf("packet: negative geometry %dx%d", g.Columns, g.Rows)
	}
	if g.Columns == 0 || g.Rows == 0 {
		return 0, nil
	}
	if g.Columns > math.MaxInt64/g.Rows {
		return 0, fmt.Errorf("packet: geometry %dx%d overflows", g.Columns, g.Rows)
	}
	return g.Columns * g.Rows, nil
}

// Length returns the total backing length in bytes for this geometry at
// the given class/colorspace: the pixel plane plus, when active, the
// index plane immediately following it.
func (g Geometry) Length(class StorageClass, cs ColorSpace) (int64, error) {
	pixels, err := g.PixelPlaneLength()
	if err != nil {
		return 0, err
	}
	indexes, err := g.IndexPlaneLength(class, cs)
	if err != nil {
		return 0, err
	}
	if pixels > math.MaxInt64-indexes {
		return 0, fmt.Errorf("packet: length of %dx%d overflows", g.Columns, g.Rows)
	}
	return pixels + indexes, nil
}

// PixelPlaneLength returns the byte length of the pixel plane alone:
// columns*rows*PixelSize. The on-disk/in-memory layout is planar, not
// interleaved: the pixel plane occupies the first
// PixelPlaneLength bytes of a backing, and the index plane (when active)
// occupies IndexPlaneLength bytes immediately after it.
func (g Geometry) PixelPlaneLength() (int64, error) {
	n, err := g.NumPixels()
	if err != nil {
		return 0, err
	}
	if n != 0 && int64(PixelSize) > math.MaxInt64/n {
		return 0, fmt.Errorf("packet: pixel plane of %dx%d overflows", g.Columns, g.Rows)
	}
	return n * PixelSize, nil
}

// IndexPlaneLength returns the byte length of the index plane alone, or 0
// when class/cs carries no index channel.
func (g Geometry) IndexPlaneLength(class StorageClass, cs ColorSpace) (int64, error) {
	if !ActiveIndexChannel(class, cs) {
		return 0, nil
	}
	n, err := g.NumPixels()
	if err != nil {
		return 0, err
	}
	if n != 0 && int64(IndexSize) > math.MaxInt64/n {
		return 0, fmt.Errorf("packet: index plane of %dx%d overflows", g.Columns, g.Rows)
	}
	return n * IndexSize, nil
}

// PixelOffset returns the byte offset of pixel (x,y)'s packet within the
// pixel plane of a backing shaped like g.
func (g Geometry) PixelOffset(x, y int64) int64 {
	return (y*g.Columns + x) * PixelSize
}

// IndexOffset returns the byte offset of pixel (x,y)'s index packet
// within the index plane of a backing shaped like g (i.e. relative to the
// start of that plane, not the start of the backing).
func (g Geometry) IndexOffset(x, y int64) int64 {
	return (y*g.Columns + x) * IndexSize
}

// Rect is an axis-aligned integer rectangle: x,y is the top-left corner.
type Rect struct {
	X, Y          int64
	Width, Height int64
}

// Contains reports whether r lies entirely inside [0,g.Columns)x[0,g.Rows).
func (g Geometry) Contains(r Rect) bool {
	return r.X >= 0 && r.Y >= 0 &&
		r.X+r.Width <= g.Columns && r.Y+r.Height <= g.Rows
}

// PutPixel encodes px into buf[:PixelSize] in the packet's native byte
// order: a same-host/same-process layout, not a portable wire format.
func PutPixel(buf []byte, px Pixel) {
	byteOrder.PutUint16(buf[0:2], px.R)
	byteOrder.PutUint16(buf[2:4], px.G)
	byteOrder.PutUint16(buf[4:6], px.B)
	byteOrder.PutUint16(buf[6:8], px.A)
}

// GetPixel decodes a Pixel from buf[:PixelSize].
func GetPixel(buf []byte) Pixel {
	return Pixel{
		R: byteOrder.Uint16(buf[0:2]),
		G: byteOrder.Uint16(buf[2:4]),
		B: byteOrder.Uint16(buf[4:6]),
		A: byteOrder.Uint16(buf[6:8]),
	}
}

// PutIndex/GetIndex encode a single index-plane quantum.
func PutIndex(buf []byte, v Quantum) { byteOrder.PutUint16(buf[0:2], v) }
func GetIndex(buf []byte) Quantum    { return byteOrder.Uint16(buf[0:2]) }
