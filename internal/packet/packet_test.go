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

package packet

import "testing"

func TestActiveIndexChannel(t *testing.T) {
	cases := []struct {
		class StorageClass
		cs    ColorSpace
		want  bool
	}{
		{DirectClass, RGBColorSpace, false},
		{PseudoClass, RGBColorSpace, true},
		{DirectClass, CMYKColorSpace, true},
		{PseudoClass, CMYKColorSpace, true},
	}
	for _, c := range cases {
		if got := ActiveIndexChannel(c.class, c.cs); got != c.want {
			t.Errorf("ActiveIndexChannel(%s, %d) = %v, want %v", c.class, c.cs, got, c.want)
		}
	}
}

func TestGeometryLength(t *testing.T) {
	g := Geometry{Columns: 4, Rows: 3}
	n, err := g.Length(DirectClass, RGBColorSpace)
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if want := int64(4 * 3 * PixelSize); n != want {
		t.Fatalf("Length(Direct,RGB) = %d, want %d", n, want)
	}
	n, err = g.Length(PseudoClass, RGBColorSpace)
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if want := int64(4*3*PixelSize + 4*3*IndexSize); n != want {
		t.Fatalf("Length(Pseudo,RGB) = %d, want %d", n, want)
	}
}

func TestGeometryLengthOverflow(t *testing.T) {
	g := Geometry{Columns: 1 << 40, Rows: 1 << 40}
	if _, err := g.NumPixels(); err == nil {
		t.Fatal("expected overflow error from NumPixels")
	}
	if _, err := g.Length(DirectClass, RGBColorSpace); err == nil {
		t.Fatal("expected overflow error from Length")
	}
}

func TestGeometryNegativeDimension(t *testing.T) {
	g := Geometry{Columns: -1, Rows: 4}
	if _, err := g.NumPixels(); err == nil {
		t.Fatal("expected error for negative geometry")
	}
}

func TestPixelAndIndexOffset(t *testing.T) {
	g := Geometry{Columns: 10, Rows: 10}
	if off := g.PixelOffset(3, 2); off != int64((2*10+3)*PixelSize) {
		t.Fatalf("PixelOffset(3,2) = %d, want %d", off, (2*10+3)*PixelSize)
	}
	if off := g.IndexOffset(3, 2); off != int64((2*10+3)*IndexSize) {
		t.Fatalf("IndexOffset(3,2) = %d, want %d", off, (2*10+3)*IndexSize)
	}
}

func TestGeometryContains(t *testing.T) {
	g := Geometry{Columns: 8, Rows: 8}
	cases := []struct {
		r    Rect
		want bool
	}{
		{Rect{X: 0, Y: 0, Width: 8, Height: 8}, true},
		{Rect{X: 7, Y: 7, Width: 1, Height: 1}, true},
		{Rect{X: 0, Y: 0, Width: 9, Height: 1}, false},
		{Rect{X: -1, Y: 0, Width: 1, Height: 1}, false},
		{Rect{X: 0, Y: 7, Width: 1, Height: 2}, false},
	}
	for _, c := range cases {
		if got := g.Contains(c.r); got != c.want {
			t.Errorf("Contains(%+v) = %v, want %v", c.r, got, c.want)
		}
	}
}

func TestPutGetPixelRoundTrip(t *testing.T) {
	buf := make([]byte, PixelSize)
	want := Pixel{R: 1, G: 0xffff, B: 0x1234, A: 0}
	PutPixel(buf, want)
	if got := GetPixel(buf); got != want {
		t.Fatalf("GetPixel(PutPixel(%+v)) = %+v", want, got)
	}
}

func TestPutGetIndexRoundTrip(t *testing.T) {
	buf := make([]byte, IndexSize)
	const want Quantum = 0xbeef
	PutIndex(buf, want)
	if got := GetIndex(buf); got != want {
		t.Fatalf("GetIndex(PutIndex(%d)) = %d", want, got)
	}
}

func TestStorageClassString(t *testing.T) {
	cases := map[StorageClass]string{
		UndefinedClass: "Undefined",
		DirectClass:    "Direct",
		PseudoClass:    "Pseudo",
	}
	for c, want := range cases {
		if got := c.String(); got != want {
			t.Errorf("StorageClass(%d).String() = %q, want %q", c, got, want)
		}
	}
}
