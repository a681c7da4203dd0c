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

package tier

import (
	"bytes"
	"os"
	"testing"

	"github.com/pixcache/pixcache/policy"
	"github.com/pixcache/pixcache/rlimit"
	"github.com/pixcache/pixcache/tmpfile"
)

func testEnv(t *testing.T) (*rlimit.Local, *policy.Config, *tmpfile.Registry) {
	t.Helper()
	cfg := policy.DefaultConfig()
	cfg.TemporaryPath = t.TempDir()
	gov := rlimit.New(&cfg)
	reg := tmpfile.NewRegistry()
	t.Cleanup(reg.UnlinkAll)
	return gov, &cfg, reg
}

func roundTrip(t *testing.T, b Backing) {
	t.Helper()
	want := bytes.Repeat([]byte{0xab}, 64)
	if _, err := b.WriteAt(want, 100); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 64)
	if _, err := b.ReadAt(got, 100); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %x want %x", got, want)
	}
}

func TestOpenPingForZeroLength(t *testing.T) {
	gov, cfg, reg := testEnv(t)
	b, err := Open(0, gov, cfg, reg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if b.Tier() != Ping {
		t.Fatalf("Tier() = %v, want Ping", b.Tier())
	}
	if _, err := b.WriteAt([]byte{1, 2, 3}, 0); err != nil {
		t.Fatalf("Ping WriteAt: %v", err)
	}
	got := make([]byte, 3)
	b.ReadAt(got, 0)
	if !bytes.Equal(got, []byte{0, 0, 0}) {
		t.Fatalf("Ping ReadAt returned %v, want zeros", got)
	}
}

func TestOpenPrefersMemory(t *testing.T) {
	gov, cfg, reg := testEnv(t)
	b, err := Open(1<<20, gov, cfg, reg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if b.Tier() != Memory {
		t.Fatalf("Tier() = %v, want Memory", b.Tier())
	}
	roundTrip(t, b)
	if gov.Used(rlimit.Memory) != 1<<20 {
		t.Fatalf("Used(Memory) = %d, want %d", gov.Used(rlimit.Memory), 1<<20)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if gov.Used(rlimit.Memory) != 0 {
		t.Fatalf("Used(Memory) after Close = %d, want 0", gov.Used(rlimit.Memory))
	}
}

func TestOpenFallsBackToMap(t *testing.T) {
	gov, cfg, reg := testEnv(t)
	gov.SetLimit(rlimit.Memory, 1) // too small to admit any real request
	b, err := Open(1<<16, gov, cfg, reg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if b.Tier() != Map {
		t.Fatalf("Tier() = %v, want Map", b.Tier())
	}
	roundTrip(t, b)
}

func TestOpenFallsBackToDisk(t *testing.T) {
	gov, cfg, reg := testEnv(t)
	gov.SetLimit(rlimit.Memory, 1)
	gov.SetLimit(rlimit.Map, 1)
	b, err := Open(1<<16, gov, cfg, reg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if b.Tier() != Disk {
		t.Fatalf("Tier() = %v, want Disk", b.Tier())
	}
	roundTrip(t, b)
}

func TestOpenExhausted(t *testing.T) {
	gov, cfg, reg := testEnv(t)
	gov.SetLimit(rlimit.Memory, 1)
	gov.SetLimit(rlimit.Map, 1)
	gov.SetLimit(rlimit.Disk, 1)
	if _, err := Open(1<<16, gov, cfg, reg); err == nil {
		t.Fatal("Open succeeded despite every tier being exhausted")
	}
}

func TestDiskBackingHoldsFileResource(t *testing.T) {
	gov, cfg, reg := testEnv(t)
	gov.SetLimit(rlimit.Memory, 1)
	gov.SetLimit(rlimit.Map, 1)
	b, err := Open(4096, gov, cfg, reg)
	if err != nil {
		t.Fatal(err)
	}
	if gov.Used(rlimit.File) != 1 {
		t.Fatalf("Used(File) = %d, want 1", gov.Used(rlimit.File))
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if gov.Used(rlimit.File) != 0 {
		t.Fatalf("Used(File) after Close = %d, want 0", gov.Used(rlimit.File))
	}
}

func TestDiskBackingFDGuardReopens(t *testing.T) {
	gov, cfg, reg := testEnv(t)
	gov.SetLimit(rlimit.Memory, 1)
	gov.SetLimit(rlimit.Map, 1)
	gov.SetLimit(rlimit.File, 1) // force the guard to close the fd after every transfer
	b, err := Open(4096, gov, cfg, reg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	// Each transfer below closes the fd before returning (while it is open,
	// Used(File) sits at the limit of 1, which triggers the guard), so a
	// second transfer exercises diskBacking.reopen.
	roundTrip(t, b)
	roundTrip(t, b)
	if gov.Used(rlimit.File) != 0 {
		t.Fatalf("Used(File) between transfers = %d, want 0 (guard should have closed the fd)", gov.Used(rlimit.File))
	}
}

func TestMemoryBackingIsSliceable(t *testing.T) {
	gov, cfg, reg := testEnv(t)
	b, err := Open(4096, gov, cfg, reg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	s, ok := b.(Sliceable)
	if !ok {
		t.Fatal("Memory backing does not implement Sliceable")
	}
	b.WriteAt([]byte{1, 2, 3}, 10)
	got := s.Slice(10, 3)
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("Slice = %v, want [1 2 3]", got)
	}
}

func TestDiskBackingIsNotSliceable(t *testing.T) {
	gov, cfg, reg := testEnv(t)
	gov.SetLimit(rlimit.Memory, 1)
	gov.SetLimit(rlimit.Map, 1)
	b, err := Open(4096, gov, cfg, reg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if _, ok := b.(Sliceable); ok {
		t.Fatal("Disk backing must not implement Sliceable")
	}
}

func TestAttachReadsExistingOffset(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(dir + "/persist")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(200); err != nil {
		t.Fatal(err)
	}
	want := []byte{9, 9, 9, 9}
	if _, err := f.WriteAt(want, 64); err != nil {
		t.Fatal(err)
	}
	b := Attach(f, 60, 100)
	got := make([]byte, 4)
	if _, err := b.ReadAt(got, 4); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ReadAt via Attach = %v, want %v", got, want)
	}
}

func TestMapBackingReservesDisk(t *testing.T) {
	gov, cfg, reg := testEnv(t)
	gov.SetLimit(rlimit.Memory, 1) // force past Memory into Map
	b, err := Open(1<<16, gov, cfg, reg)
	if err != nil {
		t.Fatal(err)
	}
	if b.Tier() != Map {
		t.Fatalf("Tier() = %v, want Map", b.Tier())
	}
	if gov.Used(rlimit.Disk) != 1<<16 {
		t.Fatalf("Used(Disk) while Map tier open = %d, want %d", gov.Used(rlimit.Disk), 1<<16)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if gov.Used(rlimit.Disk) != 0 {
		t.Fatalf("Used(Disk) after Close = %d, want 0", gov.Used(rlimit.Disk))
	}
	if gov.Used(rlimit.Map) != 0 {
		t.Fatalf("Used(Map) after Close = %d, want 0", gov.Used(rlimit.Map))
	}
}

func TestOpenExhaustedWhenDiskCeilingBlocksMapToo(t *testing.T) {
	gov, cfg, reg := testEnv(t)
	gov.SetLimit(rlimit.Memory, 1)
	gov.SetLimit(rlimit.Disk, 1) // Map is a real file on disk before it's ever mapped; too tight for either tier
	b, err := Open(1<<16, gov, cfg, reg)
	if err == nil {
		defer b.Close()
		t.Fatalf("Open should have been exhausted once Disk itself is too tight for Map's backing file, got tier %v", b.Tier())
	}
}

func TestMapBackingReleasesRegistry(t *testing.T) {
	gov, cfg, reg := testEnv(t)
	gov.SetLimit(rlimit.Memory, 1)
	b, err := Open(4096, gov, cfg, reg)
	if err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry length = %d, want 1", reg.Len())
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry length after Close = %d, want 0", reg.Len())
	}
}
