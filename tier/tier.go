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

// Package tier implements the storage backings a cache descriptor falls
// through in order: Memory, Map and Disk, plus the zero-storage Ping
// backing used for transient caches that are never persisted.
package tier

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pixcache/pixcache/cerr"
	"github.com/pixcache/pixcache/policy"
	"github.com/pixcache/pixcache/rlimit"
	"github.com/pixcache/pixcache/tmpfile"
)

// Tier names a storage backing.
type Tier int

const (
	Undefined Tier = iota
	// Ping backs a cache that never stores pixels; reads return zeroed
	// data and writes are discarded, matching a caller that only wants
	// to validate geometry without paying for storage.
	Ping
	// Memory is a heap-allocated backing.
	Memory
	// Map is a memory-mapped disk file.
	Map
	// Disk is a disk file accessed with positional reads/writes, with no
	// virtual-address mapping.
	Disk
)

func (t Tier) String() string {
	switch t {
	case Ping:
		return "Ping"
	case Memory:
		return "Memory"
	case Map:
		return "Map"
	case Disk:
		return "Disk"
	default:
		return "Undefined"
	}
}

// Backing is a fixed-length, randomly addressable byte store.
type Backing interface {
	Tier() Tier
	Len() int64
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	// Close releases the backing's resources (heap memory, mapping, file
	// descriptor and, for Map/Disk, the temporary file itself) and
	// releases the rlimit.Governor reservation that Open acquired.
	Close() error
}

// Sliceable is implemented by backings whose bytes are directly
// addressable in this process (Memory and Map). The cache package's
// nexus "authentic shortcut" uses this to alias a region of the backing
// directly instead of copying it into a staging buffer; Disk and Ping
// backings do not implement it, which is exactly the set of tiers the
// shortcut excludes.
type Sliceable interface {
	Slice(off, length int64) []byte
}

// Open selects a backing for length bytes, trying progressively heavier
// tiers until one succeeds: Memory (a plain Go allocation, governed by
// rlimit.Memory), then Map (an mmap'd temporary file, governed by both
// rlimit.Disk — it is a real file on disk before it is ever mapped — and
// rlimit.Map), then Disk (an unmapped temporary file, governed by
// rlimit.Disk alone). Each attempt that fails resource admission falls
// through to the next tier instead of erroring immediately; only
// exhaustion of every tier is reported to the caller.
func Open(length int64, gov rlimit.Governor, cfg *policy.Config, reg *tmpfile.Registry) (Backing, error) {
	if length == 0 {
		return newPingBacking(), nil
	}
	if gov.Acquire(rlimit.Memory, length) {
		return newMemoryBacking(length, gov), nil
	}
	if gov.Acquire(rlimit.Disk, length) {
		if gov.Acquire(rlimit.Map, length) {
			b, err := openMapBacking(length, gov, cfg, reg)
			if err == nil {
				return b, nil
			}
			gov.Release(rlimit.Map, length)
			gov.Release(rlimit.Disk, length)
		} else {
			b, err := openDiskBacking(length, gov, cfg, reg)
			if err == nil {
				return b, nil
			}
			gov.Release(rlimit.Disk, length)
		}
	}
	return nil, cerr.ErrResourcesExhausted
}

// pingBacking is the zero-storage backing.
type pingBacking struct{}

func newPingBacking() Backing { return pingBacking{} }

func (pingBacking) Tier() Tier   { return Ping }
func (pingBacking) Len() int64   { return 0 }
func (pingBacking) Close() error { return nil }
func (pingBacking) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
func (pingBacking) WriteAt(p []byte, off int64) (int, error) { return len(p), nil }

// memoryBacking wraps a plain heap allocation.
type memoryBacking struct {
	buf []byte
	gov rlimit.Governor
}

func newMemoryBacking(length int64, gov rlimit.Governor) Backing {
	return &memoryBacking{buf: make([]byte, length), gov: gov}
}

func (m *memoryBacking) Tier() Tier { return Memory }
func (m *memoryBacking) Len() int64 { return int64(len(m.buf)) }

func (m *memoryBacking) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.buf)) {
		return 0, fmt.Errorf("tier: ReadAt offset %d out of range", off)
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memoryBacking) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.buf)) {
		return 0, fmt.Errorf("tier: WriteAt offset %d out of range", off)
	}
	n := copy(m.buf[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (m *memoryBacking) Close() error {
	n := int64(len(m.buf))
	m.buf = nil
	m.gov.Release(rlimit.Memory, n)
	return nil
}

func (m *memoryBacking) Slice(off, length int64) []byte {
	return m.buf[off : off+length]
}

// mapBacking is an mmap'd temporary file. On platforms where the mapping
// survives the descriptor's closure (the unix family), the backing file
// descriptor is closed immediately after the mapping succeeds: the pages
// stay resident via the kernel's page cache and the fd is only needed
// again, by path, to unlink the temporary file on Close. This keeps a
// large Map-tier population from exhausting the process's file-descriptor
// ceiling the way an equally large Disk-tier population would.
type mapBacking struct {
	f    *os.File // nil once the platform lets the fd be closed early
	path string
	reg  *tmpfile.Registry
	gov  rlimit.Governor
	mem  []byte
	size int64
}

func openMapBacking(length int64, gov rlimit.Governor, cfg *policy.Config, reg *tmpfile.Registry) (Backing, error) {
	f, err := reg.Create(cfg.TemporaryPath)
	if err != nil {
		return nil, cerr.Fatal("tier: creating map-tier backing file", err)
	}
	path := f.Name()
	if err := resizeFile(f, length); err != nil {
		reg.Delete(path)
		f.Close()
		return nil, cerr.Fatal("tier: extending map-tier backing file", err)
	}
	mem, err := mmapFile(f, length, false)
	if err != nil {
		reg.Delete(path)
		f.Close()
		return nil, cerr.Fatal("tier: mapping map-tier backing file", err)
	}
	f = closeMapFD(f)
	return &mapBacking{f: f, path: path, reg: reg, gov: gov, mem: mem, size: length}, nil
}

func (m *mapBacking) Tier() Tier { return Map }
func (m *mapBacking) Len() int64 { return m.size }

func (m *mapBacking) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > m.size {
		return 0, fmt.Errorf("tier: ReadAt offset %d out of range", off)
	}
	n := copy(p, m.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *mapBacking) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > m.size {
		return 0, fmt.Errorf("tier: WriteAt offset %d out of range", off)
	}
	n := copy(m.mem[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (m *mapBacking) Slice(off, length int64) []byte {
	return m.mem[off : off+length]
}

func (m *mapBacking) Close() error {
	err := munmapFile(m.f, m.mem)
	m.mem = nil
	var closeErr error
	if m.f != nil {
		closeErr = m.f.Close()
	}
	m.reg.Delete(m.path)
	m.gov.Release(rlimit.Map, m.size)
	m.gov.Release(rlimit.Disk, m.size)
	if err != nil {
		return err
	}
	return closeErr
}

// diskBacking is an unmapped temporary file accessed with positional I/O.
// It is used when the cache geometry is too large to map (or the platform
// has no virtual memory to spare) but disk space is still available.
//
// Every open descriptor also holds one unit of rlimit.File. When that
// ceiling is under pressure, diskBacking closes its fd opportunistically
// after each transfer and reopens it, lazily, on the next one (the
// file-descriptor-limit guard from SPEC_FULL.md's recovered feature
// list) rather than holding a fd open for every cache that has ever
// touched the Disk tier.
type diskBacking struct {
	mu   sync.Mutex
	f    *os.File // nil when the guard has closed it between transfers
	path string
	reg  *tmpfile.Registry
	gov  rlimit.Governor
	size int64
}

func openDiskBacking(length int64, gov rlimit.Governor, cfg *policy.Config, reg *tmpfile.Registry) (Backing, error) {
	f, err := reg.Create(cfg.TemporaryPath)
	if err != nil {
		return nil, cerr.Fatal("tier: creating disk-tier backing file", err)
	}
	path := f.Name()
	if err := resizeFile(f, length); err != nil {
		reg.Delete(path)
		f.Close()
		return nil, cerr.Fatal("tier: extending disk-tier backing file", err)
	}
	if !gov.Acquire(rlimit.File, 1) {
		reg.Delete(path)
		f.Close()
		return nil, cerr.ErrResourcesExhausted
	}
	return &diskBacking{f: f, path: path, reg: reg, gov: gov, size: length}, nil
}

func (d *diskBacking) Tier() Tier { return Disk }
func (d *diskBacking) Len() int64 { return d.size }

// reopen ensures d.f is open and d.gov holds one unit of rlimit.File for
// it, reopening the backing file by path if a prior guardFD call closed
// it. Must be called with d.mu held.
func (d *diskBacking) reopen() error {
	if d.f != nil {
		return nil
	}
	f, err := os.OpenFile(d.path, os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	if !d.gov.Acquire(rlimit.File, 1) {
		f.Close()
		return cerr.ErrResourcesExhausted
	}
	d.f = f
	return nil
}

// guardFD opportunistically closes d.f after a transfer if doing so would
// bring rlimit.File back under its configured ceiling. Must be called
// with d.mu held.
func (d *diskBacking) guardFD() {
	limit := d.gov.Limit(rlimit.File)
	if limit <= 0 || d.gov.Used(rlimit.File) < limit {
		return
	}
	d.f.Close()
	d.f = nil
	d.gov.Release(rlimit.File, 1)
}

func (d *diskBacking) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.reopen(); err != nil {
		return 0, err
	}
	n, err := d.f.ReadAt(p, off)
	d.guardFD()
	return n, err
}

func (d *diskBacking) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.reopen(); err != nil {
		return 0, err
	}
	n, err := d.f.WriteAt(p, off)
	d.guardFD()
	return n, err
}

func (d *diskBacking) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.f != nil {
		err = d.f.Close()
		d.gov.Release(rlimit.File, 1)
	}
	d.reg.Delete(d.path)
	d.gov.Release(rlimit.Disk, d.size)
	return err
}

// Attach wraps an already-open file as a Backing at a fixed byte offset,
// for attaching to a persisted cache file: the caller has independent
// knowledge that path+offset holds a
// previously-written cache of this exact geometry/class/colorspace. Unlike
// Open's backings, Attach neither creates nor deletes a temporary file —
// Close only closes the fd, leaving the file and its other attachments
// (the caller may pack several caches into one file, back to back) alone.
func Attach(f *os.File, offset, length int64) Backing {
	return &attachedBacking{f: f, base: offset, size: length}
}

type attachedBacking struct {
	f    *os.File
	base int64
	size int64
}

func (a *attachedBacking) Tier() Tier { return Disk }
func (a *attachedBacking) Len() int64 { return a.size }

func (a *attachedBacking) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > a.size {
		return 0, fmt.Errorf("tier: ReadAt offset %d out of range", off)
	}
	return a.f.ReadAt(p, a.base+off)
}

func (a *attachedBacking) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > a.size {
		return 0, fmt.Errorf("tier: WriteAt offset %d out of range", off)
	}
	return a.f.WriteAt(p, a.base+off)
}

func (a *attachedBacking) Close() error { return a.f.Close() }
