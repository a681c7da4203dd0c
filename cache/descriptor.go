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

// Package cache implements the per-image pixel cache descriptor: the
// tiered backing an image's pixels live in, the per-thread nexus array
// used to stage regions in and out of that backing, reference counting
// and copy-on-write, and the virtual-pixel sampler for out-of-bounds
// reads.
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pixcache/pixcache/cerr"
	"github.com/pixcache/pixcache/internal/packet"
	"github.com/pixcache/pixcache/log"
	"github.com/pixcache/pixcache/policy"
	"github.com/pixcache/pixcache/rlimit"
	"github.com/pixcache/pixcache/rng"
	"github.com/pixcache/pixcache/tier"
	"github.com/pixcache/pixcache/tmpfile"
	"github.com/pixcache/pixcache/vpixel"
)

// Mode selects whether a descriptor's backing is opened read-only or
// read-write.
type Mode int

const (
	ReadMode Mode = iota
	ReadWriteMode
)

// ClipMask decides, per pixel, whether a synthetic write should land or
// the tier's existing value should be kept. It is consulted by
// SyncAuthentic before a synthetic nexus is flushed.
type ClipMask interface {
	Clip(x, y int64) bool
}

// SoftMask supplies a per-pixel Porter-Duff "Over" blend weight, in
// [0,maximum quantum value], consulted the same way as ClipMask.
type SoftMask interface {
	Alpha(x, y int64) packet.Quantum
}

// Descriptor is one image's pixel cache: its geometry, storage tier, the
// nexus array its worker threads stage regions through, and the state
// needed for copy-on-write and virtual-pixel sampling.
type Descriptor struct {
	mu       sync.Mutex // protects refcount, mode, policy and COW
	refcount int32

	geometry   packet.Geometry
	class      packet.StorageClass
	colorSpace packet.ColorSpace
	mode       Mode
	isPing     bool

	backing      tier.Backing
	tierKind     tier.Tier
	areaReserved int64 // rlimit.Area units held by backing; released in open/Destroy

	policy     vpixel.Method
	background packet.Pixel
	rand       *rng.Source

	clipMask ClipMask
	softMask SoftMask

	nexuses []*Nexus

	coalesceMu sync.Mutex
	coalesce   coalescer
	stats      Stats

	gov rlimit.Governor
	cfg *policy.Config
	reg *tmpfile.Registry
	log log.Logger
}

// Nexus is one thread's staging area for a region of a descriptor: either
// an alias directly into the backing (the "authentic shortcut") or a
// standalone buffer populated by readPixels/readIndexes and flushed
// by SyncAuthentic.
type Nexus struct {
	region    packet.Rect
	authentic bool
	pixels    []byte
	indexes   []byte
}

// Acquire allocates a new descriptor: geometry/class/colorspace are fixed
// for its lifetime (a change in morphology goes through Reopen), refcount
// starts at 1, and the nexus array is sized to the largest of the
// caller's thread-count hint, the policy's configured thread ceiling, and
// the resource governor's thread limit.
func Acquire(threads int, geom packet.Geometry, class packet.StorageClass, cs packet.ColorSpace, gov rlimit.Governor, cfg *policy.Config, reg *tmpfile.Registry, logger log.Logger) (*Descriptor, error) {
	if err := markAcquisition(cfg); err != nil {
		return nil, err
	}
	n := threads
	if cfg.Thread > int64(n) {
		n = int(cfg.Thread)
	}
	if lim := gov.Limit(rlimit.Thread); lim > 0 && lim > int64(n) {
		n = int(lim)
	}
	if n < 1 {
		n = 1
	}
	if logger == nil {
		logger = log.Discard
	}
	d := &Descriptor{
		geometry:   geom,
		class:      class,
		colorSpace: cs,
		refcount:   1,
		tierKind:   tier.Undefined,
		nexuses:    make([]*Nexus, n),
		rand:       &rng.Source{},
		gov:        gov,
		cfg:        cfg,
		reg:        reg,
		log:        logger,
	}
	for i := range d.nexuses {
		d.nexuses[i] = &Nexus{}
	}
	return d, nil
}

// Open ensures a backing exists for the descriptor's current geometry,
// picking the storage tier via tier.Open (or forcing tier=Ping when the
// descriptor was marked ping-only).
func (d *Descriptor) Open(mode Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open(mode)
}

func (d *Descriptor) open(mode Mode) error {
	if d.backing != nil {
		d.backing.Close()
		d.backing = nil
	}
	if d.areaReserved > 0 {
		d.gov.Release(rlimit.Area, d.areaReserved)
		d.areaReserved = 0
	}
	length, err := d.geometry.Length(d.class, d.colorSpace)
	if err != nil {
		return cerr.Path(fmt.Errorf("%w: %v", cerr.ErrAllocationFailed, err), "")
	}
	if !d.gov.Acquire(rlimit.Area, length) {
		return cerr.ErrAllocationFailed
	}
	openLen := length
	if d.isPing {
		openLen = 0
	}
	b, err := tier.Open(openLen, d.gov, d.cfg, d.reg)
	if err != nil {
		d.gov.Release(rlimit.Area, length)
		return cerr.Path(fmt.Errorf("%w: %v", cerr.ErrUnableToOpen, err), "")
	}
	d.backing = b
	d.tierKind = b.Tier()
	d.areaReserved = length
	d.mode = mode
	return nil
}

// Reference increments the descriptor's reference count.
func (d *Descriptor) Reference() {
	d.mu.Lock()
	d.refcount++
	d.mu.Unlock()
}

// Destroy decrements the reference count; at zero it releases the
// backing (and the rlimit.Area reservation Open made for it), the nexus
// array and the per-descriptor random source.
func (d *Descriptor) Destroy() {
	d.mu.Lock()
	d.refcount--
	rc := d.refcount
	d.mu.Unlock()
	if rc > 0 {
		return
	}
	if d.backing != nil {
		if err := d.backing.Close(); err != nil {
			d.log.Printf("cache: closing backing: %v", err)
		}
		d.backing = nil
	}
	if d.areaReserved > 0 {
		d.gov.Release(rlimit.Area, d.areaReserved)
		d.areaReserved = 0
	}
	d.tierKind = tier.Undefined
	d.nexuses = nil
	d.rand = nil
}

// SetVirtualMethod installs a new out-of-bounds sampling policy and
// returns the previous one.
func (d *Descriptor) SetVirtualMethod(m vpixel.Method) vpixel.Method {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.policy
	d.policy = m
	return prev
}

// SetBackground sets the constant color used by the Background/Constant
// virtual-pixel policies.
func (d *Descriptor) SetBackground(px packet.Pixel) {
	d.mu.Lock()
	d.background = px
	d.mu.Unlock()
}

// SetMasks installs the clip/soft masks consulted by SyncAuthentic;
// either may be nil.
func (d *Descriptor) SetMasks(clip ClipMask, soft SoftMask) {
	d.mu.Lock()
	d.clipMask = clip
	d.softMask = soft
	d.mu.Unlock()
}

func (d *Descriptor) activeIndex() bool {
	return packet.ActiveIndexChannel(d.class, d.colorSpace)
}

// Unify implements get_image_pixel_cache(image, clone=true): the entry
// point before an image mutates its pixels. If the descriptor is shared
// (refcount>1) or open read-only, a ReadWrite clone is opened, pixels are
// copy-forwarded via ClonePixels, the original descriptor is released,
// and the clone is returned as the descriptor the caller's image should
// hold from now on. Otherwise d is returned unchanged.
func Unify(d *Descriptor) (*Descriptor, error) {
	d.mu.Lock()
	shared := d.refcount > 1 || d.mode == ReadMode
	d.mu.Unlock()
	if !shared {
		return d, nil
	}
	clone := Clone(d)
	if err := clone.Open(ReadWriteMode); err != nil {
		return nil, err
	}
	if err := ClonePixels(clone, d); err != nil {
		clone.Destroy()
		return nil, err
	}
	d.Destroy()
	return clone, nil
}

// Clone returns a shallow clone of src: same geometry, class, colorspace,
// virtual-pixel policy and background, but no backing (tier=Undefined)
// and its own per-descriptor random source, matching the fix for the
// shared-reservoir contention bug the original random service had.
func Clone(src *Descriptor) *Descriptor {
	src.mu.Lock()
	defer src.mu.Unlock()
	d := &Descriptor{
		geometry:   src.geometry,
		class:      src.class,
		colorSpace: src.colorSpace,
		isPing:     src.isPing,
		refcount:   1,
		tierKind:   tier.Undefined,
		policy:     src.policy,
		background: src.background,
		rand:       &rng.Source{},
		clipMask:   src.clipMask,
		softMask:   src.softMask,
		nexuses:    make([]*Nexus, len(src.nexuses)),
		gov:        src.gov,
		cfg:        src.cfg,
		reg:        src.reg,
		log:        src.log,
	}
	for i := range d.nexuses {
		d.nexuses[i] = &Nexus{}
	}
	return d
}

// Reopen re-validates morphology after an external geometry/class/
// colorspace change on an already-open descriptor: after unification,
// morphology is revalidated, so the current backing
// is closed — releasing any Disk fd immediately rather than waiting on
// the file-descriptor guard — and a fresh ReadWrite backing is opened for
// the new shape.
func (d *Descriptor) Reopen(geom packet.Geometry, class packet.StorageClass, cs packet.ColorSpace) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.geometry, d.class, d.colorSpace = geom, class, cs
	return d.open(ReadWriteMode)
}

// process-wide throttle/time-ceiling state: these two
// knobs are read once from policy/environment and apply across every
// descriptor in the process, not per-descriptor.
var (
	startOnce      sync.Once
	startTime      time.Time
	acquireCounter int64
)

func markAcquisition(cfg *policy.Config) error {
	startOnce.Do(func() { startTime = time.Now() })
	n := atomic.AddInt64(&acquireCounter, 1)
	if cfg.Throttle > 0 && n%32 == 0 {
		time.Sleep(time.Duration(cfg.Throttle) * time.Millisecond)
	}
	if cfg.Time > 0 && time.Since(startTime) > time.Duration(cfg.Time)*time.Second {
		return cerr.Fatal("wall-time ceiling exceeded", nil)
	}
	return nil
}
