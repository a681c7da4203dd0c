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

// Package rlimit defines the bounded-resource-counter interface the cache
// uses to decide which storage tier to open, and supplies a process-local
// implementation of it. A production deployment may substitute any type
// satisfying Governor (e.g. one backed by a cluster-wide quota service);
// the cache only ever calls Acquire/Release in matched pairs, never
// assumes a particular backing implementation.
package rlimit

import (
	"sync"

	"github.com/pixcache/pixcache/policy"
)

// Resource identifies one of the bounded counters the cache acquires
// against before committing to a storage tier.
type Resource int

const (
	Area Resource = iota
	Memory
	Map
	Disk
	File
	Thread
	Time
)

func (r Resource) String() string {
	switch r {
	case Area:
		return "area"
	case Memory:
		return "memory"
	case Map:
		return "map"
	case Disk:
		return "disk"
	case File:
		return "file"
	case Thread:
		return "thread"
	case Time:
		return "time"
	default:
		return "unknown"
	}
}

// Governor is the resource-accounting interface the tier package consumes.
// Acquire returns false (without taking the resource) if granting it would
// exceed the configured ceiling; a ceiling of 0 means unlimited. Every
// successful Acquire must be paired with exactly one Release on every exit
// path, including error paths — the cache relies on this invariant to keep
// the counters accurate across retries and tier fallbacks.
type Governor interface {
	Acquire(r Resource, n int64) bool
	Release(r Resource, n int64)
	Used(r Resource) int64
	Limit(r Resource) int64
}

// Local is a process-local Governor backed by atomic bounded counters.
// It is sufficient to drive tier fallback and the file-descriptor guard in
// tests and single-process deployments.
type Local struct {
	mu     sync.Mutex
	limits [Time + 1]int64
	used   [Time + 1]int64
}

// New builds a Local governor from the resolved policy configuration.
func New(cfg *policy.Config) *Local {
	l := &Local{}
	l.limits[Area] = cfg.Area
	l.limits[Memory] = cfg.Memory
	l.limits[Map] = cfg.Map
	l.limits[Disk] = cfg.Disk
	l.limits[File] = cfg.File
	l.limits[Thread] = cfg.Thread
	l.limits[Time] = cfg.Time
	return l
}

// Acquire reserves n units of r, failing if the ceiling would be exceeded.
func (l *Local) Acquire(r Resource, n int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit := l.limits[r]
	if limit > 0 && l.used[r]+n > limit {
		return false
	}
	l.used[r] += n
	return true
}

// Release returns n units of r to the pool.
func (l *Local) Release(r Resource, n int64) {
	l.mu.Lock()
	l.used[r] -= n
	if l.used[r] < 0 {
		l.used[r] = 0
	}
	l.mu.Unlock()
}

// Used reports the current reservation for r.
func (l *Local) Used(r Resource) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used[r]
}

// Limit reports the configured ceiling for r (0 meaning unlimited).
func (l *Local) Limit(r Resource) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits[r]
}

// SetLimit adjusts the ceiling for r at runtime; tests use this to force
// a tier to fall back, e.g. dropping Memory and Map to a ceiling below
// the region being opened forces a fall back to Disk.
func (l *Local) SetLimit(r Resource, n int64) {
	l.mu.Lock()
	l.limits[r] = n
	l.mu.Unlock()
}
