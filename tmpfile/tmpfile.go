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

// Package tmpfile creates and tracks the temporary files backing the
// Disk and Map storage tiers, and provides an allocation-free way to
// unlink every tracked file that is safe to call from a signal handler.
package tmpfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pixcache/pixcache/rng"
)

// Registry tracks every temporary file created by this process so that
// Registry.UnlinkAll can remove them all on shutdown, including abnormal
// shutdown via a signal.
type Registry struct {
	mu    sync.Mutex
	paths map[string]struct{}
	// scratch is reused by UnlinkAll so that snapshotting the registry
	// under the lock performs no allocation once warmed up.
	scratch []string
}

// NewRegistry returns an empty temporary-file registry.
func NewRegistry() *Registry {
	return &Registry{paths: make(map[string]struct{})}
}

// Create opens a new unique temporary file in dir (or the OS default
// temporary directory if dir is empty) named "magick-<pid>" followed by 12
// random characters drawn from the portable filename charset, and
// registers it. The file is opened O_RDWR|O_CREATE|O_EXCL|O_NOFOLLOW, mode 0600.
func (r *Registry) Create(dir string) (*os.File, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	const attempts = 16
	var lastErr error
	for i := 0; i < attempts; i++ {
		name := fmt.Sprintf("magick-%d%s", os.Getpid(), rng.TempSuffix(12))
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL|noFollowFlag, 0600)
		if err == nil {
			r.register(path)
			return f, nil
		}
		lastErr = err
		if !os.IsExist(err) {
			break
		}
	}
	return nil, fmt.Errorf("tmpfile: creating unique file in %s: %w", dir, lastErr)
}

func (r *Registry) register(path string) {
	r.mu.Lock()
	r.paths[path] = struct{}{}
	r.mu.Unlock()
}

// Forget removes path from the registry without unlinking it (the caller
// has already deleted it, e.g. when closing a Read-mode tier that never
// owned the file).
func (r *Registry) Forget(path string) {
	r.mu.Lock()
	delete(r.paths, path)
	r.mu.Unlock()
}

// Delete unlinks path and removes it from the registry.
func (r *Registry) Delete(path string) error {
	r.mu.Lock()
	delete(r.paths, path)
	r.mu.Unlock()
	return os.Remove(path)
}

// UnlinkAll removes every file still tracked by the registry. It performs
// no heap allocation beyond the first call (the snapshot slice is reused),
// so it is safe to invoke from a signal handler installed by the host
// program as its async-safe termination hook.
func (r *Registry) UnlinkAll() {
	r.mu.Lock()
	r.scratch = r.scratch[:0]
	for p := range r.paths {
		r.scratch = append(r.scratch, p)
	}
	snapshot := r.scratch
	r.mu.Unlock()
	for _, p := range snapshot {
		os.Remove(p)
	}
}

// Len reports the number of files currently tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}
