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

// Package cerr defines the sentinel errors returned by the pixel cache
// and its supporting packages.
package cerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for each error kind described by the cache's error
// handling design. Use errors.Is to test for a particular kind; the cache
// never swallows an I/O error, so every failing path returns one of these
// (possibly wrapped with path/region context via fmt.Errorf("...: %w", ...)).
var (
	ErrResourcesExhausted = errors.New("pixcache: cache resources exhausted")
	ErrAllocationFailed   = errors.New("pixcache: memory allocation failed")

	ErrUnableToOpen   = errors.New("pixcache: unable to open pixel cache")
	ErrUnableToRead   = errors.New("pixcache: unable to read pixel cache")
	ErrUnableToWrite  = errors.New("pixcache: unable to write pixel cache")
	ErrUnableToExtend = errors.New("pixcache: unable to extend cache")
	ErrUnableToClone  = errors.New("pixcache: unable to clone cache")

	ErrNoPixelsDefined  = errors.New("pixcache: no pixels defined in cache")
	ErrNotAuthentic     = errors.New("pixcache: pixels are not authentic")
	ErrUnableToGetNexus = errors.New("pixcache: unable to get cache nexus")

	ErrDistributedCache = errors.New("pixcache: distributed pixel cache error")
	ErrNotAuthorized    = errors.New("pixcache: not authorized")
)

// FatalError wraps a condition that the design treats as unrecoverable —
// a wall-clock ceiling overrun or a process-wide initialization failure.
// The library never calls os.Exit itself; it is the caller's job to decide
// how to terminate when a FatalError surfaces.
type FatalError struct {
	Reason string
	Err    error
}

func (f *FatalError) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("pixcache: fatal: %s: %s", f.Reason, f.Err)
	}
	return fmt.Sprintf("pixcache: fatal: %s", f.Reason)
}

func (f *FatalError) Unwrap() error { return f.Err }

// Fatal constructs a *FatalError for the given reason.
func Fatal(reason string, err error) error {
	return &FatalError{Reason: reason, Err: err}
}

// Path annotates err with the filename/resource path that produced it,
// preserving errors.Is/As compatibility with the wrapped sentinel.
func Path(err error, path string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", err, path)
}
