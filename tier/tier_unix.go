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

//go:build linux || darwin || freebsd || netbsd || openbsd || solaris || aix || dragonfly

package tier

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func mmapFile(f *os.File, size int64, ro bool) ([]byte, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if ro {
		prot = unix.PROT_READ
	}
	return unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
}

func munmapFile(f *os.File, buf []byte) error {
	return unix.Munmap(buf)
}

// closeMapFD closes f once its mapping is established: on the unix family
// the mapping holds its own reference to the underlying pages independent
// of the descriptor, so the fd can be released back to the process's
// rlimit.File budget immediately.
func closeMapFD(f *os.File) *os.File {
	f.Close()
	return nil
}

// resizeFile extends f to size, preferring a real space reservation
// (fallocate) over a sparse truncate so that a later write cannot fail
// with ENOSPC after the cache has already reported the backing as live.
// Filesystems that reject fallocate (network mounts, some tmpfs variants)
// fall back to Truncate, the same fallback posix_fallocate callers use
// when it returns EOPNOTSUPP.
func resizeFile(f *os.File, size int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EINVAL) {
		return f.Truncate(size)
	}
	return err
}
