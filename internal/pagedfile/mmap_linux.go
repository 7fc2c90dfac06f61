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

//go:build linux
// +build linux

package pagedfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapPage maps a read-only region of f starting at off, length n.
// The caller retries on EINTR; any other error is fatal to the page.
func mmapPage(f *os.File, off, n int64) ([]byte, error) {
	for {
		mem, err := unix.Mmap(int(f.Fd()), off, int(n), unix.PROT_READ, unix.MAP_SHARED)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		return mem, nil
	}
}

func munmapPage(mem []byte) error {
	for {
		err := unix.Munmap(mem)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
