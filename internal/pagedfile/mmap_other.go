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

//go:build !linux
// +build !linux

package pagedfile

import "os"

// mmapPage on non-Linux platforms falls back to a plain buffered
// read of the page; there is no portable mmap primitive in this
// repository's dependency set outside the linux build tag.
func mmapPage(f *os.File, off, n int64) ([]byte, error) {
	buf := make([]byte, n)
	_, err := f.ReadAt(buf, off)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func munmapPage(mem []byte) error {
	return nil
}
