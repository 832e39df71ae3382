//go:build linux || darwin || freebsd

// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"errors"
	"os"

	"github.com/tysonmote/gommap"
)

var errMmapUnsupported = errors.New("memory mapping is not supported on this platform")

// defaultMapper maps a file region privately for sequential reads. The
// offset is aligned down to the page size and the head trimmed off again.
func defaultMapper(f *os.File, offset, length int64) ([]byte, func() error, error) {
	page := int64(os.Getpagesize())
	aligned := offset &^ (page - 1)
	delta := offset - aligned

	m, err := gommap.MapRegion(f.Fd(), aligned, length+delta, gommap.PROT_READ, gommap.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	// Advice is a hint; the mapping stays valid if the kernel refuses it.
	_ = m.Advise(gommap.MADV_SEQUENTIAL)

	return m[delta:], m.UnsafeUnmap, nil
}
