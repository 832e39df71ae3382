// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"context"
	"io/fs"
	"iter"
	"time"
)

// EntryInfo is the listing metadata of one stored entry.
type EntryInfo struct {
	Name             string // as stored; directories end with "/"
	CompressedSize   int64
	UncompressedSize int64
	IsDir            bool
	Method           CompressionMethod
	CRC32            uint32
	Modified         time.Time
	Mode             fs.FileMode
}

// Ratio is the space saved by compression in percent, 0 for empty entries.
func (e EntryInfo) Ratio() float64 {
	if e.UncompressedSize <= 0 {
		return 0
	}
	return 100 * (1 - float64(e.CompressedSize)/float64(e.UncompressedSize))
}

func (e storedEntry) info() EntryInfo {
	return EntryInfo{
		Name:             e.filename(),
		CompressedSize:   e.compressedSize,
		UncompressedSize: e.uncompressedSize,
		IsDir:            e.isDir,
		Method:           e.method,
		CRC32:            e.crc32,
		Modified:         e.modTime,
		Mode:             e.mode,
	}
}

// List returns the entries of archive in stored order. The sequence is lazy:
// each range opens the archive and reads its central directory again, so a
// sequence can be ranged over repeatedly. A failure is yielded once as the
// last element.
func (e *Engine) List(ctx context.Context, archive string) iter.Seq2[EntryInfo, error] {
	return func(yield func(EntryInfo, error) bool) {
		f, zr, err := e.openArchive(archive)
		if err != nil {
			yield(EntryInfo{}, err)
			return
		}
		defer f.Close()

		for entry, err := range zr.entries(ctx) {
			if err != nil {
				yield(EntryInfo{}, classify(KindSourceUnreadable, "list", archive, err))
				return
			}
			if !yield(entry.info(), nil) {
				return
			}
		}
	}
}

// ListTotals summarises a listing.
type ListTotals struct {
	Files            int
	Dirs             int
	UncompressedSize int64
	CompressedSize   int64
}

// Add accounts for one entry.
func (t *ListTotals) Add(info EntryInfo) {
	if info.IsDir {
		t.Dirs++
	} else {
		t.Files++
	}
	t.UncompressedSize += info.UncompressedSize
	t.CompressedSize += info.CompressedSize
}

// Ratio is the overall space saved in percent.
func (t ListTotals) Ratio() float64 {
	return EntryInfo{UncompressedSize: t.UncompressedSize, CompressedSize: t.CompressedSize}.Ratio()
}
