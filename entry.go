// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"encoding/binary"
	"io/fs"
	"math"
	"strings"
	"time"

	"github.com/lemon4ksan/zipflow/internal"
	"github.com/lemon4ksan/zipflow/internal/sys"
)

// LatestZipVersion is the ZIP specification version recorded as "made by".
const LatestZipVersion uint16 = 63

// EntryKind classifies walked entries.
type EntryKind uint8

const (
	KindFile EntryKind = iota
	KindDir
	KindSymlink
	// KindSpecial covers devices, pipes and sockets. They are reported
	// as unsupported instead of being silently skipped.
	KindSpecial
)

func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	}
	return "special"
}

// ArchiveEntry is one walked file, directory or link. It is created by the
// walker and passed by value afterwards.
type ArchiveEntry struct {
	Name    string // archive name, slash separated, no trailing slash
	Path    string // source path on the walked filesystem
	Size    int64  // uncompressed size, zero for directories
	Mode    fs.FileMode
	ModTime time.Time
	Kind    EntryKind
	Target  string // link target for symlinks
	Level   int    // compression level 0-9
	Err     error  // walk error; the entry becomes a failed result
}

// IsDir reports whether the entry is a directory.
func (e ArchiveEntry) IsDir() bool { return e.Kind == KindDir }

// fileHeader is the metadata written for one archive entry.
type fileHeader struct {
	name             string // without the trailing directory slash
	isDir            bool
	mode             fs.FileMode
	modTime          time.Time
	method           CompressionMethod
	flags            uint16
	crc32            uint32
	compressedSize   int64
	uncompressedSize int64
	offset           int64
	extra            map[uint16][]byte // carried over from an existing archive
}

func (h *fileHeader) filename() string {
	if h.isDir {
		return h.name + "/"
	}
	return h.name
}

func (h *fileHeader) requiresZip64() bool {
	return h.compressedSize > math.MaxUint32 ||
		h.uncompressedSize > math.MaxUint32 ||
		h.offset > math.MaxUint32
}

// bitFlag always sets bit 11: names are UTF-8. Bit 3 is cleared because
// sizes and CRC are known before the local header is written.
func (h *fileHeader) bitFlag() uint16 {
	return (h.flags | 0x800) &^ 0x8
}

func (h *fileHeader) versionNeeded() uint16 {
	switch {
	case h.method == ZStandard:
		return 63
	case h.requiresZip64():
		return 45
	case h.method == Deflated, h.isDir, strings.Contains(h.name, "/"):
		return 20
	}
	return 10
}

func (h *fileHeader) localHeader() internal.LocalFileHeader {
	dosDate, dosTime := timeToMsDos(h.modTime)
	filename := h.filename()
	extra := h.localExtra()

	return internal.LocalFileHeader{
		VersionNeededToExtract: h.versionNeeded(),
		GeneralPurposeBitFlag:  h.bitFlag(),
		CompressionMethod:      uint16(h.method),
		LastModFileTime:        dosTime,
		LastModFileDate:        dosDate,
		CRC32:                  h.crc32,
		CompressedSize:         uint32(min(math.MaxUint32, h.compressedSize)),
		UncompressedSize:       uint32(min(math.MaxUint32, h.uncompressedSize)),
		FilenameLength:         uint16(len(filename)),
		ExtraFieldLength:       uint16(len(extra)),
		Filename:               filename,
		ExtraField:             extra,
	}
}

func (h *fileHeader) centralDirEntry() internal.CentralDirectory {
	dosDate, dosTime := timeToMsDos(h.modTime)
	filename := h.filename()

	extra := make(map[uint16][]byte, len(h.extra)+1)
	for tag, data := range h.extra {
		if tag != internal.Zip64ExtraFieldTag {
			extra[tag] = data
		}
	}
	if h.requiresZip64() {
		extra[internal.Zip64ExtraFieldTag] = h.zip64Extra()
	}
	var extraLen int
	for _, data := range extra {
		extraLen += len(data)
	}

	return internal.CentralDirectory{
		VersionMadeBy:          uint16(sys.ArchiveHostSystem)<<8 | LatestZipVersion,
		VersionNeededToExtract: h.versionNeeded(),
		GeneralPurposeBitFlag:  h.bitFlag(),
		CompressionMethod:      uint16(h.method),
		LastModFileTime:        dosTime,
		LastModFileDate:        dosDate,
		CRC32:                  h.crc32,
		CompressedSize:         uint32(min(math.MaxUint32, h.compressedSize)),
		UncompressedSize:       uint32(min(math.MaxUint32, h.uncompressedSize)),
		FilenameLength:         uint16(len(filename)),
		ExtraFieldLength:       uint16(extraLen),
		ExternalFileAttributes: sys.ExternalAttributes(h.mode),
		LocalHeaderOffset:      uint32(min(math.MaxUint32, h.offset)),
		Filename:               filename,
		ExtraField:             extra,
	}
}

// localExtra carries the 64-bit sizes when they overflow, followed by any
// fields carried over from an existing archive.
func (h *fileHeader) localExtra() []byte {
	var buf []byte
	if h.uncompressedSize > math.MaxUint32 || h.compressedSize > math.MaxUint32 {
		buf = make([]byte, 20)
		binary.LittleEndian.PutUint16(buf[0:2], internal.Zip64ExtraFieldTag)
		binary.LittleEndian.PutUint16(buf[2:4], 16)
		binary.LittleEndian.PutUint64(buf[4:12], uint64(h.uncompressedSize))
		binary.LittleEndian.PutUint64(buf[12:20], uint64(h.compressedSize))
	}
	for _, tag := range sortedTags(h.extra) {
		if tag != internal.Zip64ExtraFieldTag {
			buf = append(buf, h.extra[tag]...)
		}
	}
	return buf
}

// zip64Extra holds only the values that overflow, in the order the format
// prescribes.
func (h *fileHeader) zip64Extra() []byte {
	data := make([]byte, 4, 28)
	binary.LittleEndian.PutUint16(data[0:2], internal.Zip64ExtraFieldTag)

	if h.uncompressedSize > math.MaxUint32 {
		data = binary.LittleEndian.AppendUint64(data, uint64(h.uncompressedSize))
	}
	if h.compressedSize > math.MaxUint32 {
		data = binary.LittleEndian.AppendUint64(data, uint64(h.compressedSize))
	}
	if h.offset > math.MaxUint32 {
		data = binary.LittleEndian.AppendUint64(data, uint64(h.offset))
	}

	binary.LittleEndian.PutUint16(data[2:4], uint16(len(data)-4))
	return data
}

// validName checks a name before it reaches a header.
func validName(name string) error {
	if len(name)+1 > math.MaxUint16 {
		return ErrFilenameTooLong
	}
	return nil
}
