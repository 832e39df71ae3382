// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"iter"
	"math"
	"strings"

	"github.com/lemon4ksan/zipflow/internal"
	"github.com/lemon4ksan/zipflow/internal/sys"
)

// archiveReader reads the structure of an existing archive.
type archiveReader struct {
	src      io.ReaderAt // Source stream for reading archive data
	fileSize int64       // Total size of the archive
}

func newArchiveReader(src io.ReaderAt, size int64) *archiveReader {
	return &archiveReader{src: src, fileSize: size}
}

// storedEntry is one central directory record.
type storedEntry struct {
	fileHeader
	index int
}

// entries lazily iterates the central directory in stored order. Reading
// stops at the first error, which is yielded once.
func (zr *archiveReader) entries(ctx context.Context) iter.Seq2[storedEntry, error] {
	return func(yield func(storedEntry, error) bool) {
		offset, count, err := zr.locateCentralDir(ctx)
		if err != nil {
			yield(storedEntry{}, err)
			return
		}

		cd := bufio.NewReaderSize(io.NewSectionReader(zr.src, offset, zr.fileSize-offset), 64*KiB)
		for i := range count {
			if err := ctx.Err(); err != nil {
				yield(storedEntry{}, err)
				return
			}

			if !verifySignature(cd, internal.CentralDirectorySignature) {
				yield(storedEntry{}, fmt.Errorf("%w: expected central directory signature at entry %d", ErrFormat, i))
				return
			}

			entry, err := internal.ReadCentralDirEntry(cd)
			if err != nil {
				yield(storedEntry{}, fmt.Errorf("%w: decode central dir entry %d: %v", ErrFormat, i, err))
				return
			}

			if !yield(newStoredEntry(int(i), entry), nil) {
				return
			}
		}
	}
}

// locateCentralDir returns the offset and entry count of the central
// directory, following the zip64 records when the classic ones saturate.
func (zr *archiveReader) locateCentralDir(ctx context.Context) (int64, int64, error) {
	endDir, err := zr.findAndReadEndOfCentralDir(ctx)
	if err != nil {
		return 0, 0, err
	}
	offset, count := int64(endDir.CentralDirOffset), int64(endDir.TotalNumberOfEntries)

	if endDir.CentralDirOffset == math.MaxUint32 || endDir.TotalNumberOfEntries == math.MaxUint16 ||
		endDir.CentralDirSize == math.MaxUint32 {
		zip64EndDir, err := zr.findAndReadZip64EndOfCentralDir(ctx, endDir.CommentLength)
		if err != nil {
			return 0, 0, err
		}
		offset, count = int64(zip64EndDir.CentralDirOffset), int64(zip64EndDir.TotalNumberOfEntries)
	}

	if offset < 0 || offset > zr.fileSize {
		return 0, 0, fmt.Errorf("%w: central directory offset %d out of range", ErrFormat, offset)
	}
	return offset, count, nil
}

// findAndReadEndOfCentralDir scans backwards for the End of Central Directory record and reads it.
func (zr *archiveReader) findAndReadEndOfCentralDir(ctx context.Context) (internal.EndOfCentralDirectory, error) {
	var end internal.EndOfCentralDirectory

	if zr.fileSize < internal.EndOfCentralDirLen {
		return end, fmt.Errorf("%w: file too small", ErrFormat)
	}

	// The record is at most 64KiB of comment plus its fixed part from the end.
	searchLimit := min(int64(math.MaxUint16)+internal.EndOfCentralDirLen, zr.fileSize)
	buf := make([]byte, searchLimit)
	readPos := zr.fileSize - searchLimit

	if err := ctx.Err(); err != nil {
		return end, err
	}
	n, err := zr.src.ReadAt(buf, readPos)
	if err != nil && err != io.EOF {
		return end, fmt.Errorf("read at %d: %w", readPos, err)
	}
	buf = buf[:n]

	for p := len(buf) - internal.EndOfCentralDirLen; p >= 0; p-- {
		if binary.LittleEndian.Uint32(buf[p:p+4]) != internal.EndOfCentralDirSignature {
			continue
		}
		end, err := internal.ReadEndOfCentralDir(bytes.NewReader(buf[p+4:]))
		if err != nil {
			continue
		}
		return end, nil
	}

	return end, fmt.Errorf("%w: no end of central directory signature found", ErrFormat)
}

// findAndReadZip64EndOfCentralDir reads the Zip64 End of Central Directory record via its locator.
func (zr *archiveReader) findAndReadZip64EndOfCentralDir(ctx context.Context, commentLength uint16) (internal.Zip64EndOfCentralDirectory, error) {
	var zip64End internal.Zip64EndOfCentralDirectory

	if err := ctx.Err(); err != nil {
		return zip64End, err
	}

	locatorOffset := zr.fileSize - int64(internal.EndOfCentralDirLen) - int64(commentLength) - internal.Zip64LocatorLen
	if locatorOffset < 0 {
		return zip64End, fmt.Errorf("%w: invalid zip64 locator offset", ErrFormat)
	}

	locReader := io.NewSectionReader(zr.src, locatorOffset, internal.Zip64LocatorLen)
	if !verifySignature(locReader, internal.Zip64EndOfCentralDirLocatorSignature) {
		return zip64End, fmt.Errorf("%w: expected zip64 end of central directory locator signature", ErrFormat)
	}

	locator, err := internal.ReadZip64EndOfCentralDirLocator(locReader)
	if err != nil {
		return zip64End, fmt.Errorf("read zip64 end of central dir locator: %w", err)
	}

	recordOffset := int64(locator.Zip64EndOfCentralDirOffset)
	if recordOffset < 0 || recordOffset+internal.Zip64EndOfCentralDirLen > zr.fileSize {
		return zip64End, fmt.Errorf("%w: invalid zip64 end of central directory offset", ErrFormat)
	}

	recordReader := io.NewSectionReader(zr.src, recordOffset, internal.Zip64EndOfCentralDirLen)
	if !verifySignature(recordReader, internal.Zip64EndOfCentralDirSignature) {
		return zip64End, fmt.Errorf("%w: expected zip64 end of central directory signature", ErrFormat)
	}

	return internal.ReadZip64EndOfCentralDir(recordReader)
}

func newStoredEntry(index int, entry internal.CentralDirectory) storedEntry {
	uncompressed, compressed, offset := entry.Zip64Values()
	host := sys.HostSystem(entry.VersionMadeBy >> 8)
	isDir := strings.HasSuffix(entry.Filename, "/")

	return storedEntry{
		index: index,
		fileHeader: fileHeader{
			name:             strings.TrimSuffix(entry.Filename, "/"),
			isDir:            isDir,
			mode:             sys.FileMode(host, entry.ExternalFileAttributes, entry.Filename),
			modTime:          msDosToTime(entry.LastModFileDate, entry.LastModFileTime),
			method:           CompressionMethod(entry.CompressionMethod),
			flags:            entry.GeneralPurposeBitFlag,
			crc32:            entry.CRC32,
			compressedSize:   int64(compressed),
			uncompressedSize: int64(uncompressed),
			offset:           int64(offset),
			extra:            entry.ExtraField,
		},
	}
}

func (e storedEntry) encrypted() bool { return e.flags&0x1 != 0 }

// dataOffset reads the local header of e and returns where its data starts.
func (zr *archiveReader) dataOffset(e storedEntry) (int64, error) {
	r := io.NewSectionReader(zr.src, e.offset, internal.LocalFileHeaderLen)
	local, err := internal.ReadLocalFileHeader(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrFormat, e.name, err)
	}

	start := e.offset + local.DataOffset()
	if start+e.compressedSize > zr.fileSize {
		return 0, fmt.Errorf("%w: %s: data extends past end of archive", ErrFormat, e.name)
	}
	return start, nil
}

// verifySignature checks whether the next 4 bytes match the given signature.
func verifySignature(r io.Reader, s uint32) bool {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(buf[:]) == s
}

// checksumReader wraps an io.ReadCloser to verify CRC32 checksum and size during reading.
type checksumReader struct {
	rc   io.ReadCloser
	hash hash.Hash32
	want uint32
	read uint64
	size uint64
}

func newChecksumReader(rc io.ReadCloser, crc uint32, size int64) *checksumReader {
	return &checksumReader{rc: rc, hash: crc32.NewIEEE(), want: crc, size: uint64(size)}
}

func (cr *checksumReader) Read(p []byte) (int, error) {
	n, err := cr.rc.Read(p)
	if n > 0 {
		cr.read += uint64(n)
		if cr.read > cr.size {
			return n, ErrSizeMismatch
		}
		cr.hash.Write(p[:n])
	}
	return n, err
}

// Close verifies CRC32 and size after reading completes.
func (cr *checksumReader) Close() error {
	defer cr.rc.Close()

	if cr.read != cr.size {
		return fmt.Errorf("%w: read %d, want %d", ErrSizeMismatch, cr.read, cr.size)
	}
	if got := cr.hash.Sum32(); got != cr.want {
		return fmt.Errorf("%w: got %x, want %x", ErrChecksum, got, cr.want)
	}
	return nil
}
