// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/lemon4ksan/zipflow/internal"
)

// archiveWriter appends entries to the archive stream. It is owned by a
// single goroutine; nothing else writes to dest.
type archiveWriter struct {
	dest             *byteCountWriter // Target stream, teed into digest
	digest           *xxhash.Digest   // Hash of every byte written
	entriesNum       int              // Number of files written to the archive
	sizeOfCentralDir int64            // Cumulative size of central directory entries
	centralDir       *bytes.Buffer    // Buffer for accumulating central directory before final write
	comment          string
}

func newArchiveWriter(dest io.Writer) *archiveWriter {
	digest := xxhash.New()
	return &archiveWriter{
		dest:       &byteCountWriter{dest: io.MultiWriter(dest, digest)},
		digest:     digest,
		centralDir: new(bytes.Buffer),
	}
}

// offset is the current write position, i.e. where the next local header goes.
func (zw *archiveWriter) offset() int64 { return zw.dest.bytesWritten }

// writeEntry writes the local header followed by exactly h.compressedSize
// bytes of data, then records the central directory entry. Every error is
// fatal for the archive: the stream already holds a partial entry.
func (zw *archiveWriter) writeEntry(ctx context.Context, h *fileHeader, data io.Reader, buf []byte) error {
	if err := validName(h.filename()); err != nil {
		return err
	}
	h.offset = zw.offset()

	if _, err := zw.dest.Write(h.localHeader().Encode()); err != nil {
		return writeErr{fmt.Errorf("write header: %w", err)}
	}

	if h.compressedSize > 0 {
		if data == nil {
			return fmt.Errorf("%s: missing data for %d bytes", h.name, h.compressedSize)
		}
		n, err := copyChunks(ctx, markedWriter{zw.dest}, io.LimitReader(data, h.compressedSize), buf, nil)
		if err != nil {
			return fmt.Errorf("copy data: %w", err)
		}
		if n != h.compressedSize {
			return fmt.Errorf("%s: wrote %d of %d data bytes", h.name, n, h.compressedSize)
		}
	}

	zw.addCentralDirEntry(h)
	return nil
}

// addCentralDirEntry adds a central directory entry for a file and updates
// the central directory size tracker.
func (zw *archiveWriter) addCentralDirEntry(h *fileHeader) {
	n, _ := zw.centralDir.Write(h.centralDirEntry().Encode())
	zw.sizeOfCentralDir += int64(n)
	zw.entriesNum++
}

// finish writes the central directory and end records. It handles both
// standard and ZIP64 format based on archive size.
func (zw *archiveWriter) finish() error {
	centralDirOffset := zw.offset()

	if _, err := zw.dest.Write(zw.centralDir.Bytes()); err != nil {
		return writeErr{fmt.Errorf("write central directory: %w", err)}
	}

	if zw.sizeOfCentralDir > math.MaxUint32 || centralDirOffset > math.MaxUint32 || zw.entriesNum >= math.MaxUint16 {
		if err := zw.writeZip64EndHeaders(centralDirOffset); err != nil {
			return err
		}
	}

	endOfCentralDir := internal.EncodeEndOfCentralDirRecord(
		zw.entriesNum,
		uint64(zw.sizeOfCentralDir),
		uint64(centralDirOffset),
		zw.comment,
	)
	if _, err := zw.dest.Write(endOfCentralDir); err != nil {
		return writeErr{fmt.Errorf("write end of central directory: %w", err)}
	}
	return nil
}

// writeZip64EndHeaders writes ZIP64 end of central directory record and locator.
func (zw *archiveWriter) writeZip64EndHeaders(centralDirOffset int64) error {
	zip64EndOffset := zw.offset()

	record := internal.EncodeZip64EndOfCentralDirRecord(
		uint64(zw.entriesNum),
		uint64(zw.sizeOfCentralDir),
		uint64(centralDirOffset),
	)
	if _, err := zw.dest.Write(record); err != nil {
		return writeErr{fmt.Errorf("write zip64 end of central directory: %w", err)}
	}

	locator := internal.EncodeZip64EndOfCentralDirLocator(uint64(zip64EndOffset))
	if _, err := zw.dest.Write(locator); err != nil {
		return writeErr{fmt.Errorf("write zip64 end of central directory locator: %w", err)}
	}
	return nil
}

// Sum64 is the digest of the archive bytes written so far.
func (zw *archiveWriter) Sum64() uint64 { return zw.digest.Sum64() }
