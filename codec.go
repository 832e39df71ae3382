// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"fmt"
	"io"
	"sync"

	"github.com/h2non/filetype"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// CompressionMethod represents the compression algorithm used for a file in the ZIP archive
type CompressionMethod uint16

// Supported compression methods according to ZIP specification
const (
	Stored    CompressionMethod = 0  // No compression - file stored as-is
	Deflated  CompressionMethod = 8  // DEFLATE compression (most common)
	ZStandard CompressionMethod = 93 // Zstandard compression (fastest decompression)
)

func (m CompressionMethod) String() string {
	switch m {
	case Stored:
		return "store"
	case Deflated:
		return "deflate"
	case ZStandard:
		return "zstd"
	}
	return fmt.Sprintf("method(%d)", uint16(m))
}

// Compression levels for DEFLATE algorithm
const (
	LevelStore       = 0
	DeflateSuperFast = 1
	DeflateFast      = 3
	DeflateNormal    = 6
	DeflateMaximum   = 9
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// codecs hands out pooled encoders. Encoders are stateful, so each worker
// takes one per entry and returns it when the entry is done.
type codecs struct {
	mu      sync.Mutex
	deflate map[int]*sync.Pool
	zstd    map[int]*sync.Pool
}

func newCodecs() *codecs {
	return &codecs{
		deflate: make(map[int]*sync.Pool),
		zstd:    make(map[int]*sync.Pool),
	}
}

// encoder returns a writer compressing into dest. Close flushes the stream;
// release returns the encoder to its pool and must be called after Close.
func (c *codecs) encoder(method CompressionMethod, level int, dest io.Writer) (io.WriteCloser, func(), error) {
	switch method {
	case Stored:
		return nopWriteCloser{dest}, func() {}, nil

	case Deflated:
		pool := c.pool(c.deflate, level, func() any {
			w, err := flate.NewWriter(io.Discard, level)
			if err != nil {
				return err
			}
			return w
		})
		v := pool.Get()
		w, ok := v.(*flate.Writer)
		if !ok {
			return nil, nil, newError(KindCodec, "deflate", "", fmt.Errorf("level %d: %v", level, v))
		}
		w.Reset(dest)
		return w, func() { pool.Put(w) }, nil

	case ZStandard:
		pool := c.pool(c.zstd, level, func() any {
			// A single encoder goroutine keeps output independent of scheduling.
			w, err := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
				zstd.WithEncoderConcurrency(1),
			)
			if err != nil {
				return err
			}
			return w
		})
		v := pool.Get()
		w, ok := v.(*zstd.Encoder)
		if !ok {
			return nil, nil, newError(KindCodec, "zstd", "", fmt.Errorf("level %d: %v", level, v))
		}
		w.Reset(dest)
		return w, func() { pool.Put(w) }, nil
	}

	return nil, nil, newError(KindCodec, "compress", "", fmt.Errorf("%w: %d", ErrAlgorithm, method))
}

func (c *codecs) pool(m map[int]*sync.Pool, level int, newFn func() any) *sync.Pool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := m[level]
	if !ok {
		p = &sync.Pool{New: newFn}
		m[level] = p
	}
	return p
}

// decoder returns a reader decompressing src.
func decoder(method CompressionMethod, src io.Reader) (io.ReadCloser, error) {
	switch method {
	case Stored:
		return io.NopCloser(src), nil
	case Deflated:
		return flate.NewReader(src), nil
	case ZStandard:
		dec, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return dec.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrAlgorithm, method)
}

// levelBits encodes the deflate level into general purpose flag bits 1-2.
func levelBits(method CompressionMethod, level int) uint16 {
	if method != Deflated {
		return 0
	}
	switch {
	case level <= DeflateSuperFast:
		return 0x0006
	case level <= DeflateFast:
		return 0x0004
	case level >= DeflateMaximum:
		return 0x0002
	}
	return 0
}

// isCompressedMedia reports whether head starts a format that is already
// compressed, so deflating it again wastes CPU for no gain.
func isCompressedMedia(head []byte) bool {
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return false
	}

	switch kind.MIME.Type {
	case "video", "audio":
		return kind.Extension != "wav" && kind.Extension != "aiff"
	case "image":
		switch kind.Extension {
		case "jpg", "png", "gif", "webp", "heif", "avif", "jxr":
			return true
		}
		return false
	}

	if filetype.IsArchive(head) {
		return kind.Extension != "tar"
	}
	return false
}

// methodFor picks the method used to encode an entry. Level 0 always stores.
func methodFor(requested CompressionMethod, level int, head []byte, storeMedia bool) CompressionMethod {
	if level == LevelStore {
		return Stored
	}
	if storeMedia && isCompressedMedia(head) {
		return Stored
	}
	return requested
}
