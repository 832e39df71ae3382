// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// ByteSource is the sequential byte source the pipeline reads through.
// Mapped and buffered sources are interchangeable.
type ByteSource interface {
	io.Reader
	io.ReaderAt
	io.Closer
	Size() int64
}

// MapFunc maps length bytes of f starting at offset read-only. The returned
// release function unmaps the region.
type MapFunc func(f *os.File, offset, length int64) (data []byte, release func() error, err error)

var errNotMappable = errors.New("file is not backed by the operating system")

// mappedSource reads from a memory mapped region.
type mappedSource struct {
	*bytes.Reader
	file    afero.File
	release func() error
	once    sync.Once
	err     error
}

func (s *mappedSource) Close() error {
	s.once.Do(func() {
		s.err = errors.Join(s.release(), s.file.Close())
	})
	return s.err
}

// bufferedSource streams a file region through a reader sized by the plan.
type bufferedSource struct {
	r    *bufio.Reader
	sr   *io.SectionReader
	file afero.File
	once sync.Once
	err  error
}

func newBufferedSource(f afero.File, offset, length int64, chunk int) *bufferedSource {
	sr := io.NewSectionReader(f, offset, length)
	return &bufferedSource{
		r:    bufio.NewReaderSize(sr, chunk),
		sr:   sr,
		file: f,
	}
}

func (s *bufferedSource) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *bufferedSource) ReadAt(p []byte, off int64) (int, error) { return s.sr.ReadAt(p, off) }

func (s *bufferedSource) Size() int64 { return s.sr.Size() }

func (s *bufferedSource) Close() error {
	s.once.Do(func() { s.err = s.file.Close() })
	return s.err
}

// sourceOpener opens byte sources, deciding between mapping and streaming.
type sourceOpener struct {
	fs        afero.Fs
	mapper    MapFunc
	log       zerolog.Logger
	fallbacks *atomic.Int64
}

// open returns a source over length bytes of path starting at offset.
// A negative length reads to the end of the file as it is now, so sources
// that changed since they were walked are read consistently.
//
// Mapping failures never fail the call: they are logged, counted and
// answered with a buffered source over the same open file.
func (o *sourceOpener) open(path string, offset, length int64, plan BufferPlan) (ByteSource, error) {
	f, err := o.fs.Open(path)
	if err != nil {
		return nil, newError(KindSourceUnreadable, "open", path, err)
	}

	if length < 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, newError(KindSourceUnreadable, "stat", path, err)
		}
		length = max(0, info.Size()-offset)
	}

	if plan.UseMmap && length > 0 {
		src, err := o.mapFile(f, offset, length)
		if err == nil {
			o.log.Debug().Str("entry", path).Int64("bytes", length).Bool("mmap", true).Msg("mapped source")
			return src, nil
		}
		if o.fallbacks != nil {
			o.fallbacks.Add(1)
		}
		o.log.Warn().Err(err).Str("entry", path).Int64("bytes", length).Msg("memory mapping failed, using buffered reads")
	}

	return newBufferedSource(f, offset, length, plan.ChunkSize), nil
}

func (o *sourceOpener) mapFile(f afero.File, offset, length int64) (ByteSource, error) {
	osFile, ok := f.(*os.File)
	if !ok {
		return nil, newError(KindMappingFailed, "map", f.Name(), errNotMappable)
	}
	if o.mapper == nil {
		return nil, newError(KindMappingFailed, "map", f.Name(), errMmapUnsupported)
	}

	data, release, err := o.mapper(osFile, offset, length)
	if err != nil {
		return nil, newError(KindMappingFailed, "map", f.Name(), err)
	}
	if int64(len(data)) != length {
		release()
		return nil, newError(KindMappingFailed, "map", f.Name(),
			fmt.Errorf("mapped %d bytes, want %d", len(data), length))
	}

	return &mappedSource{
		Reader:  bytes.NewReader(data),
		file:    f,
		release: release,
	}, nil
}
