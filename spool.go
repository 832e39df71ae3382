// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/afero"
)

// memoryBuffer implements io.ReadWriter with in-memory storage. Buffers are
// pooled between entries and keep their capacity across Reset.
type memoryBuffer struct {
	data []byte // The underlying byte slice
	pos  int    // Current read position
}

func newMemoryBuffer(capacity int) *memoryBuffer {
	return &memoryBuffer{data: make([]byte, 0, max(0, capacity))}
}

func (mb *memoryBuffer) Write(p []byte) (int, error) {
	mb.data = append(mb.data, p...)
	return len(p), nil
}

func (mb *memoryBuffer) Read(p []byte) (int, error) {
	if mb.pos >= len(mb.data) {
		return 0, io.EOF
	}
	n := copy(p, mb.data[mb.pos:])
	mb.pos += n
	return n, nil
}

func (mb *memoryBuffer) Len() int { return len(mb.data) }

// Reset clears the buffer and resets position to 0.
func (mb *memoryBuffer) Reset() {
	mb.data = mb.data[:0]
	mb.pos = 0
}

// spoolPool shares memory buffers and spills large payloads to temp files.
type spoolPool struct {
	fs    afero.Fs
	dir   string
	limit int64
	bufs  sync.Pool
}

func newSpoolPool(fs afero.Fs, dir string, limit int64) *spoolPool {
	return &spoolPool{
		fs:    fs,
		dir:   dir,
		limit: limit,
		bufs: sync.Pool{
			New: func() any { return newMemoryBuffer(64 * KiB) },
		},
	}
}

// spool holds one entry's encoded bytes until the writer takes them.
// Writes go to a pooled memory buffer until they would exceed the pool's
// limit; from then on everything lives in a temp file.
type spool struct {
	pool *spoolPool
	mem  *memoryBuffer
	file afero.File
	size int64
}

func (p *spoolPool) get() *spool {
	mb := p.bufs.Get().(*memoryBuffer)
	mb.Reset()
	return &spool{pool: p, mem: mb}
}

func (s *spool) Write(p []byte) (int, error) {
	if s.file == nil && s.size+int64(len(p)) > s.pool.limit {
		if err := s.spill(); err != nil {
			return 0, err
		}
	}

	var n int
	var err error
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.mem.Write(p)
	}
	s.size += int64(n)
	return n, err
}

func (s *spool) spill() error {
	f, err := afero.TempFile(s.pool.fs, s.pool.dir, "zipflow-spool-*")
	if err != nil {
		return fmt.Errorf("create spool file: %w", err)
	}
	if _, err := f.Write(s.mem.data); err != nil {
		f.Close()
		s.pool.fs.Remove(f.Name())
		return fmt.Errorf("spill spool: %w", err)
	}
	s.file = f
	s.releaseMem()
	return nil
}

// Size is the number of bytes spooled.
func (s *spool) Size() int64 { return s.size }

// Spilled reports whether the payload moved to disk.
func (s *spool) Spilled() bool { return s.file != nil }

// Reader rewinds the spool for reading.
func (s *spool) Reader() (io.Reader, error) {
	if s.file != nil {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek spool: %w", err)
		}
		return s.file, nil
	}
	if s.mem == nil {
		return nil, errors.New("spool released")
	}
	s.mem.pos = 0
	return s.mem, nil
}

func (s *spool) releaseMem() {
	if s.mem == nil {
		return
	}
	// Oversized buffers are left to the garbage collector.
	if int64(cap(s.mem.data)) <= s.pool.limit {
		s.mem.Reset()
		s.pool.bufs.Put(s.mem)
	}
	s.mem = nil
}

// Release returns memory to the pool and removes any temp file.
func (s *spool) Release() {
	if s == nil {
		return
	}
	s.releaseMem()
	if s.file != nil {
		name := s.file.Name()
		s.file.Close()
		s.pool.fs.Remove(name)
		s.file = nil
	}
}
