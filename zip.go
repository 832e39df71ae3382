// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zipflow compresses file trees into ZIP archives and extracts and
// lists them, built for throughput on both many small files and very large
// ones.
//
// Each entry gets a [BufferPlan] sized from its length. Large sources are
// memory mapped, falling back to buffered reads when mapping is not possible.
// A bounded worker pool reads and encodes entries concurrently while a single
// writer appends them to the archive in walk order.
//
// # Basic Usage
//
//	e := zipflow.New(zipflow.DefaultConfig(), zipflow.WithLogger(log))
//
//	sum, err := e.Compress(ctx, zipflow.CompressRequest{
//		Sources:     []string{"docs", "notes.txt"},
//		Destination: "out.zip",
//		Level:       zipflow.DeflateNormal,
//	}, zipflow.WithSubscriber(zipflow.SubscriberFunc(func(ev zipflow.ProgressEvent) {
//		fmt.Println(ev.Name, ev.BytesProcessed, ev.TotalBytes)
//	})))
//
//	for info, err := range e.List(ctx, "out.zip") {
//		...
//	}
//
//	sum, err = e.Extract(ctx, zipflow.ExtractRequest{Archive: "out.zip", Destination: "restored"})
//
// Operations return a [Summary] that lists the outcome of every entry. The
// returned error is only set for failures of the whole operation, such as
// an unwritable destination or cancellation.
package zipflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Engine runs compress, extract and list operations. It is safe for
// concurrent use; operations share only the pooled codecs and buffers.
type Engine struct {
	cfg    Config
	opts   options
	codecs *codecs
	chunks *chunkPool
}

// New creates an engine. Zero fields of cfg take their defaults.
func New(cfg Config, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{
		cfg:    cfg.normalize(),
		opts:   o,
		codecs: newCodecs(),
		chunks: newChunkPool(),
	}
}

// Config returns the normalized configuration of the engine.
func (e *Engine) Config() Config { return e.cfg }

// openArchive opens an existing archive for reading its structure.
func (e *Engine) openArchive(archive string) (afero.File, *archiveReader, error) {
	f, err := e.opts.fs.Open(archive)
	if err != nil {
		return nil, nil, newError(KindSourceUnreadable, "open", archive, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, newError(KindSourceUnreadable, "stat", archive, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, newError(KindSourceUnreadable, "open", archive, fmt.Errorf("%w: is a directory", ErrFormat))
	}
	return f, newArchiveReader(f, info.Size()), nil
}

// partialFile is the temporary archive a compression writes to. It is renamed
// over the destination only once complete, so readers never observe a
// half-written archive under the destination name.
type partialFile struct {
	fs   afero.Fs
	path string
	dest string
	file afero.File
	once sync.Once
}

func createPartial(fs afero.Fs, dest string) (*partialFile, error) {
	dir, base := filepath.Split(dest)
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, fmt.Sprintf(".%s.%s.partial", base, uuid.NewString()))

	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	return &partialFile{fs: fs, path: path, dest: dest, file: f}, nil
}

// commit syncs, closes and renames the partial file over the destination.
func (p *partialFile) commit() error {
	if err := p.file.Sync(); err != nil {
		p.discard()
		return fmt.Errorf("sync archive: %w", err)
	}
	var err error
	p.once.Do(func() { err = p.file.Close() })
	if err != nil {
		p.fs.Remove(p.path)
		return fmt.Errorf("close archive: %w", err)
	}
	if err := p.fs.Rename(p.path, p.dest); err != nil {
		p.fs.Remove(p.path)
		return fmt.Errorf("rename archive: %w", err)
	}
	return nil
}

// discard closes and removes the partial file.
func (p *partialFile) discard() {
	p.once.Do(func() { p.file.Close() })
	p.fs.Remove(p.path)
}
