// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// OverwritePolicy decides what happens when an entry already exists in the
// destination archive.
type OverwritePolicy uint8

const (
	// OverwriteFail keeps the existing entry and fails the new one.
	OverwriteFail OverwritePolicy = iota
	// OverwriteSkip keeps the existing entry and skips the new one.
	OverwriteSkip
	// OverwriteReplace writes the new entry and drops the existing one.
	OverwriteReplace
)

func (p OverwritePolicy) String() string {
	switch p {
	case OverwriteFail:
		return "fail"
	case OverwriteSkip:
		return "skip"
	case OverwriteReplace:
		return "replace"
	}
	return fmt.Sprintf("overwrite(%d)", uint8(p))
}

// ParseOverwritePolicy parses "fail", "skip" or "replace".
func ParseOverwritePolicy(s string) (OverwritePolicy, error) {
	switch strings.ToLower(s) {
	case "fail", "":
		return OverwriteFail, nil
	case "skip":
		return OverwriteSkip, nil
	case "replace":
		return OverwriteReplace, nil
	}
	return 0, fmt.Errorf("unknown overwrite policy %q", s)
}

// CompressRequest describes one compression.
type CompressRequest struct {
	// Sources are files or directories. A directory contributes its
	// contents named relative to it; a file is stored under its base name.
	Sources []string
	// Destination is the archive path. When it already exists, its entries
	// are kept and Overwrite applies to names present in both.
	Destination string
	// Level is 0 (store) to 9.
	Level     int
	Overwrite OverwritePolicy
	// Method is the codec for levels 1-9. The zero value selects Deflated;
	// use level 0 to store.
	Method CompressionMethod
	// StoreCompressedMedia stores files recognised as already compressed
	// (images, audio, video, archives) instead of encoding them again.
	StoreCompressedMedia bool
}

func (req CompressRequest) validate() error {
	if len(req.Sources) == 0 {
		return newError(KindSourceUnreadable, "compress", "", errors.New("no sources"))
	}
	if req.Destination == "" {
		return newError(KindDestinationUnwritable, "compress", "", errors.New("no destination"))
	}
	if req.Level < LevelStore || req.Level > DeflateMaximum {
		return newError(KindCodec, "compress", req.Destination, fmt.Errorf("compression level %d out of range 0-9", req.Level))
	}
	switch req.Method {
	case Stored, Deflated, ZStandard:
	default:
		return newError(KindCodec, "compress", req.Destination, fmt.Errorf("%w: %d", ErrAlgorithm, req.Method))
	}
	return nil
}

func (req CompressRequest) method() CompressionMethod {
	if req.Method == Stored {
		return Deflated
	}
	return req.Method
}

// Compress archives req.Sources into req.Destination.
//
// Entries are read and encoded concurrently but written in walk order. The
// archive is assembled in a temp file next to the destination and renamed
// over it once complete; after a fatal error or cancellation the
// destination is left as it was. The returned error is the fatal error,
// also found in Summary.Err; entry failures are reported in the results.
func (e *Engine) Compress(ctx context.Context, req CompressRequest, opts ...Option) (*Summary, error) {
	o := e.with(opts)
	r := &compressRun{
		e:     e,
		req:   req,
		cfg:   e.cfg,
		fs:    o.fs,
		log:   o.log.With().Str("op", "compress").Str("archive", req.Destination).Logger(),
		start: time.Now(),
	}
	r.hub = newProgressHub(o.subs, r.start)
	r.opener = &sourceOpener{fs: o.fs, mapper: o.mapper, log: r.log, fallbacks: &r.fallbacks}
	r.spools = newSpoolPool(o.fs, e.cfg.TempDir, e.cfg.SpoolMemoryLimit)
	r.workers = e.cfg.effectiveWorkers()
	r.order = newOrderingBuffer[*encodedEntry](r.workers)
	r.replaced = make(map[string]struct{})

	if err := req.validate(); err != nil {
		sum := r.summary(err)
		return sum, sum.Err
	}

	sum := r.execute(ctx)
	return sum, sum.Err
}

// compressRun is the state of one Compress call.
type compressRun struct {
	e       *Engine
	req     CompressRequest
	cfg     Config
	fs      afero.Fs
	log     zerolog.Logger
	start   time.Time
	workers int

	hub       *progressHub
	opener    *sourceOpener
	spools    *spoolPool
	order     *orderingBuffer[*encodedEntry]
	pool      *ants.Pool
	fallbacks atomic.Int64

	// Owned by the dispatcher until the walk ends.
	names      []string
	totalBytes int64
	exclude    map[string]struct{}

	// Owned by the writer.
	zw       *archiveWriter
	results  resultSet
	prior    *priorArchive
	replaced map[string]struct{}
}

// task is one walked entry on its way to a worker.
type task struct {
	ordinal int
	entry   ArchiveEntry
	plan    BufferPlan
}

// encodedEntry is what a worker hands to the writer. Entries that were not
// encoded (skipped, failed) travel the same way so the writer publishes
// every result in order.
type encodedEntry struct {
	task
	header    fileHeader
	spool     *spool
	bytesRead int64
	skipped   bool
	err       error // entry failure
	fatal     error // failure of the whole archive
}

func (it *encodedEntry) release() {
	it.spool.Release()
	it.spool = nil
}

func (r *compressRun) execute(ctx context.Context) *Summary {
	prior, err := r.loadPrior(ctx)
	if err != nil {
		return r.summary(err)
	}
	r.prior = prior

	partial, err := createPartial(r.fs, r.req.Destination)
	if err != nil {
		if prior != nil {
			prior.file.Close()
		}
		return r.summary(newError(KindDestinationUnwritable, "create", r.req.Destination, err))
	}
	r.exclude = map[string]struct{}{
		absPath(partial.path):       {},
		absPath(r.req.Destination): {},
	}

	bw := bufio.NewWriterSize(partial.file, r.cfg.ChunkCeiling)
	r.zw = newArchiveWriter(bw)

	pool, err := ants.NewPool(r.workers)
	if err != nil {
		if prior != nil {
			prior.file.Close()
		}
		partial.discard()
		return r.summary(fmt.Errorf("worker pool: %w", err))
	}
	defer pool.Release()
	r.pool = pool

	r.log.Debug().Int("workers", r.workers).Int("level", r.req.Level).
		Str("method", r.req.method().String()).Msg("compression started")

	g, gctx := errgroup.WithContext(ctx)
	// Unblocks workers and the writer once the pipeline is cancelled.
	stop := context.AfterFunc(gctx, func() {
		for _, it := range r.order.Close() {
			it.release()
		}
	})
	defer stop()

	walk := Walk(ctx, r.fs, r.req.Sources, r.cfg.Lookahead)
	g.Go(func() error { return r.dispatch(gctx, walk) })
	g.Go(func() error { return r.write(gctx) })

	err = g.Wait()
	if prior != nil {
		// Released before the rename replaces it.
		prior.file.Close()
	}
	if err == nil {
		if ferr := bw.Flush(); ferr != nil {
			err = newError(KindDestinationUnwritable, "write", r.req.Destination, ferr)
		}
	}
	if err == nil {
		if cerr := partial.commit(); cerr != nil {
			err = newError(KindDestinationUnwritable, "commit", r.req.Destination, cerr)
		}
	} else {
		partial.discard()
	}
	return r.summary(err)
}

// absPath makes walked paths and the archive paths comparable however the
// caller spelled them.
func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// dispatch assigns ordinals in walk order and feeds the pool. It keeps
// draining the walk after the pipeline is cancelled so every walked entry
// still gets a result.
func (r *compressRun) dispatch(ctx context.Context, walk <-chan ArchiveEntry) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ordinal := 0
	for entry := range walk {
		if _, ok := r.exclude[absPath(entry.Path)]; ok {
			continue
		}

		t := task{ordinal: ordinal, entry: entry}
		ordinal++
		t.entry.Level = r.req.Level
		t.plan = PlanBuffer(entry.Size, t.entry.Level, r.cfg)
		r.names = append(r.names, entry.Name)
		r.totalBytes += entry.Size

		if ctx.Err() != nil {
			continue
		}
		if it := r.precheck(t); it != nil {
			r.put(it)
			continue
		}

		wg.Add(1)
		err := r.pool.Submit(func() {
			defer wg.Done()
			r.put(r.encode(ctx, t))
		})
		if err != nil {
			wg.Done()
			r.order.Seal(ordinal)
			return fmt.Errorf("submit %s: %w", entry.Name, err)
		}
	}

	r.order.Seal(ordinal)
	return nil
}

// precheck settles entries that need no worker: walk failures and names
// that already exist in the destination archive.
func (r *compressRun) precheck(t task) *encodedEntry {
	if t.entry.Err != nil {
		return &encodedEntry{task: t, err: t.entry.Err}
	}
	if r.prior == nil || r.req.Overwrite == OverwriteReplace {
		return nil
	}

	name := t.entry.Name
	if t.entry.IsDir() {
		name += "/"
	}
	if _, ok := r.prior.names[name]; !ok {
		return nil
	}

	conflict := newError(KindConflict, "compress", t.entry.Name,
		fmt.Errorf("%w: already in %s", ErrConflict, r.req.Destination))
	if r.req.Overwrite == OverwriteSkip {
		return &encodedEntry{task: t, skipped: true, err: conflict}
	}
	return &encodedEntry{task: t, err: conflict}
}

func (r *compressRun) put(it *encodedEntry) {
	if err := r.order.Put(it.ordinal, it); err != nil {
		it.release()
	}
}

// encode reads and compresses one entry into a spool.
func (r *compressRun) encode(ctx context.Context, t task) *encodedEntry {
	it := &encodedEntry{
		task: t,
		header: fileHeader{
			name:    t.entry.Name,
			isDir:   t.entry.IsDir(),
			mode:    t.entry.Mode,
			modTime: t.entry.ModTime,
			method:  Stored,
		},
	}

	switch t.entry.Kind {
	case KindDir:
		return it
	case KindSymlink:
		// Link targets are stored uncompressed.
		r.encodeStream(ctx, it, strings.NewReader(t.entry.Target), true)
		return it
	}

	src, err := r.opener.open(t.entry.Path, 0, -1, t.plan)
	if err != nil {
		it.err = err
		return it
	}
	defer src.Close()

	r.encodeStream(ctx, it, src, false)
	return it
}

func (r *compressRun) encodeStream(ctx context.Context, it *encodedEntry, src io.Reader, store bool) {
	buf := r.e.chunks.get(it.plan.ChunkSize)
	defer r.e.chunks.put(buf)

	it.spool = r.spools.get()
	out := markedWriter{it.spool}
	crc := crc32.NewIEEE()

	var (
		enc     io.WriteCloser
		release func()
		read    int64
	)
	defer func() {
		if release != nil {
			release()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			it.err = newError(KindCancelled, "compress", it.entry.Name, err)
			return
		}

		n, rerr := io.ReadFull(src, *buf)
		if n > 0 {
			chunk := (*buf)[:n]
			if enc == nil {
				method := Stored
				if !store {
					method = methodFor(r.req.method(), it.entry.Level, chunk, r.req.StoreCompressedMedia)
				}
				var err error
				if enc, release, err = r.e.codecs.encoder(method, it.entry.Level, out); err != nil {
					it.err = classify(KindCodec, "compress", it.entry.Name, err)
					return
				}
				it.header.method = method
			}

			crc.Write(chunk)
			if _, err := enc.Write(chunk); err != nil {
				r.encodeFailed(it, err)
				return
			}
			read += int64(n)
			r.hub.progress(it.ordinal, it.entry.Name, read, it.entry.Size)
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			it.err = classify(KindSourceUnreadable, "read", it.entry.Name, rerr)
			return
		}
	}

	if enc != nil {
		if err := enc.Close(); err != nil {
			r.encodeFailed(it, err)
			return
		}
	}

	it.bytesRead = read
	it.header.crc32 = crc.Sum32()
	it.header.uncompressedSize = read
	it.header.compressedSize = it.spool.Size()
	it.header.flags = levelBits(it.header.method, it.entry.Level)

	r.log.Debug().Str("entry", it.entry.Name).Int("ordinal", it.ordinal).
		Int64("bytes", read).Int64("compressed", it.header.compressedSize).
		Int("chunk", it.plan.ChunkSize).Bool("spilled", it.spool.Spilled()).Msg("entry encoded")
}

// encodeFailed sorts an encoder error: spool write failures mean the temp
// storage is unusable and end the operation, anything else is the codec's.
func (r *compressRun) encodeFailed(it *encodedEntry, err error) {
	var we writeErr
	if errors.As(err, &we) {
		it.fatal = newError(KindDestinationUnwritable, "spool", it.entry.Name, we.err)
		return
	}
	it.err = classify(KindCodec, "compress", it.entry.Name, err)
}

// write is the only stage touching the archive stream.
func (r *compressRun) write(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		it, ok := r.order.Next()
		if !ok {
			break
		}
		err := r.commit(ctx, it)
		it.release()
		if err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := r.carryOver(ctx); err != nil {
		return err
	}
	if err := r.zw.finish(); err != nil {
		return newError(KindDestinationUnwritable, "write", r.req.Destination, err)
	}
	return nil
}

// commit writes one entry, or only records its result when it was not
// encoded.
func (r *compressRun) commit(ctx context.Context, it *encodedEntry) error {
	if it.fatal != nil {
		return it.fatal
	}

	res := OperationResult{Ordinal: it.ordinal, Name: it.entry.Name}
	switch {
	case it.skipped:
		res.Status = StatusSkipped
		res.Kind = KindOf(it.err)
		res.Err = it.err
	case it.err != nil:
		res = resultOf(it.ordinal, it.entry.Name, it.err)
		res.BytesRead = it.bytesRead
	default:
		var data io.Reader
		if it.spool != nil {
			var err error
			if data, err = it.spool.Reader(); err != nil {
				return newError(KindDestinationUnwritable, "spool", it.entry.Name, err)
			}
		}

		buf := r.e.chunks.get(it.plan.ChunkSize)
		err := r.zw.writeEntry(ctx, &it.header, data, *buf)
		r.e.chunks.put(buf)
		if err != nil {
			return classify(KindDestinationUnwritable, "write", it.entry.Name, err)
		}

		res.Status = StatusSucceeded
		res.BytesRead = it.bytesRead
		res.BytesWritten = it.header.compressedSize
		if r.prior != nil {
			if _, ok := r.prior.names[it.header.filename()]; ok {
				r.replaced[it.header.filename()] = struct{}{}
			}
		}
	}

	r.results.put(res)
	r.hub.final(res, it.entry.Size)
	if !res.OK() {
		r.log.Debug().Str("entry", res.Name).Int("ordinal", res.Ordinal).
			Stringer("status", res.Status).Err(res.Err).Msg("entry not written")
	}
	return nil
}

// priorArchive is the existing destination whose entries are carried over.
type priorArchive struct {
	file    afero.File
	reader  *archiveReader
	entries []storedEntry
	names   map[string]struct{}
}

// loadPrior reads the central directory of an existing destination. With
// OverwriteReplace an unreadable destination is simply replaced.
func (r *compressRun) loadPrior(ctx context.Context) (*priorArchive, error) {
	if _, err := r.fs.Stat(r.req.Destination); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, newError(KindDestinationUnwritable, "stat", r.req.Destination, err)
	}

	f, zr, err := r.e.openArchive(r.req.Destination)
	if err != nil {
		return nil, r.priorFailed(err)
	}

	p := &priorArchive{file: f, reader: zr, names: make(map[string]struct{})}
	for entry, err := range zr.entries(ctx) {
		if err != nil {
			f.Close()
			return nil, r.priorFailed(err)
		}
		p.entries = append(p.entries, entry)
		p.names[entry.filename()] = struct{}{}
	}

	r.log.Debug().Int("entries", len(p.entries)).Msg("destination exists, keeping its entries")
	return p, nil
}

func (r *compressRun) priorFailed(err error) error {
	if KindOf(err) == KindCancelled || errors.Is(err, context.Canceled) {
		return classify(KindCancelled, "compress", r.req.Destination, err)
	}
	if r.req.Overwrite == OverwriteReplace {
		r.log.Warn().Err(err).Msg("destination is not a readable archive, replacing it")
		return nil
	}
	return newError(KindConflict, "compress", r.req.Destination, err)
}

// carryOver copies the compressed bytes of existing entries that were not
// replaced, behind the new ones.
func (r *compressRun) carryOver(ctx context.Context) error {
	if r.prior == nil {
		return nil
	}

	var kept int
	for _, old := range r.prior.entries {
		if _, ok := r.replaced[old.filename()]; ok {
			continue
		}

		start, err := r.prior.reader.dataOffset(old)
		if err != nil {
			return newError(KindSourceUnreadable, "carry over", old.filename(), err)
		}

		h := old.fileHeader
		data := io.NewSectionReader(r.prior.file, start, old.compressedSize)
		buf := r.e.chunks.get(PlanBuffer(old.compressedSize, LevelStore, r.cfg).ChunkSize)
		err = r.zw.writeEntry(ctx, &h, data, *buf)
		r.e.chunks.put(buf)
		if err != nil {
			return classify(KindDestinationUnwritable, "carry over", old.filename(), err)
		}
		kept++
	}

	r.log.Debug().Int("kept", kept).Int("replaced", len(r.replaced)).Msg("existing entries carried over")
	return nil
}

// summary closes the run. Entries without a result are reported cancelled
// with the fatal error as cause.
func (r *compressRun) summary(err error) *Summary {
	var fatal error
	if err != nil {
		fatal = classify(KindDestinationUnwritable, "compress", r.req.Destination, err)
	}

	results := r.results.summarize(r.names, fatal)
	for _, res := range results {
		if !r.results.has(res.Ordinal) {
			r.hub.final(res, 0)
		}
	}
	r.hub.close()

	sum := &Summary{
		Results:          results,
		TotalBytes:       r.totalBytes,
		Elapsed:          time.Since(r.start),
		Err:              fatal,
		MappingFallbacks: r.fallbacks.Load(),
	}
	if fatal == nil && r.zw != nil {
		sum.BytesWritten = r.zw.offset()
		sum.ArchiveDigest = r.zw.Sum64()
	}
	sum.Success = fatal == nil && sum.Count(StatusSucceeded) == len(results)

	ev := r.log.Info()
	if fatal != nil {
		ev = r.log.Error().Err(fatal)
	}
	ev.Int("entries", len(results)).
		Int("failed", sum.Count(StatusFailed)).
		Int("skipped", sum.Count(StatusSkipped)).
		Int64("bytes", sum.TotalBytes).
		Int64("written", sum.BytesWritten).
		Int64("mmap_fallbacks", sum.MappingFallbacks).
		Dur("elapsed", sum.Elapsed).
		Msg("compression finished")
	return sum
}

// chunkPool recycles chunk buffers by size. Plans only produce a handful of
// distinct sizes.
type chunkPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
}

func newChunkPool() *chunkPool {
	return &chunkPool{pools: make(map[int]*sync.Pool)}
}

func (p *chunkPool) get(size int) *[]byte {
	size = max(1, size)
	p.mu.Lock()
	pool, ok := p.pools[size]
	if !ok {
		pool = &sync.Pool{New: func() any {
			b := make([]byte, size)
			return &b
		}}
		p.pools[size] = pool
	}
	p.mu.Unlock()
	return pool.Get().(*[]byte)
}

func (p *chunkPool) put(b *[]byte) {
	p.mu.Lock()
	pool, ok := p.pools[len(*b)]
	p.mu.Unlock()
	if ok {
		pool.Put(b)
	}
}
