// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// maxLinkTarget bounds the stored target of a symbolic link.
const maxLinkTarget = 64 * KiB

// errLinkQueued tells the worker a link was read and waits for the link pass.
var errLinkQueued = errors.New("link queued")

// ExtractRequest describes one extraction.
type ExtractRequest struct {
	Archive     string
	Destination string
	// Overwrite replaces existing files. Otherwise they are left alone and
	// reported as skipped.
	Overwrite bool
}

// Extract unpacks req.Archive below req.Destination.
//
// Entries are decoded concurrently, each into its own file, and reported in
// archive order. Names escaping the destination are refused with
// KindInsecurePath. Modes and modification times are restored when the
// filesystem allows it. Symbolic links are recreated only on filesystems
// supporting them and only when the link stays inside the destination. They
// are created after every other entry, so no entry is ever written through
// a link from the archive.
func (e *Engine) Extract(ctx context.Context, req ExtractRequest, opts ...Option) (*Summary, error) {
	o := e.with(opts)
	r := &extractRun{
		e:     e,
		req:   req,
		cfg:   e.cfg,
		fs:    o.fs,
		log:   o.log.With().Str("op", "extract").Str("archive", req.Archive).Logger(),
		start: time.Now(),
		root:  filepath.Clean(req.Destination),
		seen:  make(map[string]struct{}),
	}
	r.hub = newProgressHub(o.subs, r.start)
	r.opener = &sourceOpener{fs: o.fs, mapper: o.mapper, log: r.log, fallbacks: &r.fallbacks}

	var sum *Summary
	switch {
	case req.Archive == "":
		sum = r.summary(newError(KindSourceUnreadable, "extract", "", errors.New("no archive")))
	case req.Destination == "":
		sum = r.summary(newError(KindDestinationUnwritable, "extract", req.Archive, errors.New("no destination")))
	default:
		sum = r.execute(ctx)
	}
	return sum, sum.Err
}

// extractRun is the state of one Extract call.
type extractRun struct {
	e     *Engine
	req   ExtractRequest
	cfg   Config
	fs    afero.Fs
	log   zerolog.Logger
	start time.Time
	root  string

	hub       *progressHub
	opener    *sourceOpener
	fallbacks atomic.Int64
	cancel    context.CancelCauseFunc

	// Owned by the dispatcher.
	names      []string
	totalBytes int64
	dirs       []dirTimes
	entries    int64
	seen       map[string]struct{}

	mu      sync.Mutex
	results resultSet
	written int64
	done    int64
	links   []pendingLink
}

// pendingLink is a symbolic link read by a worker and created in the link
// pass.
type pendingLink struct {
	entry  storedEntry
	target string
	link   string
	size   int64
}

type dirTimes struct {
	path    string
	modTime time.Time
}

func (r *extractRun) execute(parent context.Context) *Summary {
	f, zr, err := r.e.openArchive(r.req.Archive)
	if err != nil {
		return r.summary(err)
	}
	defer f.Close()

	if _, r.entries, err = zr.locateCentralDir(parent); err != nil {
		return r.summary(classify(KindSourceUnreadable, "extract", r.req.Archive, err))
	}
	if err := r.fs.MkdirAll(r.root, 0755); err != nil {
		return r.summary(newError(KindDestinationUnwritable, "mkdir", r.root, err))
	}

	workers := r.cfg.effectiveWorkers()
	pool, err := ants.NewPool(workers)
	if err != nil {
		return r.summary(fmt.Errorf("worker pool: %w", err))
	}
	defer pool.Release()

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	r.cancel = cancel

	r.log.Debug().Int("workers", workers).Int64("entries", r.entries).Str("destination", r.root).Msg("extraction started")

	var wg sync.WaitGroup
	var fatal error

	// The central directory is read to the end even after cancellation so
	// entries left behind are still listed and reported.
	for entry, err := range zr.entries(context.WithoutCancel(parent)) {
		if err != nil {
			fatal = classify(KindSourceUnreadable, "extract", r.req.Archive, err)
			break
		}
		r.names = append(r.names, entry.filename())
		r.totalBytes += entry.uncompressedSize

		if ctx.Err() != nil {
			continue
		}

		start, ok := r.prepare(zr, entry)
		if !ok {
			continue
		}

		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			r.extractEntry(ctx, entry, start)
		}); err != nil {
			wg.Done()
			fatal = fmt.Errorf("submit %s: %w", entry.name, err)
			break
		}
	}
	wg.Wait()

	if fatal == nil && ctx.Err() == nil {
		r.createLinks(ctx)
	}
	if fatal == nil && ctx.Err() != nil {
		fatal = context.Cause(ctx)
	}
	if fatal == nil {
		r.restoreDirTimes()
	}
	return r.summary(fatal)
}

// prepare settles what can be decided without reading entry data. It
// returns the data offset and true when the entry needs a worker.
func (r *extractRun) prepare(zr *archiveReader, entry storedEntry) (int64, bool) {
	name := entry.filename()
	target, err := r.target(entry)
	if err != nil {
		r.record(resultOf(entry.index, name, newError(KindInsecurePath, "extract", name, err)), entry.uncompressedSize)
		return 0, false
	}
	if err := r.checkParents(target); err != nil {
		r.record(resultOf(entry.index, name, newError(KindInsecurePath, "extract", name, err)), entry.uncompressedSize)
		return 0, false
	}

	if !entry.isDir {
		if _, dup := r.seen[target]; dup {
			r.record(resultOf(entry.index, name,
				newError(KindConflict, "extract", name, ErrDuplicateEntry)), entry.uncompressedSize)
			return 0, false
		}
		r.seen[target] = struct{}{}
	}

	if entry.isDir {
		if err := r.mkdir(target, entry.mode); err != nil {
			r.record(resultOf(entry.index, name, err), 0)
			return 0, false
		}
		r.dirs = append(r.dirs, dirTimes{path: target, modTime: entry.modTime})
		r.record(OperationResult{Ordinal: entry.index, Name: name, Status: StatusSucceeded}, 0)
		return 0, false
	}

	if entry.encrypted() {
		r.record(resultOf(entry.index, name, newError(KindCodec, "extract", name, ErrEncrypted)), entry.uncompressedSize)
		return 0, false
	}
	switch entry.method {
	case Stored, Deflated, ZStandard:
	default:
		r.record(resultOf(entry.index, name,
			newError(KindCodec, "extract", name, fmt.Errorf("%w: %d", ErrAlgorithm, entry.method))), entry.uncompressedSize)
		return 0, false
	}

	if !r.req.Overwrite {
		if _, err := lstat(r.fs, target); err == nil {
			// Skipped files still count towards progress.
			r.hub.progress(entry.index, name, entry.uncompressedSize, entry.uncompressedSize)
			r.record(OperationResult{
				Ordinal: entry.index,
				Name:    name,
				Status:  StatusSkipped,
				Kind:    KindConflict,
				Err:     newError(KindConflict, "extract", name, fmt.Errorf("%w: %s exists", ErrConflict, target)),
			}, entry.uncompressedSize)
			return 0, false
		}
	}

	start, err := zr.dataOffset(entry)
	if err != nil {
		r.record(resultOf(entry.index, name, newError(KindSourceUnreadable, "extract", name, err)), entry.uncompressedSize)
		return 0, false
	}
	return start, true
}

// target resolves where an entry goes, refusing names that would land
// outside the destination.
func (r *extractRun) target(entry storedEntry) (string, error) {
	name := entry.name
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(filepath.FromSlash(name)) {
		return "", fmt.Errorf("%w: %q", ErrInsecurePath, entry.filename())
	}

	p := filepath.Join(r.root, filepath.FromSlash(name))
	rel, ok := within(r.root, p)
	if !ok || (rel == "." && !entry.isDir) {
		return "", fmt.Errorf("%w: %q", ErrInsecurePath, entry.filename())
	}
	return p, nil
}

// within reports whether p is root or below it.
func within(root, p string) (string, bool) {
	rel, err := filepath.Rel(root, p)
	if err != nil || filepath.IsAbs(rel) {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// checkParents refuses a path below the destination that is reached
// through a symbolic link. Missing parents are fine: they are created as
// directories.
func (r *extractRun) checkParents(p string) error {
	rel, ok := within(r.root, p)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInsecurePath, p)
	}
	parts := strings.Split(rel, string(filepath.Separator))
	dir := r.root
	for _, part := range parts[:len(parts)-1] {
		dir = filepath.Join(dir, part)
		info, err := lstat(r.fs, dir)
		if err != nil {
			return nil
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: %q passes through link %s", ErrInsecurePath, rel, dir)
		}
	}
	return nil
}

func (r *extractRun) mkdir(target string, mode fs.FileMode) error {
	perm := mode.Perm()
	if perm == 0 {
		perm = 0755
	}
	if err := r.fs.MkdirAll(target, perm|0700); err != nil {
		if info, serr := r.fs.Stat(target); serr == nil && !info.IsDir() {
			return newError(KindConflict, "mkdir", target, err)
		}
		return newError(KindDestinationUnwritable, "mkdir", target, err)
	}
	return nil
}

func (r *extractRun) extractEntry(ctx context.Context, entry storedEntry, start int64) {
	name := entry.filename()
	target, _ := r.target(entry)

	res, err := r.decode(ctx, entry, start, target)
	if errors.Is(err, errLinkQueued) {
		return
	}
	if err != nil {
		switch KindOf(err) {
		case KindCancelled:
			// Reported with the cause of the cancellation.
			return
		case KindDestinationUnwritable:
			r.cancel(err)
			return
		}
		res = resultOf(entry.index, name, err)
	}
	r.record(res, entry.uncompressedSize)
}

// decode streams one entry into its file.
func (r *extractRun) decode(ctx context.Context, entry storedEntry, start int64, target string) (OperationResult, error) {
	name := entry.filename()
	res := OperationResult{Ordinal: entry.index, Name: name}

	level := DeflateNormal
	if entry.method == Stored {
		level = LevelStore
	}
	plan := PlanBuffer(entry.compressedSize, level, r.cfg)

	src, err := r.opener.open(r.req.Archive, start, entry.compressedSize, plan)
	if err != nil {
		return res, err
	}
	defer src.Close()

	dec, err := decoder(entry.method, markedReader{src})
	if err != nil {
		return res, newError(KindCodec, "extract", name, err)
	}
	cr := newChecksumReader(dec, entry.crc32, entry.uncompressedSize)

	if err := r.fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		cr.Close()
		return res, newError(KindDestinationUnwritable, "mkdir", filepath.Dir(target), err)
	}

	if entry.mode&fs.ModeSymlink != 0 {
		n, err := r.readLink(ctx, entry, target, cr)
		res.BytesRead = n
		return res, err
	}

	perm := entry.mode.Perm()
	if perm == 0 {
		perm = 0644
	}
	// Opening an existing link would write wherever it points.
	if info, err := lstat(r.fs, target); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		if err := r.fs.Remove(target); err != nil {
			cr.Close()
			return res, newError(KindDestinationUnwritable, "remove", target, err)
		}
	}
	out, err := r.fs.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		cr.Close()
		if info, serr := r.fs.Stat(target); serr == nil && info.IsDir() {
			return res, newError(KindConflict, "create", target, err)
		}
		return res, newError(KindDestinationUnwritable, "create", target, err)
	}

	buf := r.e.chunks.get(plan.ChunkSize)
	n, err := copyChunks(ctx, markedWriter{out}, cr, *buf, func(total int64) {
		r.hub.progress(entry.index, name, total, entry.uncompressedSize)
	})
	r.e.chunks.put(buf)
	res.BytesRead, res.BytesWritten = n, n

	verr := cr.Close()
	cerr := out.Close()
	if err == nil {
		err = verr
	}
	if err == nil && cerr != nil {
		err = writeErr{cerr}
	}
	if err != nil {
		r.fs.Remove(target)
		return res, r.classifyCopy(name, err)
	}

	r.restore(target, entry)
	res.Status = StatusSucceeded
	return res, nil
}

func (r *extractRun) classifyCopy(name string, err error) error {
	var we writeErr
	var re readErr
	switch {
	case errors.As(err, &we):
		return newError(KindDestinationUnwritable, "write", name, we.err)
	case errors.As(err, &re):
		return newError(KindSourceUnreadable, "read", name, re.err)
	}
	return classify(KindCodec, "extract", name, err)
}

// readLink reads the target of a link entry and queues it for the link
// pass.
func (r *extractRun) readLink(ctx context.Context, entry storedEntry, target string, cr *checksumReader) (int64, error) {
	name := entry.filename()
	if err := ctx.Err(); err != nil {
		cr.Close()
		return 0, newError(KindCancelled, "extract", name, err)
	}

	data, err := io.ReadAll(io.LimitReader(cr, maxLinkTarget))
	if verr := cr.Close(); err == nil {
		err = verr
	}
	if err != nil {
		return int64(len(data)), r.classifyCopy(name, err)
	}
	if _, ok := r.fs.(afero.Linker); !ok {
		return int64(len(data)), newError(KindUnsupportedEntry, "symlink", name, afero.ErrNoSymlink)
	}

	r.mu.Lock()
	r.links = append(r.links, pendingLink{entry: entry, target: target, link: string(data), size: int64(len(data))})
	r.mu.Unlock()
	return int64(len(data)), errLinkQueued
}

// createLinks creates the queued links one by one in archive order.
func (r *extractRun) createLinks(ctx context.Context) {
	r.mu.Lock()
	links := slices.Clone(r.links)
	r.mu.Unlock()
	slices.SortFunc(links, func(a, b pendingLink) int { return a.entry.index - b.entry.index })

	for _, l := range links {
		if ctx.Err() != nil {
			return
		}
		name := l.entry.filename()
		res := OperationResult{Ordinal: l.entry.index, Name: name, BytesRead: l.size}
		if err := r.symlink(l); err != nil {
			if KindOf(err) == KindDestinationUnwritable {
				r.cancel(err)
				return
			}
			res = resultOf(l.entry.index, name, err)
			res.BytesRead = l.size
			r.record(res, l.size)
			continue
		}
		res.BytesWritten = l.size
		res.Status = StatusSucceeded
		r.record(res, l.size)
	}
}

// symlink creates one link. The link must start below real directories of
// the destination and resolve inside it. Its target is stored cleaned, so
// it only climbs before it descends, and every directory it descends
// through must be a real one.
func (r *extractRun) symlink(l pendingLink) error {
	name := l.entry.filename()
	linker := r.fs.(afero.Linker)

	link := filepath.FromSlash(l.link)
	if link == "" || filepath.IsAbs(link) || strings.HasPrefix(l.link, "/") {
		return newError(KindInsecurePath, "symlink", name, fmt.Errorf("%w: link %q", ErrInsecurePath, l.link))
	}
	link = filepath.Clean(link)
	resolved := filepath.Join(filepath.Dir(l.target), link)
	if _, ok := within(r.root, resolved); !ok {
		return newError(KindInsecurePath, "symlink", name, fmt.Errorf("%w: link %q leaves destination", ErrInsecurePath, l.link))
	}
	if err := r.checkParents(l.target); err != nil {
		return newError(KindInsecurePath, "symlink", name, err)
	}
	if err := r.checkParents(resolved); err != nil {
		return newError(KindInsecurePath, "symlink", name, err)
	}

	if info, err := lstat(r.fs, l.target); err == nil {
		if info.IsDir() || !r.req.Overwrite {
			return newError(KindConflict, "symlink", name, fmt.Errorf("%w: %s exists", ErrConflict, l.target))
		}
		if err := r.fs.Remove(l.target); err != nil {
			return newError(KindDestinationUnwritable, "remove", l.target, err)
		}
	}
	if err := linker.SymlinkIfPossible(link, l.target); err != nil {
		return newError(KindDestinationUnwritable, "symlink", l.target, err)
	}
	return nil
}

// restore applies mode and modification time, best effort.
func (r *extractRun) restore(target string, entry storedEntry) {
	if perm := entry.mode.Perm(); perm != 0 {
		if err := r.fs.Chmod(target, perm); err != nil {
			r.log.Debug().Err(err).Str("entry", entry.name).Msg("restore mode")
		}
	}
	if !entry.modTime.IsZero() {
		if err := r.fs.Chtimes(target, entry.modTime, entry.modTime); err != nil {
			r.log.Debug().Err(err).Str("entry", entry.name).Msg("restore modification time")
		}
	}
}

// restoreDirTimes runs last, deepest first, since creating files inside a
// directory updates its modification time.
func (r *extractRun) restoreDirTimes() {
	dirs := slices.Clone(r.dirs)
	slices.SortFunc(dirs, func(a, b dirTimes) int { return strings.Compare(b.path, a.path) })
	for _, d := range dirs {
		if err := r.fs.Chtimes(d.path, d.modTime, d.modTime); err != nil {
			r.log.Debug().Err(err).Str("entry", d.path).Msg("restore directory time")
		}
	}
}

// record stores a result and publishes its final event.
func (r *extractRun) record(res OperationResult, total int64) {
	r.mu.Lock()
	r.results.put(res)
	r.written += res.BytesWritten
	r.done++
	done := r.done
	r.mu.Unlock()

	r.hub.final(res, total)

	step := max(1, r.entries/10)
	if done%step == 0 || done == r.entries {
		r.log.Info().Msgf("extracted %d/%d", done, r.entries)
	}
}

func (r *extractRun) summary(err error) *Summary {
	var fatal error
	if err != nil {
		fatal = classify(KindDestinationUnwritable, "extract", r.req.Archive, err)
	}

	r.mu.Lock()
	results := r.results.summarize(r.names, fatal)
	written := r.written
	r.mu.Unlock()

	for _, res := range results {
		if res.Status == StatusCancelled && !r.results.has(res.Ordinal) {
			r.hub.final(res, 0)
		}
	}
	r.hub.close()

	sum := &Summary{
		Results:          results,
		TotalBytes:       r.totalBytes,
		BytesWritten:     written,
		Elapsed:          time.Since(r.start),
		Err:              fatal,
		MappingFallbacks: r.fallbacks.Load(),
	}
	sum.Success = fatal == nil && sum.Count(StatusSucceeded) == len(results)

	ev := r.log.Info()
	if fatal != nil {
		ev = r.log.Error().Err(fatal)
	}
	ev.Int("entries", len(results)).
		Int("failed", sum.Count(StatusFailed)).
		Int("skipped", sum.Count(StatusSkipped)).
		Int64("bytes", sum.BytesWritten).
		Int64("mmap_fallbacks", sum.MappingFallbacks).
		Dur("elapsed", sum.Elapsed).
		Msg("extraction finished")
	return sum
}
