// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
)

// Walk enumerates roots on fsys and streams the entries in a stable order:
// roots in the given order, and within a directory root, entries sorted by
// name with every directory emitted before its contents. The channel holds
// at most lookahead entries, so the walk runs only that far ahead of the
// consumer. It is closed when the walk ends or ctx is done.
//
// A directory root contributes its contents named relative to the root; any
// other root contributes a single entry named after its base name. Symbolic
// links are never followed. Failures are delivered as entries with Err set.
func Walk(ctx context.Context, fsys afero.Fs, roots []string, lookahead int) <-chan ArchiveEntry {
	out := make(chan ArchiveEntry, max(1, lookahead))

	go func() {
		defer close(out)
		w := &walker{
			ctx:  ctx,
			fs:   fsys,
			out:  out,
			seen: make(map[string]struct{}),
		}
		for _, root := range roots {
			if !w.root(root) {
				return
			}
		}
	}()

	return out
}

type walker struct {
	ctx  context.Context
	fs   afero.Fs
	out  chan<- ArchiveEntry
	seen map[string]struct{}
}

func (w *walker) root(root string) bool {
	name := filepath.ToSlash(filepath.Base(filepath.Clean(root)))

	info, err := lstat(w.fs, root)
	if err != nil {
		return w.emit(ArchiveEntry{
			Name: name,
			Path: root,
			Err:  newError(KindSourceUnreadable, "walk", root, err),
		})
	}

	if !info.IsDir() {
		return w.visit(root, name, info, nil)
	}

	children, err := afero.ReadDir(w.fs, root)
	if err != nil {
		return w.emit(ArchiveEntry{
			Name: name,
			Path: root,
			Kind: KindDir,
			Err:  newError(KindSourceUnreadable, "walk", root, err),
		})
	}
	return w.dir(root, "", children)
}

// dir emits the children of a directory whose listing was already read.
func (w *walker) dir(dirPath, prefix string, children []os.FileInfo) bool {
	for _, info := range children {
		childPath := filepath.Join(dirPath, info.Name())
		name := path.Join(prefix, info.Name())

		if !info.IsDir() {
			if !w.visit(childPath, name, info, nil) {
				return false
			}
			continue
		}

		// The listing is read before the directory is emitted so an
		// unreadable directory is reported once, on its own entry.
		grandchildren, err := afero.ReadDir(w.fs, childPath)
		if !w.visit(childPath, name, info, err) {
			return false
		}
		if err == nil && !w.dir(childPath, name, grandchildren) {
			return false
		}
	}
	return true
}

func (w *walker) visit(p, name string, info os.FileInfo, listErr error) bool {
	entry := ArchiveEntry{
		Name:    name,
		Path:    p,
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
	}

	mode := info.Mode()
	switch {
	case mode.IsDir():
		entry.Kind = KindDir
		if listErr != nil {
			entry.Err = newError(KindSourceUnreadable, "walk", name, listErr)
		}
	case mode&fs.ModeSymlink != 0:
		entry.Kind = KindSymlink
		target, err := readlink(w.fs, p)
		if err != nil {
			entry.Err = newError(KindSourceUnreadable, "readlink", name, err)
		}
		entry.Target = target
		entry.Size = int64(len(target))
	case mode.IsRegular():
		entry.Kind = KindFile
		entry.Size = info.Size()
	default:
		entry.Kind = KindSpecial
		entry.Err = newError(KindUnsupportedEntry, "walk", name, fmt.Errorf("file mode %v", mode.Type()))
	}

	if entry.Err == nil {
		if err := validName(name); err != nil {
			entry.Err = newError(KindUnsupportedEntry, "walk", name, err)
		}
	}

	if _, dup := w.seen[name]; dup {
		entry.Err = newError(KindConflict, "walk", name, ErrDuplicateEntry)
	} else {
		w.seen[name] = struct{}{}
	}

	return w.emit(entry)
}

func (w *walker) emit(entry ArchiveEntry) bool {
	select {
	case w.out <- entry:
		return true
	case <-w.ctx.Done():
		return false
	}
}

func lstat(fsys afero.Fs, name string) (os.FileInfo, error) {
	if l, ok := fsys.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(name)
		return info, err
	}
	return fsys.Stat(name)
}

func readlink(fsys afero.Fs, name string) (string, error) {
	if r, ok := fsys.(afero.LinkReader); ok {
		return r.ReadlinkIfPossible(name)
	}
	return "", &os.PathError{Op: "readlink", Path: name, Err: afero.ErrNoReadlink}
}
