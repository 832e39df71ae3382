// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lemon4ksan/zipflow"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() zipflow.Config {
	cfg := zipflow.DefaultConfig()
	cfg.Workers = 4
	cfg.TempDir = "/tmp"
	return cfg
}

func writeFiles(t *testing.T, fsys afero.Fs, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if strings.HasSuffix(name, "/") {
			require.NoError(t, fsys.MkdirAll(name, 0755))
			continue
		}
		require.NoError(t, fsys.MkdirAll(filepath.Dir(name), 0755))
		require.NoError(t, afero.WriteFile(fsys, name, []byte(content), 0644))
	}
}

func listNames(t *testing.T, e *zipflow.Engine, archive string) []string {
	t.Helper()
	var names []string
	for info, err := range e.List(context.Background(), archive) {
		require.NoError(t, err)
		names = append(names, info.Name)
	}
	return names
}

func resultsByName(sum *zipflow.Summary) map[string]zipflow.OperationResult {
	out := make(map[string]zipflow.OperationResult, len(sum.Results))
	for _, r := range sum.Results {
		out[r.Name] = r
	}
	return out
}

func TestCompressExtract_RoundTrip(t *testing.T) {
	files := map[string]string{
		"/src/hello.txt":          "Hello World",
		"/src/dir/nested.json":    "{}",
		"/src/dir/deeper/a.log":   strings.Repeat("log line\n", 5000),
		"/src/empty/":             "",
		"/src/zero.bin":           "",
		"/src/images/logo.png":    "\x89PNG\r\n\x1a\n" + strings.Repeat("\x00", 64),
		"/src/unicode/naïve.txt": "ünïcödé",
	}

	tests := []struct {
		name   string
		level  int
		method zipflow.CompressionMethod
	}{
		{"store", zipflow.LevelStore, zipflow.Deflated},
		{"deflate", zipflow.DeflateNormal, zipflow.Deflated},
		{"deflate max", zipflow.DeflateMaximum, zipflow.Deflated},
		{"zstd", zipflow.DeflateFast, zipflow.ZStandard},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := afero.NewMemMapFs()
			writeFiles(t, fsys, files)
			e := zipflow.New(testConfig(), zipflow.WithFs(fsys))

			sum, err := e.Compress(context.Background(), zipflow.CompressRequest{
				Sources:     []string{"/src"},
				Destination: "/out.zip",
				Level:       tt.level,
				Method:      tt.method,
			})
			require.NoError(t, err)
			require.True(t, sum.Success, "%+v", sum.Failed())
			assert.Len(t, sum.Results, 11)
			assert.NotZero(t, sum.ArchiveDigest)

			info, err := fsys.Stat("/out.zip")
			require.NoError(t, err)
			assert.Equal(t, info.Size(), sum.BytesWritten)

			sum, err = e.Extract(context.Background(), zipflow.ExtractRequest{Archive: "/out.zip", Destination: "/restored"})
			require.NoError(t, err)
			require.True(t, sum.Success, "%+v", sum.Failed())

			for name, content := range files {
				target := "/restored" + strings.TrimPrefix(name, "/src")
				if strings.HasSuffix(name, "/") {
					fi, err := fsys.Stat(target)
					require.NoError(t, err)
					assert.True(t, fi.IsDir())
					continue
				}
				got, err := afero.ReadFile(fsys, target)
				require.NoError(t, err, target)
				assert.Equal(t, content, string(got), target)
			}
		})
	}
}

func TestCompress_ReadableByArchiveZip(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, map[string]string{
		"/src/a.txt":     strings.Repeat("a", 1000),
		"/src/sub/b.txt": "bee",
	})
	e := zipflow.New(testConfig(), zipflow.WithFs(fsys))

	_, err := e.Compress(context.Background(), zipflow.CompressRequest{
		Sources:     []string{"/src"},
		Destination: "/out.zip",
		Level:       zipflow.DeflateNormal,
	})
	require.NoError(t, err)

	data, err := afero.ReadFile(fsys, "/out.zip")
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		if f.Mode().IsDir() {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		_, err = io.Copy(io.Discard, rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
	}
	assert.Equal(t, []string{"a.txt", "sub/", "sub/b.txt"}, names)
}

func TestCompress_Deterministic(t *testing.T) {
	fsys := afero.NewMemMapFs()
	files := make(map[string]string)
	for i := range 30 {
		files[fmt.Sprintf("/src/d%d/file_%02d.txt", i%4, i)] = strings.Repeat(fmt.Sprintf("data %d ", i), 100*(i+1))
	}
	writeFiles(t, fsys, files)

	cfg := testConfig()
	cfg.Workers = 8
	e := zipflow.New(cfg, zipflow.WithFs(fsys))

	var digests []uint64
	var archives [][]byte
	for i := range 3 {
		dest := fmt.Sprintf("/out%d.zip", i)
		sum, err := e.Compress(context.Background(), zipflow.CompressRequest{
			Sources:     []string{"/src"},
			Destination: dest,
			Level:       zipflow.DeflateNormal,
		})
		require.NoError(t, err)
		digests = append(digests, sum.ArchiveDigest)

		data, err := afero.ReadFile(fsys, dest)
		require.NoError(t, err)
		archives = append(archives, data)
	}

	assert.Equal(t, archives[0], archives[1])
	assert.Equal(t, archives[0], archives[2])
	assert.Equal(t, digests[0], digests[1])
}

// slowFs delays every open by a random amount so workers finish out of order.
type slowFs struct {
	afero.Fs
	mu  sync.Mutex
	rnd *rand.Rand
}

func (s *slowFs) Open(name string) (afero.File, error) {
	s.mu.Lock()
	d := time.Duration(s.rnd.Intn(3000)) * time.Microsecond
	s.mu.Unlock()
	time.Sleep(d)
	return s.Fs.Open(name)
}

func TestCompress_OrderedUnderRandomDelays(t *testing.T) {
	mem := afero.NewMemMapFs()
	var want []string
	files := make(map[string]string)
	for i := range 40 {
		name := fmt.Sprintf("file_%02d.txt", i)
		want = append(want, name)
		files["/src/"+name] = strings.Repeat("x", i*37)
	}
	writeFiles(t, mem, files)

	fsys := &slowFs{Fs: mem, rnd: rand.New(rand.NewSource(1))}
	cfg := testConfig()
	cfg.Workers = 8
	e := zipflow.New(cfg, zipflow.WithFs(fsys))

	sum, err := e.Compress(context.Background(), zipflow.CompressRequest{
		Sources:     []string{"/src"},
		Destination: "/out.zip",
		Level:       zipflow.DeflateFast,
	})
	require.NoError(t, err)
	require.True(t, sum.Success)

	for i, r := range sum.Results {
		assert.Equal(t, i, r.Ordinal)
		assert.Equal(t, want[i], r.Name)
	}
	assert.Equal(t, want, listNames(t, e, "/out.zip"))
}

// cancelFs cancels the operation when the named file is opened.
type cancelFs struct {
	afero.Fs
	trigger string
	cancel  context.CancelFunc
}

func (c *cancelFs) Open(name string) (afero.File, error) {
	if filepath.Base(name) == c.trigger {
		c.cancel()
	}
	return c.Fs.Open(name)
}

func TestCompress_CancelledLeavesNoArchive(t *testing.T) {
	mem := afero.NewMemMapFs()
	files := make(map[string]string)
	for i := range 20 {
		files[fmt.Sprintf("/src/file_%02d.bin", i)] = strings.Repeat(fmt.Sprint(i), 256*1024)
	}
	writeFiles(t, mem, files)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fsys := &cancelFs{Fs: mem, trigger: "file_05.bin", cancel: cancel}
	e := zipflow.New(testConfig(), zipflow.WithFs(fsys))

	sum, err := e.Compress(ctx, zipflow.CompressRequest{
		Sources:     []string{"/src"},
		Destination: "/out.zip",
		Level:       zipflow.DeflateNormal,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, zipflow.ErrCancelled)
	assert.Equal(t, zipflow.KindCancelled, zipflow.KindOf(err))
	assert.False(t, sum.Success)
	assert.Positive(t, sum.Count(zipflow.StatusCancelled))

	_, statErr := mem.Stat("/out.zip")
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "archive must not exist")

	entries, err := afero.ReadDir(mem, "/")
	require.NoError(t, err)
	for _, fi := range entries {
		assert.NotContains(t, fi.Name(), ".partial")
	}
}

func TestCompress_CancelledKeepsExistingArchive(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeFiles(t, mem, map[string]string{"/old/a.txt": "old", "/src/b.txt": "new"})
	e := zipflow.New(testConfig(), zipflow.WithFs(mem))

	_, err := e.Compress(context.Background(), zipflow.CompressRequest{Sources: []string{"/old"}, Destination: "/out.zip", Level: 6})
	require.NoError(t, err)
	before, err := afero.ReadFile(mem, "/out.zip")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Compress(ctx, zipflow.CompressRequest{Sources: []string{"/src"}, Destination: "/out.zip", Level: 6})
	assert.ErrorIs(t, err, zipflow.ErrCancelled)

	after, err := afero.ReadFile(mem, "/out.zip")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCompress_OverwritePolicies(t *testing.T) {
	big := strings.Repeat("0123456789abcdef", 128*1024)

	tests := []struct {
		policy      zipflow.OverwritePolicy
		wantStatus  zipflow.Status
		wantContent string
	}{
		{zipflow.OverwriteSkip, zipflow.StatusSkipped, "old a.txt!"},
		{zipflow.OverwriteFail, zipflow.StatusFailed, "old a.txt!"},
		{zipflow.OverwriteReplace, zipflow.StatusSucceeded, "new a.txt!"},
	}

	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			fsys := afero.NewMemMapFs()
			writeFiles(t, fsys, map[string]string{
				"/first/a.txt": "old a.txt!",
				"/src/a.txt":   "new a.txt!",
				"/src/b.txt":   big,
			})
			e := zipflow.New(testConfig(), zipflow.WithFs(fsys))

			_, err := e.Compress(context.Background(), zipflow.CompressRequest{
				Sources: []string{"/first"}, Destination: "/out.zip", Level: zipflow.DeflateNormal,
			})
			require.NoError(t, err)

			sum, err := e.Compress(context.Background(), zipflow.CompressRequest{
				Sources:     []string{"/src"},
				Destination: "/out.zip",
				Level:       zipflow.DeflateNormal,
				Overwrite:   tt.policy,
			})
			require.NoError(t, err)

			byName := resultsByName(sum)
			a, b := byName["a.txt"], byName["b.txt"]
			assert.Equal(t, tt.wantStatus, a.Status)
			if tt.policy != zipflow.OverwriteReplace {
				assert.False(t, sum.Success)
				assert.Equal(t, zipflow.KindConflict, a.Kind)
			} else {
				assert.True(t, sum.Success)
			}

			assert.Equal(t, zipflow.StatusSucceeded, b.Status)
			assert.Equal(t, zipflow.KindNone, b.Kind)

			var infos []zipflow.EntryInfo
			for info, err := range e.List(context.Background(), "/out.zip") {
				require.NoError(t, err)
				infos = append(infos, info)
			}
			require.Len(t, infos, 2)
			idx := slices.IndexFunc(infos, func(i zipflow.EntryInfo) bool { return i.Name == "b.txt" })
			require.GreaterOrEqual(t, idx, 0)
			assert.Equal(t, infos[idx].CompressedSize, b.BytesWritten)
			assert.Equal(t, int64(len(big)), b.BytesRead)

			_, err = e.Extract(context.Background(), zipflow.ExtractRequest{Archive: "/out.zip", Destination: "/x"})
			require.NoError(t, err)
			got, err := afero.ReadFile(fsys, "/x/a.txt")
			require.NoError(t, err)
			assert.Equal(t, tt.wantContent, string(got))
		})
	}
}

func TestList_DirectoryAndFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, map[string]string{"/src/docs/readme.txt": strings.Repeat("r", 50)})
	e := zipflow.New(testConfig(), zipflow.WithFs(fsys))

	_, err := e.Compress(context.Background(), zipflow.CompressRequest{
		Sources: []string{"/src"}, Destination: "/out.zip", Level: zipflow.DeflateNormal,
	})
	require.NoError(t, err)

	var infos []zipflow.EntryInfo
	for info, err := range e.List(context.Background(), "/out.zip") {
		require.NoError(t, err)
		infos = append(infos, info)
	}
	require.Len(t, infos, 2)
	assert.Equal(t, "docs/", infos[0].Name)
	assert.True(t, infos[0].IsDir)
	assert.Equal(t, "docs/readme.txt", infos[1].Name)
	assert.Equal(t, int64(50), infos[1].UncompressedSize)
	assert.Greater(t, infos[1].Ratio(), 0.0)

	var totals zipflow.ListTotals
	for _, info := range infos {
		totals.Add(info)
	}
	assert.Equal(t, 1, totals.Files)
	assert.Equal(t, 1, totals.Dirs)
	assert.Equal(t, int64(50), totals.UncompressedSize)
}

func TestList_NotAnArchive(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, map[string]string{"/junk.zip": strings.Repeat("not a zip ", 10)})
	e := zipflow.New(testConfig(), zipflow.WithFs(fsys))

	var errs []error
	for _, err := range e.List(context.Background(), "/junk.zip") {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], zipflow.ErrFormat)
	assert.Equal(t, zipflow.KindSourceUnreadable, zipflow.KindOf(errs[0]))

	for _, err := range e.List(context.Background(), "/missing.zip") {
		assert.ErrorIs(t, err, zipflow.ErrSourceUnreadable)
	}
}

// failOpenFs fails to open one file.
type failOpenFs struct {
	afero.Fs
	name string
}

func (f *failOpenFs) Open(name string) (afero.File, error) {
	if filepath.Base(name) == f.name {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return f.Fs.Open(name)
}

func TestCompress_UnreadableSourceFailsOnlyItsEntry(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeFiles(t, mem, map[string]string{"/src/a.txt": "a", "/src/b.txt": "b", "/src/c.txt": "c"})
	e := zipflow.New(testConfig(), zipflow.WithFs(&failOpenFs{Fs: mem, name: "b.txt"}))

	sum, err := e.Compress(context.Background(), zipflow.CompressRequest{
		Sources: []string{"/src"}, Destination: "/out.zip", Level: zipflow.DeflateNormal,
	})
	require.NoError(t, err)
	assert.False(t, sum.Success)

	byName := resultsByName(sum)
	assert.Equal(t, zipflow.StatusFailed, byName["b.txt"].Status)
	assert.Equal(t, zipflow.KindSourceUnreadable, byName["b.txt"].Kind)
	assert.ErrorIs(t, byName["b.txt"].Err, os.ErrPermission)
	assert.True(t, byName["a.txt"].OK())
	assert.True(t, byName["c.txt"].OK())

	assert.Equal(t, []string{"a.txt", "c.txt"}, listNames(t, e, "/out.zip"))
}

func TestCompress_MissingSource(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeFiles(t, mem, map[string]string{"/src/a.txt": "a"})
	e := zipflow.New(testConfig(), zipflow.WithFs(mem))

	sum, err := e.Compress(context.Background(), zipflow.CompressRequest{
		Sources: []string{"/src/a.txt", "/nope"}, Destination: "/out.zip", Level: 1,
	})
	require.NoError(t, err)
	require.Len(t, sum.Results, 2)
	assert.True(t, sum.Results[0].OK())
	assert.Equal(t, zipflow.KindSourceUnreadable, sum.Results[1].Kind)
}

func TestCompress_DestinationUnwritable(t *testing.T) {
	mem := afero.NewMemMapFs()
	writeFiles(t, mem, map[string]string{"/src/a.txt": "a"})
	e := zipflow.New(testConfig(), zipflow.WithFs(afero.NewReadOnlyFs(mem)))

	sum, err := e.Compress(context.Background(), zipflow.CompressRequest{
		Sources: []string{"/src"}, Destination: "/out.zip", Level: 1,
	})
	require.Error(t, err)
	assert.Equal(t, zipflow.KindDestinationUnwritable, zipflow.KindOf(err))
	assert.Equal(t, err, sum.Err)
	assert.False(t, sum.Success)
}

func TestCompress_InvalidRequest(t *testing.T) {
	e := zipflow.New(testConfig(), zipflow.WithFs(afero.NewMemMapFs()))
	tests := []struct {
		name string
		req  zipflow.CompressRequest
		kind zipflow.ErrorKind
	}{
		{"no sources", zipflow.CompressRequest{Destination: "/o.zip"}, zipflow.KindSourceUnreadable},
		{"no destination", zipflow.CompressRequest{Sources: []string{"/a"}}, zipflow.KindDestinationUnwritable},
		{"level", zipflow.CompressRequest{Sources: []string{"/a"}, Destination: "/o.zip", Level: 10}, zipflow.KindCodec},
		{"method", zipflow.CompressRequest{Sources: []string{"/a"}, Destination: "/o.zip", Method: 12}, zipflow.KindCodec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum, err := e.Compress(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, zipflow.KindOf(err))
			assert.Empty(t, sum.Results)
		})
	}
}

func TestCompress_StoreCompressedMedia(t *testing.T) {
	fsys := afero.NewMemMapFs()
	png := "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR" + strings.Repeat("\x00", 4096)
	writeFiles(t, fsys, map[string]string{"/src/logo.png": png, "/src/notes.txt": strings.Repeat("n", 4096)})
	e := zipflow.New(testConfig(), zipflow.WithFs(fsys))

	_, err := e.Compress(context.Background(), zipflow.CompressRequest{
		Sources:              []string{"/src"},
		Destination:          "/out.zip",
		Level:                zipflow.DeflateNormal,
		StoreCompressedMedia: true,
	})
	require.NoError(t, err)

	methods := make(map[string]zipflow.CompressionMethod)
	for info, err := range e.List(context.Background(), "/out.zip") {
		require.NoError(t, err)
		methods[info.Name] = info.Method
	}
	assert.Equal(t, zipflow.Stored, methods["logo.png"])
	assert.Equal(t, zipflow.Deflated, methods["notes.txt"])
}

func TestCompress_ProgressEvents(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, map[string]string{
		"/src/big.bin":   strings.Repeat("b", 1<<20),
		"/src/small.txt": "s",
		"/src/dir/":      "",
	})

	var mu sync.Mutex
	var events []zipflow.ProgressEvent
	sub := zipflow.SubscriberFunc(func(ev zipflow.ProgressEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	cfg := testConfig()
	cfg.ChunkCeiling = 64 * zipflow.KiB
	e := zipflow.New(cfg, zipflow.WithFs(fsys))
	sum, err := e.Compress(context.Background(), zipflow.CompressRequest{
		Sources: []string{"/src"}, Destination: "/out.zip", Level: zipflow.DeflateFast,
	}, zipflow.WithSubscriber(sub))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()

	finals := make(map[int]int)
	last := make(map[int]int64)
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.BytesProcessed, last[ev.Ordinal], "bytes must not decrease for %s", ev.Name)
		last[ev.Ordinal] = ev.BytesProcessed
		if ev.Final {
			finals[ev.Ordinal]++
			require.NotNil(t, ev.Result)
			assert.Equal(t, ev.Ordinal, ev.Result.Ordinal)
		} else {
			assert.Zero(t, finals[ev.Ordinal], "event after final for %s", ev.Name)
		}
	}
	require.Len(t, finals, len(sum.Results))
	for ordinal, n := range finals {
		assert.Equal(t, 1, n, "ordinal %d", ordinal)
	}
}

func TestCompress_ChannelSubscriber(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, map[string]string{"/src/a.txt": "a", "/src/b.txt": "b"})
	e := zipflow.New(testConfig(), zipflow.WithFs(fsys))

	ch := make(chan zipflow.ProgressEvent)
	var finals atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			if ev.Final {
				finals.Add(1)
			}
		}
	}()

	_, err := e.Compress(context.Background(), zipflow.CompressRequest{
		Sources: []string{"/src"}, Destination: "/out.zip", Level: 1,
	}, zipflow.WithSubscriber(zipflow.ChannelSubscriber(ch)))
	require.NoError(t, err)
	close(ch)
	<-done
	assert.Equal(t, int32(2), finals.Load())
}

func TestExtract_OverwriteAndSkip(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, map[string]string{"/src/a.txt": "from archive", "/src/b.txt": "bee"})
	e := zipflow.New(testConfig(), zipflow.WithFs(fsys))
	_, err := e.Compress(context.Background(), zipflow.CompressRequest{Sources: []string{"/src"}, Destination: "/out.zip", Level: 6})
	require.NoError(t, err)

	writeFiles(t, fsys, map[string]string{"/dest/a.txt": "local"})

	var skippedProgress int64
	sub := zipflow.SubscriberFunc(func(ev zipflow.ProgressEvent) {
		if ev.Final && ev.Result.Status == zipflow.StatusSkipped {
			skippedProgress = ev.BytesProcessed
		}
	})
	sum, err := e.Extract(context.Background(), zipflow.ExtractRequest{Archive: "/out.zip", Destination: "/dest"}, zipflow.WithSubscriber(sub))
	require.NoError(t, err)
	assert.False(t, sum.Success)
	byName := resultsByName(sum)
	assert.Equal(t, zipflow.StatusSkipped, byName["a.txt"].Status)
	assert.Equal(t, zipflow.StatusSucceeded, byName["b.txt"].Status)
	assert.Equal(t, int64(len("from archive")), skippedProgress)

	got, _ := afero.ReadFile(fsys, "/dest/a.txt")
	assert.Equal(t, "local", string(got))

	sum, err = e.Extract(context.Background(), zipflow.ExtractRequest{Archive: "/out.zip", Destination: "/dest", Overwrite: true})
	require.NoError(t, err)
	assert.True(t, sum.Success)
	got, _ = afero.ReadFile(fsys, "/dest/a.txt")
	assert.Equal(t, "from archive", string(got))
}

func TestExtract_InsecurePaths(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"../evil.txt", "ok/../../evil2.txt", "/abs.txt", "good.txt"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("payload"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/bad.zip", buf.Bytes(), 0644))
	e := zipflow.New(testConfig(), zipflow.WithFs(fsys))

	sum, err := e.Extract(context.Background(), zipflow.ExtractRequest{Archive: "/bad.zip", Destination: "/out"})
	require.NoError(t, err)
	require.Len(t, sum.Results, 4)
	for _, r := range sum.Results[:3] {
		assert.Equal(t, zipflow.KindInsecurePath, r.Kind, r.Name)
		assert.ErrorIs(t, r.Err, zipflow.ErrInsecurePath)
	}
	assert.True(t, sum.Results[3].OK())

	for _, p := range []string{"/evil.txt", "/evil2.txt", "/abs.txt"} {
		_, err := fsys.Stat(p)
		assert.True(t, errors.Is(err, os.ErrNotExist), p)
	}
}

func TestExtract_CorruptData(t *testing.T) {
	fsys := afero.NewMemMapFs()
	content := strings.Repeat("integrity ", 100)
	writeFiles(t, fsys, map[string]string{"/src/a.txt": content})
	e := zipflow.New(testConfig(), zipflow.WithFs(fsys))
	_, err := e.Compress(context.Background(), zipflow.CompressRequest{Sources: []string{"/src"}, Destination: "/out.zip", Level: zipflow.LevelStore})
	require.NoError(t, err)

	data, err := afero.ReadFile(fsys, "/out.zip")
	require.NoError(t, err)
	i := bytes.Index(data, []byte(content))
	require.GreaterOrEqual(t, i, 0)
	data[i+5] ^= 0xff
	require.NoError(t, afero.WriteFile(fsys, "/out.zip", data, 0644))

	sum, err := e.Extract(context.Background(), zipflow.ExtractRequest{Archive: "/out.zip", Destination: "/x"})
	require.NoError(t, err)
	require.Len(t, sum.Results, 1)
	assert.Equal(t, zipflow.StatusFailed, sum.Results[0].Status)
	assert.Equal(t, zipflow.KindCodec, sum.Results[0].Kind)
	assert.ErrorIs(t, sum.Results[0].Err, zipflow.ErrChecksum)

	_, err = fsys.Stat("/x/a.txt")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestExtract_RestoresModeAndTime(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, map[string]string{"/src/run.sh": "#!/bin/sh\n"})
	require.NoError(t, fsys.Chmod("/src/run.sh", 0755))
	mtime := time.Date(2021, 3, 4, 5, 6, 8, 0, time.UTC)
	require.NoError(t, fsys.Chtimes("/src/run.sh", mtime, mtime))

	e := zipflow.New(testConfig(), zipflow.WithFs(fsys))
	_, err := e.Compress(context.Background(), zipflow.CompressRequest{Sources: []string{"/src"}, Destination: "/out.zip", Level: 6})
	require.NoError(t, err)
	_, err = e.Extract(context.Background(), zipflow.ExtractRequest{Archive: "/out.zip", Destination: "/x"})
	require.NoError(t, err)

	fi, err := fsys.Stat("/x/run.sh")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), fi.Mode().Perm())
	assert.True(t, fi.ModTime().Equal(mtime), "mtime %v", fi.ModTime())
}

func TestCompress_MappedAndBufferedAgree(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(src, 0755))
	rnd := rand.New(rand.NewSource(42))
	var nonEmpty int64
	for i := range 6 {
		data := make([]byte, (i*i)*40*1024)
		rnd.Read(data[:len(data)/2])
		if len(data) > 0 {
			nonEmpty++
		}
		require.NoError(t, os.WriteFile(filepath.Join(src, fmt.Sprintf("f%d.bin", i)), data, 0644))
	}

	cfg := zipflow.DefaultConfig()
	cfg.Workers = 3
	cfg.MmapThreshold = 1

	mapped := zipflow.New(cfg)
	sumMapped, err := mapped.Compress(context.Background(), zipflow.CompressRequest{
		Sources: []string{src}, Destination: filepath.Join(dir, "mapped.zip"), Level: zipflow.DeflateNormal,
	})
	require.NoError(t, err)
	require.True(t, sumMapped.Success)
	if runtime.GOOS == "linux" {
		assert.Zero(t, sumMapped.MappingFallbacks)
	}

	failing := func(*os.File, int64, int64) ([]byte, func() error, error) {
		return nil, nil, errors.New("mapping disabled")
	}
	buffered := zipflow.New(cfg, zipflow.WithMapper(failing))
	sumBuffered, err := buffered.Compress(context.Background(), zipflow.CompressRequest{
		Sources: []string{src}, Destination: filepath.Join(dir, "buffered.zip"), Level: zipflow.DeflateNormal,
	})
	require.NoError(t, err)
	require.True(t, sumBuffered.Success)
	assert.Equal(t, nonEmpty, sumBuffered.MappingFallbacks)

	a, err := os.ReadFile(filepath.Join(dir, "mapped.zip"))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(dir, "buffered.zip"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, sumMapped.ArchiveDigest, sumBuffered.ArchiveDigest)

	// Extraction maps the archive sections the same way.
	sum, err := mapped.Extract(context.Background(), zipflow.ExtractRequest{
		Archive: filepath.Join(dir, "mapped.zip"), Destination: filepath.Join(dir, "out"),
	})
	require.NoError(t, err)
	require.True(t, sum.Success, "%+v", sum.Failed())
	for i := range 6 {
		want, _ := os.ReadFile(filepath.Join(src, fmt.Sprintf("f%d.bin", i)))
		got, err := os.ReadFile(filepath.Join(dir, "out", fmt.Sprintf("f%d.bin", i)))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want, got), "f%d.bin", i)
	}
}

func TestCompress_SymlinkRoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(src, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "target.txt"), []byte("target"), 0644))
	require.NoError(t, os.Symlink("target.txt", filepath.Join(src, "link")))
	require.NoError(t, os.Symlink("../../outside", filepath.Join(src, "escape")))

	e := zipflow.New(zipflow.DefaultConfig())
	archive := filepath.Join(dir, "out.zip")
	sum, err := e.Compress(context.Background(), zipflow.CompressRequest{Sources: []string{src}, Destination: archive, Level: 6})
	require.NoError(t, err)
	require.True(t, sum.Success, "%+v", sum.Failed())

	out := filepath.Join(dir, "out")
	sum, err = e.Extract(context.Background(), zipflow.ExtractRequest{Archive: archive, Destination: out})
	require.NoError(t, err)

	byName := resultsByName(sum)
	assert.True(t, byName["link"].OK())
	assert.Equal(t, zipflow.KindInsecurePath, byName["escape"].Kind)

	link, err := os.Readlink(filepath.Join(out, "link"))
	require.NoError(t, err)
	assert.Equal(t, "target.txt", link)
	_, err = os.Lstat(filepath.Join(out, "escape"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCompress_ArchiveNeverIncludesItself(t *testing.T) {
	tests := []struct {
		name        string
		source      func(dir string) string
		destination func(dir string) string
	}{
		{"relative source", func(string) string { return "." }, func(dir string) string { return filepath.Join(dir, "out.zip") }},
		{"relative destination", func(dir string) string { return dir }, func(string) string { return "out.zip" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0644))
			t.Chdir(dir)

			e := zipflow.New(testConfig())
			// The second run finds the archive from the first one in its source.
			for _, policy := range []zipflow.OverwritePolicy{zipflow.OverwriteFail, zipflow.OverwriteReplace} {
				sum, err := e.Compress(context.Background(), zipflow.CompressRequest{
					Sources:     []string{tt.source(dir)},
					Destination: tt.destination(dir),
					Level:       zipflow.DeflateNormal,
					Overwrite:   policy,
				})
				require.NoError(t, err, policy)
				require.Len(t, sum.Results, 1, "%v: %+v", policy, sum.Results)
				assert.Equal(t, "a.txt", sum.Results[0].Name)
				assert.Equal(t, []string{"a.txt"}, listNames(t, e, filepath.Join(dir, "out.zip")))
			}
		})
	}
}

type zipMember struct {
	name string
	link string // symbolic link target when set
	data string
}

func writeZip(t *testing.T, path string, members []zipMember) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		hdr := &zip.FileHeader{Name: m.name, Method: zip.Store}
		data := m.data
		if m.link != "" {
			hdr.SetMode(os.ModeSymlink | 0777)
			data = m.link
		} else {
			hdr.SetMode(0644)
		}
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(data))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

// assertContained fails when anything below dest resolves outside of it.
func assertContained(t *testing.T, dest string) {
	t.Helper()
	realDest, err := filepath.EvalSymlinks(dest)
	require.NoError(t, err)
	err = filepath.WalkDir(dest, func(p string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(realDest, resolved)
		require.NoError(t, err)
		assert.False(t, rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)), "%s resolves to %s", p, resolved)
		return nil
	})
	require.NoError(t, err)
}

func TestExtract_LinksCannotLeadOutside(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}

	tests := []struct {
		name    string
		members []zipMember
		want    map[string]zipflow.ErrorKind
	}{
		{
			name: "link chain with file",
			members: []zipMember{
				{name: "d", link: "."},
				{name: "d/e", link: "../outside"},
				{name: "d/e/pwned.txt", data: "pwned"},
			},
			want: map[string]zipflow.ErrorKind{"d": zipflow.KindConflict, "d/e": zipflow.KindConflict},
		},
		{
			name: "link below link",
			members: []zipMember{
				{name: "d", link: "."},
				{name: "d/e", link: "../outside"},
			},
			want: map[string]zipflow.ErrorKind{"d/e": zipflow.KindInsecurePath},
		},
		{
			name: "climb after descent",
			members: []zipMember{
				{name: "y", link: "."},
				{name: "x", link: "y/../z"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			archive := filepath.Join(dir, "links.zip")
			writeZip(t, archive, tt.members)
			dest := filepath.Join(dir, "dest")

			e := zipflow.New(testConfig())
			sum, err := e.Extract(context.Background(), zipflow.ExtractRequest{Archive: archive, Destination: dest})
			require.NoError(t, err)
			require.Len(t, sum.Results, len(tt.members))

			for _, r := range sum.Results {
				if kind, ok := tt.want[r.Name]; ok {
					assert.Equal(t, zipflow.StatusFailed, r.Status, r.Name)
					assert.Equal(t, kind, r.Kind, r.Name)
				} else {
					assert.True(t, r.OK(), "%s: %v", r.Name, r.Err)
				}
			}

			_, err = os.Lstat(filepath.Join(dir, "outside"))
			assert.True(t, errors.Is(err, os.ErrNotExist), "nothing may be written outside the destination")
			assertContained(t, dest)
		})
	}
}

func TestExtract_ExistingLinksInDestination(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dir := t.TempDir()
	outside := filepath.Join(dir, "outside")
	require.NoError(t, os.MkdirAll(outside, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "keep.txt"), []byte("keep"), 0644))

	dest := filepath.Join(dir, "dest")
	require.NoError(t, os.MkdirAll(dest, 0755))
	require.NoError(t, os.Symlink(outside, filepath.Join(dest, "sneaky")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "keep.txt"), filepath.Join(dest, "a.txt")))

	archive := filepath.Join(dir, "in.zip")
	writeZip(t, archive, []zipMember{
		{name: "a.txt", data: "replaced"},
		{name: "sneaky/x.txt", data: "escaped"},
	})

	e := zipflow.New(testConfig())
	sum, err := e.Extract(context.Background(), zipflow.ExtractRequest{Archive: archive, Destination: dest, Overwrite: true})
	require.NoError(t, err)

	byName := resultsByName(sum)
	assert.True(t, byName["a.txt"].OK(), "%v", byName["a.txt"].Err)
	assert.Equal(t, zipflow.KindInsecurePath, byName["sneaky/x.txt"].Kind)
	assert.ErrorIs(t, byName["sneaky/x.txt"].Err, zipflow.ErrInsecurePath)

	_, err = os.Stat(filepath.Join(outside, "x.txt"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	kept, err := os.ReadFile(filepath.Join(outside, "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(kept), "the link is replaced, not written through")

	fi, err := os.Lstat(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular())
}

func TestExtract_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "dup.zip")
	writeZip(t, archive, []zipMember{
		{name: "a.txt", data: strings.Repeat("first ", 1000)},
		{name: "a.txt", data: "second"},
		{name: "b.txt", data: "bee"},
	})

	e := zipflow.New(testConfig())
	sum, err := e.Extract(context.Background(), zipflow.ExtractRequest{Archive: archive, Destination: filepath.Join(dir, "out")})
	require.NoError(t, err)
	require.Len(t, sum.Results, 3)

	assert.True(t, sum.Results[0].OK())
	assert.Equal(t, zipflow.StatusFailed, sum.Results[1].Status)
	assert.Equal(t, zipflow.KindConflict, sum.Results[1].Kind)
	assert.ErrorIs(t, sum.Results[1].Err, zipflow.ErrDuplicateEntry)
	assert.True(t, sum.Results[2].OK())

	got, err := os.ReadFile(filepath.Join(dir, "out", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("first ", 1000), string(got))
}

// createHookFs runs a hook when the named file is created.
type createHookFs struct {
	afero.Fs
	name string
	hook func() error
}

func (c *createHookFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&os.O_CREATE != 0 && filepath.Base(name) == c.name {
		if err := c.hook(); err != nil {
			return nil, &os.PathError{Op: "open", Path: name, Err: err}
		}
	}
	return c.Fs.OpenFile(name, flag, perm)
}

func extractFixture(t *testing.T, mem afero.Fs, count int) {
	t.Helper()
	files := make(map[string]string)
	for i := range count {
		files[fmt.Sprintf("/src/file_%02d.bin", i)] = strings.Repeat(fmt.Sprint(i), 256*1024)
	}
	writeFiles(t, mem, files)
	_, err := zipflow.New(testConfig(), zipflow.WithFs(mem)).Compress(context.Background(), zipflow.CompressRequest{
		Sources: []string{"/src"}, Destination: "/in.zip", Level: zipflow.DeflateSuperFast,
	})
	require.NoError(t, err)
}

func TestExtract_Cancelled(t *testing.T) {
	mem := afero.NewMemMapFs()
	extractFixture(t, mem, 20)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fsys := &createHookFs{Fs: mem, name: "file_05.bin", hook: func() error { cancel(); return nil }}
	e := zipflow.New(testConfig(), zipflow.WithFs(fsys))

	sum, err := e.Extract(ctx, zipflow.ExtractRequest{Archive: "/in.zip", Destination: "/out"})
	require.Error(t, err)
	assert.ErrorIs(t, err, zipflow.ErrCancelled)
	assert.Equal(t, zipflow.KindCancelled, zipflow.KindOf(err))
	assert.False(t, sum.Success)
	require.Len(t, sum.Results, 20, "every entry is reported")

	byName := resultsByName(sum)
	assert.Equal(t, zipflow.StatusCancelled, byName["file_05.bin"].Status)
	assert.Positive(t, sum.Count(zipflow.StatusCancelled))

	for i, r := range sum.Results {
		assert.Equal(t, i, r.Ordinal)
		got, err := afero.ReadFile(mem, "/out/"+r.Name)
		if r.OK() {
			require.NoError(t, err, r.Name)
			assert.Equal(t, strings.Repeat(fmt.Sprint(i), 256*1024), string(got), r.Name)
			continue
		}
		assert.True(t, errors.Is(err, os.ErrNotExist), "%s left behind as %s", r.Name, r.Status)
	}
}

func TestExtract_DestinationUnwritable(t *testing.T) {
	mem := afero.NewMemMapFs()
	extractFixture(t, mem, 8)

	fsys := &createHookFs{Fs: mem, name: "file_03.bin", hook: func() error { return os.ErrPermission }}
	e := zipflow.New(testConfig(), zipflow.WithFs(fsys))

	sum, err := e.Extract(context.Background(), zipflow.ExtractRequest{Archive: "/in.zip", Destination: "/out"})
	require.Error(t, err)
	assert.Equal(t, zipflow.KindDestinationUnwritable, zipflow.KindOf(err))
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.False(t, sum.Success)
	require.Len(t, sum.Results, 8, "every entry is reported")
	assert.NotEqual(t, zipflow.StatusSucceeded, resultsByName(sum)["file_03.bin"].Status)

	_, statErr := mem.Stat("/out/file_03.bin")
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}
