package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/serverfiles/serverfiles/internal/archive"
	"github.com/serverfiles/serverfiles/internal/fileinfo"
	"github.com/serverfiles/serverfiles/internal/testserver"
)

func TestDownloadCompressed(t *testing.T) {
	forEachMode(t, func(t *testing.T, srv *testserver.Server, c *Cache) {
		ctx := context.Background()
		cases := []struct {
			path    fileinfo.Path
			members map[string]string
		}{
			{fileinfo.Path{"comp", "gz"}, map[string]string{"": "compress"}},
			{fileinfo.Path{"comp", "bz2"}, map[string]string{"": "compress"}},
			{fileinfo.Path{"comp", "tar.gz"}, map[string]string{"intar": "compress"}},
			{fileinfo.Path{"comp", "tar.bz2"}, map[string]string{"intar": "compress", "nested/deep.txt": "deep"}},
		}
		for _, tc := range cases {
			if err := c.Download(ctx, tc.path, DownloadOptions{}); err != nil {
				t.Fatalf("download %s: %v", tc.path, err)
			}
			local := c.LocalPath(tc.path)
			if _, err := os.Stat(local); err != nil {
				t.Fatalf("%s missing: %v", local, err)
			}
			if _, err := os.Stat(local + tmpSuffix); !os.IsNotExist(err) {
				t.Fatalf("%s should be removed", local+tmpSuffix)
			}
			info, err := c.Info(tc.path)
			if err != nil {
				t.Fatalf("info %s: %v", tc.path, err)
			}
			if info.Compression != tc.path[1] {
				t.Fatalf("%s: sidecar compression %q", tc.path, info.Compression)
			}
			for member, want := range tc.members {
				assertFile(t, filepath.Join(local, filepath.FromSlash(member)), want)
			}
		}
	})
}

func TestDownloadNoExtract(t *testing.T) {
	srv := testserver.New(t, testserver.Options{})
	c := newTestCache(t, srv, t.TempDir())
	ctx := context.Background()
	path := fileinfo.Path{"comp", "tar.gz"}

	if err := c.Download(ctx, path, DownloadOptions{}); err != nil {
		t.Fatalf("download: %v", err)
	}
	if info, err := os.Stat(c.LocalPath(path)); err != nil || !info.IsDir() {
		t.Fatalf("extracted archive should be a directory: %v", err)
	}

	if err := c.Download(ctx, path, DownloadOptions{NoExtract: true}); err != nil {
		t.Fatalf("download raw: %v", err)
	}
	raw, err := os.ReadFile(c.LocalPath(path))
	if err != nil {
		t.Fatalf("raw archive should replace the directory: %v", err)
	}
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		t.Fatalf("expected gzip bytes, got %q", raw)
	}
	if _, err := os.Stat(c.LocalPath(path) + tmpSuffix); !os.IsNotExist(err) {
		t.Fatalf("tmp file should be removed")
	}
}

func TestDownloadUnsupportedCompression(t *testing.T) {
	srv := testserver.New(t, testserver.Options{})
	c := newTestCache(t, srv, t.TempDir())
	ctx := context.Background()
	path := fileinfo.Path{"comp", "zip"}

	err := c.Download(ctx, path, DownloadOptions{})
	if !errors.Is(err, archive.ErrUnsupportedCompression) {
		t.Fatalf("expected ErrUnsupportedCompression, got %v", err)
	}
	local := c.LocalPath(path)
	if _, err := os.Stat(local + fileinfo.SidecarSuffix); err != nil {
		t.Fatalf("sidecar should be written before extraction: %v", err)
	}
	for _, gone := range []string{local, local + tmpSuffix} {
		if _, err := os.Stat(gone); !os.IsNotExist(err) {
			t.Fatalf("%s should not exist", gone)
		}
	}
	stale, err := c.NeedsUpdate(ctx, path)
	if err != nil || !stale {
		t.Fatalf("entry without artifact must need an update, got (%v, %v)", stale, err)
	}
}

func TestDownloadMissingRemote(t *testing.T) {
	srv := testserver.New(t, testserver.Options{})
	c := newTestCache(t, srv, t.TempDir())
	path := fileinfo.Path{"domain1", "missing"}

	if err := c.Download(context.Background(), path, DownloadOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := os.Stat(c.LocalPath(path) + fileinfo.SidecarSuffix); !os.IsNotExist(err) {
		t.Fatalf("no sidecar should be written for a failed download")
	}
}

func TestDownloadProgress(t *testing.T) {
	for _, chunked := range []bool{false, true} {
		srv := testserver.New(t, testserver.Options{Chunked: chunked})
		srv.WriteFile(t, "big/blob", []byte(strings.Repeat("y", 20000)))
		c := newTestCache(t, srv, t.TempDir())

		for _, p := range []fileinfo.Path{{"domain1", "withinfo"}, {"big", "blob"}, {"comp", "tar.bz2"}} {
			calls := 0
			if err := c.Download(context.Background(), p, DownloadOptions{Progress: func() { calls++ }}); err != nil {
				t.Fatalf("download %s: %v", p, err)
			}
			if calls != 100 {
				t.Fatalf("chunked=%v %s: expected 100 progress calls, got %d", chunked, p, calls)
			}
		}
	}
}

func TestLocalPathOrDownloadIsIdempotent(t *testing.T) {
	srv := testserver.New(t, testserver.Options{})
	c := newTestCache(t, srv, t.TempDir())
	ctx := context.Background()
	path := fileinfo.Path{"domain1", "withinfo"}

	calls := 0
	opts := DownloadOptions{Progress: func() { calls++ }}
	first, err := c.LocalPathOrDownload(ctx, path, opts)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := c.LocalPathOrDownload(ctx, path, opts)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first != second || first != c.LocalPath(path) {
		t.Fatalf("paths differ: %s vs %s", first, second)
	}
	if calls != 100 {
		t.Fatalf("second call should not download again, progress calls=%d", calls)
	}
	if hits := srv.Hits("/domain1/withinfo"); hits != 1 {
		t.Fatalf("expected a single fetch, got %d", hits)
	}
	assertFile(t, first, "with info")
}

func TestConcurrentLocalPathOrDownloadFetchesOnce(t *testing.T) {
	srv := testserver.New(t, testserver.Options{Delay: 50 * time.Millisecond})
	c := newTestCache(t, srv, t.TempDir())
	path := fileinfo.Path{"domain1", "withinfo"}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.LocalPathOrDownload(context.Background(), path, DownloadOptions{}); err != nil {
				t.Errorf("local path or download: %v", err)
			}
		}()
	}
	wg.Wait()

	if hits := srv.Hits("/domain1/withinfo"); hits != 1 {
		t.Fatalf("expected exactly one fetch, got %d", hits)
	}
	assertFile(t, c.LocalPath(path), "with info")
}

func TestConcurrentDownloadsAreSerialised(t *testing.T) {
	srv := testserver.New(t, testserver.Options{Delay: 50 * time.Millisecond})
	root := t.TempDir()
	locks := NewLocks()
	// 两个实例镜像同一根目录，共享锁管理器。
	first := newTestCache(t, srv, root, WithLocks(locks))
	second := newTestCache(t, srv, root, WithLocks(locks))
	path := fileinfo.Path{"domain1", "withinfo"}

	var wg sync.WaitGroup
	for _, c := range []*Cache{first, second, first} {
		wg.Add(1)
		go func(c *Cache) {
			defer wg.Done()
			if err := c.Download(context.Background(), path, DownloadOptions{}); err != nil {
				t.Errorf("download: %v", err)
			}
		}(c)
	}
	wg.Wait()

	if peak := srv.PeakConcurrency("/domain1/withinfo"); peak != 1 {
		t.Fatalf("downloads of the same path overlapped, peak=%d", peak)
	}
	assertFile(t, first.LocalPath(path), "with info")
	if locks.Len() != 1 {
		t.Fatalf("expected one lock, got %d", locks.Len())
	}
}

func forEachMode(t *testing.T, fn func(t *testing.T, srv *testserver.Server, c *Cache)) {
	t.Helper()
	for _, mode := range []struct {
		name    string
		catalog bool
	}{{"listing", false}, {"snapshot", true}} {
		t.Run(mode.name, func(t *testing.T) {
			srv := testserver.New(t, testserver.Options{Catalog: mode.catalog})
			fn(t, srv, newTestCache(t, srv, t.TempDir()))
		})
	}
}
