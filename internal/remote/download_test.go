package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/serverfiles/serverfiles/internal/fileinfo"
	"github.com/serverfiles/serverfiles/internal/testserver"
)

func TestDownloadWritesTarget(t *testing.T) {
	srv := testserver.New(t, testserver.Options{})
	catalog := newTestCatalog(t, srv)
	dest := filepath.Join(t.TempDir(), "nested", "withinfo")

	n, err := catalog.Download(context.Background(), fileinfo.Path{"domain1", "withinfo"}, dest, nil)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if string(data) != "with info" || n != int64(len(data)) {
		t.Fatalf("unexpected content %q (%d bytes)", data, n)
	}
	assertNoTempFiles(t, filepath.Dir(dest))
}

func TestDownloadProgressCalledHundredTimes(t *testing.T) {
	for _, tc := range []struct {
		name    string
		chunked bool
	}{{"known length", false}, {"unknown length", true}} {
		t.Run(tc.name, func(t *testing.T) {
			srv := testserver.New(t, testserver.Options{Chunked: tc.chunked})
			srv.WriteFile(t, "big/blob", []byte(strings.Repeat("x", 3*ChunkSize+17)))
			catalog := newTestCatalog(t, srv)

			for _, p := range []fileinfo.Path{{"domain1", "withinfo"}, {"big", "blob"}} {
				calls := 0
				dest := filepath.Join(t.TempDir(), p[len(p)-1])
				if _, err := catalog.Download(context.Background(), p, dest, func() { calls++ }); err != nil {
					t.Fatalf("download %s: %v", p, err)
				}
				if calls != 100 {
					t.Fatalf("%s: expected 100 progress calls, got %d", p, calls)
				}
			}
		})
	}
}

func TestProgressReporterThresholds(t *testing.T) {
	calls := 0
	r := newProgressReporter(1000, func() { calls++ })
	r.add(5)
	if calls != 0 {
		t.Fatalf("below 1%% should not report, got %d", calls)
	}
	r.add(6)
	if calls != 1 {
		t.Fatalf("crossing 1%% should report once, got %d", calls)
	}
	r.add(500)
	if calls != 51 {
		t.Fatalf("expected 51 calls at 51.1%%, got %d", calls)
	}
	r.add(489)
	if calls != 99 {
		t.Fatalf("body phase is capped at 99 calls, got %d", calls)
	}
	r.finish()
	if calls != 100 {
		t.Fatalf("finish should bring total to 100, got %d", calls)
	}
}

func TestDownloadNotFound(t *testing.T) {
	srv := testserver.New(t, testserver.Options{})
	catalog := newTestCatalog(t, srv)
	dest := filepath.Join(t.TempDir(), "missing")

	_, err := catalog.Download(context.Background(), fileinfo.Path{"domain1", "missing"}, dest, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatalf("target should not exist after failure")
	}
}

func TestDownloadBadStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer upstream.Close()

	catalog, err := New(upstream.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = catalog.Download(context.Background(), fileinfo.Path{"f"}, filepath.Join(t.TempDir(), "f"), nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected StatusError 403, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("403 must not be reported as not found")
	}
}

func TestDownloadCancelledLeavesNoTarget(t *testing.T) {
	srv := testserver.New(t, testserver.Options{})
	catalog := newTestCatalog(t, srv)
	dir := t.TempDir()
	dest := filepath.Join(dir, "withinfo")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := catalog.Download(ctx, fileinfo.Path{"domain1", "withinfo"}, dest, nil); err == nil {
		t.Fatalf("cancelled download should fail")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("target should not exist")
	}
	assertNoTempFiles(t, dir)
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".download-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}
