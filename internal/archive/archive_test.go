package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/serverfiles/serverfiles/internal/testserver"
)

func TestExtractSingleFile(t *testing.T) {
	cases := []struct {
		kind Kind
		data []byte
	}{
		{GZ, testserver.GzipBytes(t, []byte("compress"))},
		{BZ2, testserver.BZ2Bytes()},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			dir := t.TempDir()
			src := writeSource(t, dir, tc.data)
			dest := filepath.Join(dir, "out")

			if err := Extract(tc.kind, src, dest); err != nil {
				t.Fatalf("extract: %v", err)
			}
			assertContent(t, dest, "compress")
			assertNoStaging(t, dir)
		})
	}
}

func TestExtractTar(t *testing.T) {
	cases := []struct {
		name string
		kind Kind
		data []byte
		want map[string]string
	}{
		{"tar.gz", TarGZ, testserver.GzipBytes(t, testserver.TarBytes(t, map[string]string{"intar": "compress"})), map[string]string{"intar": "compress"}},
		{"tar.bz2", TarBZ2, testserver.TarBZ2Bytes(), map[string]string{"intar": "compress", "nested/deep.txt": "deep"}},
		{"plain tar labelled tar.gz", TarGZ, testserver.TarBytes(t, map[string]string{"a/b": "plain"}), map[string]string{"a/b": "plain"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			src := writeSource(t, dir, tc.data)
			dest := filepath.Join(dir, "out")

			if err := Extract(tc.kind, src, dest); err != nil {
				t.Fatalf("extract: %v", err)
			}
			info, err := os.Stat(dest)
			if err != nil || !info.IsDir() {
				t.Fatalf("tar should extract into a directory: %v", err)
			}
			for name, content := range tc.want {
				assertContent(t, filepath.Join(dest, filepath.FromSlash(name)), content)
			}
			assertNoStaging(t, dir)
		})
	}
}

func TestExtractTarReplacesPreviousExtraction(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dest, "stale"), []byte("old"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	src := writeSource(t, dir, testserver.TarBytes(t, map[string]string{"fresh": "new"}))
	if err := Extract(TarGZ, src, dest); err != nil {
		t.Fatalf("extract: %v", err)
	}
	assertContent(t, filepath.Join(dest, "fresh"), "new")
	if _, err := os.Stat(filepath.Join(dest, "stale")); !os.IsNotExist(err) {
		t.Fatalf("stale member should be gone")
	}
}

func TestExtractTarReplacesPlainFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out")
	if err := os.WriteFile(dest, []byte("raw archive"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	src := writeSource(t, dir, testserver.TarBytes(t, map[string]string{"fresh": "new"}))
	if err := Extract(TarGZ, src, dest); err != nil {
		t.Fatalf("extract: %v", err)
	}
	assertContent(t, filepath.Join(dest, "fresh"), "new")
}

func TestExtractRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, testserver.TarBytes(t, map[string]string{"../escape": "x"}))
	dest := filepath.Join(dir, "out")

	err := Extract(TarGZ, src, dest)
	if !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("expected ErrUnsafePath, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape")); !os.IsNotExist(err) {
		t.Fatalf("member escaped the destination")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("failed extraction must not create the destination")
	}
	assertNoStaging(t, dir)
}

func TestExtractRejectsEscapingSymlink(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "../../etc/passwd"}); err != nil {
		t.Fatalf("header: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	dir := t.TempDir()
	src := writeSource(t, dir, buf.Bytes())
	if err := Extract(TarGZ, src, filepath.Join(dir, "out")); !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("expected ErrUnsafePath, got %v", err)
	}
}

func TestExtractRejectsChainedSymlinks(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, hdr := range []*tar.Header{
		{Name: "l1", Typeflag: tar.TypeSymlink, Linkname: "."},
		{Name: "l1/l2", Typeflag: tar.TypeSymlink, Linkname: ".."},
	} {
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("header: %v", err)
		}
	}
	body := []byte("escaped")
	if err := tw.WriteHeader(&tar.Header{Name: "l2/escaped.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}); err != nil {
		t.Fatalf("header: %v", err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	dir := t.TempDir()
	mirror := filepath.Join(dir, "mirror")
	if err := os.MkdirAll(mirror, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	src := writeSource(t, mirror, testserver.GzipBytes(t, buf.Bytes()))
	dest := filepath.Join(mirror, "a")

	if err := Extract(TarGZ, src, dest); !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("expected ErrUnsafePath, got %v", err)
	}
	for _, p := range []string{filepath.Join(mirror, "escaped.txt"), filepath.Join(dir, "escaped.txt")} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("file written outside extraction dir: %s", p)
		}
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("failed extraction must not create the destination")
	}
	assertNoStaging(t, mirror)
}

func TestExtractKeepsInternalSymlink(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	body := []byte("target")
	if err := tw.WriteHeader(&tar.Header{Name: "data/file.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}); err != nil {
		t.Fatalf("header: %v", err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tw.WriteHeader(&tar.Header{Name: "latest", Typeflag: tar.TypeSymlink, Linkname: "data/file.txt"}); err != nil {
		t.Fatalf("header: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	dir := t.TempDir()
	src := writeSource(t, dir, buf.Bytes())
	dest := filepath.Join(dir, "out")
	if err := Extract(TarGZ, src, dest); err != nil {
		t.Fatalf("extract: %v", err)
	}
	assertContent(t, filepath.Join(dest, "latest"), "target")
}

func TestExtractUnsupported(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, []byte("PK"))
	err := Extract(Kind("zip"), src, filepath.Join(dir, "out"))
	if !errors.Is(err, ErrUnsupportedCompression) {
		t.Fatalf("expected ErrUnsupportedCompression, got %v", err)
	}
	if !strings.Contains(err.Error(), "zip") {
		t.Fatalf("error should name the kind: %v", err)
	}
}

func TestExtractCorruptGzip(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, []byte("definitely not gzip"))
	dest := filepath.Join(dir, "out")
	if err := Extract(GZ, src, dest); err == nil {
		t.Fatalf("corrupt gzip should fail")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("failed extraction must not create the destination")
	}
	assertNoStaging(t, dir)
}

func writeSource(t *testing.T, dir string, data []byte) string {
	t.Helper()
	src := filepath.Join(dir, "src.tmp")
	if err := os.WriteFile(src, data, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return src
}

func assertContent(t *testing.T, path, want string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if string(data) != want {
		t.Fatalf("%s: expected %q got %q", path, want, data)
	}
}

func assertNoStaging(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".extract-") {
			t.Fatalf("staging entry left behind: %s", e.Name())
		}
	}
}
