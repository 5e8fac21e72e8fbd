// Package testserver starts an in-process static file server with the sample
// tree used by the remote and cache tests: plain files with and without .info
// sidecars, compressed members, tar archives and an optional __INFO__ catalog.
package testserver

import (
	"archive/tar"
	"bytes"
	_ "embed"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/serverfiles/serverfiles/internal/fileinfo"
)

// Datetime 是 withinfo 的初始时间戳。
const Datetime = "2013-07-03 11:39:07.381031"

//go:embed testdata/compress.bz2
var compressBZ2 []byte

//go:embed testdata/archive.tar.bz2
var archiveTarBZ2 []byte

// T 是样例服务器用到的测试句柄方法，*testing.T 与 *testing.B 都满足。
type T interface {
	Helper()
	Cleanup(func())
	TempDir() string
	Fatalf(format string, args ...any)
}

// Options 控制样例服务器的行为。
type Options struct {
	// Catalog 为 true 时在根目录生成 __INFO__。
	Catalog bool
	// Chunked 为 true 时文件以分块编码返回，客户端拿不到 Content-Length。
	Chunked bool
	// Delay 在返回文件正文前等待，便于制造并发重叠。
	Delay time.Duration
}

// Server 包装 httptest.Server，并记录每个路径的请求次数与最大并发数。
type Server struct {
	URL  string
	Dir  string
	opts Options
	srv  *httptest.Server

	mu       sync.Mutex
	hits     map[string]int
	inFlight map[string]int
	peak     map[string]int
}

// New 在临时目录中构建样例树并启动服务器，测试结束时自动关闭。
func New(t T, opts Options) *Server {
	t.Helper()

	s := &Server{
		Dir:      t.TempDir(),
		opts:     opts,
		hits:     make(map[string]int),
		inFlight: make(map[string]int),
		peak:     make(map[string]int),
	}
	s.populate(t)
	if opts.Catalog {
		s.writeCatalog(t)
	}

	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	s.URL = s.srv.URL + "/"
	t.Cleanup(s.srv.Close)
	return s
}

// Hits 返回 URL 路径（如 "/domain1/withinfo"）被请求的次数。
func (s *Server) Hits(urlPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[urlPath]
}

// PeakConcurrency 返回同一路径同时处理中的最大请求数。
func (s *Server) PeakConcurrency(urlPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak[urlPath]
}

// SetInfo 覆写 rel 对应的 .info sidecar；开启 Catalog 时同步重建 __INFO__。
func (s *Server) SetInfo(t T, rel string, content string) {
	t.Helper()
	s.write(t, rel+fileinfo.SidecarSuffix, []byte(content))
	if s.opts.Catalog {
		s.writeCatalog(t)
	}
}

// WriteFile 在服务器目录下写入任意文件。
func (s *Server) WriteFile(t T, rel string, data []byte) {
	t.Helper()
	s.write(t, rel, data)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.enter(r.URL.Path)
	defer s.leave(r.URL.Path)

	local := filepath.Join(s.Dir, filepath.FromSlash(strings.TrimPrefix(r.URL.Path, "/")))
	info, err := os.Stat(local)
	if err == nil && !info.IsDir() {
		if s.opts.Delay > 0 {
			time.Sleep(s.opts.Delay)
		}
		if s.opts.Chunked {
			serveChunked(w, local)
			return
		}
	}
	http.FileServer(http.Dir(s.Dir)).ServeHTTP(w, r)
}

func serveChunked(w http.ResponseWriter, local string) {
	data, err := os.ReadFile(local)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	flusher, _ := w.(http.Flusher)
	w.WriteHeader(http.StatusOK)
	for len(data) > 0 {
		n := 3
		if n > len(data) {
			n = len(data)
		}
		_, _ = w.Write(data[:n])
		data = data[n:]
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) enter(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits[p]++
	s.inFlight[p]++
	if s.inFlight[p] > s.peak[p] {
		s.peak[p] = s.inFlight[p]
	}
}

func (s *Server) leave(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[p]--
}

func (s *Server) populate(t T) {
	t.Helper()

	s.write(t, "domain1/__DUMMY", []byte("something to ignore"))
	s.write(t, "domain1/.hidden", []byte("hidden"))
	s.write(t, "domain1/withoutinfo", []byte("without info"))
	s.write(t, "domain1/withinfo", []byte("with info"))
	s.write(t, "domain1/withinfo.info", []byte(`{"datetime": "`+Datetime+`", "tags": "search"}`))

	s.write(t, "comp/gz", gzipBytes(t, []byte("compress")))
	s.write(t, "comp/gz.info", []byte(`{"compression": "gz"}`))
	s.write(t, "comp/bz2", compressBZ2)
	s.write(t, "comp/bz2.info", []byte(`{"compression": "bz2"}`))
	s.write(t, "comp/tar.gz", gzipBytes(t, tarBytes(t, map[string]string{"intar": "compress"})))
	s.write(t, "comp/tar.gz.info", []byte(`{"compression": "tar.gz"}`))
	s.write(t, "comp/tar.bz2", archiveTarBZ2)
	s.write(t, "comp/tar.bz2.info", []byte(`{"compression": "tar.bz2", "title": "Bzipped Tarball"}`))
	s.write(t, "comp/zip", []byte("PK not really"))
	s.write(t, "comp/zip.info", []byte(`{"compression": "zip"}`))
}

func (s *Server) writeCatalog(t T) {
	t.Helper()

	var entries []fileinfo.Entry
	err := filepath.WalkDir(s.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, "__") || strings.HasPrefix(name, ".") ||
			strings.HasSuffix(name, fileinfo.SidecarSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.Dir, p)
		if err != nil {
			return err
		}
		info := fileinfo.Info{}
		if raw, err := os.ReadFile(p + fileinfo.SidecarSuffix); err == nil {
			if parsed, err := fileinfo.Parse(raw); err == nil {
				info = parsed
			}
		}
		entries = append(entries, fileinfo.Entry{Path: fileinfo.ParsePath(filepath.ToSlash(rel)), Info: info})
		return nil
	})
	if err != nil {
		t.Fatalf("walk sample tree: %v", err)
	}
	doc, err := fileinfo.MarshalCatalog(entries)
	if err != nil {
		t.Fatalf("marshal catalog: %v", err)
	}
	s.write(t, fileinfo.CatalogName, doc)
}

func (s *Server) write(t T, rel string, data []byte) {
	t.Helper()
	target := filepath.Join(s.Dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

// gzipBytes 返回 data 的 gzip 压缩结果。
func gzipBytes(t T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func tarBytes(t T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := io.WriteString(tw, content); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	return buf.Bytes()
}

// TarBytes 供其它测试构造 tar 包。
func TarBytes(t T, files map[string]string) []byte {
	return tarBytes(t, files)
}

// GzipBytes 供其它测试构造 gzip 数据。
func GzipBytes(t T, data []byte) []byte {
	return gzipBytes(t, data)
}

// BZ2Bytes 返回内容为 "compress" 的 bzip2 数据。
func BZ2Bytes() []byte {
	return append([]byte(nil), compressBZ2...)
}

// TarBZ2Bytes 返回包含 intar 与 nested/deep.txt 的 tar.bz2 数据。
func TarBZ2Bytes() []byte {
	return append([]byte(nil), archiveTarBZ2...)
}
