package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/serverfiles/serverfiles/internal/fileinfo"
	"github.com/serverfiles/serverfiles/internal/logging"
	"github.com/serverfiles/serverfiles/internal/metrics"
	"github.com/serverfiles/serverfiles/internal/remote/listing"
)

// ErrNotFound 表示服务端返回 404。
var ErrNotFound = fileinfo.ErrNotFound

// ErrInvalidPath 表示请求的路径含有不合法的片段。
var ErrInvalidPath = fileinfo.ErrInvalidPath

// StatusError 描述 404 以外的非 200 响应。
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

type snapshotState int

const (
	snapshotUnloaded snapshotState = iota
	snapshotLoaded
	snapshotAbsent
)

// Catalog 是远端静态文件服务器的只读视图。若根目录存在 __INFO__，
// 列表与元数据查询全部基于该快照完成，否则逐个请求目录页与 .info 文件。
type Catalog struct {
	base     *url.URL
	username string
	password string
	client   *http.Client
	logger   logrus.FieldLogger
	parser   listing.LinkParser

	group singleflight.Group

	mu       sync.Mutex
	state    snapshotState
	snapshot []fileinfo.Entry
	index    map[string]fileinfo.Info
	searched []fileinfo.Entry
}

// Option 调整 Catalog 的可选依赖。
type Option func(*Catalog)

// WithClient 注入共享 http.Client，通常来自 NewHTTPClient。
func WithClient(client *http.Client) Option {
	return func(c *Catalog) { c.client = client }
}

// WithBasicAuth 为所有请求附加 Basic Auth；任一为空时不生效。
func WithBasicAuth(username, password string) Option {
	return func(c *Catalog) {
		c.username = username
		c.password = password
	}
}

// WithLogger 注入结构化日志。
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Catalog) { c.logger = logger }
}

// WithLinkParser 替换目录页解析器。
func WithLinkParser(parser listing.LinkParser) Option {
	return func(c *Catalog) { c.parser = parser }
}

// New 以 server 为根地址构建 Catalog，地址总是补齐结尾的 "/"。
func New(server string, opts ...Option) (*Catalog, error) {
	if strings.TrimSpace(server) == "" {
		return nil, errors.New("server url required")
	}
	if !strings.HasSuffix(server, "/") {
		server += "/"
	}
	base, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", base.Scheme)
	}

	c := &Catalog{
		base:   base,
		client: http.DefaultClient,
		logger: logging.Discard(),
		parser: listing.HTMLParser{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Server 返回规范化后的根地址。
func (c *Catalog) Server() string {
	return c.base.String()
}

// ResolveSnapshot 在首次调用时请求 __INFO__。200 且可解析时进入 loaded，
// 其它状态码或内容无法解析时标记为 absent，此后不再请求。传输错误直接返回，
// 状态保持 unloaded，下次调用会重试。
// 并发调用共享同一次请求，请求本身不受发起者取消的影响，每个调用方只按自己的 ctx 放弃等待。
func (c *Catalog) ResolveSnapshot(ctx context.Context) error {
	if c.snapshotState() != snapshotUnloaded {
		return nil
	}
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("snapshot", func() (interface{}, error) {
		if c.snapshotState() != snapshotUnloaded {
			return nil, nil
		}
		return nil, c.fetchSnapshot(fetchCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Catalog) fetchSnapshot(ctx context.Context) error {
	resp, err := c.get(ctx, "snapshot", fileinfo.Path{fileinfo.CatalogName}, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.markAbsent()
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", fileinfo.CatalogName, err)
	}
	entries, err := fileinfo.ParseCatalog(body)
	if err != nil {
		c.logger.WithError(err).WithFields(logging.PathFields("snapshot", fileinfo.CatalogName)).
			Warn("snapshot_invalid")
		c.markAbsent()
		return nil
	}

	index := make(map[string]fileinfo.Info, len(entries))
	for _, entry := range entries {
		index[entry.Path.Key()] = entry.Info
	}

	c.mu.Lock()
	c.state = snapshotLoaded
	c.snapshot = entries
	c.index = index
	c.mu.Unlock()

	metrics.SetSnapshotEntries(len(entries))
	c.logger.WithFields(logrus.Fields{"action": "snapshot", "entries": len(entries)}).Debug("snapshot_loaded")
	return nil
}

func (c *Catalog) markAbsent() {
	c.mu.Lock()
	c.state = snapshotAbsent
	c.mu.Unlock()
	metrics.SetSnapshotEntries(-1)
}

func (c *Catalog) snapshotState() snapshotState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HasSnapshot 报告快照是否已加载。
func (c *Catalog) HasSnapshot() bool {
	return c.snapshotState() == snapshotLoaded
}

// ListFiles 返回 prefix 下的所有文件（不含目录与 .info）。快照存在时按片段前缀过滤，
// recursive 参数被忽略；否则解析目录页，recursive 为 true 时递归子目录。
func (c *Catalog) ListFiles(ctx context.Context, prefix fileinfo.Path, recursive bool) ([]fileinfo.Path, error) {
	if err := prefix.ValidatePrefix(); err != nil {
		return nil, err
	}
	if err := c.ResolveSnapshot(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state == snapshotLoaded {
		var out []fileinfo.Path
		for _, entry := range c.snapshot {
			if entry.Path.HasPrefix(prefix) {
				out = append(out, entry.Path.Join())
			}
		}
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	return c.listDirectory(ctx, prefix, recursive)
}

func (c *Catalog) listDirectory(ctx context.Context, dir fileinfo.Path, recursive bool) ([]fileinfo.Path, error) {
	resp, err := c.get(ctx, "list", dir, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, c.resolve(dir, true)); err != nil {
		return nil, err
	}

	raw, err := c.parser.Links(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse listing %s: %w", dir, err)
	}
	links := listing.Visible(raw)

	var files []fileinfo.Path
	var subdirs []string
	for _, link := range links {
		switch {
		case strings.HasSuffix(link, "/"):
			if name := strings.Trim(link, "/"); name != "" {
				subdirs = append(subdirs, name)
			}
		case strings.HasSuffix(link, fileinfo.SidecarSuffix):
		default:
			files = append(files, dir.Join(link))
		}
	}

	if !recursive {
		return files, nil
	}
	for _, sub := range subdirs {
		nested, err := c.listDirectory(ctx, dir.Join(sub), true)
		if err != nil {
			return nil, err
		}
		files = append(files, nested...)
	}
	return files, nil
}

// Info 返回文件元数据。快照存在时直接查表（缺失返回空）；否则请求 <path>.info，
// 非 200 或内容无法解析都返回空 Info，只有传输错误才返回 error。
func (c *Catalog) Info(ctx context.Context, path fileinfo.Path) (fileinfo.Info, error) {
	if err := path.Validate(); err != nil {
		return fileinfo.Info{}, err
	}
	if err := c.ResolveSnapshot(ctx); err != nil {
		return fileinfo.Info{}, err
	}

	c.mu.Lock()
	if c.state == snapshotLoaded {
		info := c.index[path.Key()]
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	sidecar := append(fileinfo.Path(nil), path...)
	sidecar[len(sidecar)-1] += fileinfo.SidecarSuffix

	resp, err := c.get(ctx, "info", sidecar, false)
	if err != nil {
		return fileinfo.Info{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fileinfo.Info{}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fileinfo.Info{}, fmt.Errorf("read %s: %w", sidecar, err)
	}
	info, err := fileinfo.Parse(body)
	if err != nil {
		c.logger.WithError(err).WithFields(logging.PathFields("info", sidecar.Key())).Warn("info_invalid")
		return fileinfo.Info{}, nil
	}
	return info, nil
}

// AllInfo 组合 ListFiles 与 Info，返回 prefix 下全部条目。
func (c *Catalog) AllInfo(ctx context.Context, prefix fileinfo.Path, recursive bool) ([]fileinfo.Entry, error) {
	files, err := c.ListFiles(ctx, prefix, recursive)
	if err != nil {
		return nil, err
	}
	entries := make([]fileinfo.Entry, 0, len(files))
	for _, path := range files {
		info, err := c.Info(ctx, path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fileinfo.Entry{Path: path, Info: info})
	}
	return entries, nil
}

// Search 在完整目录上做子串匹配。没有快照时首次调用会遍历整个服务器并缓存结果。
func (c *Catalog) Search(ctx context.Context, query []string, opts fileinfo.SearchOptions) ([]fileinfo.Path, error) {
	c.mu.Lock()
	entries := c.searched
	c.mu.Unlock()

	if entries == nil {
		all, err := c.AllInfo(ctx, nil, true)
		if err != nil {
			return nil, err
		}
		if all == nil {
			all = []fileinfo.Entry{}
		}
		c.mu.Lock()
		c.searched = all
		c.mu.Unlock()
		entries = all
	}
	return fileinfo.Search(entries, query, opts), nil
}

func (c *Catalog) get(ctx context.Context, kind string, path fileinfo.Path, dir bool) (*http.Response, error) {
	target := c.resolve(path, dir)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.ObserveRemoteRequest(kind, 0, started)
		return nil, fmt.Errorf("get %s: %w", target, err)
	}
	metrics.ObserveRemoteRequest(kind, resp.StatusCode, started)
	c.logger.WithFields(logrus.Fields{
		"action": kind,
		"url":    target,
		"status": resp.StatusCode,
	}).Debug("remote_request")
	return resp, nil
}

// resolve 拼接 URL，逐段转义；目录请求补齐结尾 "/" 以避免重定向。
func (c *Catalog) resolve(path fileinfo.Path, dir bool) string {
	escaped := make([]string, len(path))
	for i, seg := range path {
		escaped[i] = url.PathEscape(seg)
	}
	rel := strings.Join(escaped, "/")
	if dir && rel != "" {
		rel += "/"
	}
	return c.base.String() + rel
}

func checkStatus(resp *http.Response, target string) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", target, ErrNotFound)
	default:
		return &StatusError{URL: target, StatusCode: resp.StatusCode}
	}
}
