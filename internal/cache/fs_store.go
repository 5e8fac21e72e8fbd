package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/serverfiles/serverfiles/internal/fileinfo"
	"github.com/serverfiles/serverfiles/internal/logging"
	"github.com/serverfiles/serverfiles/internal/metrics"
)

// Cache 管理本地镜像目录，整站复用一份实例。
type Cache struct {
	root        string
	remote      Remote
	locks       *Locks
	logger      logrus.FieldLogger
	concurrency int
}

// Option 调整 Cache 的可选依赖。
type Option func(*Cache)

// WithLogger 注入结构化日志。
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithLocks 让多个 Cache 共享同一个锁管理器。
func WithLocks(locks *Locks) Option {
	return func(c *Cache) { c.locks = locks }
}

// WithConcurrency 设置 UpdateAll 的并发度，小于 1 时按 1 处理。
func WithConcurrency(n int) Option {
	return func(c *Cache) { c.concurrency = n }
}

// New 以 root 为根目录构建本地镜像。root 中的 ~ 与 $VAR 只在此处展开一次；
// remote 为 nil 时只支持纯本地操作。
func New(root string, remote Remote, opts ...Option) (*Cache, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("cache root required")
	}

	expanded, err := expandRoot(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(expanded)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}

	c := &Cache{
		root:        resolved,
		remote:      remote,
		logger:      logging.Discard(),
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.locks == nil {
		c.locks = NewLocks()
	}
	if c.concurrency < 1 {
		c.concurrency = 1
	}
	return c, nil
}

func expandRoot(root string) (string, error) {
	root = os.ExpandEnv(root)
	if root == "~" || strings.HasPrefix(root, "~/") || strings.HasPrefix(root, "~"+string(filepath.Separator)) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand cache root: %w", err)
		}
		root = filepath.Join(home, root[1:])
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve cache root: %w", err)
	}
	return abs, nil
}

// Root 返回展开后的根目录。
func (c *Cache) Root() string {
	return c.root
}

// LocalPath 返回 path 在本地镜像中的位置，不访问文件系统，也不校验 path；
// 会写入文件系统的操作都经由 lock 校验。
func (c *Cache) LocalPath(path fileinfo.Path) string {
	parts := make([]string, 0, len(path)+1)
	parts = append(parts, c.root)
	parts = append(parts, path...)
	return filepath.Join(parts...)
}

// lock 获取 path 对应的锁；held 已持有同一路径时直接复用，返回的 release 为空操作。
func (c *Cache) lock(ctx context.Context, held *Guard, path fileinfo.Path) (*Guard, func(), error) {
	if err := path.Validate(); err != nil {
		return nil, nil, err
	}
	key := filepath.Clean(c.LocalPath(path))
	if held.Holds(key) {
		return held, func() {}, nil
	}
	g, err := c.locks.Acquire(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return g, g.Release, nil
}

// WithLock 在持有 path 锁期间执行 fn，fn 可把 Guard 传给 *Locked 系列方法。
func (c *Cache) WithLock(ctx context.Context, path fileinfo.Path, fn func(*Guard) error) error {
	g, release, err := c.lock(ctx, nil, path)
	if err != nil {
		return err
	}
	defer release()
	return fn(g)
}

// ListFiles 遍历 prefix 对应的本地目录，返回 sidecar 与正文同时存在的条目。
// 无法解析的 sidecar 视为不存在；目录不存在时返回空结果。
func (c *Cache) ListFiles(prefix fileinfo.Path) ([]fileinfo.Path, error) {
	if err := prefix.ValidatePrefix(); err != nil {
		return nil, err
	}
	dir := c.LocalPath(prefix)
	var files []fileinfo.Path

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), fileinfo.SidecarSuffix) {
			return nil
		}
		artifact := strings.TrimSuffix(p, fileinfo.SidecarSuffix)
		if _, err := os.Stat(artifact); err != nil {
			return nil
		}
		if _, err := readSidecar(p); err != nil {
			c.logger.WithError(err).WithFields(logging.PathFields("list", p)).Debug("sidecar_skipped")
			return nil
		}
		rel, err := filepath.Rel(dir, artifact)
		if err != nil {
			return err
		}
		path := prefix.Join(strings.Split(rel, string(filepath.Separator))...)
		if path.Validate() != nil {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Info 读取本地 sidecar，缺失或无法解析时返回包装后的 ErrNotFound。
func (c *Cache) Info(path fileinfo.Path) (fileinfo.Info, error) {
	if err := path.Validate(); err != nil {
		return fileinfo.Info{}, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	info, err := readSidecar(c.LocalPath(path) + fileinfo.SidecarSuffix)
	if err != nil {
		return fileinfo.Info{}, fmt.Errorf("%s: %w (%v)", path, ErrNotFound, err)
	}
	return info, nil
}

// AllInfo 返回 prefix 下所有本地条目及其元数据。
func (c *Cache) AllInfo(prefix fileinfo.Path) ([]fileinfo.Entry, error) {
	files, err := c.ListFiles(prefix)
	if err != nil {
		return nil, err
	}
	entries := make([]fileinfo.Entry, 0, len(files))
	for _, path := range files {
		info, err := c.Info(path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fileinfo.Entry{Path: path, Info: info})
	}
	return entries, nil
}

// Search 在整个本地镜像上执行子串匹配。
func (c *Cache) Search(query []string, opts fileinfo.SearchOptions) ([]fileinfo.Path, error) {
	entries, err := c.AllInfo(nil)
	if err != nil {
		return nil, err
	}
	return fileinfo.Search(entries, query, opts), nil
}

// Remove 删除正文（目录则递归删除）与 sidecar。没有 sidecar 时返回 ErrNotFound；
// 单个文件删除失败会记录日志并继续处理另一个，最终合并返回。
func (c *Cache) Remove(ctx context.Context, path fileinfo.Path) error {
	g, release, err := c.lock(ctx, nil, path)
	if err != nil {
		return err
	}
	defer release()

	err = c.removeLocked(g, path)
	metrics.RecordCacheOperation("remove", err)
	return err
}

func (c *Cache) removeLocked(_ *Guard, path fileinfo.Path) error {
	target := c.LocalPath(path)
	sidecar := target + fileinfo.SidecarSuffix
	if _, err := os.Stat(sidecar); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return err
	}

	var errs []error
	for _, p := range []string{target, sidecar} {
		if err := os.RemoveAll(p); err != nil {
			c.logger.WithError(err).WithFields(logging.PathFields("remove", p)).Warn("remove_failed")
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		c.logger.WithFields(logging.PathFields("remove", path.Key())).Info("removed")
	}
	return errors.Join(errs...)
}

func readSidecar(p string) (fileinfo.Info, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return fileinfo.Info{}, err
	}
	return fileinfo.Parse(data)
}

// writeSidecar 先写临时文件再 rename，避免并发读者看到半截 JSON。
func writeSidecar(p string, info fileinfo.Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".info-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(data)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
