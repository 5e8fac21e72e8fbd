package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/serverfiles/serverfiles/internal/archive"
	"github.com/serverfiles/serverfiles/internal/fileinfo"
	"github.com/serverfiles/serverfiles/internal/logging"
	"github.com/serverfiles/serverfiles/internal/metrics"
)

// Download 下载 path 及其元数据到本地镜像；声明了 compression 且未禁用解压时
// 先落到 <p>.tmp 再解压到 <p>。sidecar 总是在解压之前写入。
func (c *Cache) Download(ctx context.Context, path fileinfo.Path, opts DownloadOptions) error {
	g, release, err := c.lock(ctx, nil, path)
	if err != nil {
		return err
	}
	defer release()

	err = c.downloadLocked(ctx, g, path, opts)
	metrics.RecordCacheOperation("download", err)
	return err
}

func (c *Cache) downloadLocked(ctx context.Context, _ *Guard, path fileinfo.Path, opts DownloadOptions) error {
	if c.remote == nil {
		return ErrNoRemote
	}
	if err := path.Validate(); err != nil {
		return err
	}

	started := time.Now()
	info, err := c.remote.Info(ctx, path)
	if err != nil {
		return err
	}

	target := c.LocalPath(path)
	kind := archive.Kind(info.Compression)
	extract := !opts.NoExtract && info.Compression != ""

	// 目标是旧的解压目录时不能直接 rename 覆盖，同样先落到 .tmp。
	staged := extract || isDir(target)
	dest := target
	if staged {
		dest = target + tmpSuffix
	}

	n, err := c.remote.Download(ctx, path, dest, opts.Progress)
	if err != nil {
		return err
	}

	if err := writeSidecar(target+fileinfo.SidecarSuffix, info); err != nil {
		os.Remove(dest)
		return fmt.Errorf("write sidecar for %s: %w", path, err)
	}

	fields := logging.PathFields("download", path.Key())
	fields["bytes"] = n
	fields["compression"] = info.Compression
	fields["elapsed_ms"] = time.Since(started).Milliseconds()

	if !staged {
		c.logger.WithFields(fields).Info("downloaded")
		return nil
	}

	if extract {
		err = archive.Extract(kind, dest, target)
	} else {
		err = replaceDir(dest, target)
	}
	if rmErr := os.Remove(dest); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		c.logger.WithError(rmErr).WithFields(logging.PathFields("download", dest)).Warn("tmp_cleanup_failed")
	}
	if err != nil {
		c.logger.WithError(err).WithFields(fields).Warn("extract_failed")
		return fmt.Errorf("extract %s: %w", path, err)
	}

	c.logger.WithFields(fields).Info("downloaded")
	return nil
}

// LocalPathOrDownload 返回 path 的本地位置，本地尚不存在时先下载。
// 检查与下载在同一次加锁内完成。
func (c *Cache) LocalPathOrDownload(ctx context.Context, path fileinfo.Path, opts DownloadOptions) (string, error) {
	g, release, err := c.lock(ctx, nil, path)
	if err != nil {
		return "", err
	}
	defer release()

	return c.localPathOrDownloadLocked(ctx, g, path, opts)
}

func (c *Cache) localPathOrDownloadLocked(ctx context.Context, g *Guard, path fileinfo.Path, opts DownloadOptions) (string, error) {
	local := c.LocalPath(path)
	if _, err := os.Stat(local); err == nil {
		metrics.RecordCacheOperation("hit", nil)
		return local, nil
	}

	err := c.downloadLocked(ctx, g, path, opts)
	metrics.RecordCacheOperation("download", err)
	if err != nil {
		return "", err
	}
	return local, nil
}

func isDir(p string) bool {
	info, err := os.Lstat(p)
	return err == nil && info.IsDir()
}

func replaceDir(staged, target string) error {
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	return os.Rename(staged, target)
}
