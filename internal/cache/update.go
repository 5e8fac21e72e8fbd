package cache

import (
	"context"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/serverfiles/serverfiles/internal/fileinfo"
	"github.com/serverfiles/serverfiles/internal/logging"
	"github.com/serverfiles/serverfiles/internal/metrics"
)

// NeedsUpdate 判断本地副本是否需要重新下载。本地元数据缺失、正文缺失、
// 任一侧 datetime 不可用，或远端时间（按秒截断）严格晚于本地时返回 true。
// 远端请求失败时返回 (true, err)。
func (c *Cache) NeedsUpdate(ctx context.Context, path fileinfo.Path) (bool, error) {
	if err := path.Validate(); err != nil {
		return false, err
	}
	local, err := c.Info(path)
	if err != nil {
		return true, nil
	}
	if _, err := os.Stat(c.LocalPath(path)); err != nil {
		return true, nil
	}
	localTime, ok := local.Time()
	if !ok {
		return true, nil
	}

	if c.remote == nil {
		return true, ErrNoRemote
	}
	latest, err := c.remote.Info(ctx, path)
	if err != nil {
		return true, err
	}
	remoteTime, ok := latest.Time()
	if !ok {
		return true, nil
	}
	return remoteTime.After(localTime), nil
}

// Update 仅在 NeedsUpdate 为 true 时下载，返回是否发生了下载。
func (c *Cache) Update(ctx context.Context, path fileinfo.Path, opts DownloadOptions) (bool, error) {
	g, release, err := c.lock(ctx, nil, path)
	if err != nil {
		return false, err
	}
	defer release()

	updated, err := c.updateLocked(ctx, g, path, opts)
	metrics.RecordCacheOperation("update", err)
	return updated, err
}

func (c *Cache) updateLocked(ctx context.Context, g *Guard, path fileinfo.Path, opts DownloadOptions) (bool, error) {
	stale, err := c.NeedsUpdate(ctx, path)
	if err != nil {
		return false, err
	}
	if !stale {
		return false, nil
	}
	if err := c.downloadLocked(ctx, g, path, opts); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateAll 对 prefix 下已在本地的条目逐个执行 Update，并发度由 WithConcurrency 决定。
// 不会拉取本地尚未镜像的远端条目。所有条目处理完后返回已更新的路径与第一个错误；
// opts.Progress 可能被并发调用。
func (c *Cache) UpdateAll(ctx context.Context, prefix fileinfo.Path, opts DownloadOptions) ([]fileinfo.Path, error) {
	files, err := c.ListFiles(prefix)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		updated []fileinfo.Path
		g       errgroup.Group
	)
	g.SetLimit(c.concurrency)

	for _, path := range files {
		path := path
		g.Go(func() error {
			ok, err := c.Update(ctx, path, opts)
			if err != nil {
				c.logger.WithError(err).WithFields(logging.PathFields("update_all", path.Key())).Warn("update_failed")
				return err
			}
			if ok {
				mu.Lock()
				updated = append(updated, path)
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()
	return updated, err
}
