package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/serverfiles/serverfiles/internal/fileinfo"
	"github.com/serverfiles/serverfiles/internal/metrics"
)

// ChunkSize 是下载时每次读取的字节数。
const ChunkSize = 8 * 1024

// progressSteps 是一次完整下载回调的总次数。
const progressSteps = 100

// ProgressFunc 在每多下载 1% 时被调用一次，一次完整下载恰好调用 100 次。
type ProgressFunc func()

// Download 把 path 流式下载到 dest。正文先写入 dest 同目录下的临时文件，
// 完成后 rename 到 dest，中途失败不会留下半截的目标文件。
// 404 返回 ErrNotFound，其它非 200 返回 *StatusError。
func (c *Catalog) Download(ctx context.Context, path fileinfo.Path, dest string, progress ProgressFunc) (int64, error) {
	if err := path.Validate(); err != nil {
		return 0, err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}

	resp, err := c.get(ctx, "download", path, false)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, c.resolve(path, false)); err != nil {
		return 0, err
	}

	tempFile, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	reporter := newProgressReporter(resp.ContentLength, progress)
	written, err := copyChunks(ctx, tempFile, resp.Body, reporter)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	metrics.AddDownloadedBytes(written)
	if err != nil {
		os.Remove(tempName)
		return written, fmt.Errorf("download %s: %w", path, err)
	}

	if err := os.Rename(tempName, dest); err != nil {
		os.Remove(tempName)
		return written, err
	}

	reporter.finish()
	return written, nil
}

func copyChunks(ctx context.Context, dst io.Writer, src io.Reader, reporter *progressReporter) (int64, error) {
	var copied int64
	buf := make([]byte, ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
			reporter.add(int64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

// progressReporter 在已知长度时按整百分比触发回调（正文阶段最多 99 次），
// finish 补齐剩余次数并触发最后一次，总数恒为 100。
type progressReporter struct {
	total int64
	read  int64
	fired int
	fn    ProgressFunc
}

func newProgressReporter(total int64, fn ProgressFunc) *progressReporter {
	return &progressReporter{total: total, fn: fn}
}

func (p *progressReporter) add(n int64) {
	if p.fn == nil || p.total <= 0 {
		return
	}
	p.read += n
	for p.fired < progressSteps-1 && p.read*progressSteps > p.total*int64(p.fired+1) {
		p.fired++
		p.fn()
	}
}

func (p *progressReporter) finish() {
	if p.fn == nil {
		return
	}
	for p.fired < progressSteps-1 {
		p.fired++
		p.fn()
	}
	p.fired++
	p.fn()
}
