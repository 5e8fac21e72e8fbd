package cache

import (
	"context"
	"errors"

	"github.com/serverfiles/serverfiles/internal/fileinfo"
	"github.com/serverfiles/serverfiles/internal/remote"
)

// Remote 是本地镜像依赖的远端能力，*remote.Catalog 满足该接口，测试中可替换。
type Remote interface {
	Info(ctx context.Context, path fileinfo.Path) (fileinfo.Info, error)
	Download(ctx context.Context, path fileinfo.Path, dest string, progress remote.ProgressFunc) (int64, error)
}

// DownloadOptions 控制下载行为，零值表示下载后自动解压且不回调进度。
type DownloadOptions struct {
	NoExtract bool
	Progress  remote.ProgressFunc
}

// ErrNotFound 表示本地 sidecar 不存在或无法读取。
var ErrNotFound = fileinfo.ErrNotFound

// ErrInvalidPath 表示路径为空或含有会离开镜像根目录的片段。
var ErrInvalidPath = fileinfo.ErrInvalidPath

// ErrNoRemote 表示当前 Cache 未配置远端，无法执行下载类操作。
var ErrNoRemote = errors.New("cache has no remote catalog")

// tmpSuffix 是需要解压的文件下载阶段使用的后缀。
const tmpSuffix = ".tmp"
