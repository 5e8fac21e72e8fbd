package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/serverfiles/serverfiles/internal/cache"
	"github.com/serverfiles/serverfiles/internal/fileinfo"
	"github.com/serverfiles/serverfiles/internal/logging"
	"github.com/serverfiles/serverfiles/internal/server"
	"github.com/serverfiles/serverfiles/internal/server/routes"
)

type command struct {
	name        string
	usage       string
	summary     string
	needsRemote bool
	run         func(ctx context.Context, env *commandEnv, args []string) error
}

type usageError struct{}

func (usageError) Error() string { return "invalid arguments" }

var commands = []command{
	{name: "list", usage: "[prefix]", summary: "列出本地镜像（-remote 时列出远端）", run: runList},
	{name: "info", usage: "<path>", summary: "输出元数据", run: runInfo},
	{name: "download", usage: "<path>...", summary: "下载并按需解压", needsRemote: true, run: runDownload},
	{name: "update", usage: "<path>...", summary: "远端更新时重新下载", needsRemote: true, run: runUpdate},
	{name: "update-all", usage: "[prefix]", summary: "刷新本地已有的全部条目", needsRemote: true, run: runUpdateAll},
	{name: "needs-update", usage: "<path>...", summary: "检查是否需要更新", needsRemote: true, run: runNeedsUpdate},
	{name: "remove", usage: "<path>...", summary: "删除本地副本与元数据", run: runRemove},
	{name: "search", usage: "<query>...", summary: "按标签/标题/路径搜索", run: runSearch},
	{name: "dump-info", usage: "[prefix]", summary: "生成 __INFO__ 目录文档", run: runDumpInfo},
	{name: "serve", usage: "", summary: "以静态文件服务器形式提供本地镜像", run: runServe},
}

func lookupCommand(name string) (command, bool) {
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd, true
		}
	}
	return command{}, false
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "用法: serverfiles [flags] <command> [args]")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-13s %-10s %s\n", cmd.name, cmd.usage, cmd.summary)
	}
}

func runList(ctx context.Context, env *commandEnv, args []string) error {
	if len(args) > 1 {
		return usageError{}
	}
	prefix := optionalPath(args)

	if env.useRemote {
		files, err := env.catalog.ListFiles(ctx, prefix, true)
		if err != nil {
			return err
		}
		for _, key := range sortedKeys(files) {
			fmt.Fprintln(stdOut, key)
		}
		return nil
	}

	files, err := env.cache.ListFiles(prefix)
	if err != nil {
		return err
	}
	for _, key := range sortedKeys(files) {
		size, err := diskUsage(env.cache.LocalPath(fileinfo.ParsePath(key)))
		if err != nil {
			return err
		}
		fmt.Fprintf(stdOut, "%s\t%s\n", key, humanize.Bytes(uint64(size)))
	}
	return nil
}

func runInfo(ctx context.Context, env *commandEnv, args []string) error {
	if len(args) != 1 {
		return usageError{}
	}
	path := fileinfo.ParsePath(args[0])

	var (
		info fileinfo.Info
		err  error
	)
	if env.useRemote {
		info, err = env.catalog.Info(ctx, path)
	} else {
		info, err = env.cache.Info(path)
	}
	if err != nil {
		return err
	}
	return writeJSON(info)
}

func runDownload(ctx context.Context, env *commandEnv, args []string) error {
	if len(args) == 0 {
		return usageError{}
	}
	for _, raw := range args {
		path := fileinfo.ParsePath(raw)
		if err := env.cache.Download(ctx, path, env.downloadOptions(path)); err != nil {
			return err
		}
		if err := printLocal(env, path); err != nil {
			return err
		}
	}
	return nil
}

func runUpdate(ctx context.Context, env *commandEnv, args []string) error {
	if len(args) == 0 {
		return usageError{}
	}
	for _, raw := range args {
		path := fileinfo.ParsePath(raw)
		updated, err := env.cache.Update(ctx, path, env.downloadOptions(path))
		if err != nil {
			return err
		}
		if updated {
			if err := printLocal(env, path); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(stdOut, "%s\tup to date\n", path.Key())
		}
	}
	return nil
}

func runUpdateAll(ctx context.Context, env *commandEnv, args []string) error {
	if len(args) > 1 {
		return usageError{}
	}
	updated, err := env.cache.UpdateAll(ctx, optionalPath(args), cache.DownloadOptions{NoExtract: env.noExtract})
	for _, key := range sortedKeys(updated) {
		fmt.Fprintf(stdOut, "%s\tupdated\n", key)
	}
	return err
}

func runNeedsUpdate(ctx context.Context, env *commandEnv, args []string) error {
	if len(args) == 0 {
		return usageError{}
	}
	for _, raw := range args {
		path := fileinfo.ParsePath(raw)
		stale, err := env.cache.NeedsUpdate(ctx, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdOut, "%s\t%t\n", path.Key(), stale)
	}
	return nil
}

func runRemove(ctx context.Context, env *commandEnv, args []string) error {
	if len(args) == 0 {
		return usageError{}
	}
	for _, raw := range args {
		if err := env.cache.Remove(ctx, fileinfo.ParsePath(raw)); err != nil {
			return err
		}
	}
	return nil
}

func runSearch(ctx context.Context, env *commandEnv, args []string) error {
	if len(args) == 0 {
		return usageError{}
	}

	var (
		found []fileinfo.Path
		err   error
	)
	if env.useRemote {
		found, err = env.catalog.Search(ctx, args, fileinfo.DefaultSearch())
	} else {
		found, err = env.cache.Search(args, fileinfo.DefaultSearch())
	}
	if err != nil {
		return err
	}
	for _, path := range found {
		fmt.Fprintln(stdOut, path.Key())
	}
	return nil
}

func runDumpInfo(ctx context.Context, env *commandEnv, args []string) error {
	if len(args) > 1 {
		return usageError{}
	}
	prefix := optionalPath(args)

	var (
		entries []fileinfo.Entry
		err     error
	)
	if env.useRemote {
		entries, err = env.catalog.AllInfo(ctx, prefix, true)
	} else {
		entries, err = env.cache.AllInfo(prefix)
	}
	if err != nil {
		return err
	}
	doc, err := fileinfo.MarshalCatalog(entries)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdOut, string(doc))
	return err
}

func runServe(ctx context.Context, env *commandEnv, args []string) error {
	if len(args) != 0 {
		return usageError{}
	}
	port := env.cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     env.logger,
		Cache:      env.cache,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticRoutes(app, env.cache)

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	fields := logging.PathFields("listen", env.cache.Root())
	fields["port"] = port
	env.logger.WithFields(fields).Info("Fiber 服务启动")
	return app.Listen(fmt.Sprintf(":%d", port))
}

// downloadOptions 为单个下载构建选项，进度按百分比写到 stderr。
func (env *commandEnv) downloadOptions(path fileinfo.Path) cache.DownloadOptions {
	done := 0
	return cache.DownloadOptions{
		NoExtract: env.noExtract,
		Progress: func() {
			done++
			fmt.Fprintf(stdErr, "\r%s %3d%%", path.Key(), done)
			if done == 100 {
				fmt.Fprintln(stdErr)
			}
		},
	}
}

func printLocal(env *commandEnv, path fileinfo.Path) error {
	local := env.cache.LocalPath(path)
	size, err := diskUsage(local)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdOut, "%s\t%s\t%s\n", path.Key(), local, humanize.Bytes(uint64(size)))
	return nil
}

// diskUsage 返回文件大小，目录（解压后的 tar 包）则累加其中所有文件。
func diskUsage(p string) (int64, error) {
	var total int64
	err := filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func optionalPath(args []string) fileinfo.Path {
	if len(args) == 0 {
		return nil
	}
	return fileinfo.ParsePath(args[0])
}

func sortedKeys(paths []fileinfo.Path) []string {
	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = p.Key()
	}
	sort.Strings(keys)
	return keys
}

func writeJSON(v interface{}) error {
	enc := json.NewEncoder(stdOut)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
