package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/serverfiles/serverfiles/internal/cache"
	"github.com/serverfiles/serverfiles/internal/config"
	"github.com/serverfiles/serverfiles/internal/logging"
	"github.com/serverfiles/serverfiles/internal/remote"
	"github.com/serverfiles/serverfiles/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath     string
	configExplicit bool
	checkOnly      bool
	showVersion    bool
	useRemote      bool
	noExtract      bool
	server         string
	root           string
	command        string
	args           []string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_root"] = cfg.Global.CacheRoot
		fields["server"] = cfg.Remote.Server
		fields["credentials"] = cfg.Remote.AuthMode()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	cmd, ok := lookupCommand(opts.command)
	if !ok {
		if opts.command == "" {
			fmt.Fprintln(stdErr, "缺少子命令")
		} else {
			fmt.Fprintf(stdErr, "未知子命令: %s\n", opts.command)
		}
		printUsage(stdErr)
		return 2
	}

	env, err := newCommandEnv(cfg, logger, opts, cmd.needsRemote || opts.useRemote)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fields := logging.BaseFields(cmd.name, opts.configPath)
	fields["version"] = version.Full()
	fields["cache_root"] = env.cache.Root()
	logger.WithFields(fields).Debug("command_start")

	if err := cmd.run(ctx, env, opts.args); err != nil {
		var usage usageError
		if errors.As(err, &usage) {
			fmt.Fprintf(stdErr, "用法: serverfiles %s %s\n", cmd.name, cmd.usage)
			return 2
		}
		logger.WithError(err).WithFields(fields).Error("command_failed")
		fmt.Fprintf(stdErr, "%s 失败: %v\n", cmd.name, err)
		return 1
	}
	return 0
}

// loadConfig 读取配置文件并叠加命令行覆盖项。未显式指定且默认路径不存在时使用内置默认值。
func loadConfig(opts cliOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		if opts.configExplicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = config.Defaults()
	}

	if opts.server != "" {
		cfg.Remote.Server = opts.server
	}
	if opts.root != "" {
		cfg.Global.CacheRoot = opts.root
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// commandEnv 是子命令共享的运行时依赖。
type commandEnv struct {
	cfg       *config.Config
	logger    *logrus.Logger
	catalog   *remote.Catalog
	cache     *cache.Cache
	useRemote bool
	noExtract bool
}

func newCommandEnv(cfg *config.Config, logger *logrus.Logger, opts cliOptions, needsRemote bool) (*commandEnv, error) {
	env := &commandEnv{
		cfg:       cfg,
		logger:    logger,
		useRemote: opts.useRemote,
		noExtract: opts.noExtract,
	}

	if needsRemote {
		if err := cfg.RequireServer(); err != nil {
			return nil, err
		}
	}
	if cfg.Remote.Server != "" {
		catalogOpts := []remote.Option{
			remote.WithClient(remote.NewHTTPClient(cfg.Remote, logger)),
			remote.WithLogger(logger),
		}
		if cfg.Remote.HasCredentials() {
			catalogOpts = append(catalogOpts, remote.WithBasicAuth(cfg.Remote.Username, cfg.Remote.Password))
		}
		catalog, err := remote.New(cfg.Remote.Server, catalogOpts...)
		if err != nil {
			return nil, err
		}
		env.catalog = catalog
	}

	var upstream cache.Remote
	if env.catalog != nil {
		upstream = env.catalog
	}
	mirror, err := cache.New(cfg.Global.CacheRoot, upstream,
		cache.WithLogger(logger),
		cache.WithConcurrency(cfg.Global.UpdateConcurrency),
	)
	if err != nil {
		return nil, err
	}
	env.cache = mirror
	return env, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("serverfiles", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		opts       cliOptions
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SERVERFILES_CONFIG 覆盖）")
	fs.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&opts.showVersion, "version", false, "显示版本信息")
	fs.BoolVar(&opts.useRemote, "remote", false, "list/info/search/dump-info 查询远端而不是本地镜像")
	fs.BoolVar(&opts.noExtract, "no-extract", false, "下载后不解压")
	fs.StringVar(&opts.server, "server", "", "覆盖配置中的 Remote.Server")
	fs.StringVar(&opts.root, "root", "", "覆盖配置中的 CacheRoot")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SERVERFILES_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	opts.configExplicit = path != ""
	if path == "" {
		path = "config.toml"
	}
	opts.configPath = path

	if rest := fs.Args(); len(rest) > 0 {
		opts.command = strings.ToLower(rest[0])
		opts.args = rest[1:]
	}
	return opts, nil
}
