package config

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultTimeout      = 5 * time.Second
	defaultRetryWaitMin = 200 * time.Millisecond
	defaultRetryWaitMax = 2 * time.Second
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults 返回未读取任何文件时的配置，调用方可再用命令行参数覆盖并自行 Validate。
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		// 默认值均为常量，解码失败只可能是编码错误。
		panic(err)
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	applyGlobalDefaults(&cfg.Global)
	applyRemoteDefaults(&cfg.Remote)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CacheRoot", "~/.serverfiles")
	v.SetDefault("UpdateConcurrency", 4)
	v.SetDefault("ListenPort", 8000)
	v.SetDefault("Remote.Timeout", "5s")
	v.SetDefault("Remote.MaxRetries", 3)
	v.SetDefault("Remote.RetryWaitMin", "200ms")
	v.SetDefault("Remote.RetryWaitMax", "2s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.UpdateConcurrency == 0 {
		g.UpdateConcurrency = 4
	}
	if g.ListenPort == 0 {
		g.ListenPort = 8000
	}
}

func applyRemoteDefaults(r *RemoteConfig) {
	if r.Timeout.DurationValue() == 0 {
		r.Timeout = Duration(defaultTimeout)
	}
	if r.RetryWaitMin.DurationValue() == 0 {
		r.RetryWaitMin = Duration(defaultRetryWaitMin)
	}
	if r.RetryWaitMax.DurationValue() == 0 {
		r.RetryWaitMax = Duration(defaultRetryWaitMax)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
