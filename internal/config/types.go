package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述本地镜像、日志与 serve 子命令的运行参数。
type GlobalConfig struct {
	LogLevel          string `mapstructure:"LogLevel"`
	LogFilePath       string `mapstructure:"LogFilePath"`
	LogMaxSize        int    `mapstructure:"LogMaxSize"`
	LogMaxBackups     int    `mapstructure:"LogMaxBackups"`
	LogCompress       bool   `mapstructure:"LogCompress"`
	CacheRoot         string `mapstructure:"CacheRoot"`
	UpdateConcurrency int    `mapstructure:"UpdateConcurrency"`
	ListenPort        int    `mapstructure:"ListenPort"`
}

// RemoteConfig 决定如何访问上游静态文件服务器。
type RemoteConfig struct {
	Server       string   `mapstructure:"Server"`
	Username     string   `mapstructure:"Username"`
	Password     string   `mapstructure:"Password"`
	Timeout      Duration `mapstructure:"Timeout"`
	MaxRetries   int      `mapstructure:"MaxRetries"`
	RetryWaitMin Duration `mapstructure:"RetryWaitMin"`
	RetryWaitMax Duration `mapstructure:"RetryWaitMax"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Remote RemoteConfig `mapstructure:"Remote"`
}

// HasCredentials 表示是否配置了完整的 Basic Auth 凭证。
func (r RemoteConfig) HasCredentials() bool {
	return r.Username != "" && r.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (r RemoteConfig) AuthMode() string {
	if r.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}
