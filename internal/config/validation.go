package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if strings.TrimSpace(g.CacheRoot) == "" {
		return newFieldError("Global.CacheRoot", "不能为空")
	}
	if g.UpdateConcurrency <= 0 {
		return newFieldError("Global.UpdateConcurrency", "必须大于 0")
	}
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}

	r := c.Remote
	if r.Server != "" {
		if err := validateServer(r.Server); err != nil {
			return fmt.Errorf("Remote.Server: %w", err)
		}
	}
	if (r.Username == "") != (r.Password == "") {
		return newFieldError("Remote.Username/Password", "必须同时提供或同时留空")
	}
	if r.Timeout.DurationValue() <= 0 {
		return newFieldError("Remote.Timeout", "必须大于 0")
	}
	if r.MaxRetries < 0 {
		return newFieldError("Remote.MaxRetries", "不能为负数")
	}
	if r.RetryWaitMax.DurationValue() < r.RetryWaitMin.DurationValue() {
		return newFieldError("Remote.RetryWaitMax", "不能小于 RetryWaitMin")
	}

	return nil
}

// RequireServer 在需要访问上游的子命令前调用。
func (c *Config) RequireServer() error {
	if strings.TrimSpace(c.Remote.Server) == "" {
		return newFieldError("Remote.Server", "不能为空")
	}
	return nil
}

func validateServer(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，服务器: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("服务器地址缺少 Host: %s", raw)
	}
	return nil
}
