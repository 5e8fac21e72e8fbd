package remote

import (
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/serverfiles/serverfiles/internal/config"
	"github.com/serverfiles/serverfiles/internal/logging"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          32,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
}

// NewHTTPClient 返回带重试的 http.Client。Timeout 只约束建连与等待响应头，
// 不限制整个下载过程，大文件下载不会因总时长被中断。
func NewHTTPClient(cfg config.RemoteConfig, logger logrus.FieldLogger) *http.Client {
	timeout := cfg.Timeout.DurationValue()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	transport := defaultTransport.Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = timeout

	if logger == nil {
		logger = logging.Discard()
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: transport}
	rc.RetryMax = cfg.MaxRetries
	if min := cfg.RetryWaitMin.DurationValue(); min > 0 {
		rc.RetryWaitMin = min
	}
	if max := cfg.RetryWaitMax.DurationValue(); max > 0 {
		rc.RetryWaitMax = max
	}
	rc.Logger = logging.RetryLogger{Logger: logger}
	// 重试耗尽后把最后一次响应原样交还，由调用方按状态码区分 404 与其它错误。
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return rc.StandardClient()
}
