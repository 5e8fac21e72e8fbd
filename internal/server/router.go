package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/serverfiles/serverfiles/internal/cache"
	"github.com/serverfiles/serverfiles/internal/logging"
	"github.com/serverfiles/serverfiles/internal/metrics"
)

// MirrorHandler describes the component that answers requests for the
// mirrored tree. It allows injecting fake handlers during tests.
type MirrorHandler interface {
	Handle(fiber.Ctx) error
}

// MirrorHandlerFunc adapts a function to the MirrorHandler interface.
type MirrorHandlerFunc func(fiber.Ctx) error

// Handle makes MirrorHandlerFunc satisfy MirrorHandler.
func (f MirrorHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application serves a local mirror.
type AppOptions struct {
	Logger     *logrus.Logger
	Cache      *cache.Cache
	Handler    MirrorHandler
	ListenPort int
}

const contextKeyRequestID = "_serverfiles_request_id"

// NewApp builds a Fiber application that serves the mirror rooted at
// opts.Cache. Diagnostics routes under /-/ fall through to handlers
// registered after NewApp returns.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Cache == nil && opts.Handler == nil {
		return nil, errors.New("cache is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	handler := opts.Handler
	if handler == nil {
		handler = NewFileHandler(opts.Cache, opts.Logger)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(c.Path()) {
			return c.Next()
		}
		return handler.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 生成请求 ID，并在请求结束后记录日志与指标。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		status := c.Response().StatusCode()
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}
		metrics.RecordHTTPRequest(c.Method(), status)

		fields := logging.RequestFields(reqID, c.Method(), c.Path(), status)
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		entry := logger.WithFields(fields)
		if err != nil {
			entry.WithError(err).Error("request_failed")
		} else {
			entry.Debug("request_complete")
		}
		return err
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
