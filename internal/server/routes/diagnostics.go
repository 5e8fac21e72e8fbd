package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/serverfiles/serverfiles/internal/cache"
	"github.com/serverfiles/serverfiles/internal/metrics"
	"github.com/serverfiles/serverfiles/internal/version"
)

// RegisterDiagnosticRoutes 暴露 /-/metrics 与 /-/status 诊断接口。
func RegisterDiagnosticRoutes(app *fiber.App, mirror *cache.Cache) {
	if app == nil || mirror == nil {
		return
	}

	app.Get("/-/metrics", adaptor.HTTPHandler(metrics.Handler()))

	app.Get("/-/status", func(c fiber.Ctx) error {
		files, err := mirror.ListFiles(nil)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "list_failed"})
		}
		return c.JSON(statusPayload{
			Root:    mirror.Root(),
			Entries: len(files),
			Version: version.Full(),
		})
	})
}

type statusPayload struct {
	Root    string `json:"root"`
	Entries int    `json:"entries"`
	Version string `json:"version"`
}
