// Package httpapi implements the orchestrator's own HTTP surface (§6.1),
// separate from the subdomain proxy listener (§4.G) per the composition
// note in SPEC_FULL.md §4.J.
package httpapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/training/sandbox-orchestrator/internal/builder"
	"github.com/training/sandbox-orchestrator/internal/config"
	"github.com/training/sandbox-orchestrator/internal/lifecycle"
	"github.com/training/sandbox-orchestrator/internal/ports"
)

// NewApp builds the Fiber app serving the /api routes of §6.1.
func NewApp(
	cfg config.Config,
	b *builder.Builder,
	lm *lifecycle.Manager,
	catalog ports.CatalogStore,
	registry ports.ContainerRegistry,
	progress ports.ProgressStore,
) *fiber.App {
	h := NewHandler(b, lm, catalog, registry, progress, cfg.BaseDomain, cfg.DataDir+"/uploads")

	app := fiber.New(fiber.Config{
		BodyLimit: int(cfg.UploadMaxSize),
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if fe, ok := err.(*fiber.Error); ok {
				code = fe.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	api := app.Group("/api")

	exercises := api.Group("/exercises")
	exercises.Post("/upload", requireAdmin, h.UploadExercise)
	exercises.Get("/", requireSubject, h.ListExercises)
	exercises.Post("/launch/:exerciseId", requireSubject, h.LaunchExercise)

	containers := api.Group("/containers")
	containers.Get("/", requireSubject, h.ListContainers)
	containers.Post("/:containerId/stop", requireSubject, h.StopContainer)
	containers.Post("/:subdomain/complete", h.CompleteContainer)

	admin := api.Group("/admin")
	admin.Post("/containers/:containerId/stop", requireAdmin, h.AdminStopContainer)

	return app
}
