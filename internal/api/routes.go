package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes mounts the API on app. A nil gatherer leaves /metrics unmounted.
func SetupRoutes(app *fiber.App, h *Handler, gatherer prometheus.Gatherer) {
	v1 := app.Group("/v1")

	v1.Post("/completions", h.CreateCompletion)
	v1.Get("/queue", h.QueueStats)

	adm := v1.Group("/admission")
	adm.Post("/pending", h.EnqueuePending)
	adm.Get("/pending", h.ListPending)
	adm.Post("/tick", h.Tick)
	adm.Post("/complete", h.Complete)
	adm.Post("/abort", h.Abort)
	adm.Post("/reset", h.Reset)

	v1.Get("/status", h.Status)

	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}
