// Package api is the control-plane HTTP surface: liveness/readiness,
// pipeline stats, and route-table introspection/reload, served over fiber
// the way the teacher's internal/api served its own (much larger) surface.
// Unlike the teacher's log-hub API (pipelines/destinations/sources/
// enrichment — concepts with no analog in a packet-batching pipeline) this
// surface is narrow: the pipeline itself is driven by packet arrival, not
// by HTTP.
package api

import (
	"context"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"routerd/internal/config"
	"routerd/internal/metrics"
	"routerd/internal/version"
)

// Stats is a point-in-time snapshot of pipeline counters, collected from
// the running Batcher/pool/transmit stages for the /statsz endpoint.
type Stats struct {
	BatchesEmitted   uint64 `json:"batches_emitted"`
	PacketsBatched   uint64 `json:"packets_batched"`
	PacketsSent      uint64 `json:"packets_sent"`
	PoolAllocNew     uint64 `json:"pool_alloc_new"`
	PoolAllocRecycled uint64 `json:"pool_alloc_recycled"`
}

// RouteController exposes the LPM route table to the control plane for
// introspection and manual reload.
type RouteController interface {
	RouteCount() int
	Reload(ctx context.Context) error
}

// Deps wires the collaborators the API surface reports on.
type Deps struct {
	HealthCheck func(ctx context.Context) error
	Stats       func() Stats
	Routes      RouteController
}

// New builds the fiber app with routerd's control-plane routes registered.
func New(cfg *config.Config, log *zap.Logger, deps Deps) *fiber.App {
	if log == nil {
		log = zap.NewNop()
	}
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		AppName:      "routerd",
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
		defer cancel()
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(ctx); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
		}
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"version": version.Full(),
		})
	})

	app.Get("/statsz", func(c *fiber.Ctx) error {
		if deps.Stats == nil {
			return c.JSON(Stats{})
		}
		return c.JSON(deps.Stats())
	})

	app.Get("/routesz", func(c *fiber.Ctx) error {
		if deps.Routes == nil {
			return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "no route controller configured"})
		}
		return c.JSON(fiber.Map{"routes": deps.Routes.RouteCount()})
	})

	app.Post("/routesz/reload", func(c *fiber.Ctx) error {
		if deps.Routes == nil {
			return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "no route controller configured"})
		}
		ctx, cancel := context.WithTimeout(c.Context(), 30*time.Second)
		defer cancel()
		if err := deps.Routes.Reload(ctx); err != nil {
			log.Error("route reload failed", zap.Error(err))
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"routes": deps.Routes.RouteCount()})
	})

	reg := metrics.Registry()
	if reg != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	return app
}
