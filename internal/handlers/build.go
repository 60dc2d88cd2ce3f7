package handlers

import (
	"time"

	"github.com/bananajs/banana/internal/logger"
	"github.com/bananajs/banana/internal/services"
	"github.com/gofiber/fiber/v2"
)

// BuildHandler lets bundlers mark build and hot-update milestones, and
// reports server health.
type BuildHandler struct {
	clock     *services.BuildClock
	registry  *services.ConnectionRegistry
	startTime time.Time
}

// BuildTimesResponse reports the build clock.
type BuildTimesResponse struct {
	BuildStart    int64 `json:"buildStart"`
	HMRApplied    int64 `json:"hmrApplied"`
	BuildTime     int64 `json:"buildTime"`
	HMRUpdateTime int64 `json:"hmrUpdateTime"`
}

// HealthResponse is returned by GET /v1/health.
type HealthResponse struct {
	Status   string `json:"status"`
	Channels int    `json:"channels"`
	Uptime   int64  `json:"uptime"`
}

func NewBuildHandler(clock *services.BuildClock, registry *services.ConnectionRegistry) *BuildHandler {
	return &BuildHandler{
		clock:     clock,
		registry:  registry,
		startTime: time.Now(),
	}
}

func (h *BuildHandler) RegisterRoutes(v1 fiber.Router) {
	v1.Post("/build/start", h.MarkBuildStart)
	v1.Post("/hmr/applied", h.MarkHMRApplied)
	v1.Get("/build", h.GetBuildTimes)
	v1.Get("/health", h.Health)
}

// MarkBuildStart resets the build timer.
// POST /v1/build/start
func (h *BuildHandler) MarkBuildStart(c *fiber.Ctx) error {
	h.clock.MarkBuildStart()
	logger.Debugf("🏗️ Build started")
	return c.JSON(h.times())
}

// MarkHMRApplied resets the hot-update timer.
// POST /v1/hmr/applied
func (h *BuildHandler) MarkHMRApplied(c *fiber.Ctx) error {
	h.clock.MarkHMRApplied()
	logger.Debugf("🔥 Hot update applied")
	return c.JSON(h.times())
}

// GET /v1/build
func (h *BuildHandler) GetBuildTimes(c *fiber.Ctx) error {
	return c.JSON(h.times())
}

// GET /v1/health
func (h *BuildHandler) Health(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:   "ok",
		Channels: h.registry.Count(),
		Uptime:   time.Since(h.startTime).Milliseconds(),
	})
}

func (h *BuildHandler) times() BuildTimesResponse {
	build, hmr := h.clock.Snapshot()
	return BuildTimesResponse{
		BuildStart:    build.UnixMilli(),
		HMRApplied:    hmr.UnixMilli(),
		BuildTime:     h.clock.SinceBuildStart().Milliseconds(),
		HMRUpdateTime: h.clock.SinceHMRApplied().Milliseconds(),
	}
}
