package transport

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/zj1123581321/youtube-download-api/internal/cache"
	"github.com/zj1123581321/youtube-download-api/internal/queue"
	"github.com/zj1123581321/youtube-download-api/internal/store"
)

type HealthHandler struct {
	store   *store.Store
	queue   *queue.Client
	cache   *cache.Manager
	started time.Time
}

func NewHealthHandler(st *store.Store, qc *queue.Client, cm *cache.Manager) *HealthHandler {
	return &HealthHandler{store: st, queue: qc, cache: cm, started: time.Now()}
}

// Health reports component status, queue depth, and disk usage. Degraded
// components turn the overall status but the endpoint itself stays 200 so
// probes can read the detail.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	status := "ok"

	dbStatus := "ok"
	if err := h.store.Ping(c.Context()); err != nil {
		dbStatus = err.Error()
		status = "degraded"
	}

	queueStatus := "ok"
	if err := h.queue.Ping(); err != nil {
		queueStatus = err.Error()
		status = "degraded"
	}

	pending, downloading, err := h.store.QueueStats(c.Context())
	if err != nil {
		status = "degraded"
	}

	audioBytes, transcriptBytes := h.cache.DiskUsage()

	return c.JSON(fiber.Map{
		"status":         status,
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"components": fiber.Map{
			"database": dbStatus,
			"queue":    queueStatus,
		},
		"tasks": fiber.Map{
			"pending":     pending,
			"downloading": downloading,
		},
		"storage": fiber.Map{
			"audio_bytes":      audioBytes,
			"transcript_bytes": transcriptBytes,
		},
	})
}
