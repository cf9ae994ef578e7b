// Package transport is the HTTP surface: task endpoints behind API key auth,
// public file downloads, and the health endpoint.
package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/zj1123581321/youtube-download-api/internal/config"
)

type HttpServer struct {
	cfg config.ServerCfg
	app *fiber.App
}

func NewHttpServer(cfg config.ServerCfg) *HttpServer {
	app := fiber.New(fiber.Config{
		AppName:               "youtube-download-api",
		DisableStartupMessage: true,
	})

	// middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format:     "${time} ${status} - ${method} ${path}\n",
		TimeFormat: "2006/01/02 15:04:05",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Accept,Content-Type,X-API-Key",
	}))

	return &HttpServer{cfg: cfg, app: app}
}

func (s *HttpServer) SetupRoute(tasks *TaskHandler, files *FileHandler, health *HealthHandler) {
	s.app.Get("/health", health.Health)

	api := s.app.Group("/api/v1")

	// File links are shared with third parties, so they carry no API key; the
	// unguessable file id is the capability.
	api.Get("/files/:id", files.Download)

	authed := api.Group("", RequireAPIKey(s.cfg.APIKey))
	authed.Post("/tasks", tasks.Create)
	authed.Get("/tasks", tasks.List)
	authed.Get("/tasks/:id", tasks.Get)
	authed.Delete("/tasks/:id", tasks.Cancel)
}

func (s *HttpServer) Start() {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	go func() {
		if err := s.app.Listen(addr); err != nil {
			slog.Error("http server stopped", "error", err)
		}
	}()
	slog.Info("http server listening", "addr", addr)
}

func (s *HttpServer) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the fiber app for in-process request tests.
func (s *HttpServer) App() *fiber.App { return s.app }
