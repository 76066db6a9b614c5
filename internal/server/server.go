// Package server exposes the queue control surface as a JSON HTTP API for
// the external front-end.
package server

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"whisperx-queue/internal/domain"
	"whisperx-queue/internal/queue"
)

// enqueueRequest is the canonical enqueue input: one resolved path plus the
// run parameters to freeze into the job.
type enqueueRequest struct {
	Path   string                `json:"path"`
	Params domain.RuntimeProfile `json:"params"`
}

// watchFolderRequest sets or clears (empty path) the watch folder.
type watchFolderRequest struct {
	Path string `json:"path"`
}

// startRequest optionally overrides the session token.
type startRequest struct {
	Token string `json:"token"`
}

// Server wires the scheduler behind fiber HTTP handlers.
type Server struct {
	app     *fiber.App
	manager *queue.Manager
	log     *slog.Logger
}

// New builds the control API server around a queue manager.
func New(manager *queue.Manager, log *slog.Logger) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "whisperx-queue",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	s := &Server{app: app, manager: manager, log: log}

	api := app.Group("/api")
	api.Post("/jobs", s.handleEnqueue)
	api.Put("/watch-folder", s.handleSetWatchFolder)
	api.Post("/watch-folder/rescan", s.handleRescanWatchFolder)
	api.Post("/queue/start", s.handleStart)
	api.Post("/queue/stop", s.handleStop)
	api.Post("/queue/pending/clear", s.handleClearPending)
	api.Post("/queue/kill", s.handleKill)
	api.Get("/queue", s.handleSnapshot)

	return s
}

// Listen serves the control API on the given address until shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for in-process tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// handleEnqueue validates and enqueues one source file.
func (s *Server) handleEnqueue(c *fiber.Ctx) error {
	var req enqueueRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"ok":      false,
			"message": "invalid request body",
		})
	}

	ok, message := s.manager.Enqueue(req.Path, req.Params)
	status := fiber.StatusOK
	if !ok {
		status = fiber.StatusUnprocessableEntity
	}
	return c.Status(status).JSON(fiber.Map{"ok": ok, "message": message})
}

// handleSetWatchFolder sets or clears the watched directory.
func (s *Server) handleSetWatchFolder(c *fiber.Ctx) error {
	var req watchFolderRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"ok":      false,
			"message": "invalid request body",
		})
	}

	ok, message := s.manager.SetWatchFolder(req.Path)
	status := fiber.StatusOK
	if !ok {
		status = fiber.StatusUnprocessableEntity
	}
	return c.Status(status).JSON(fiber.Map{"ok": ok, "message": message})
}

// handleRescanWatchFolder triggers an on-demand watch folder scan using the
// last-used parameters.
func (s *Server) handleRescanWatchFolder(c *fiber.Ctx) error {
	params := s.manager.Snapshot().RuntimeProfile
	added := s.manager.EnqueueFromWatchFolder(params)
	return c.JSON(fiber.Map{"ok": true, "added": added})
}

// handleStart runs preflight and starts the worker. The report is returned
// even on failure so the front-end can render diagnostics.
func (s *Server) handleStart(c *fiber.Ctx) error {
	var req startRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"ok":      false,
				"message": "invalid request body",
			})
		}
	}

	ok, message, report := s.manager.StartProcessing(req.Token)
	status := fiber.StatusOK
	if !ok {
		status = fiber.StatusPreconditionFailed
	}
	return c.Status(status).JSON(fiber.Map{
		"ok":      ok,
		"message": message,
		"report":  report,
	})
}

// handleStop sets the cooperative stop-after-current flag.
func (s *Server) handleStop(c *fiber.Ctx) error {
	message := s.manager.RequestStopAfterCurrent()
	return c.JSON(fiber.Map{"ok": true, "message": message})
}

// handleClearPending empties the pending list.
func (s *Server) handleClearPending(c *fiber.Ctx) error {
	removed := s.manager.ClearPending()
	return c.JSON(fiber.Map{"ok": true, "removed": removed})
}

// handleKill forcibly terminates the in-flight external process.
func (s *Server) handleKill(c *fiber.Ctx) error {
	ok, message := s.manager.KillAll()
	return c.JSON(fiber.Map{"ok": ok, "message": message})
}

// handleSnapshot returns the full queue state for rendering.
func (s *Server) handleSnapshot(c *fiber.Ctx) error {
	return c.JSON(s.manager.Snapshot())
}
