package http

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/melih/lighthouse-latent/internal/core/domain"
	"github.com/melih/lighthouse-latent/internal/core/ports"
	"github.com/melih/lighthouse-latent/internal/errdefs"
)

type WorkerHandler struct {
	workers ports.WorkerService
	agents  ports.AgentRegistry
	logger  *slog.Logger
}

func NewWorkerHandler(workers ports.WorkerService, agents ports.AgentRegistry, logger *slog.Logger) *WorkerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerHandler{workers: workers, agents: agents, logger: logger}
}

// Register mounts the worker and agent routes under /api/v1.
func (h *WorkerHandler) Register(app *fiber.App) {
	v1 := app.Group("/api").Group("/v1")

	workers := v1.Group("/workers")
	workers.Get("/", h.ListWorkers)
	workers.Get("/:name", h.GetWorker)
	workers.Post("/:name/substantiate", h.Substantiate)
	workers.Post("/:name/insubstantiate", h.Insubstantiate)
	workers.Post("/:name/reconcile", h.Reconcile)

	agents := v1.Group("/agents")
	agents.Post("/connect", h.Connect)
	agents.Post("/disconnect", h.Disconnect)
}

func (h *WorkerHandler) ListWorkers(c *fiber.Ctx) error {
	return c.JSON(h.workers.Statuses())
}

func (h *WorkerHandler) GetWorker(c *fiber.Ctx) error {
	status, err := h.workers.Status(c.Params("name"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(status)
}

func (h *WorkerHandler) Substantiate(c *fiber.Ctx) error {
	var props domain.RenderedProperties
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&props); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	// Blocks until the agent connects or the worker's missing timeout ends.
	info, err := h.workers.Substantiate(c.UserContext(), c.Params("name"), props)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(info)
}

func (h *WorkerHandler) Insubstantiate(c *fiber.Ctx) error {
	fast := c.QueryBool("fast", false)
	if err := h.workers.Insubstantiate(c.UserContext(), c.Params("name"), fast); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (h *WorkerHandler) Reconcile(c *fiber.Ctx) error {
	removed, err := h.workers.Reconcile(c.UserContext(), c.Params("name"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"removed": removed})
}

// AgentRequest is the body an agent sends when it dials back.
type AgentRequest struct {
	Worker string `json:"worker"`
	Token  string `json:"token"`
}

func (h *WorkerHandler) Connect(c *fiber.Ctx) error {
	var req AgentRequest
	if err := c.BodyParser(&req); err != nil || req.Worker == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Worker name and token are required",
		})
	}

	info, err := h.agents.Connect(req.Worker, req.Token, c.Context().RemoteAddr().String())
	if err != nil {
		return h.fail(c, err)
	}
	h.logger.Info("agent connected", "worker", req.Worker, "remote", info.RemoteAddr)
	return c.JSON(info)
}

func (h *WorkerHandler) Disconnect(c *fiber.Ctx) error {
	var req AgentRequest
	if err := c.BodyParser(&req); err != nil || req.Worker == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Worker name and token are required",
		})
	}

	if err := h.agents.Disconnect(req.Worker, req.Token); err != nil {
		return h.fail(c, err)
	}
	h.logger.Info("agent disconnected", "worker", req.Worker)
	return c.SendStatus(fiber.StatusOK)
}

func (h *WorkerHandler) fail(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrUnknownWorker):
		return fiber.StatusNotFound
	case errors.Is(err, errdefs.ErrUnauthorizedAgent):
		return fiber.StatusUnauthorized
	case errors.Is(err, errdefs.ErrInstanceActive):
		return fiber.StatusConflict
	case errdefs.IsPermanent(err):
		return fiber.StatusUnprocessableEntity
	case errdefs.IsTransient(err):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}
