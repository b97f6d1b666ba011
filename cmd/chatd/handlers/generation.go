package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/parleyhq/parley/cmd/chatd/gateway"
	"github.com/parleyhq/parley/cmd/chatd/orchestrator"
	"github.com/parleyhq/parley/cmd/chatd/resolver"
	"github.com/parleyhq/parley/cmd/chatd/runner"
	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/common/models"
	"github.com/parleyhq/parley/common/repository"
)

// GenerateRequest is the request body for POST /api/v1/chats/:chatId/generate
type GenerateRequest struct {
	OwnerID   string            `json:"ownerId"`
	BranchID  uuid.UUID         `json:"branchId"`
	MessageID uuid.UUID         `json:"messageId"`
	VariantID uuid.UUID         `json:"variantId"`
	Trigger   models.Trigger    `json:"trigger"`
	Message   string            `json:"message"`
	History   []gateway.Message `json:"history,omitempty"`
	Vars      map[string]any    `json:"vars,omitempty"`
	Params    json.RawMessage   `json:"params,omitempty"`
}

// GenerationHandler handles generation requests
type GenerationHandler struct {
	orch        *orchestrator.Orchestrator
	generations *repository.GenerationRepository
	log         *logger.Logger
}

// NewGenerationHandler creates a generation handler
func NewGenerationHandler(orch *orchestrator.Orchestrator, generations *repository.GenerationRepository, log *logger.Logger) *GenerationHandler {
	return &GenerationHandler{orch: orch, generations: generations, log: log}
}

// Generate starts a generation and streams delta/error/done events over SSE
// POST /api/v1/chats/:chatId/generate
func (h *GenerationHandler) Generate(c echo.Context) error {
	chatID, err := uuid.Parse(c.Param("chatId"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid chat id"})
	}

	var req GenerateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Trigger == "" {
		req.Trigger = models.TriggerGenerate
	}
	if !models.ValidTrigger(req.Trigger) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown trigger %q", req.Trigger)})
	}
	if req.OwnerID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "ownerId is required"})
	}

	genID, events, err := h.orch.Generate(c.Request().Context(), &resolver.Request{
		OwnerID:   req.OwnerID,
		ChatID:    chatID,
		BranchID:  req.BranchID,
		MessageID: req.MessageID,
		VariantID: req.VariantID,
		Trigger:   req.Trigger,
		Params:    req.Params,
	}, &runner.Request{
		UserMessage: req.Message,
		History:     req.History,
		Vars:        req.Vars,
	})
	if err != nil {
		return h.generateError(c, err)
	}

	return h.stream(c, genID, events)
}

// Abort requests cancellation of a running generation
// POST /api/v1/generations/:id/abort
func (h *GenerationHandler) Abort(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid generation id"})
	}

	// Idempotent: aborting a finished generation is accepted and does nothing
	local := h.orch.Abort(c.Request().Context(), id)
	return c.JSON(http.StatusAccepted, map[string]any{
		"generationId": id,
		"local":        local,
	})
}

// GetGeneration returns one generation record
// GET /api/v1/generations/:id
func (h *GenerationHandler) GetGeneration(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid generation id"})
	}

	gen, err := h.generations.GetByID(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "generation not found"})
	}
	return c.JSON(http.StatusOK, gen)
}

// ListGenerations lists recent generations for a chat
// GET /api/v1/chats/:chatId/generations?limit=20
func (h *GenerationHandler) ListGenerations(c echo.Context) error {
	chatID, err := uuid.Parse(c.Param("chatId"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid chat id"})
	}

	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	gens, err := h.generations.ListByChat(c.Request().Context(), chatID, limit)
	if err != nil {
		h.log.Error("failed to list generations", "chat_id", chatID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, map[string]any{"generations": gens})
}

// stream writes the event channel as server-sent events. A client
// disconnect aborts the generation; the run's terminal status is still
// recorded by the orchestrator.
func (h *GenerationHandler) stream(c echo.Context, genID uuid.UUID, events <-chan models.StreamEvent) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Generation-Id", genID.String())
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeFrame(w, ev); err != nil {
				continue
			}
			w.Flush()

		case <-ctx.Done():
			h.log.Info("client disconnected, aborting generation", "generation_id", genID)
			h.orch.Abort(context.Background(), genID)
			for range events {
				// drain so the run goroutine can finish
			}
			return nil
		}
	}
}

// writeFrame encodes one stream event as a named SSE frame: the event line
// carries the type (delta, error, done), the data line the JSON payload.
func writeFrame(w io.Writer, ev models.StreamEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err
}

func (h *GenerationHandler) generateError(c echo.Context, err error) error {
	var limited *orchestrator.RateLimitedError
	if errors.As(err, &limited) {
		c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", limited.RetryAfterSeconds))
		return c.JSON(http.StatusTooManyRequests, map[string]any{
			"error":      "rate limited",
			"tier":       string(limited.Tier),
			"retryAfter": limited.RetryAfterSeconds,
		})
	}

	var invalid *models.ValidationError
	if errors.As(err, &invalid) {
		return c.JSON(http.StatusBadRequest, invalid)
	}

	h.log.Error("generation failed to start", "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to start generation"})
}
