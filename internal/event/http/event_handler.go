// Package http provides HTTP handlers for raw event store access.
// These endpoints exist for operators and replay tooling; regular saga traffic
// never goes through them.
package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	eventDomain "github.com/txnflow/sagaengine/internal/event/domain"
	"github.com/txnflow/sagaengine/internal/event/http/dto"
	eventUseCase "github.com/txnflow/sagaengine/internal/event/usecase"
	"github.com/txnflow/sagaengine/internal/httputil"
)

// EventHandler handles HTTP requests for event store operations.
type EventHandler struct {
	eventUseCase eventUseCase.UseCase
	logger       *slog.Logger
}

// NewEventHandler creates a new event handler with required dependencies.
func NewEventHandler(eventUseCase eventUseCase.UseCase, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		eventUseCase: eventUseCase,
		logger:       logger,
	}
}

// PublishHandler appends a raw event to a stream.
// POST /v1/events/publish
// Returns 201 Created with the stored event.
func (h *EventHandler) PublishHandler(c *gin.Context) {
	var req dto.PublishEventRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.HandleBadRequestGin(c, err, h.logger)
		return
	}

	if err := req.Validate(); err != nil {
		httputil.HandleValidationErrorGin(c, err, h.logger)
		return
	}

	payload := req.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}

	event := eventDomain.NewEvent(req.StreamID, req.EventType, req.CorrelationID, payload, 0)
	if req.AggregateType != "" {
		event.AggregateType = req.AggregateType
	}

	if err := h.eventUseCase.Publish(c.Request.Context(), event); err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusCreated, dto.MapEventToResponse(event))
}

// StreamHandler returns the full history of a single stream.
// GET /v1/events/stream/:id?from_version=N
func (h *EventHandler) StreamHandler(c *gin.Context) {
	streamID := c.Param("id")

	fromVersion, err := parseInt64Query(c, "from_version", 0)
	if err != nil {
		httputil.HandleValidationErrorGin(c, err, h.logger)
		return
	}

	events, err := h.eventUseCase.ReadStream(c.Request.Context(), streamID, fromVersion)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, dto.MapEventsToListResponse(events))
}

// AllHandler returns events across all streams ordered by global position.
// GET /v1/events/all?after_position=N&limit=M
func (h *EventHandler) AllHandler(c *gin.Context) {
	afterPosition, err := parseInt64Query(c, "after_position", 0)
	if err != nil {
		httputil.HandleValidationErrorGin(c, err, h.logger)
		return
	}

	_, limit, err := httputil.ParsePagination(c)
	if err != nil {
		httputil.HandleValidationErrorGin(c, err, h.logger)
		return
	}

	events, err := h.eventUseCase.ReadAll(c.Request.Context(), afterPosition, limit)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, dto.MapEventsToListResponse(events))
}

func parseInt64Query(c *gin.Context, name string, fallback int64) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid %s parameter: must be a non-negative integer", name)
	}
	return value, nil
}
