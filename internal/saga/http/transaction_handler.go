// Package http provides HTTP handlers for saga transaction operations.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/txnflow/sagaengine/internal/httputil"
	sagaDomain "github.com/txnflow/sagaengine/internal/saga/domain"
	"github.com/txnflow/sagaengine/internal/saga/http/dto"
	sagaRepository "github.com/txnflow/sagaengine/internal/saga/repository"
	sagaUseCase "github.com/txnflow/sagaengine/internal/saga/usecase"
)

// TransactionHandler handles HTTP requests for saga transaction operations.
type TransactionHandler struct {
	sagaUseCase sagaUseCase.UseCase
	logger      *slog.Logger
}

// NewTransactionHandler creates a new transaction handler with required dependencies.
func NewTransactionHandler(useCase sagaUseCase.UseCase, logger *slog.Logger) *TransactionHandler {
	return &TransactionHandler{
		sagaUseCase: useCase,
		logger:      logger,
	}
}

// StartHandler starts a new saga transaction.
// POST /v1/saga/transaction
// Returns 201 Created with the CREATED instance; execution continues asynchronously.
func (h *TransactionHandler) StartHandler(c *gin.Context) {
	var req dto.StartTransactionRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.HandleBadRequestGin(c, err, h.logger)
		return
	}

	if err := req.Validate(); err != nil {
		httputil.HandleValidationErrorGin(c, err, h.logger)
		return
	}

	instance, err := h.sagaUseCase.Start(
		c.Request.Context(),
		req.SagaType,
		req.InputData,
		req.CorrelationID,
	)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusCreated, dto.MapInstanceToResponse(instance))
}

// GetHandler retrieves a transaction with its steps.
// GET /v1/saga/transaction/:id
func (h *TransactionHandler) GetHandler(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	instance, err := h.sagaUseCase.Get(c.Request.Context(), id)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, dto.MapInstanceToResponse(instance))
}

// StatusHandler retrieves the lightweight status projection.
// GET /v1/saga/transaction/:id/status
func (h *TransactionHandler) StatusHandler(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	projection, err := h.sagaUseCase.GetStatus(c.Request.Context(), id)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, dto.MapProjectionToResponse(projection))
}

// UpdateHandler mutates a transaction; cancellation is the only action.
// PUT /v1/saga/transaction/:id
func (h *TransactionHandler) UpdateHandler(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	var req dto.UpdateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.HandleBadRequestGin(c, err, h.logger)
		return
	}
	if err := req.Validate(); err != nil {
		httputil.HandleValidationErrorGin(c, err, h.logger)
		return
	}

	instance, err := h.sagaUseCase.Cancel(c.Request.Context(), id)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, dto.MapInstanceToResponse(instance))
}

// CompensateHandler re-drives compensation of a failed transaction.
// POST /v1/saga/transaction/:id/compensate
func (h *TransactionHandler) CompensateHandler(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	instance, err := h.sagaUseCase.Compensate(c.Request.Context(), id)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, dto.MapInstanceToResponse(instance))
}

// AdvanceStepHandler force-executes one step of a running transaction.
// POST /v1/saga/transaction/:id/step
func (h *TransactionHandler) AdvanceStepHandler(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	instance, err := h.sagaUseCase.AdvanceStep(c.Request.Context(), id)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, dto.MapInstanceToResponse(instance))
}

// ListHandler lists transactions filtered by status and saga type.
// GET /v1/saga/transactions?status=&type=&offset=&limit=
func (h *TransactionHandler) ListHandler(c *gin.Context) {
	offset, limit, err := httputil.ParsePagination(c)
	if err != nil {
		httputil.HandleBadRequestGin(c, err, h.logger)
		return
	}

	filter := sagaRepository.InstanceFilter{
		Status:   sagaDomain.InstanceStatus(c.Query("status")),
		SagaType: c.Query("type"),
	}

	instances, total, err := h.sagaUseCase.List(c.Request.Context(), filter, offset, limit)
	if err != nil {
		httputil.HandleErrorGin(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, dto.MapInstancesToListResponse(instances, total))
}

// TypesHandler dumps the registered saga definitions.
// GET /v1/saga/transaction/types/available
func (h *TransactionHandler) TypesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, dto.MapDefinitionsToListResponse(h.sagaUseCase.Types()))
}

func (h *TransactionHandler) parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.HandleBadRequestGin(c, err, h.logger)
		return uuid.Nil, false
	}
	return id, true
}
