package handlers

import (
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/quantbots/tickerapi/internal/models"
	"github.com/quantbots/tickerapi/internal/service"
	"github.com/quantbots/tickerapi/pkg/utils/response"
)

// OrderHandler submits durable order tasks to the executor
type OrderHandler struct {
	executor *service.OrderExecutor
}

// NewOrderHandler creates a new handler for the orders API
func NewOrderHandler(executor *service.OrderExecutor) *OrderHandler {
	return &OrderHandler{executor: executor}
}

type orderRequest struct {
	AccountID string             `json:"account_id"`
	Operation string             `json:"operation"`
	Params    models.OrderParams `json:"params"`
}

// SubmitOrder enqueues one order task. Duplicate submissions inside the
// idempotency window return the existing task id.
func (h *OrderHandler) SubmitOrder(c echo.Context) error {
	var req orderRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "Invalid JSON body")
	}
	if req.AccountID == "" {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "account_id is required")
	}

	op := models.OrderOperation(req.Operation)
	switch op {
	case models.OrderOpPlace, models.OrderOpModify, models.OrderOpCancel, models.OrderOpExit:
	default:
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "Operation must be one of place, modify, cancel, exit")
	}

	taskID, err := h.executor.Submit(c.Request().Context(), req.AccountID, op, req.Params)
	if err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "OrderException", err.Error())
	}

	return response.SuccessResponse(c, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"task_id":   taskID,
	})
}

// GetOrder returns one order task by id
func (h *OrderHandler) GetOrder(c echo.Context) error {
	task, err := h.executor.Get(c.Param("id"))
	if err != nil {
		return response.ErrorResponse(c, http.StatusNotFound, "DataException", "Order task not found")
	}
	return response.SuccessResponse(c, task)
}

// GetOrderStats returns the executor queue and breaker counters
func (h *OrderHandler) GetOrderStats(c echo.Context) error {
	return response.SuccessResponse(c, h.executor.Stats())
}
