package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/quantbots/tickerapi/internal/service"
	"github.com/quantbots/tickerapi/pkg/utils/response"
)

// TickerHandler controls the multi account ticker loop
type TickerHandler struct {
	loop *service.MultiAccountTickerLoop
}

// NewTickerHandler creates a new handler for the ticker API
func NewTickerHandler(loop *service.MultiAccountTickerLoop) *TickerHandler {
	return &TickerHandler{loop: loop}
}

// TickerStart starts the ticker loop
func (h *TickerHandler) TickerStart(c echo.Context) error {
	if err := h.loop.Start(context.Background()); err != nil {
		if errors.Is(err, service.ErrTickerAlreadyRunning) {
			return response.ErrorResponse(c, http.StatusConflict, "TickerException", err.Error())
		}
		return response.ErrorResponse(c, http.StatusInternalServerError, "TickerException", err.Error())
	}

	stats := h.loop.Stats()
	return response.SuccessResponse(c, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"assigned":  stats.Assigned,
		"message":   "started",
	})
}

// TickerStop stops the ticker loop
func (h *TickerHandler) TickerStop(c echo.Context) error {
	if err := h.loop.Stop(); err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", err.Error())
	}

	return response.SuccessResponse(c, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"message":   "stopped",
	})
}

// TickerReload requests a reconcile of live connections against stored intent
func (h *TickerHandler) TickerReload(c echo.Context) error {
	if err := h.loop.Reload(); err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", err.Error())
	}

	return response.SuccessResponse(c, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"message":   "reload requested",
	})
}

// TickerStatus returns whether the loop is running
func (h *TickerHandler) TickerStatus(c echo.Context) error {
	return response.SuccessResponse(c, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"running":   h.loop.Running(),
	})
}

// TickerStats returns the full stats surface of the loop
func (h *TickerHandler) TickerStats(c echo.Context) error {
	return response.SuccessResponse(c, h.loop.Stats())
}
