package handlers

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/quantbots/tickerapi/internal/service"
	"github.com/quantbots/tickerapi/pkg/utils/response"
)

// HealthHandler reports liveness and the aggregate stats surface
type HealthHandler struct {
	loop     *service.MultiAccountTickerLoop
	executor *service.OrderExecutor
	sessions *service.SessionOrchestrator
	monitor  *service.TaskMonitor
	started  time.Time
}

// NewHealthHandler creates a new handler for the health API
func NewHealthHandler(loop *service.MultiAccountTickerLoop, executor *service.OrderExecutor, sessions *service.SessionOrchestrator, monitor *service.TaskMonitor) *HealthHandler {
	return &HealthHandler{
		loop:     loop,
		executor: executor,
		sessions: sessions,
		monitor:  monitor,
		started:  time.Now(),
	}
}

// Health returns liveness plus the key operating numbers
func (h *HealthHandler) Health(c echo.Context) error {
	return response.SuccessResponse(c, map[string]interface{}{
		"timestamp":        time.Now().Format(time.RFC3339),
		"uptime":           time.Since(h.started).Round(time.Second).String(),
		"ticker_running":   h.loop.Running(),
		"healthy_accounts": h.sessions.HealthyAccounts(),
		"running_tasks":    h.monitor.RunningCount(),
	})
}

// Stats returns the full operational stats surface
func (h *HealthHandler) Stats(c echo.Context) error {
	return response.SuccessResponse(c, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"ticker":    h.loop.Stats(),
		"orders":    h.executor.Stats(),
	})
}
