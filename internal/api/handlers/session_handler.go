package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/quantbots/tickerapi/internal/service"
	"github.com/quantbots/tickerapi/pkg/utils/response"
)

// SessionHandler exposes broker account session management
type SessionHandler struct {
	sessions *service.SessionOrchestrator
}

// NewSessionHandler creates a new handler for the sessions API
func NewSessionHandler(sessions *service.SessionOrchestrator) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// GetAccounts lists the account ids with a live broker session
func (h *SessionHandler) GetAccounts(c echo.Context) error {
	accounts := h.sessions.HealthyAccounts()
	return response.SuccessResponse(c, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"records":   len(accounts),
		"accounts":  accounts,
	})
}

// Relogin refreshes one account's broker session
func (h *SessionHandler) Relogin(c echo.Context) error {
	accountID := c.Param("account_id")
	if err := h.sessions.Relogin(accountID); err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "SessionException", err.Error())
	}
	return response.SuccessResponse(c, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"user_id":   accountID,
		"message":   "session refreshed",
	})
}

// Logout drops one account's stored broker session
func (h *SessionHandler) Logout(c echo.Context) error {
	accountID := c.Param("account_id")
	if err := h.sessions.Logout(accountID); err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "SessionException", err.Error())
	}
	return response.SuccessResponse(c, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"user_id":   accountID,
		"message":   "logged out",
	})
}
