// Package handlers contains the handlers for the API
package handlers

import (
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/quantbots/tickerapi/internal/models"
	"github.com/quantbots/tickerapi/internal/service"
	"github.com/quantbots/tickerapi/pkg/utils/response"
)

// SubscriptionHandler manages persistent subscription intent
type SubscriptionHandler struct {
	subscriptions *service.SubscriptionService
}

// NewSubscriptionHandler creates a new handler for the subscriptions API
func NewSubscriptionHandler(subscriptions *service.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{subscriptions: subscriptions}
}

type subscriptionRequest struct {
	Tokens []uint32 `json:"tokens"`
	Mode   string   `json:"mode"`
}

// AddSubscriptions upserts active subscription intent for the given tokens
func (h *SubscriptionHandler) AddSubscriptions(c echo.Context) error {
	var req subscriptionRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "Invalid JSON body")
	}
	if len(req.Tokens) == 0 {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "Tokens array cannot be empty")
	}

	mode := models.SubscriptionMode(req.Mode)
	switch mode {
	case "":
		mode = models.ModeFull
	case models.ModeLTP, models.ModeQuote, models.ModeFull:
	default:
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "Mode must be one of ltp, quote, full")
	}

	if err := h.subscriptions.Subscribe(c.Request().Context(), req.Tokens, mode); err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "DatabaseException", err.Error())
	}

	return response.SuccessResponse(c, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"records":   len(req.Tokens),
		"mode":      string(mode),
	})
}

// DeleteSubscriptions deactivates subscription intent for the given tokens
func (h *SubscriptionHandler) DeleteSubscriptions(c echo.Context) error {
	var req subscriptionRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "Invalid JSON body")
	}
	if len(req.Tokens) == 0 {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "Tokens array cannot be empty")
	}

	if err := h.subscriptions.Unsubscribe(c.Request().Context(), req.Tokens); err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "DatabaseException", err.Error())
	}

	return response.SuccessResponse(c, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"records":   len(req.Tokens),
	})
}

// GetSubscriptions lists subscription rows, filtered by status
func (h *SubscriptionHandler) GetSubscriptions(c echo.Context) error {
	status := models.SubscriptionStatus(c.QueryParam("status"))
	if status == "" {
		status = models.SubscriptionActive
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	subscriptions, err := h.subscriptions.List(status, limit, offset)
	if err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "DatabaseException", "Failed to fetch subscriptions")
	}

	return response.SuccessResponse(c, map[string]interface{}{
		"timestamp":     time.Now().Format(time.RFC3339),
		"records":       len(subscriptions),
		"subscriptions": subscriptions,
	})
}

// GetSubscription returns one subscription row by instrument token
func (h *SubscriptionHandler) GetSubscription(c echo.Context) error {
	token, err := strconv.ParseUint(c.Param("token"), 10, 32)
	if err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "Invalid instrument token")
	}

	subscription, err := h.subscriptions.Get(uint32(token))
	if err != nil {
		return response.ErrorResponse(c, http.StatusNotFound, "DataException", "Subscription not found")
	}

	return response.SuccessResponse(c, subscription)
}
