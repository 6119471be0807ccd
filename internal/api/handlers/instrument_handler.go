package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/quantbots/tickerapi/internal/service"
	"github.com/quantbots/tickerapi/pkg/utils/response"
)

// InstrumentHandler exposes the instrument registry
type InstrumentHandler struct {
	registry *service.InstrumentRegistry
}

// NewInstrumentHandler creates a new handler for the instruments API
func NewInstrumentHandler(registry *service.InstrumentRegistry) *InstrumentHandler {
	return &InstrumentHandler{registry: registry}
}

// QueryInstruments returns instruments matching the query params
func (h *InstrumentHandler) QueryInstruments(c echo.Context) error {
	exchange := c.QueryParam("exchange")
	tradingsymbol := c.QueryParam("tradingsymbol")
	expiry := c.QueryParam("expiry")
	strike := c.QueryParam("strike")
	segment := c.QueryParam("segment")

	if exchange == "" && tradingsymbol == "" && expiry == "" && strike == "" && segment == "" {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "At least one query parameter is required")
	}

	instruments, err := h.registry.Query(exchange, tradingsymbol, expiry, strike, segment)
	if err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "DatabaseException", "Failed to query instruments")
	}

	return response.SuccessResponse(c, map[string]interface{}{
		"timestamp":   time.Now().Format(time.RFC3339),
		"records":     len(instruments),
		"instruments": instruments,
	})
}

// GetInstrument returns one instrument from the in-memory registry
func (h *InstrumentHandler) GetInstrument(c echo.Context) error {
	token, err := strconv.ParseUint(c.Param("token"), 10, 32)
	if err != nil {
		return response.ErrorResponse(c, http.StatusBadRequest, "InputException", "Invalid instrument token")
	}

	instrument, ok := h.registry.Lookup(uint32(token))
	if !ok {
		return response.ErrorResponse(c, http.StatusNotFound, "DataException", "Instrument not found")
	}
	return response.SuccessResponse(c, instrument)
}

// UpdateInstruments refreshes the instrument dump from the broker
func (h *InstrumentHandler) UpdateInstruments(c echo.Context) error {
	rowsInserted, err := h.registry.UpdateFromBroker(c.Request().Context())
	if err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "InstrumentException", err.Error())
	}

	return response.SuccessResponse(c, map[string]interface{}{
		"timestamp":     time.Now().Format(time.RFC3339),
		"rows_inserted": rowsInserted,
	})
}

// GetInstrumentsStatus reports registry freshness
func (h *InstrumentHandler) GetInstrumentsStatus(c echo.Context) error {
	recordCount, err := h.registry.RecordCount()
	if err != nil {
		return response.ErrorResponse(c, http.StatusInternalServerError, "DatabaseException", "Failed to count instruments")
	}

	return response.SuccessResponse(c, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"cached":    h.registry.Count(),
		"records":   recordCount,
		"loaded_at": h.registry.LoadedAt().Format(time.RFC3339),
	})
}
