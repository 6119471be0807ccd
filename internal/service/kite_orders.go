// Package service contains the service layer for the Ticker API
package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/quantbots/tickerapi/internal/models"
)

const kiteOrdersBaseURL = "https://kite.zerodha.com/oms/orders"

// KiteOrderGateway executes order operations against the broker's OMS
// endpoint. Session tokens are resolved per account through tokenFn.
type KiteOrderGateway struct {
	baseURL    string
	httpClient *http.Client
	tokenFn    func(accountID string) (string, error)
}

// NewKiteOrderGateway creates the live order gateway
func NewKiteOrderGateway(tokenFn func(accountID string) (string, error)) *KiteOrderGateway {
	return &KiteOrderGateway{
		baseURL:    kiteOrdersBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tokenFn:    tokenFn,
	}
}

type kiteOrderResponse struct {
	Status string `json:"status"`
	Data   struct {
		OrderID string `json:"order_id"`
	} `json:"data"`
	Message string `json:"message"`
}

// Execute performs one order operation and returns the broker order id
func (g *KiteOrderGateway) Execute(ctx context.Context, accountID string, op models.OrderOperation, params models.OrderParams) (string, error) {
	enctoken, err := g.tokenFn(accountID)
	if err != nil {
		return "", err
	}

	var method, endpoint string
	var body io.Reader

	switch op {
	case models.OrderOpPlace:
		method = http.MethodPost
		endpoint = g.baseURL + "/regular"
		body = strings.NewReader(orderForm(params).Encode())
	case models.OrderOpModify:
		if params.OrderID == "" {
			return "", fmt.Errorf("modify requires order_id")
		}
		method = http.MethodPut
		endpoint = g.baseURL + "/regular/" + params.OrderID
		body = strings.NewReader(orderForm(params).Encode())
	case models.OrderOpCancel, models.OrderOpExit:
		if params.OrderID == "" {
			return "", fmt.Errorf("%s requires order_id", op)
		}
		method = http.MethodDelete
		endpoint = g.baseURL + "/regular/" + params.OrderID
	default:
		return "", fmt.Errorf("unsupported order operation %q", op)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "enctoken "+enctoken)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("order request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var parsed kiteOrderResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse order response (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || parsed.Status != "success" {
		return "", fmt.Errorf("order rejected (status %d): %s", resp.StatusCode, parsed.Message)
	}
	return parsed.Data.OrderID, nil
}

// orderForm maps params onto the broker's form encoding
func orderForm(params models.OrderParams) url.Values {
	form := url.Values{}
	form.Set("tradingsymbol", params.Tradingsymbol)
	form.Set("exchange", params.Exchange)
	form.Set("transaction_type", params.TransactionType)
	form.Set("quantity", strconv.Itoa(params.Quantity))
	form.Set("order_type", params.OrderType)
	form.Set("product", params.Product)
	if params.Price > 0 {
		form.Set("price", strconv.FormatFloat(params.Price, 'f', 2, 64))
	}
	if params.TriggerPrice > 0 {
		form.Set("trigger_price", strconv.FormatFloat(params.TriggerPrice, 'f', 2, 64))
	}
	if params.Validity != "" {
		form.Set("validity", params.Validity)
	}
	return form
}
