// Package service contains the service layer for the Ticker API
package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/quantbots/tickerapi/internal/models"
)

const kiteHistoricalBaseURL = "https://kite.zerodha.com/oms/instruments/historical"

// KiteCandleSource fetches candles from the broker's historical endpoint
type KiteCandleSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewKiteCandleSource creates the live candle source
func NewKiteCandleSource() *KiteCandleSource {
	return &KiteCandleSource{
		baseURL:    kiteHistoricalBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type kiteCandleResponse struct {
	Status string `json:"status"`
	Data   struct {
		Candles [][]interface{} `json:"candles"`
	} `json:"data"`
	Message string `json:"message"`
}

// FetchCandles fetches one instrument's candles for the window
func (s *KiteCandleSource) FetchCandles(ctx context.Context, enctoken string, token uint32, interval string, from, to time.Time) ([]models.CandleModel, error) {
	endpoint := fmt.Sprintf("%s/%d/%s", s.baseURL, token, interval)
	query := url.Values{}
	query.Set("from", from.Format("2006-01-02 15:04:05"))
	query.Set("to", to.Format("2006-01-02 15:04:05"))
	query.Set("oi", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "enctoken "+enctoken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("historical fetch failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("historical endpoint returned status %d", resp.StatusCode)
	}

	var parsed kiteCandleResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse historical response: %v", err)
	}
	if parsed.Status != "success" {
		return nil, fmt.Errorf("historical fetch rejected: %s", parsed.Message)
	}

	candles := make([]models.CandleModel, 0, len(parsed.Data.Candles))
	for _, row := range parsed.Data.Candles {
		candle, err := parseKiteCandle(token, interval, row)
		if err != nil {
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// parseKiteCandle maps one [timestamp, o, h, l, c, volume, oi?] row
func parseKiteCandle(token uint32, interval string, row []interface{}) (models.CandleModel, error) {
	if len(row) < 6 {
		return models.CandleModel{}, fmt.Errorf("short candle row")
	}
	ts, ok := row[0].(string)
	if !ok {
		return models.CandleModel{}, fmt.Errorf("bad candle timestamp")
	}
	parsedTs, err := time.Parse("2006-01-02T15:04:05-0700", ts)
	if err != nil {
		parsedTs, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return models.CandleModel{}, err
		}
	}

	nums := make([]float64, 0, 6)
	for _, v := range row[1:] {
		f, ok := v.(float64)
		if !ok {
			return models.CandleModel{}, fmt.Errorf("bad candle value")
		}
		nums = append(nums, f)
	}

	candle := models.CandleModel{
		InstrumentToken: token,
		Timestamp:       parsedTs,
		Interval:        interval,
		Open:            nums[0],
		High:            nums[1],
		Low:             nums[2],
		Close:           nums[3],
		Volume:          uint32(nums[4]),
	}
	if len(nums) >= 6 {
		candle.OI = uint32(nums[5])
	}
	return candle, nil
}
