package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Client is the REST client for the broker's candle, placement and history
// endpoints. It implements PriceFeed, TradeSink and HistoryFeed.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a REST client for the given base URL.
func NewClient(baseURL, apiToken string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "broker-rest").Logger(),
	}
}

// FetchLatestCandles returns the most recent minute candles for the asset.
func (c *Client) FetchLatestCandles(ctx context.Context, asset string, asOf time.Time) ([]Candle, error) {
	endpoint := fmt.Sprintf("%s/api/v1/candles?asset=%s&as_of=%d",
		c.baseURL, url.QueryEscape(asset), asOf.Unix())

	var candles []Candle
	if err := c.getJSON(ctx, endpoint, &candles); err != nil {
		return nil, fmt.Errorf("fetch candles for %s: %w", asset, err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("fetch candles for %s: empty response", asset)
	}
	return candles, nil
}

type placeRequest struct {
	Asset     string      `json:"asset"`
	Direction Direction   `json:"direction"`
	Amount    int64       `json:"amount"`
	Account   AccountKind `json:"account"`
	Ref       string      `json:"ref"`
}

// Place submits a trade. Acceptance is asynchronous; the broker correlates
// later push updates by ref.
func (c *Client) Place(ctx context.Context, asset string, direction Direction, stake int64, account AccountKind, ref string) error {
	body, err := json.Marshal(placeRequest{
		Asset:     asset,
		Direction: direction,
		Amount:    stake,
		Account:   account,
		Ref:       ref,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/deals", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("place trade: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("place trade: broker returned %d", resp.StatusCode)
	}

	c.logger.Debug().Str("asset", asset).Str("direction", string(direction)).
		Int64("stake", stake).Str("ref", ref).Msg("trade placed")
	return nil
}

// FetchRecent returns the most recent trades for the account, newest first.
func (c *Client) FetchRecent(ctx context.Context, account AccountKind) ([]TradeRecord, error) {
	endpoint := fmt.Sprintf("%s/api/v1/history?account=%s", c.baseURL, account)

	var trades []TradeRecord
	if err := c.getJSON(ctx, endpoint, &trades); err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return trades, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broker returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) authorize(req *http.Request) {
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
}
