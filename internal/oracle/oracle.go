package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceClient reads crypto buy/sell prices from a Bitstamp-style ticker API.
type PriceClient struct {
	baseURL string
	client  *http.Client
}

func NewPriceClient(baseURL string) *PriceClient {
	return &PriceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type tickerResponse struct {
	Ask string `json:"ask"`
	Bid string `json:"bid"`
}

func (c *PriceClient) GetBuyPrice(ctx context.Context, currency string) (decimal.Decimal, error) {
	t, err := c.ticker(ctx, currency)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(t.Ask)
}

func (c *PriceClient) GetSellPrice(ctx context.Context, currency string) (decimal.Decimal, error) {
	t, err := c.ticker(ctx, currency)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(t.Bid)
}

func (c *PriceClient) ticker(ctx context.Context, currency string) (*tickerResponse, error) {
	endpoint := c.baseURL + "/ticker/" + strings.ToLower(currency) + "usd"
	var resp tickerResponse
	if err := getJSON(ctx, c.client, endpoint, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RateClient reads fiat exchange rates from an openexchangerates-style API.
// Rates are relative to the base currency (USD).
type RateClient struct {
	baseURL string
	appID   string
	client  *http.Client
}

func NewRateClient(baseURL, appID string) *RateClient {
	return &RateClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		appID:   appID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *RateClient) GetRates(ctx context.Context) (map[string]decimal.Decimal, error) {
	u, err := url.Parse(c.baseURL + "/latest.json")
	if err != nil {
		return nil, err
	}
	values := url.Values{}
	if c.appID != "" {
		values.Set("app_id", c.appID)
	}
	u.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, httpError(resp.StatusCode, body)
	}

	// Rates arrive as JSON numbers. Decode through json.Number so they never
	// pass through a float64.
	var payload struct {
		Rates map[string]json.Number `json:"rates"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(payload.Rates))
	for currency, value := range payload.Rates {
		rate, err := decimal.NewFromString(value.String())
		if err != nil {
			return nil, fmt.Errorf("bad rate for %s: %w", currency, err)
		}
		out[currency] = rate
	}
	return out, nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return httpError(resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func httpError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg != "" {
		return fmt.Errorf("oracle http status %d: %s", status, msg)
	}
	return fmt.Errorf("oracle http status %d", status)
}
