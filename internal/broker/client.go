// Package broker provides the HTTP client for the internal order API that
// executes strategy legs, plus the symbol search endpoint the resolver uses.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marketflow/signalbridge/internal/models"
)

// APIError represents an API error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// OrderPayload is the wire shape of a single order submission.
type OrderPayload struct {
	APIKey    string `json:"apikey"`
	Symbol    string `json:"symbol"`
	Exchange  string `json:"exchange"`
	Product   string `json:"product"`
	Strategy  string `json:"strategy"`
	Action    string `json:"action"`
	Quantity  int    `json:"quantity"`
	PriceType string `json:"pricetype"`
}

// OrderResponse is the order API's acknowledgement.
type OrderResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"orderid,omitempty"`
	Message string `json:"message,omitempty"`
}

// OrderAPI is the outbound contract the dispatcher and resolver consume.
type OrderAPI interface {
	// PlaceOrder submits a regular order (bulk lane).
	PlaceOrder(ctx context.Context, payload OrderPayload) (*OrderResponse, error)
	// PlaceSmartOrder submits a position-aware smart order (priority lane).
	PlaceSmartOrder(ctx context.Context, payload OrderPayload) (*OrderResponse, error)
	// SearchSymbols queries the symbol reference service.
	SearchSymbols(ctx context.Context, query, exchange string) ([]models.Instrument, error)
}

// Client talks to the order API over HTTP.
type Client struct {
	client  *http.Client
	baseURL string
}

// Ensure Client implements OrderAPI at compile time.
var _ OrderAPI = (*Client)(nil)

// NewClient creates a new order API client. baseURL is the host serving
// /api/v1/placeorder, /api/v1/placesmartorder and /api/v1/search.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// PlaceOrder submits a regular order.
func (c *Client) PlaceOrder(ctx context.Context, payload OrderPayload) (*OrderResponse, error) {
	return c.postOrder(ctx, "/api/v1/placeorder", payload)
}

// PlaceSmartOrder submits a smart order.
func (c *Client) PlaceSmartOrder(ctx context.Context, payload OrderPayload) (*OrderResponse, error) {
	return c.postOrder(ctx, "/api/v1/placesmartorder", payload)
}

func (c *Client) postOrder(ctx context.Context, path string, payload OrderPayload) (*OrderResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding order payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting order for %s: %w", payload.Symbol, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading order response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var out OrderResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding order response: %w", err)
	}
	if out.Status != "" && out.Status != "success" {
		return &out, &APIError{Status: resp.StatusCode, Body: out.Message}
	}
	return &out, nil
}

// SearchSymbols queries the symbol reference service for instruments matching
// the free-text query on the given exchange.
func (c *Client) SearchSymbols(ctx context.Context, query, exchange string) ([]models.Instrument, error) {
	params := url.Values{}
	params.Set("q", query)
	if exchange != "" {
		params.Set("exchange", exchange)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searching symbols for %q: %w", query, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var out struct {
		Results []models.Instrument `json:"results"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	return out.Results, nil
}
