// Package orders is a client for the order management service. The escrow
// engine consults it for an order's delivery state when deciding whether a
// buyer may trigger release or refund.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketpay/internal/escrow/domain"
)

// Config holds order service connection settings.
type Config struct {
	BaseURL string        `envconfig:"ESCROW_ORDERS_URL" default:"http://localhost:9402"`
	Timeout time.Duration `envconfig:"ESCROW_ORDERS_TIMEOUT" default:"5s"`
}

// Delivery is the delivery state of an order.
type Delivery struct {
	Stage       domain.DeliveryStage `json:"stage"`
	DeliveredAt *time.Time           `json:"delivered_at"`
}

// Client fetches delivery state over HTTP.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates an order service client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// GetDelivery returns the delivery state for an order.
func (c *Client) GetDelivery(ctx context.Context, orderID string) (*Delivery, error) {
	url := fmt.Sprintf("%s/api/v1/orders/%s/delivery", c.cfg.BaseURL, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building delivery request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching delivery state for %s: %w", orderID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrOrderNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("order service returned %d for %s", resp.StatusCode, orderID)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading delivery response: %w", err)
	}

	var envelope struct {
		Data Delivery `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding delivery response: %w", err)
	}
	return &envelope.Data, nil
}
