// Package gateway adapts the external payment gateway API. The gateway
// holds buyer funds, captures them into the marketplace escrow account,
// transfers seller payouts, and issues refunds. Every mutation yields a
// reference the gateway later echoes back in webhook events.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"marketpay/internal/common/money"
	"marketpay/internal/escrow/domain"
)

// Config holds gateway connection settings.
type Config struct {
	BaseURL       string        `envconfig:"ESCROW_GATEWAY_URL" default:"http://localhost:9401"`
	APIKey        string        `envconfig:"ESCROW_GATEWAY_API_KEY" default:"dev-api-key"`
	WebhookSecret string        `envconfig:"ESCROW_GATEWAY_WEBHOOK_SECRET" default:"dev-webhook-secret"`
	Timeout       time.Duration `envconfig:"ESCROW_GATEWAY_TIMEOUT" default:"10s"`
}

// Adapter is an HTTP client for the payment gateway.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// NewAdapter creates a gateway adapter.
func NewAdapter(cfg Config) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type holdRequest struct {
	OrderID     string `json:"order_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

type moveRequest struct {
	HoldRef     string `json:"hold_ref"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

type gatewayResponse struct {
	ReferenceID string `json:"reference_id"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

// CreateHold places an authorization hold on the buyer's payment method
// and returns the hold reference.
func (a *Adapter) CreateHold(ctx context.Context, orderID string, amount money.Money) (string, error) {
	req := holdRequest{OrderID: orderID, AmountMinor: amount.AmountMinor, Currency: string(amount.Currency)}
	resp, err := a.post(ctx, "/v1/holds", req)
	if err != nil {
		return "", err
	}
	return resp.ReferenceID, nil
}

// CaptureHold captures a previously authorized hold into the marketplace
// escrow account.
func (a *Adapter) CaptureHold(ctx context.Context, holdRef string) error {
	_, err := a.post(ctx, fmt.Sprintf("/v1/holds/%s/capture", holdRef), nil)
	return err
}

// Transfer initiates a payout from the escrow account to the seller and
// returns the transfer reference.
func (a *Adapter) Transfer(ctx context.Context, holdRef string, amount money.Money) (string, error) {
	req := moveRequest{HoldRef: holdRef, AmountMinor: amount.AmountMinor, Currency: string(amount.Currency)}
	resp, err := a.post(ctx, "/v1/transfers", req)
	if err != nil {
		return "", err
	}
	return resp.ReferenceID, nil
}

// Refund returns held or captured funds to the buyer and returns the
// refund reference.
func (a *Adapter) Refund(ctx context.Context, holdRef string, amount money.Money) (string, error) {
	req := moveRequest{HoldRef: holdRef, AmountMinor: amount.AmountMinor, Currency: string(amount.Currency)}
	resp, err := a.post(ctx, "/v1/refunds", req)
	if err != nil {
		return "", err
	}
	return resp.ReferenceID, nil
}

func (a *Adapter) post(ctx context.Context, path string, payload any) (*gatewayResponse, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding gateway request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		if isTransient(err) {
			return nil, fmt.Errorf("gateway request %s: %v: %w", path, err, domain.ErrGatewayUnavailable)
		}
		return nil, fmt.Errorf("gateway request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading gateway response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("gateway returned %d for %s: %w",
			resp.StatusCode, path, domain.ErrGatewayUnavailable)
	}
	if resp.StatusCode >= 400 {
		var gw gatewayResponse
		_ = json.Unmarshal(data, &gw)
		return nil, fmt.Errorf("gateway rejected %s: %d %s", path, resp.StatusCode, gw.Message)
	}

	var gw gatewayResponse
	if err := json.Unmarshal(data, &gw); err != nil {
		return nil, fmt.Errorf("decoding gateway response: %w", err)
	}
	return &gw, nil
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Event is a gateway webhook notification. Delivery is at-least-once; the
// reconciler deduplicates by reference.
type Event struct {
	ReferenceID  string    `json:"reference_id" validate:"required"`
	Outcome      string    `json:"outcome" validate:"required,oneof=authorized captured accepted settled refunded failed"`
	ErrorCode    string    `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// VerifyWebhookSignature checks the HMAC-SHA256 signature the gateway
// attaches to webhook deliveries.
func (a *Adapter) VerifyWebhookSignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
