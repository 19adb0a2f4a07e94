package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpay/internal/common/events"
	"marketpay/internal/common/middleware"
	"marketpay/internal/common/money"
	"marketpay/internal/escrow"
	"marketpay/internal/escrow/domain"
	"marketpay/internal/escrow/store"
	"marketpay/internal/gateway"
	"marketpay/internal/orders"
)

const webhookSecret = "test-secret"

type stubGateway struct{}

func (stubGateway) CreateHold(_ context.Context, orderID string, _ money.Money) (string, error) {
	return "hold-" + orderID, nil
}
func (stubGateway) CaptureHold(context.Context, string) error { return nil }
func (stubGateway) Transfer(context.Context, string, money.Money) (string, error) {
	return "tr-1", nil
}
func (stubGateway) Refund(context.Context, string, money.Money) (string, error) {
	return "rf-1", nil
}

type stubDelivery struct{ stage domain.DeliveryStage }

func (d stubDelivery) GetDelivery(context.Context, string) (*orders.Delivery, error) {
	return &orders.Delivery{Stage: d.stage}, nil
}

type stubPublisher struct{}

func (stubPublisher) Publish(context.Context, string, *events.Envelope) error { return nil }

func newTestRouter(t *testing.T) (chi.Router, *store.Memory) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory()
	cfg := escrow.Config{PlatformFeeBps: 1000, AutoReleaseGrace: 14 * 24 * time.Hour}
	svc := escrow.NewService(cfg, st, stubGateway{}, stubDelivery{stage: domain.DeliveryDelivered}, stubPublisher{}, logger)
	rec := escrow.NewReconciler(svc, logger)
	adapter := gateway.NewAdapter(gateway.Config{BaseURL: "http://unused", WebhookSecret: webhookSecret})

	r := chi.NewRouter()
	r.Use(middleware.ActorExtractor)
	NewHandler(svc, rec, adapter, logger).Routes(r)
	return r, st
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any, actorRole string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actorRole != "" {
		req.Header.Set("X-Actor-ID", actorRole+"-1")
		req.Header.Set("X-Actor-Role", actorRole)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func signedWebhook(t *testing.T, r http.Handler, ev gateway.Event) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set("X-Gateway-Signature", hex.EncodeToString(mac.Sum(nil)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func registerOrder(t *testing.T, r http.Handler, orderID string) {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/v1/escrow/orders", map[string]any{
		"order_id": orderID, "amount_minor": 10000, "currency": "USD",
	}, "admin")
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestRegisterOrderAndGetPayment(t *testing.T) {
	r, _ := newTestRouter(t)
	registerOrder(t, r, "ord-1")

	w := doJSON(t, r, http.MethodGet, "/api/v1/escrow/orders/ord-1/payment", nil, "buyer")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data struct {
			Order  domain.OrderPayment  `json:"order"`
			Stages []domain.StageStatus `json:"stages"`
			Totals domain.Totals        `json:"totals"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.StageNone, resp.Data.Order.CurrentStage)
	assert.Len(t, resp.Data.Stages, 4)
	assert.Equal(t, int64(0), resp.Data.Totals.InEscrow.AmountMinor)
}

func TestRegisterOrderDuplicate(t *testing.T) {
	r, _ := newTestRouter(t)
	registerOrder(t, r, "ord-1")

	w := doJSON(t, r, http.MethodPost, "/api/v1/escrow/orders", map[string]any{
		"order_id": "ord-1", "amount_minor": 10000, "currency": "USD",
	}, "admin")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestFundAndWebhookFlow(t *testing.T) {
	r, st := newTestRouter(t)
	registerOrder(t, r, "ord-1")

	w := doJSON(t, r, http.MethodPost, "/api/v1/escrow/orders/ord-1/fund",
		map[string]any{"nonce": "fund-nonce-1"}, "buyer")
	require.Equal(t, http.StatusAccepted, w.Code)

	w = signedWebhook(t, r, gateway.Event{ReferenceID: "hold-ord-1", Outcome: "authorized"})
	require.Equal(t, http.StatusOK, w.Code)
	w = signedWebhook(t, r, gateway.Event{ReferenceID: "hold-ord-1", Outcome: "captured"})
	require.Equal(t, http.StatusOK, w.Code)

	o, err := st.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageHeldInEscrow, o.CurrentStage)
}

func TestWebhookBadSignatureRejected(t *testing.T) {
	r, _ := newTestRouter(t)
	body := []byte(`{"reference_id":"tr-1","outcome":"settled"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set("X-Gateway-Signature", "deadbeef")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMissingActorRejected(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/api/v1/escrow/orders/ord-1/payment", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStaleStageMapsToConflict(t *testing.T) {
	r, _ := newTestRouter(t)
	registerOrder(t, r, "ord-1")

	// Release before the order was ever funded.
	w := doJSON(t, r, http.MethodPost, "/api/v1/escrow/orders/ord-1/release",
		map[string]any{"nonce": "release-nonce-1"}, "admin")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "STALE_STAGE")
}

func TestUnknownOrderMapsToNotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/api/v1/escrow/orders/nope/payment", nil, "buyer")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDisputeEndpointsAdminOnly(t *testing.T) {
	r, _ := newTestRouter(t)
	registerOrder(t, r, "ord-1")

	w := doJSON(t, r, http.MethodPost, "/api/v1/escrow/orders/ord-1/dispute", nil, "buyer")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/escrow/orders/ord-1/dispute", nil, "admin")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodDelete, "/api/v1/escrow/orders/ord-1/dispute", nil, "admin")
	assert.Equal(t, http.StatusOK, w.Code)
}
