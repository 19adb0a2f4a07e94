// Package api exposes the escrow engine over HTTP: the order payment
// endpoints for storefront and admin callers, and the gateway webhook.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"marketpay/internal/common/api"
	"marketpay/internal/common/database"
	"marketpay/internal/common/middleware"
	"marketpay/internal/common/money"
	"marketpay/internal/escrow"
	"marketpay/internal/escrow/domain"
	"marketpay/internal/gateway"
)

// Handler serves the escrow HTTP API.
type Handler struct {
	svc        *escrow.Service
	reconciler *escrow.Reconciler
	adapter    *gateway.Adapter
	logger     *slog.Logger
}

// NewHandler creates the escrow HTTP handler.
func NewHandler(svc *escrow.Service, rec *escrow.Reconciler, adapter *gateway.Adapter, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, reconciler: rec, adapter: adapter, logger: logger}
}

// Routes mounts the escrow routes.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1/escrow/orders", func(r chi.Router) {
		r.Use(middleware.RequireActor)
		r.Post("/", h.registerOrder)
		r.Route("/{orderID}", func(r chi.Router) {
			r.Get("/payment", h.paymentStatus)
			r.Post("/fund", h.fund)
			r.Post("/release", h.release)
			r.Post("/refund", h.refund)
			r.Post("/dispute", h.openDispute)
			r.Delete("/dispute", h.closeDispute)
		})
	})
	r.Post("/webhooks/gateway", h.gatewayWebhook)
}

// actor builds the authorization context from the authenticated request.
// It is captured once per request and passed down; handlers never read
// mutable session state mid-decision.
func actor(r *http.Request) domain.Actor {
	return domain.Actor{
		ID:   middleware.GetActorID(r.Context()),
		Role: domain.Role(middleware.GetActorRole(r.Context())),
	}
}

type registerOrderRequest struct {
	OrderID     string `json:"order_id" validate:"required"`
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
}

func (h *Handler) registerOrder(w http.ResponseWriter, r *http.Request) {
	var req registerOrderRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	total := money.New(req.AmountMinor, money.Currency(req.Currency))
	o, err := h.svc.RegisterOrder(r.Context(), req.OrderID, total)
	if err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			api.Conflict(w, api.ErrCodeConflict, "order already registered")
			return
		}
		h.writeDomainError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, o)
}

func (h *Handler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.PaymentStatus(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, view)
}

type transitionRequest struct {
	Nonce string `json:"nonce" validate:"required,min=8,max=64"`
}

type transitionFunc func(ctx context.Context, orderID string, actor domain.Actor, nonce string) (*domain.Milestone, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	var req transitionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	rec, err := fn(r.Context(), chi.URLParam(r, "orderID"), actor(r), req.Nonce)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusAccepted, rec)
}

func (h *Handler) fund(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Fund)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.RequestRelease)
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.RequestRefund)
}

func (h *Handler) openDispute(w http.ResponseWriter, r *http.Request) {
	h.setDisputed(w, r, true)
}

func (h *Handler) closeDispute(w http.ResponseWriter, r *http.Request) {
	h.setDisputed(w, r, false)
}

func (h *Handler) setDisputed(w http.ResponseWriter, r *http.Request, disputed bool) {
	orderID := chi.URLParam(r, "orderID")
	if err := h.svc.SetDisputed(r.Context(), orderID, disputed, actor(r)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, map[string]any{"order_id": orderID, "disputed": disputed})
}

// gatewayWebhook receives payment gateway notifications. The signature is
// verified before the body is parsed; processing is idempotent, so the
// gateway may redeliver freely.
func (h *Handler) gatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.BadRequest(w, "unreadable body")
		return
	}
	if !h.adapter.VerifyWebhookSignature(body, r.Header.Get("X-Gateway-Signature")) {
		api.Unauthorized(w, "invalid webhook signature")
		return
	}

	var ev gateway.Event
	if err := api.DecodeBytes(body, &ev); err != nil {
		api.ValidationError(w, err)
		return
	}

	if err := h.reconciler.Handle(r.Context(), ev); err != nil {
		h.logger.Error("webhook processing failed",
			slog.String("gateway_ref", ev.ReferenceID),
			slog.String("error", err.Error()))
		// Non-2xx makes the gateway redeliver; processing is idempotent.
		api.InternalError(w, "event not processed")
		return
	}
	api.WriteData(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// writeDomainError maps engine errors onto the HTTP surface.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound) || errors.Is(err, database.ErrNotFound):
		api.NotFound(w, "order not found")
	case errors.Is(err, domain.ErrStaleStage):
		api.Conflict(w, api.ErrCodeStaleStage, err.Error())
	case errors.Is(err, domain.ErrOrderHalted):
		api.Conflict(w, api.ErrCodeOrderHalted, "order is halted pending manual review")
	case errors.Is(err, domain.ErrInvalidTransition):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, err.Error())
	case errors.Is(err, domain.ErrReleaseNotAllowed):
		api.Forbidden(w, err.Error())
	case errors.Is(err, domain.ErrGatewayUnavailable):
		api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeGatewayDown,
			"payment gateway unavailable, retry with the same nonce")
	default:
		h.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		api.InternalError(w, "internal error")
	}
}
