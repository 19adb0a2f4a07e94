package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"marketpay/internal/common/money"
)

// MilestoneStatus represents the status of a ledger record.
type MilestoneStatus string

const (
	StatusRequested      MilestoneStatus = "requested"
	StatusAuthorized     MilestoneStatus = "authorized"
	StatusHeldInEscrow   MilestoneStatus = "held_in_escrow"
	StatusPendingRelease MilestoneStatus = "pending_release"
	StatusReleased       MilestoneStatus = "released"
	StatusRefunded       MilestoneStatus = "refunded"
	StatusFailed         MilestoneStatus = "failed"
)

// MovesMoney reports whether records with this status represent actual
// money movement. Requested and failed records are attempts only and never
// enter any totals bucket.
func (s MilestoneStatus) MovesMoney() bool {
	switch s {
	case StatusAuthorized, StatusHeldInEscrow, StatusPendingRelease, StatusReleased, StatusRefunded:
		return true
	}
	return false
}

// TransitionSource identifies which path requested a transition. Manual
// admin adjudication is a distinct, audited source.
type TransitionSource string

const (
	SourceBuyer       TransitionSource = "buyer"
	SourceAutoRelease TransitionSource = "auto_release"
	SourceAdmin       TransitionSource = "admin"
	SourceSystem      TransitionSource = "system"
)

// Role is an actor's role as asserted by the authentication layer.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor is the immutable authorization context for a transition request.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is the identity used by background paths (auto-release
// sweep, capture follow-up).
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// Milestone is one append-only ledger record. Records are immutable once
// written; the only permitted write after insert is binding the gateway
// reference onto a requested record, which starts out null.
type Milestone struct {
	ID         string           `json:"id"`
	OrderID    string           `json:"order_id"`
	Stage      Stage            `json:"stage"`
	Status     MilestoneStatus  `json:"status"`
	Amount     money.Money      `json:"amount"`
	FeeMinor   int64            `json:"fee_minor,omitempty"`
	Percentage int              `json:"percentage"`
	Source     TransitionSource `json:"source"`
	ActorID    string           `json:"actor_id,omitempty"`
	GatewayRef string           `json:"gateway_ref,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	ErrorMsg   string           `json:"error_message,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// MilestoneID derives the record's idempotency key from the order, the
// stage, and either the gateway reference (resolutions) or the request
// nonce (requested records). Retried appends with the same inputs map to
// the same ID and become no-ops.
func MilestoneID(orderID string, stage Stage, key string) string {
	sum := sha256.Sum256([]byte(orderID + "|" + string(stage) + "|" + key))
	return hex.EncodeToString(sum[:16])
}

// NewRequested creates a requested-status record claiming a transition.
// The gateway reference stays empty until the dispatch returns.
func NewRequested(orderID string, stage Stage, amount money.Money, feeMinor int64, orderTotal money.Money, source TransitionSource, actor Actor, nonce string) (*Milestone, error) {
	if orderID == "" {
		return nil, errors.New("order_id is required")
	}
	if nonce == "" {
		return nil, errors.New("request nonce is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}

	return &Milestone{
		ID:         MilestoneID(orderID, stage, "req:"+nonce),
		OrderID:    orderID,
		Stage:      stage,
		Status:     StatusRequested,
		Amount:     amount,
		FeeMinor:   feeMinor,
		Percentage: amount.PercentOf(orderTotal),
		Source:     source,
		ActorID:    actor.ID,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// NewResolution creates the record resolving a requested record, carrying
// the gateway's final answer for the reference.
func NewResolution(req *Milestone, status MilestoneStatus, stage Stage, orderTotal money.Money, gatewayRef, errorCode, errorMsg string) *Milestone {
	return &Milestone{
		ID:         MilestoneID(req.OrderID, stage, "res:"+gatewayRef),
		OrderID:    req.OrderID,
		Stage:      stage,
		Status:     status,
		Amount:     req.Amount,
		FeeMinor:   req.FeeMinor,
		Percentage: req.Amount.PercentOf(orderTotal),
		Source:     req.Source,
		ActorID:    req.ActorID,
		GatewayRef: gatewayRef,
		ErrorCode:  errorCode,
		ErrorMsg:   errorMsg,
		CreatedAt:  time.Now().UTC(),
	}
}

// OrderPayment is the authoritative per-order escrow row. CurrentStage is
// a cache of the ledger's most recent applied transition, never the source
// of truth for money.
type OrderPayment struct {
	OrderID        string      `json:"order_id"`
	Total          money.Money `json:"total"`
	CurrentStage   Stage       `json:"current_stage"`
	HoldRef        string      `json:"hold_ref,omitempty"`
	Disputed       bool        `json:"disputed"`
	Halted         bool        `json:"halted"`
	HaltReason     string      `json:"halt_reason,omitempty"`
	StageUpdatedAt time.Time   `json:"stage_updated_at"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// NewOrderPayment registers an order with the escrow engine at StageNone.
func NewOrderPayment(orderID string, total money.Money) (*OrderPayment, error) {
	if orderID == "" {
		return nil, errors.New("order_id is required")
	}
	if !total.IsPositive() {
		return nil, fmt.Errorf("order total must be positive, got %d", total.AmountMinor)
	}

	now := time.Now().UTC()
	return &OrderPayment{
		OrderID:        orderID,
		Total:          total,
		CurrentStage:   StageNone,
		StageUpdatedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}
