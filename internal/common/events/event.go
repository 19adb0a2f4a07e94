// Package events defines the event envelope and escrow event types
// published to NATS for downstream consumers (storefront push, audit).
package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// NATS subjects for escrow events
const (
	SubjectMilestoneAppended = "escrow.milestone.appended"
	SubjectStageApplied      = "escrow.stage.applied"
	SubjectTransitionFailed  = "escrow.transition.failed"
	SubjectOrderHalted       = "escrow.order.halted"
)

// Type identifies the type of escrow event.
type Type string

const (
	EventMilestoneAppended Type = "escrow.milestone.appended"
	EventStageApplied      Type = "escrow.stage.applied"
	EventTransitionFailed  Type = "escrow.transition.failed"
	EventOrderHalted       Type = "escrow.order.halted"
)

// Envelope wraps all events with common metadata.
type Envelope struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	OrderID       string          `json:"order_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope creates a new event envelope.
func NewEnvelope(eventType Type, orderID, correlationID string, data any) (*Envelope, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:            ulid.Make().String(),
		Type:          eventType,
		OrderID:       orderID,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          jsonData,
	}, nil
}

// DecodeData decodes the event data into a struct
func (e *Envelope) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// MilestoneAppendedData is the payload for escrow.milestone.appended events.
type MilestoneAppendedData struct {
	MilestoneID string `json:"milestone_id"`
	OrderID     string `json:"order_id"`
	Stage       string `json:"stage"`
	Status      string `json:"status"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	GatewayRef  string `json:"gateway_ref,omitempty"`
}

// StageAppliedData is the payload for escrow.stage.applied events.
type StageAppliedData struct {
	OrderID    string    `json:"order_id"`
	FromStage  string    `json:"from_stage"`
	ToStage    string    `json:"to_stage"`
	GatewayRef string    `json:"gateway_ref,omitempty"`
	AppliedAt  time.Time `json:"applied_at"`
}

// TransitionFailedData is the payload for escrow.transition.failed events.
type TransitionFailedData struct {
	OrderID    string `json:"order_id"`
	Stage      string `json:"stage"`
	GatewayRef string `json:"gateway_ref,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	ErrorMsg   string `json:"error_message,omitempty"`
}

// OrderHaltedData is the payload for escrow.order.halted events.
type OrderHaltedData struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}
