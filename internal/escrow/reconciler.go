package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketpay/internal/common/database"
	"marketpay/internal/escrow/domain"
	"marketpay/internal/escrow/store"
	"marketpay/internal/gateway"
)

// Gateway webhook outcomes.
const (
	OutcomeAuthorized = "authorized"
	OutcomeCaptured   = "captured"
	OutcomeAccepted   = "accepted"
	OutcomeSettled    = "settled"
	OutcomeRefunded   = "refunded"
	OutcomeFailed     = "failed"
)

// Reconciler applies gateway webhook events to the ledger. It is the only
// component that moves the stage pointer: the request path merely claims
// transitions, the reconciler confirms them. Delivery is at-least-once and
// unordered, so it deduplicates by reference and parks events that arrive
// before their requested record is visible.
type Reconciler struct {
	svc    *Service
	logger *slog.Logger

	mu     sync.Mutex
	parked map[string]*parkedEvent

	maxAttempts   int
	retryInterval time.Duration
}

type parkedEvent struct {
	event    gateway.Event
	attempts int
}

// NewReconciler creates a reconciler over the escrow service.
func NewReconciler(svc *Service, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		svc:           svc,
		logger:        logger,
		parked:        make(map[string]*parkedEvent),
		maxAttempts:   5,
		retryInterval: 2 * time.Second,
	}
}

// Handle processes one gateway event. It never returns an error for
// conditions the gateway could not fix by redelivering: duplicates,
// unknown references past retry, and halted orders are all absorbed here.
func (r *Reconciler) Handle(ctx context.Context, ev gateway.Event) error {
	req, err := r.svc.store.GetRequestedByRef(ctx, ev.ReferenceID)
	if err != nil {
		if database.IsNotFound(err) {
			// The webhook can outrun the request commit that binds the
			// reference. Park it and retry shortly.
			r.park(ev)
			return nil
		}
		return fmt.Errorf("looking up reference %s: %w", ev.ReferenceID, err)
	}

	o, err := r.svc.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return err
	}

	status, stage, target, ok := mapOutcome(ev.Outcome, req.Stage)
	if !ok {
		r.logger.Warn("unknown gateway outcome dropped",
			slog.String("outcome", ev.Outcome),
			slog.String("gateway_ref", ev.ReferenceID))
		return nil
	}

	rec := domain.NewResolution(req, status, stage, o.Total, ev.ReferenceID, ev.ErrorCode, ev.ErrorMessage)

	res := store.Resolution{Record: rec, TargetStage: target}
	if ev.Outcome == OutcomeAuthorized {
		res.HoldRef = ev.ReferenceID
	}

	from := o.CurrentStage
	err = r.svc.store.Resolve(ctx, res)
	switch {
	case errors.Is(err, domain.ErrLedgerInconsistency):
		return r.halt(ctx, req.OrderID, err)
	case errors.Is(err, domain.ErrDuplicateWebhook):
		r.logger.Debug("duplicate gateway event dropped",
			slog.String("order_id", req.OrderID),
			slog.String("gateway_ref", ev.ReferenceID),
			slog.String("outcome", ev.Outcome))
	case err != nil:
		return err
	default:
		r.svc.publishMilestone(ctx, rec)
		if target != "" {
			r.svc.publishStageApplied(ctx, req.OrderID, from, target, ev.ReferenceID)
		}
		if status == domain.StatusFailed {
			// Failed transfers and refunds leave the money held; the
			// record plus this event is the operator alert.
			r.svc.publishTransitionFailed(ctx, rec)
			r.logger.Warn("gateway reported transition failure",
				slog.String("order_id", req.OrderID),
				slog.String("stage", string(req.Stage)),
				slog.String("error_code", ev.ErrorCode),
				slog.String("error_message", ev.ErrorMessage))
		}
		r.logger.Info("gateway event applied",
			slog.String("order_id", req.OrderID),
			slog.String("outcome", ev.Outcome),
			slog.String("gateway_ref", ev.ReferenceID))
	}

	if ev.Outcome == OutcomeAuthorized {
		// Confirmed holds are captured into escrow right away. The claim
		// is idempotent, so redelivered authorizations retry a capture
		// that failed transiently.
		if _, err := r.svc.requestCapture(ctx, req.OrderID); err != nil {
			if errors.Is(err, domain.ErrStaleStage) || errors.Is(err, domain.ErrOrderHalted) {
				return nil
			}
			r.logger.Warn("capture request failed",
				slog.String("order_id", req.OrderID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// mapOutcome translates a gateway outcome into the resolution record's
// status and stage and the stage the order should reach. An empty target
// leaves the pointer alone. reqStage is the stage the original request
// aimed for; only a failed capture fails the whole payment, since failed
// holds never took money and failed payouts leave it safely in escrow.
func mapOutcome(outcome string, reqStage domain.Stage) (domain.MilestoneStatus, domain.Stage, domain.Stage, bool) {
	switch outcome {
	case OutcomeAuthorized:
		return domain.StatusAuthorized, domain.StageAuthorized, domain.StageAuthorized, true
	case OutcomeCaptured:
		return domain.StatusHeldInEscrow, domain.StageHeldInEscrow, domain.StageHeldInEscrow, true
	case OutcomeAccepted:
		return domain.StatusPendingRelease, domain.StagePendingRelease, domain.StagePendingRelease, true
	case OutcomeSettled:
		return domain.StatusReleased, domain.StageReleased, domain.StageReleased, true
	case OutcomeRefunded:
		return domain.StatusRefunded, domain.StageRefunded, domain.StageRefunded, true
	case OutcomeFailed:
		var target domain.Stage
		if reqStage == domain.StageHeldInEscrow {
			target = domain.StageFailed
		}
		return domain.StatusFailed, domain.StageFailed, target, true
	}
	return "", "", "", false
}

// halt freezes an order whose ledger failed the consistency check. The
// offending record was not written; manual review decides what happens
// next.
func (r *Reconciler) halt(ctx context.Context, orderID string, cause error) error {
	reason := cause.Error()
	if err := r.svc.store.HaltOrder(ctx, orderID, reason); err != nil {
		return fmt.Errorf("halting order %s: %w", orderID, err)
	}
	r.svc.publishOrderHalted(ctx, orderID, reason)
	r.logger.Error("order halted on ledger inconsistency",
		slog.String("order_id", orderID),
		slog.String("reason", reason))
	return nil
}

func (r *Reconciler) park(ev gateway.Event) {
	key := ev.ReferenceID + "|" + ev.Outcome
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.parked[key]; !ok {
		r.parked[key] = &parkedEvent{event: ev}
	}
	r.logger.Debug("gateway event parked",
		slog.String("gateway_ref", ev.ReferenceID),
		slog.String("outcome", ev.Outcome))
}

// Run retries parked events until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.retryParked(ctx)
		}
	}
}

func (r *Reconciler) retryParked(ctx context.Context) {
	r.mu.Lock()
	batch := make(map[string]*parkedEvent, len(r.parked))
	for k, p := range r.parked {
		batch[k] = p
		delete(r.parked, k)
	}
	r.mu.Unlock()

	for key, p := range batch {
		p.attempts++
		req, err := r.svc.store.GetRequestedByRef(ctx, p.event.ReferenceID)
		if err != nil || req == nil {
			if p.attempts >= r.maxAttempts {
				r.logger.Error("dropping gateway event with unknown reference",
					slog.String("gateway_ref", p.event.ReferenceID),
					slog.String("outcome", p.event.Outcome),
					slog.Int("attempts", p.attempts))
				continue
			}
			r.mu.Lock()
			r.parked[key] = p
			r.mu.Unlock()
			continue
		}
		if err := r.Handle(ctx, p.event); err != nil {
			r.logger.Error("retrying parked gateway event failed",
				slog.String("gateway_ref", p.event.ReferenceID),
				slog.String("error", err.Error()))
		}
	}
}
