// Package escrow implements the milestone-based escrow payment engine:
// the transition request path, the webhook reconciler, and the
// auto-release sweeper.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketpay/internal/common/events"
	"marketpay/internal/common/money"
	"marketpay/internal/escrow/domain"
	"marketpay/internal/escrow/store"
	"marketpay/internal/orders"
)

// Store is the persistence surface the engine needs: the order row, the
// append-only milestone ledger, and the claim/resolve primitives.
type Store interface {
	CreateOrder(ctx context.Context, o *domain.OrderPayment) error
	GetOrder(ctx context.Context, orderID string) (*domain.OrderPayment, error)
	SetDisputed(ctx context.Context, orderID string, disputed bool) error
	HaltOrder(ctx context.Context, orderID, reason string) error
	ClaimTransition(ctx context.Context, orderID string, from domain.Stage, rec *domain.Milestone) (*domain.Milestone, error)
	BindGatewayRef(ctx context.Context, milestoneID, ref string) error
	GetRequestedByRef(ctx context.Context, ref string) (*domain.Milestone, error)
	Resolve(ctx context.Context, res store.Resolution) error
	ListMilestones(ctx context.Context, orderID string) ([]*domain.Milestone, error)
	ListHeldOrders(ctx context.Context, limit int) ([]*domain.OrderPayment, error)
}

// Gateway is the payment gateway surface: every call is asynchronous from
// the ledger's point of view, confirmed later by webhook.
type Gateway interface {
	CreateHold(ctx context.Context, orderID string, amount money.Money) (string, error)
	CaptureHold(ctx context.Context, holdRef string) error
	Transfer(ctx context.Context, holdRef string, amount money.Money) (string, error)
	Refund(ctx context.Context, holdRef string, amount money.Money) (string, error)
}

// DeliveryClient reports an order's delivery state.
type DeliveryClient interface {
	GetDelivery(ctx context.Context, orderID string) (*orders.Delivery, error)
}

// Publisher publishes escrow events for downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, subject string, env *events.Envelope) error
}

// Config holds escrow engine settings.
type Config struct {
	PlatformFeeBps   int64         `envconfig:"ESCROW_PLATFORM_FEE_BPS" default:"1000"`
	AutoReleaseGrace time.Duration `envconfig:"ESCROW_AUTO_RELEASE_GRACE" default:"336h"`
	SweepInterval    time.Duration `envconfig:"ESCROW_SWEEP_INTERVAL" default:"10m"`
	SweepBatchSize   int           `envconfig:"ESCROW_SWEEP_BATCH_SIZE" default:"100"`
}

// Service coordinates escrow payments for marketplace orders.
type Service struct {
	cfg      Config
	store    Store
	gateway  Gateway
	delivery DeliveryClient
	events   Publisher
	logger   *slog.Logger
}

// NewService creates the escrow service.
func NewService(cfg Config, st Store, gw Gateway, dc DeliveryClient, pub Publisher, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		gateway:  gw,
		delivery: dc,
		events:   pub,
		logger:   logger,
	}
}

// RegisterOrder creates the escrow row for a newly placed order.
func (s *Service) RegisterOrder(ctx context.Context, orderID string, total money.Money) (*domain.OrderPayment, error) {
	o, err := domain.NewOrderPayment(orderID, total)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		return nil, err
	}
	s.logger.Info("escrow order registered",
		slog.String("order_id", orderID),
		slog.Int64("total_minor", total.AmountMinor),
		slog.String("currency", string(total.Currency)))
	return o, nil
}

// PaymentView is the read model for an order's payment: the annotated
// stage list, the milestone ledger, and the derived totals.
type PaymentView struct {
	Order      *domain.OrderPayment `json:"order"`
	Stages     []domain.StageStatus `json:"stages"`
	Milestones []*domain.Milestone  `json:"milestones"`
	Totals     domain.Totals        `json:"totals"`
}

// PaymentStatus assembles the payment view for an order. Halted orders
// remain readable.
func (s *Service) PaymentStatus(ctx context.Context, orderID string) (*PaymentView, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListMilestones(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &PaymentView{
		Order:      o,
		Stages:     domain.AnnotateStagesFromLedger(o.CurrentStage, records),
		Milestones: records,
		Totals:     domain.ComputeTotals(records, o.Total, o.CurrentStage),
	}, nil
}

// Fund starts the payment: an authorization hold on the buyer's payment
// method for the full order total.
func (s *Service) Fund(ctx context.Context, orderID string, actor domain.Actor, nonce string) (*domain.Milestone, error) {
	source := domain.SourceBuyer
	switch actor.Role {
	case domain.RoleAdmin:
		source = domain.SourceAdmin
	case domain.RoleBuyer:
	default:
		return nil, fmt.Errorf("only the buyer can fund an order: %w", domain.ErrReleaseNotAllowed)
	}
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.requestTransition(ctx, o, domain.StageNone, domain.StageAuthorized,
		o.Total, 0, source, actor, nonce)
}

// RequestRelease moves a held order toward seller payout. Buyers may
// release once the order is delivered; admins may release any held order,
// including disputed ones, as the dispute resolution.
func (s *Service) RequestRelease(ctx context.Context, orderID string, actor domain.Actor, nonce string) (*domain.Milestone, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	source := domain.SourceBuyer
	switch actor.Role {
	case domain.RoleAdmin:
		source = domain.SourceAdmin
	case domain.RoleBuyer:
		if o.Disputed {
			return nil, fmt.Errorf("order %s is disputed: %w", orderID, domain.ErrReleaseNotAllowed)
		}
		d, err := s.delivery.GetDelivery(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("checking delivery state: %w", err)
		}
		if !d.Stage.BuyerMayRelease() {
			return nil, fmt.Errorf("order %s is not delivered (delivery stage %s): %w",
				orderID, d.Stage, domain.ErrReleaseNotAllowed)
		}
	default:
		return nil, fmt.Errorf("role %s cannot release funds: %w", actor.Role, domain.ErrReleaseNotAllowed)
	}

	fee := o.Total.Percentage(s.cfg.PlatformFeeBps)
	payout := o.Total.MustSub(fee)
	return s.requestTransition(ctx, o, domain.StageHeldInEscrow, domain.StagePendingRelease,
		payout, fee.AmountMinor, source, actor, nonce)
}

// RequestRefund returns the full order total to the buyer. Buyers may
// refund a held order before delivery; admins may refund held or
// pending-release orders as the dispute resolution.
func (s *Service) RequestRefund(ctx context.Context, orderID string, actor domain.Actor, nonce string) (*domain.Milestone, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	source := domain.SourceBuyer
	from := domain.StageHeldInEscrow
	switch actor.Role {
	case domain.RoleAdmin:
		source = domain.SourceAdmin
		if o.CurrentStage == domain.StagePendingRelease {
			from = domain.StagePendingRelease
		}
	case domain.RoleBuyer:
		if o.Disputed {
			return nil, fmt.Errorf("order %s is disputed: %w", orderID, domain.ErrReleaseNotAllowed)
		}
		d, err := s.delivery.GetDelivery(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("checking delivery state: %w", err)
		}
		if d.Stage.BuyerMayRelease() {
			return nil, fmt.Errorf("order %s is already delivered, open a dispute instead: %w",
				orderID, domain.ErrReleaseNotAllowed)
		}
	default:
		return nil, fmt.Errorf("role %s cannot refund: %w", actor.Role, domain.ErrReleaseNotAllowed)
	}

	return s.requestTransition(ctx, o, from, domain.StageRefunded,
		o.Total, 0, source, actor, nonce)
}

// SetDisputed raises or clears the dispute hold on an order. While the
// hold is up only admins may move money.
func (s *Service) SetDisputed(ctx context.Context, orderID string, disputed bool, actor domain.Actor) error {
	if actor.Role != domain.RoleAdmin {
		return fmt.Errorf("role %s cannot adjudicate disputes: %w", actor.Role, domain.ErrReleaseNotAllowed)
	}
	if err := s.store.SetDisputed(ctx, orderID, disputed); err != nil {
		return err
	}
	s.logger.Info("dispute flag updated",
		slog.String("order_id", orderID),
		slog.Bool("disputed", disputed),
		slog.String("actor_id", actor.ID))
	return nil
}

// requestCapture asks the gateway to capture an authorized hold into
// escrow. The reconciler calls this after confirming the authorization.
func (s *Service) requestCapture(ctx context.Context, orderID string) (*domain.Milestone, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.requestTransition(ctx, o, domain.StageAuthorized, domain.StageHeldInEscrow,
		o.Total, 0, domain.SourceSystem, domain.SystemActor, "capture")
}

// autoRelease triggers release for a held order whose grace window after
// delivery has elapsed without buyer action.
func (s *Service) autoRelease(ctx context.Context, o *domain.OrderPayment, now time.Time) error {
	d, err := s.delivery.GetDelivery(ctx, o.OrderID)
	if err != nil {
		return fmt.Errorf("checking delivery state: %w", err)
	}
	if !d.Stage.BuyerMayRelease() || d.DeliveredAt == nil {
		return nil
	}
	if now.Sub(*d.DeliveredAt) < s.cfg.AutoReleaseGrace {
		return nil
	}

	fee := o.Total.Percentage(s.cfg.PlatformFeeBps)
	payout := o.Total.MustSub(fee)
	_, err = s.requestTransition(ctx, o, domain.StageHeldInEscrow, domain.StagePendingRelease,
		payout, fee.AmountMinor, domain.SourceAutoRelease, domain.SystemActor, "auto-release")
	if errors.Is(err, domain.ErrStaleStage) {
		// Someone else moved the order first; the sweep simply skips it.
		return nil
	}
	return err
}

// requestTransition is the single write path for stage transitions: it
// claims the transition with an optimistic stage check, dispatches the
// gateway call, and binds the returned reference onto the requested
// record. The stage pointer only moves later, when the reconciler applies
// the gateway's webhook confirmation.
func (s *Service) requestTransition(ctx context.Context, o *domain.OrderPayment, from, to domain.Stage, amount money.Money, feeMinor int64, source domain.TransitionSource, actor domain.Actor, nonce string) (*domain.Milestone, error) {
	if err := domain.ValidateTransition(from, to); err != nil {
		return nil, err
	}

	rec, err := domain.NewRequested(o.OrderID, to, amount, feeMinor, o.Total, source, actor, nonce)
	if err != nil {
		return nil, err
	}

	claimed, err := s.store.ClaimTransition(ctx, o.OrderID, from, rec)
	if err != nil {
		return nil, err
	}
	if claimed.GatewayRef != "" {
		// A retry of an already dispatched request; nothing left to do.
		return claimed, nil
	}

	ref, dispatchErr := s.dispatch(ctx, o, to, amount)
	if dispatchErr != nil {
		if errors.Is(dispatchErr, domain.ErrGatewayUnavailable) {
			// Transient. The claim stays open; a retry with the same
			// nonce re-dispatches it.
			return nil, dispatchErr
		}
		return nil, s.resolveDispatchRejection(ctx, o, claimed, dispatchErr)
	}

	if err := s.store.BindGatewayRef(ctx, claimed.ID, ref); err != nil {
		return nil, err
	}
	claimed.GatewayRef = ref

	s.publishMilestone(ctx, claimed)
	s.logger.Info("transition requested",
		slog.String("order_id", o.OrderID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("source", string(source)),
		slog.String("gateway_ref", ref))
	return claimed, nil
}

// dispatch issues the gateway call backing a transition to the given
// stage. The gateway deduplicates holds per order, so re-dispatching a
// retried claim is safe.
func (s *Service) dispatch(ctx context.Context, o *domain.OrderPayment, to domain.Stage, amount money.Money) (string, error) {
	switch to {
	case domain.StageAuthorized:
		return s.gateway.CreateHold(ctx, o.OrderID, amount)
	case domain.StageHeldInEscrow:
		return o.HoldRef, s.gateway.CaptureHold(ctx, o.HoldRef)
	case domain.StagePendingRelease:
		return s.gateway.Transfer(ctx, o.HoldRef, amount)
	case domain.StageRefunded:
		return s.gateway.Refund(ctx, o.HoldRef, amount)
	}
	return "", fmt.Errorf("stage %s is not gateway-requestable: %w", to, domain.ErrInvalidTransition)
}

// resolveDispatchRejection closes a claim the gateway rejected outright,
// so the order does not stay blocked on an unresolvable request. A
// rejected capture fails the payment; other rejections leave the stage
// where it was.
func (s *Service) resolveDispatchRejection(ctx context.Context, o *domain.OrderPayment, req *domain.Milestone, cause error) error {
	ref := "sync:" + req.ID
	if err := s.store.BindGatewayRef(ctx, req.ID, ref); err != nil {
		return err
	}
	req.GatewayRef = ref

	rec := domain.NewResolution(req, domain.StatusFailed, domain.StageFailed,
		o.Total, ref, "gateway_rejected", cause.Error())
	var target domain.Stage
	if req.Stage == domain.StageHeldInEscrow {
		target = domain.StageFailed
	}
	if err := s.store.Resolve(ctx, store.Resolution{Record: rec, TargetStage: target}); err != nil && !errors.Is(err, domain.ErrDuplicateWebhook) {
		return err
	}

	s.publishTransitionFailed(ctx, rec)
	s.logger.Warn("gateway rejected transition",
		slog.String("order_id", o.OrderID),
		slog.String("stage", string(req.Stage)),
		slog.String("error", cause.Error()))
	return fmt.Errorf("gateway rejected %s transition: %w", req.Stage, cause)
}

func (s *Service) publishMilestone(ctx context.Context, m *domain.Milestone) {
	env, err := events.NewEnvelope(events.EventMilestoneAppended, m.OrderID, "", events.MilestoneAppendedData{
		MilestoneID: m.ID,
		OrderID:     m.OrderID,
		Stage:       string(m.Stage),
		Status:      string(m.Status),
		AmountMinor: m.Amount.AmountMinor,
		Currency:    string(m.Amount.Currency),
		GatewayRef:  m.GatewayRef,
	})
	if err != nil {
		s.logger.Error("building milestone event", slog.String("error", err.Error()))
		return
	}
	if err := s.events.Publish(ctx, events.SubjectMilestoneAppended, env); err != nil {
		s.logger.Error("publishing milestone event",
			slog.String("order_id", m.OrderID), slog.String("error", err.Error()))
	}
}

func (s *Service) publishStageApplied(ctx context.Context, orderID string, from, to domain.Stage, gatewayRef string) {
	env, err := events.NewEnvelope(events.EventStageApplied, orderID, "", events.StageAppliedData{
		OrderID:    orderID,
		FromStage:  string(from),
		ToStage:    string(to),
		GatewayRef: gatewayRef,
		AppliedAt:  time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("building stage event", slog.String("error", err.Error()))
		return
	}
	if err := s.events.Publish(ctx, events.SubjectStageApplied, env); err != nil {
		s.logger.Error("publishing stage event",
			slog.String("order_id", orderID), slog.String("error", err.Error()))
	}
}

func (s *Service) publishTransitionFailed(ctx context.Context, m *domain.Milestone) {
	env, err := events.NewEnvelope(events.EventTransitionFailed, m.OrderID, "", events.TransitionFailedData{
		OrderID:    m.OrderID,
		Stage:      string(m.Stage),
		GatewayRef: m.GatewayRef,
		ErrorCode:  m.ErrorCode,
		ErrorMsg:   m.ErrorMsg,
	})
	if err != nil {
		s.logger.Error("building failure event", slog.String("error", err.Error()))
		return
	}
	if err := s.events.Publish(ctx, events.SubjectTransitionFailed, env); err != nil {
		s.logger.Error("publishing failure event",
			slog.String("order_id", m.OrderID), slog.String("error", err.Error()))
	}
}

func (s *Service) publishOrderHalted(ctx context.Context, orderID, reason string) {
	env, err := events.NewEnvelope(events.EventOrderHalted, orderID, "", events.OrderHaltedData{
		OrderID: orderID,
		Reason:  reason,
	})
	if err != nil {
		s.logger.Error("building halt event", slog.String("error", err.Error()))
		return
	}
	if err := s.events.Publish(ctx, events.SubjectOrderHalted, env); err != nil {
		s.logger.Error("publishing halt event",
			slog.String("order_id", orderID), slog.String("error", err.Error()))
	}
}
