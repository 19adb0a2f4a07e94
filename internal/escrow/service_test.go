package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpay/internal/common/events"
	"marketpay/internal/common/money"
	"marketpay/internal/escrow/domain"
	"marketpay/internal/escrow/store"
	"marketpay/internal/gateway"
	"marketpay/internal/orders"
)

type fakeGateway struct {
	mu          sync.Mutex
	holdErr     error
	captureErr  error
	transferErr error
	refundErr   error

	holdCalls     int
	captureCalls  int
	transferCalls int
	refundCalls   int
}

func (g *fakeGateway) CreateHold(_ context.Context, orderID string, _ money.Money) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holdCalls++
	if g.holdErr != nil {
		return "", g.holdErr
	}
	return "hold-" + orderID, nil
}

func (g *fakeGateway) CaptureHold(_ context.Context, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captureCalls++
	return g.captureErr
}

func (g *fakeGateway) Transfer(_ context.Context, _ string, _ money.Money) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transferCalls++
	if g.transferErr != nil {
		return "", g.transferErr
	}
	return "tr-1", nil
}

func (g *fakeGateway) Refund(_ context.Context, _ string, _ money.Money) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	if g.refundErr != nil {
		return "", g.refundErr
	}
	return "rf-1", nil
}

type fakeDelivery struct {
	stage       domain.DeliveryStage
	deliveredAt *time.Time
}

func (d *fakeDelivery) GetDelivery(_ context.Context, _ string) (*orders.Delivery, error) {
	return &orders.Delivery{Stage: d.stage, DeliveredAt: d.deliveredAt}, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *fakePublisher) Publish(_ context.Context, subject string, _ *events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *fakePublisher) published(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

type testEngine struct {
	svc      *Service
	rec      *Reconciler
	store    *store.Memory
	gw       *fakeGateway
	delivery *fakeDelivery
	pub      *fakePublisher
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &testEngine{
		store:    store.NewMemory(),
		gw:       &fakeGateway{},
		delivery: &fakeDelivery{stage: domain.DeliveryInProgress},
		pub:      &fakePublisher{},
	}
	cfg := Config{
		PlatformFeeBps:   1000,
		AutoReleaseGrace: 14 * 24 * time.Hour,
		SweepInterval:    time.Minute,
		SweepBatchSize:   100,
	}
	e.svc = NewService(cfg, e.store, e.gw, e.delivery, e.pub, logger)
	e.rec = NewReconciler(e.svc, logger)
	return e
}

func gwEvent(ref, outcome string) gateway.Event {
	return gateway.Event{ReferenceID: ref, Outcome: outcome, OccurredAt: time.Now().UTC()}
}

var (
	buyer = domain.Actor{ID: "buyer-1", Role: domain.RoleBuyer}
	admin = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
)

// fundToHeld walks an order to held_in_escrow: fund, confirm the hold,
// confirm the capture the reconciler requests.
func fundToHeld(t *testing.T, e *testEngine, orderID string, totalMinor int64) {
	t.Helper()
	ctx := context.Background()

	_, err := e.svc.RegisterOrder(ctx, orderID, money.New(totalMinor, "USD"))
	require.NoError(t, err)

	rec, err := e.svc.Fund(ctx, orderID, buyer, "fund-nonce-1")
	require.NoError(t, err)
	require.Equal(t, "hold-"+orderID, rec.GatewayRef)

	require.NoError(t, e.rec.Handle(ctx, gwEvent("hold-"+orderID, OutcomeAuthorized)))
	require.NoError(t, e.rec.Handle(ctx, gwEvent("hold-"+orderID, OutcomeCaptured)))

	o, err := e.store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, domain.StageHeldInEscrow, o.CurrentStage)
}

func TestFundAndCaptureFlow(t *testing.T) {
	e := newTestEngine(t)
	fundToHeld(t, e, "ord-1", 10000)

	view, err := e.svc.PaymentStatus(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), view.Totals.Authorized.AmountMinor)
	assert.Equal(t, int64(10000), view.Totals.InEscrow.AmountMinor)
	assert.Equal(t, int64(0), view.Totals.Released.AmountMinor)
	assert.Equal(t, 1, e.gw.holdCalls)
	assert.Equal(t, 1, e.gw.captureCalls)
}

func TestBuyerReleaseFlow(t *testing.T) {
	e := newTestEngine(t)
	fundToHeld(t, e, "ord-1", 10000)
	e.delivery.stage = domain.DeliveryDelivered
	ctx := context.Background()

	rec, err := e.svc.RequestRelease(ctx, "ord-1", buyer, "release-nonce-1")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), rec.Amount.AmountMinor)
	assert.Equal(t, int64(1000), rec.FeeMinor)
	assert.Equal(t, 90, rec.Percentage)

	require.NoError(t, e.rec.Handle(ctx, gwEvent("tr-1", OutcomeAccepted)))
	require.NoError(t, e.rec.Handle(ctx, gwEvent("tr-1", OutcomeSettled)))

	view, err := e.svc.PaymentStatus(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageReleased, view.Order.CurrentStage)
	assert.Equal(t, int64(0), view.Totals.InEscrow.AmountMinor)
	assert.Equal(t, int64(0), view.Totals.PendingRelease.AmountMinor)
	assert.Equal(t, int64(9000), view.Totals.Released.AmountMinor)
}

func TestSettledWithoutAcceptedEvent(t *testing.T) {
	e := newTestEngine(t)
	fundToHeld(t, e, "ord-1", 10000)
	e.delivery.stage = domain.DeliveryDelivered
	ctx := context.Background()

	_, err := e.svc.RequestRelease(ctx, "ord-1", buyer, "release-nonce-1")
	require.NoError(t, err)

	// The settled event arrives without the accepted one ever showing up.
	require.NoError(t, e.rec.Handle(ctx, gwEvent("tr-1", OutcomeSettled)))

	view, err := e.svc.PaymentStatus(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageReleased, view.Order.CurrentStage)
	assert.Equal(t, int64(9000), view.Totals.Released.AmountMinor)
}

func TestDuplicateWebhookIgnored(t *testing.T) {
	e := newTestEngine(t)
	fundToHeld(t, e, "ord-1", 10000)
	e.delivery.stage = domain.DeliveryDelivered
	ctx := context.Background()

	_, err := e.svc.RequestRelease(ctx, "ord-1", buyer, "release-nonce-1")
	require.NoError(t, err)
	require.NoError(t, e.rec.Handle(ctx, gwEvent("tr-1", OutcomeSettled)))

	before, err := e.store.ListMilestones(ctx, "ord-1")
	require.NoError(t, err)

	require.NoError(t, e.rec.Handle(ctx, gwEvent("tr-1", OutcomeSettled)))

	after, err := e.store.ListMilestones(ctx, "ord-1")
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestConcurrentTransitionsExactlyOneWins(t *testing.T) {
	e := newTestEngine(t)
	fundToHeld(t, e, "ord-1", 10000)
	e.delivery.stage = domain.DeliveryDelivered
	ctx := context.Background()

	_, err := e.svc.RequestRelease(ctx, "ord-1", buyer, "release-nonce-1")
	require.NoError(t, err)

	// A refund racing against the in-flight release loses.
	_, err = e.svc.RequestRefund(ctx, "ord-1", admin, "refund-nonce-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStaleStage)

	// Once the release applied, the held-stage claim is stale too.
	require.NoError(t, e.rec.Handle(ctx, gwEvent("tr-1", OutcomeAccepted)))
	_, err = e.svc.RequestRelease(ctx, "ord-1", buyer, "release-nonce-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStaleStage)

	// The losers wrote nothing but their absence: the ledger holds only
	// the winner's records.
	records, err := e.store.ListMilestones(ctx, "ord-1")
	require.NoError(t, err)
	for _, m := range records {
		assert.NotEqual(t, domain.StageRefunded, m.Stage)
	}
}

func TestBuyerReleaseRequiresDelivery(t *testing.T) {
	e := newTestEngine(t)
	fundToHeld(t, e, "ord-1", 10000)
	e.delivery.stage = domain.DeliveryInProgress

	_, err := e.svc.RequestRelease(context.Background(), "ord-1", buyer, "release-nonce-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReleaseNotAllowed)
	assert.Equal(t, 0, e.gw.transferCalls)
}

func TestDisputeBlocksBuyerButNotAdmin(t *testing.T) {
	e := newTestEngine(t)
	fundToHeld(t, e, "ord-1", 10000)
	e.delivery.stage = domain.DeliveryDelivered
	ctx := context.Background()

	require.NoError(t, e.svc.SetDisputed(ctx, "ord-1", true, admin))

	_, err := e.svc.RequestRelease(ctx, "ord-1", buyer, "release-nonce-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReleaseNotAllowed)

	// Admin release is the dispute resolution in the seller's favor.
	_, err = e.svc.RequestRelease(ctx, "ord-1", admin, "adjudicate-nonce-1")
	require.NoError(t, err)
	assert.Equal(t, 1, e.gw.transferCalls)
}

func TestDisputeRequiresAdmin(t *testing.T) {
	e := newTestEngine(t)
	fundToHeld(t, e, "ord-1", 10000)

	err := e.svc.SetDisputed(context.Background(), "ord-1", true, buyer)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReleaseNotAllowed)
}

func TestBuyerRefundBeforeDelivery(t *testing.T) {
	e := newTestEngine(t)
	fundToHeld(t, e, "ord-1", 10000)
	e.delivery.stage = domain.DeliveryInProgress
	ctx := context.Background()

	rec, err := e.svc.RequestRefund(ctx, "ord-1", buyer, "refund-nonce-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), rec.Amount.AmountMinor)

	require.NoError(t, e.rec.Handle(ctx, gwEvent("rf-1", OutcomeRefunded)))

	view, err := e.svc.PaymentStatus(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageRefunded, view.Order.CurrentStage)
	assert.Equal(t, int64(0), view.Totals.InEscrow.AmountMinor)
	assert.Equal(t, int64(0), view.Totals.Authorized.AmountMinor)
}

func TestBuyerRefundAfterDeliveryRejected(t *testing.T) {
	e := newTestEngine(t)
	fundToHeld(t, e, "ord-1", 10000)
	e.delivery.stage = domain.DeliveryDelivered

	_, err := e.svc.RequestRefund(context.Background(), "ord-1", buyer, "refund-nonce-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReleaseNotAllowed)
}

func TestAdminRefundFromLivePendingRelease(t *testing.T) {
	e := newTestEngine(t)
	fundToHeld(t, e, "ord-1", 10000)
	e.delivery.stage = domain.DeliveryDelivered
	ctx := context.Background()

	_, err := e.svc.RequestRelease(ctx, "ord-1", buyer, "release-nonce-1")
	require.NoError(t, err)
	require.NoError(t, e.rec.Handle(ctx, gwEvent("tr-1", OutcomeAccepted)))

	// Dispute resolved for the buyer while the transfer is still in
	// flight: the admin claws back the full total, withheld fee included.
	_, err = e.svc.RequestRefund(ctx, "ord-1", admin, "refund-nonce-1")
	require.NoError(t, err)
	require.NoError(t, e.rec.Handle(ctx, gwEvent("rf-1", OutcomeRefunded)))

	view, err := e.svc.PaymentStatus(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageRefunded, view.Order.CurrentStage)
	assert.False(t, view.Order.Halted)
	assert.Equal(t, int64(0), view.Totals.Authorized.AmountMinor)
	assert.Equal(t, int64(0), view.Totals.InEscrow.AmountMinor)
	assert.Equal(t, int64(0), view.Totals.PendingRelease.AmountMinor)
	assert.Equal(t, int64(0), view.Totals.Released.AmountMinor)
}

func TestAdminRefundAfterBouncedTransfer(t *testing.T) {
	e := newTestEngine(t)
	fundToHeld(t, e, "ord-1", 10000)
	e.delivery.stage = domain.DeliveryDelivered
	ctx := context.Background()

	_, err := e.svc.RequestRelease(ctx, "ord-1", buyer, "release-nonce-1")
	require.NoError(t, err)
	require.NoError(t, e.rec.Handle(ctx, gwEvent("tr-1", OutcomeAccepted)))

	// The transfer bounced before settling; the admin claws it back.
	require.NoError(t, e.rec.Handle(ctx, gwEvent("tr-1", OutcomeFailed)))
	_, err = e.svc.RequestRefund(ctx, "ord-1", admin, "refund-nonce-1")
	require.NoError(t, err)
	require.NoError(t, e.rec.Handle(ctx, gwEvent("rf-1", OutcomeRefunded)))

	o, err := e.store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageRefunded, o.CurrentStage)
}

func TestGatewayUnavailableRetriesWithSameNonce(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, err := e.svc.RegisterOrder(ctx, "ord-1", money.New(10000, "USD"))
	require.NoError(t, err)

	e.gw.holdErr = domain.ErrGatewayUnavailable
	_, err = e.svc.Fund(ctx, "ord-1", buyer, "fund-nonce-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	// The retry with the same nonce lands on the original claim instead
	// of opening a second one.
	e.gw.holdErr = nil
	rec, err := e.svc.Fund(ctx, "ord-1", buyer, "fund-nonce-1")
	require.NoError(t, err)
	assert.Equal(t, "hold-ord-1", rec.GatewayRef)

	records, err := e.store.ListMilestones(ctx, "ord-1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCaptureRejectionFailsPayment(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, err := e.svc.RegisterOrder(ctx, "ord-1", money.New(10000, "USD"))
	require.NoError(t, err)
	_, err = e.svc.Fund(ctx, "ord-1", buyer, "fund-nonce-1")
	require.NoError(t, err)

	e.gw.captureErr = errors.New("hold expired")
	require.NoError(t, e.rec.Handle(ctx, gwEvent("hold-ord-1", OutcomeAuthorized)))

	o, err := e.store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageFailed, o.CurrentStage)
	assert.Equal(t, 1, e.pub.published(events.SubjectTransitionFailed))
}

func TestTransferFailureLeavesMoneyHeld(t *testing.T) {
	e := newTestEngine(t)
	fundToHeld(t, e, "ord-1", 10000)
	e.delivery.stage = domain.DeliveryDelivered
	ctx := context.Background()

	_, err := e.svc.RequestRelease(ctx, "ord-1", buyer, "release-nonce-1")
	require.NoError(t, err)
	require.NoError(t, e.rec.Handle(ctx, gwEvent("tr-1", OutcomeFailed)))

	view, err := e.svc.PaymentStatus(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageHeldInEscrow, view.Order.CurrentStage)
	assert.Equal(t, int64(10000), view.Totals.InEscrow.AmountMinor)
	assert.Equal(t, 1, e.pub.published(events.SubjectTransitionFailed))
}

func TestLedgerInconsistencyHaltsOrder(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, err := e.svc.RegisterOrder(ctx, "ord-1", money.New(10000, "USD"))
	require.NoError(t, err)
	_, err = e.svc.Fund(ctx, "ord-1", buyer, "fund-nonce-1")
	require.NoError(t, err)
	require.NoError(t, e.rec.Handle(ctx, gwEvent("hold-ord-1", OutcomeAuthorized)))

	// A capture confirmation for more than the order total must never
	// enter the ledger.
	o, err := e.store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	req, err := domain.NewRequested("ord-1", domain.StageHeldInEscrow,
		money.New(20000, "USD"), 0, o.Total, domain.SourceSystem, domain.SystemActor, "oversized")
	require.NoError(t, err)
	rec := domain.NewResolution(req, domain.StatusHeldInEscrow, domain.StageHeldInEscrow,
		o.Total, "cap-oversized", "", "")

	err = e.store.Resolve(ctx, store.Resolution{Record: rec, TargetStage: domain.StageHeldInEscrow})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLedgerInconsistency)

	require.NoError(t, e.store.HaltOrder(ctx, "ord-1", err.Error()))
	_, err = e.svc.Fund(ctx, "ord-1", buyer, "fund-nonce-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOrderHalted)
}

func TestSweeperAutoReleasesAfterGrace(t *testing.T) {
	e := newTestEngine(t)
	fundToHeld(t, e, "ord-1", 10000)
	delivered := time.Now().UTC().Add(-30 * 24 * time.Hour)
	e.delivery.stage = domain.DeliveryDelivered
	e.delivery.deliveredAt = &delivered
	ctx := context.Background()

	NewSweeper(e.svc, e.svc.logger).Sweep(ctx)
	assert.Equal(t, 1, e.gw.transferCalls)

	records, err := e.store.ListMilestones(ctx, "ord-1")
	require.NoError(t, err)
	last := records[len(records)-1]
	assert.Equal(t, domain.StatusRequested, last.Status)
	assert.Equal(t, domain.SourceAutoRelease, last.Source)

	require.NoError(t, e.rec.Handle(ctx, gwEvent("tr-1", OutcomeSettled)))
	o, err := e.store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageReleased, o.CurrentStage)
}

func TestSweeperSkipsWithinGraceAndUndelivered(t *testing.T) {
	e := newTestEngine(t)
	fundToHeld(t, e, "ord-1", 10000)
	ctx := context.Background()

	// Not delivered yet.
	e.delivery.stage = domain.DeliveryInProgress
	NewSweeper(e.svc, e.svc.logger).Sweep(ctx)
	assert.Equal(t, 0, e.gw.transferCalls)

	// Delivered, but inside the grace window.
	delivered := time.Now().UTC().Add(-24 * time.Hour)
	e.delivery.stage = domain.DeliveryDelivered
	e.delivery.deliveredAt = &delivered
	NewSweeper(e.svc, e.svc.logger).Sweep(ctx)
	assert.Equal(t, 0, e.gw.transferCalls)
}

func TestReconcilerParksEarlyWebhook(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// The webhook for a reference nobody has seen yet parks rather than
	// failing.
	require.NoError(t, e.rec.Handle(ctx, gwEvent("hold-ord-1", OutcomeAuthorized)))
	assert.Len(t, e.rec.parked, 1)

	_, err := e.svc.RegisterOrder(ctx, "ord-1", money.New(10000, "USD"))
	require.NoError(t, err)
	_, err = e.svc.Fund(ctx, "ord-1", buyer, "fund-nonce-1")
	require.NoError(t, err)

	e.rec.retryParked(ctx)
	assert.Len(t, e.rec.parked, 0)

	o, err := e.store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	// The parked authorization applied and the follow-up capture ran.
	assert.NotEqual(t, domain.StageNone, o.CurrentStage)
}

func TestReconcilerDropsUnknownReferenceAfterRetries(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.rec.Handle(ctx, gwEvent("ghost-ref", OutcomeSettled)))
	for i := 0; i < e.rec.maxAttempts; i++ {
		e.rec.retryParked(ctx)
	}
	assert.Len(t, e.rec.parked, 0)
}

func TestFundSourceFollowsActorRole(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, err := e.svc.RegisterOrder(ctx, "ord-1", money.New(10000, "USD"))
	require.NoError(t, err)

	rec, err := e.svc.Fund(ctx, "ord-1", admin, "fund-nonce-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceAdmin, rec.Source)
	assert.Equal(t, admin.ID, rec.ActorID)
}

func TestSellerCannotMoveMoney(t *testing.T) {
	e := newTestEngine(t)
	fundToHeld(t, e, "ord-1", 10000)
	seller := domain.Actor{ID: "seller-1", Role: domain.RoleSeller}
	ctx := context.Background()

	_, err := e.svc.RequestRelease(ctx, "ord-1", seller, "release-nonce-1")
	assert.ErrorIs(t, err, domain.ErrReleaseNotAllowed)

	_, err = e.svc.RequestRefund(ctx, "ord-1", seller, "refund-nonce-1")
	assert.ErrorIs(t, err, domain.ErrReleaseNotAllowed)
}
