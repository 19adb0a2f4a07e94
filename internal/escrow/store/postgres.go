// Package store persists escrow orders and the append-only milestone
// ledger. The Postgres store is the production implementation; the memory
// store backs tests and local development.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"marketpay/internal/common/database"
	"marketpay/internal/common/money"
	"marketpay/internal/escrow/domain"
)

// Resolution describes the outcome of a gateway event to be applied
// atomically: the resolution record to append, the stage the cached
// pointer should reach, and optionally the hold reference to bind on the
// order.
type Resolution struct {
	Record *domain.Milestone
	// TargetStage is the stage the order should be at after this
	// resolution. Empty means the record is appended without moving the
	// stage pointer (failed attempts that leave money where it is).
	TargetStage domain.Stage
	// HoldRef binds the gateway hold reference on the order when set.
	HoldRef string
}

// Postgres implements the escrow store on PostgreSQL.
type Postgres struct {
	db *database.DB
}

// NewPostgres creates a Postgres-backed escrow store.
func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

const milestoneColumns = `id, order_id, stage, status, amount_minor, currency, fee_minor,
	percentage, source, actor_id, gateway_ref, error_code, error_message, created_at`

const orderColumns = `order_id, total_minor, currency, current_stage, hold_ref,
	disputed, halted, halt_reason, stage_updated_at, created_at, updated_at`

// CreateOrder registers an order's escrow row.
func (s *Postgres) CreateOrder(ctx context.Context, o *domain.OrderPayment) error {
	query := `
		INSERT INTO escrow_orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.Exec(ctx, query,
		o.OrderID, o.Total.AmountMinor, o.Total.Currency, o.CurrentStage, nullStr(o.HoldRef),
		o.Disputed, o.Halted, nullStr(o.HaltReason), o.StageUpdatedAt, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", o.OrderID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating escrow order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order's escrow row.
func (s *Postgres) GetOrder(ctx context.Context, orderID string) (*domain.OrderPayment, error) {
	query := `SELECT ` + orderColumns + ` FROM escrow_orders WHERE order_id = $1`
	return scanOrder(s.db.QueryRow(ctx, query, orderID))
}

// SetDisputed flags or unflags an order as disputed.
func (s *Postgres) SetDisputed(ctx context.Context, orderID string, disputed bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE escrow_orders SET disputed = $2, updated_at = $3 WHERE order_id = $1`,
		orderID, disputed, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("setting dispute flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

// HaltOrder marks an order halted after a ledger inconsistency. Halted
// orders refuse all further transitions until manually reviewed.
func (s *Postgres) HaltOrder(ctx context.Context, orderID, reason string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE escrow_orders SET halted = TRUE, halt_reason = $2, updated_at = $3 WHERE order_id = $1`,
		orderID, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("halting order: %w", err)
	}
	return nil
}

// ClaimTransition atomically verifies the optimistic stage check and
// appends the requested record, claiming the transition. Re-appending the
// same record ID is a no-op returning the existing record, so request
// retries with the same nonce cannot double-claim.
func (s *Postgres) ClaimTransition(ctx context.Context, orderID string, from domain.Stage, rec *domain.Milestone) (*domain.Milestone, error) {
	var out *domain.Milestone
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		order, err := scanOrder(tx.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM escrow_orders WHERE order_id = $1 FOR UPDATE`, orderID))
		if err != nil {
			return err
		}

		// Idempotent retry: same nonce maps to the same record ID.
		existing, err := getMilestone(ctx, tx, rec.ID)
		if err == nil {
			out = existing
			return nil
		}
		if !database.IsNotFound(err) {
			return err
		}

		if order.Halted {
			return fmt.Errorf("order %s: %w", orderID, domain.ErrOrderHalted)
		}
		if order.CurrentStage != from {
			return fmt.Errorf("expected stage %s, order is at %s: %w",
				from, order.CurrentStage, domain.ErrStaleStage)
		}

		// A transition already claimed by another writer and not yet
		// resolved blocks the claim.
		var unresolved int
		err = tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM payment_milestones r
			WHERE r.order_id = $1 AND r.status = 'requested'
			  AND NOT EXISTS (
				SELECT 1 FROM payment_milestones res
				WHERE res.order_id = r.order_id
				  AND res.status <> 'requested'
				  AND res.gateway_ref IS NOT NULL
				  AND res.gateway_ref = r.gateway_ref
				  AND res.seq > r.seq
			  )
		`, orderID).Scan(&unresolved)
		if err != nil {
			return fmt.Errorf("checking outstanding requests: %w", err)
		}
		if unresolved > 0 {
			return fmt.Errorf("transition already in flight for order %s: %w", orderID, domain.ErrStaleStage)
		}

		if err := insertMilestone(ctx, tx, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BindGatewayRef binds the gateway reference onto a requested record. The
// column starts out null and is written exactly once; records are
// otherwise immutable.
func (s *Postgres) BindGatewayRef(ctx context.Context, milestoneID, ref string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE payment_milestones SET gateway_ref = $2 WHERE id = $1 AND gateway_ref IS NULL`,
		milestoneID, ref,
	)
	if err != nil {
		return fmt.Errorf("binding gateway ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already bound by an earlier retry; verify it matches.
		var bound *string
		if err := s.db.QueryRow(ctx,
			`SELECT gateway_ref FROM payment_milestones WHERE id = $1`, milestoneID).Scan(&bound); err != nil {
			return fmt.Errorf("reading bound ref: %w", err)
		}
		if bound == nil || *bound != ref {
			return fmt.Errorf("milestone %s already bound to a different reference", milestoneID)
		}
	}
	return nil
}

// GetRequestedByRef finds the latest requested record carrying a gateway
// reference, resolved or not. The reconciler decides duplication.
func (s *Postgres) GetRequestedByRef(ctx context.Context, ref string) (*domain.Milestone, error) {
	query := `
		SELECT ` + milestoneColumns + ` FROM payment_milestones
		WHERE gateway_ref = $1 AND status = 'requested'
		ORDER BY seq DESC LIMIT 1
	`
	return scanMilestone(s.db.QueryRow(ctx, query, ref))
}

// Resolve appends the resolution record and moves the cached stage pointer
// in one transaction. An already-resolved reference (at-least-once webhook
// delivery) returns ErrDuplicateWebhook and writes nothing. A
// ledger-invariant violation aborts the append and surfaces
// ErrLedgerInconsistency.
func (s *Postgres) Resolve(ctx context.Context, res Resolution) error {
	rec := res.Record
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		order, err := scanOrder(tx.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM escrow_orders WHERE order_id = $1 FOR UPDATE`, rec.OrderID))
		if err != nil {
			return err
		}

		var dup int
		err = tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM payment_milestones
			WHERE gateway_ref = $1 AND (id = $2 OR status = $3) AND status <> 'requested'
		`, rec.GatewayRef, rec.ID, rec.Status).Scan(&dup)
		if err != nil {
			return fmt.Errorf("checking duplicate resolution: %w", err)
		}
		if dup > 0 {
			return fmt.Errorf("reference %s outcome %s: %w",
				rec.GatewayRef, rec.Status, domain.ErrDuplicateWebhook)
		}

		path := applyPath(order.CurrentStage, res.TargetStage)
		if res.TargetStage != "" && res.TargetStage != order.CurrentStage && path == nil {
			// Out-of-order or regressive event; nothing legal to apply.
			return fmt.Errorf("reference %s target %s from %s: %w",
				rec.GatewayRef, res.TargetStage, order.CurrentStage, domain.ErrDuplicateWebhook)
		}

		records, err := listMilestonesTx(ctx, tx, rec.OrderID)
		if err != nil {
			return err
		}
		if rec.Status.MovesMoney() {
			if err := domain.CheckLedger(append(records, rec), order.Total); err != nil {
				return err
			}
		}

		if err := insertMilestone(ctx, tx, rec); err != nil {
			return err
		}

		stage := order.CurrentStage
		for _, hop := range path {
			if err := domain.ValidateTransition(stage, hop); err != nil {
				return err
			}
			stage = hop
		}

		now := time.Now().UTC()
		holdRef := nullStr(order.HoldRef)
		if res.HoldRef != "" {
			holdRef = &res.HoldRef
		}
		_, err = tx.Exec(ctx, `
			UPDATE escrow_orders
			SET current_stage = $2, hold_ref = $3, stage_updated_at = $4, updated_at = $4
			WHERE order_id = $1
		`, rec.OrderID, stage, holdRef, now)
		if err != nil {
			return fmt.Errorf("applying stage: %w", err)
		}
		return nil
	})
}

// ListMilestones returns the order's ledger in creation order.
func (s *Postgres) ListMilestones(ctx context.Context, orderID string) ([]*domain.Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM payment_milestones WHERE order_id = $1 ORDER BY seq`
	rows, err := s.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing milestones: %w", err)
	}
	defer rows.Close()
	return scanMilestones(rows)
}

// ListHeldOrders lists orders currently held in escrow and eligible for
// the auto-release sweep.
func (s *Postgres) ListHeldOrders(ctx context.Context, limit int) ([]*domain.OrderPayment, error) {
	query := `
		SELECT ` + orderColumns + ` FROM escrow_orders
		WHERE current_stage = $1 AND NOT disputed AND NOT halted
		ORDER BY stage_updated_at ASC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, domain.StageHeldInEscrow, limit)
	if err != nil {
		return nil, fmt.Errorf("listing held orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.OrderPayment
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// applyPath returns the legal stage hops from current to target, or nil
// when no forward path exists. A settled transfer observed before its
// accepted event walks through pending_release.
func applyPath(current, target domain.Stage) []domain.Stage {
	switch {
	case target == "" || target == current:
		return nil
	case domain.CanTransition(current, target):
		return []domain.Stage{target}
	case current == domain.StageHeldInEscrow && target == domain.StageReleased:
		return []domain.Stage{domain.StagePendingRelease, domain.StageReleased}
	}
	return nil
}

func insertMilestone(ctx context.Context, tx pgx.Tx, m *domain.Milestone) error {
	query := `
		INSERT INTO payment_milestones (
			id, order_id, stage, status, amount_minor, currency, fee_minor,
			percentage, source, actor_id, gateway_ref, error_code, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := tx.Exec(ctx, query,
		m.ID, m.OrderID, m.Stage, m.Status, m.Amount.AmountMinor, m.Amount.Currency, m.FeeMinor,
		m.Percentage, m.Source, nullStr(m.ActorID), nullStr(m.GatewayRef),
		nullStr(m.ErrorCode), nullStr(m.ErrorMsg), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting milestone: %w", err)
	}
	return nil
}

func getMilestone(ctx context.Context, tx pgx.Tx, id string) (*domain.Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM payment_milestones WHERE id = $1`
	return scanMilestone(tx.QueryRow(ctx, query, id))
}

func listMilestonesTx(ctx context.Context, tx pgx.Tx, orderID string) ([]*domain.Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM payment_milestones WHERE order_id = $1 ORDER BY seq`
	rows, err := tx.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing milestones: %w", err)
	}
	defer rows.Close()
	return scanMilestones(rows)
}

func scanOrder(row pgx.Row) (*domain.OrderPayment, error) {
	var o domain.OrderPayment
	var totalMinor int64
	var currency string
	var holdRef, haltReason *string
	err := row.Scan(
		&o.OrderID, &totalMinor, &currency, &o.CurrentStage, &holdRef,
		&o.Disputed, &o.Halted, &haltReason, &o.StageUpdatedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("scanning order: %w", err)
	}
	o.Total = money.New(totalMinor, money.Currency(currency))
	if holdRef != nil {
		o.HoldRef = *holdRef
	}
	if haltReason != nil {
		o.HaltReason = *haltReason
	}
	return &o, nil
}

func scanMilestone(row pgx.Row) (*domain.Milestone, error) {
	var m domain.Milestone
	var amountMinor int64
	var currency string
	var actorID, gatewayRef, errorCode, errorMsg *string
	err := row.Scan(
		&m.ID, &m.OrderID, &m.Stage, &m.Status, &amountMinor, &currency, &m.FeeMinor,
		&m.Percentage, &m.Source, &actorID, &gatewayRef, &errorCode, &errorMsg, &m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning milestone: %w", err)
	}
	m.Amount = money.New(amountMinor, money.Currency(currency))
	if actorID != nil {
		m.ActorID = *actorID
	}
	if gatewayRef != nil {
		m.GatewayRef = *gatewayRef
	}
	if errorCode != nil {
		m.ErrorCode = *errorCode
	}
	if errorMsg != nil {
		m.ErrorMsg = *errorMsg
	}
	return &m, nil
}

func scanMilestones(rows pgx.Rows) ([]*domain.Milestone, error) {
	var records []*domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, m)
	}
	return records, rows.Err()
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
