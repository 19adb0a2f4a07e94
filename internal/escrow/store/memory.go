package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketpay/internal/common/database"
	"marketpay/internal/escrow/domain"
)

// Memory is a mutex-guarded in-memory escrow store with the same
// semantics as the Postgres store. It backs tests and local development.
type Memory struct {
	mu      sync.Mutex
	orders  map[string]*domain.OrderPayment
	records []*domain.Milestone
	byID    map[string]*domain.Milestone
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		orders: make(map[string]*domain.OrderPayment),
		byID:   make(map[string]*domain.Milestone),
	}
}

func (s *Memory) CreateOrder(_ context.Context, o *domain.OrderPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.OrderID]; ok {
		return fmt.Errorf("order %s: %w", o.OrderID, database.ErrAlreadyExists)
	}
	cp := *o
	s.orders[o.OrderID] = &cp
	return nil
}

func (s *Memory) GetOrder(_ context.Context, orderID string) (*domain.OrderPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Memory) SetDisputed(_ context.Context, orderID string, disputed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o.Disputed = disputed
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) HaltOrder(_ context.Context, orderID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o.Halted = true
	o.HaltReason = reason
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) ClaimTransition(_ context.Context, orderID string, from domain.Stage, rec *domain.Milestone) (*domain.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if existing, ok := s.byID[rec.ID]; ok {
		cp := *existing
		return &cp, nil
	}
	if o.Halted {
		return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrOrderHalted)
	}
	if o.CurrentStage != from {
		return nil, fmt.Errorf("expected stage %s, order is at %s: %w",
			from, o.CurrentStage, domain.ErrStaleStage)
	}
	if s.hasUnresolvedRequest(orderID) {
		return nil, fmt.Errorf("transition already in flight for order %s: %w", orderID, domain.ErrStaleStage)
	}
	s.append(rec)
	cp := *rec
	return &cp, nil
}

func (s *Memory) BindGatewayRef(_ context.Context, milestoneID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[milestoneID]
	if !ok {
		return database.ErrNotFound
	}
	if m.GatewayRef != "" {
		if m.GatewayRef != ref {
			return fmt.Errorf("milestone %s already bound to a different reference", milestoneID)
		}
		return nil
	}
	m.GatewayRef = ref
	return nil
}

func (s *Memory) GetRequestedByRef(_ context.Context, ref string) (*domain.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		m := s.records[i]
		if m.Status == domain.StatusRequested && m.GatewayRef == ref {
			cp := *m
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *Memory) Resolve(_ context.Context, res Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := res.Record
	o, ok := s.orders[rec.OrderID]
	if !ok {
		return domain.ErrOrderNotFound
	}

	for _, m := range s.records {
		if m.Status == domain.StatusRequested || m.GatewayRef != rec.GatewayRef {
			continue
		}
		if m.ID == rec.ID || m.Status == rec.Status {
			return fmt.Errorf("reference %s outcome %s: %w",
				rec.GatewayRef, rec.Status, domain.ErrDuplicateWebhook)
		}
	}

	path := applyPath(o.CurrentStage, res.TargetStage)
	if res.TargetStage != "" && res.TargetStage != o.CurrentStage && path == nil {
		return fmt.Errorf("reference %s target %s from %s: %w",
			rec.GatewayRef, res.TargetStage, o.CurrentStage, domain.ErrDuplicateWebhook)
	}

	if rec.Status.MovesMoney() {
		ledger := make([]*domain.Milestone, 0, len(s.records)+1)
		for _, m := range s.records {
			if m.OrderID == rec.OrderID {
				ledger = append(ledger, m)
			}
		}
		ledger = append(ledger, rec)
		if err := domain.CheckLedger(ledger, o.Total); err != nil {
			return err
		}
	}

	stage := o.CurrentStage
	for _, hop := range path {
		if err := domain.ValidateTransition(stage, hop); err != nil {
			return err
		}
		stage = hop
	}

	s.append(rec)
	now := time.Now().UTC()
	o.CurrentStage = stage
	if res.HoldRef != "" {
		o.HoldRef = res.HoldRef
	}
	o.StageUpdatedAt = now
	o.UpdatedAt = now
	return nil
}

func (s *Memory) ListMilestones(_ context.Context, orderID string) ([]*domain.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Milestone
	for _, m := range s.records {
		if m.OrderID == orderID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Memory) ListHeldOrders(_ context.Context, limit int) ([]*domain.OrderPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.OrderPayment
	for _, o := range s.orders {
		if o.CurrentStage == domain.StageHeldInEscrow && !o.Disputed && !o.Halted {
			cp := *o
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Memory) append(rec *domain.Milestone) {
	cp := *rec
	s.records = append(s.records, &cp)
	s.byID[cp.ID] = &cp
}

// hasUnresolvedRequest reports whether any requested record for the order
// lacks a later resolution carrying the same gateway reference.
func (s *Memory) hasUnresolvedRequest(orderID string) bool {
	for i, r := range s.records {
		if r.OrderID != orderID || r.Status != domain.StatusRequested {
			continue
		}
		resolved := false
		for _, m := range s.records[i+1:] {
			if m.OrderID == orderID && m.Status != domain.StatusRequested &&
				m.GatewayRef != "" && m.GatewayRef == r.GatewayRef {
				resolved = true
				break
			}
		}
		if !resolved {
			return true
		}
	}
	return false
}
