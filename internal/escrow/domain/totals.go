package domain

import (
	"fmt"

	"marketpay/internal/common/money"
)

// Totals are the derived summary figures for an order's payment. They are
// recomputed from the ledger on every read and never persisted.
type Totals struct {
	Authorized     money.Money `json:"authorized"`
	InEscrow       money.Money `json:"in_escrow"`
	PendingRelease money.Money `json:"pending_release"`
	Released       money.Money `json:"released"`
	CurrentStage   Stage       `json:"current_stage"`
}

// position is the running money position while folding the ledger.
// pendingFee tracks the platform fee withheld alongside the pending
// position; a refund or bounce of that position recovers it.
type position struct {
	authorized int64
	escrow     int64
	pending    int64
	pendingFee int64
	released   int64
}

// fold replays the ledger in creation order. Money enters a bucket when a
// record of that stage is applied and leaves it when a later record moves
// it onward. Requested records are attempts and move nothing; a failed
// record only reverses a pending transfer that bounced.
func fold(records []*Milestone) position {
	var p position
	for _, m := range records {
		amt := m.Amount.AmountMinor
		switch m.Status {
		case StatusAuthorized:
			p.authorized += amt
		case StatusHeldInEscrow:
			p.escrow += amt
		case StatusPendingRelease:
			// The platform fee is withheld when the transfer is
			// dispatched, so it leaves escrow together with the
			// seller's share.
			p.escrow -= amt + m.FeeMinor
			p.pending += amt
			p.pendingFee += m.FeeMinor
		case StatusReleased:
			need := amt
			if take := min64(p.pending, need); take > 0 {
				p.pending -= take
				need -= take
			}
			if need > 0 {
				// Settled without an observed pending step; draw
				// straight from escrow, fee included.
				p.escrow -= need + m.FeeMinor
			}
			p.released += amt
		case StatusFailed:
			// A transfer that bounced after acceptance returns the
			// seller's share and the withheld fee to escrow.
			if take := min64(p.pending, amt); take > 0 {
				p.pending -= take
				fee := min64(p.pendingFee, m.FeeMinor)
				p.pendingFee -= fee
				p.escrow += take + fee
			}
		case StatusRefunded:
			// A refund of a live pending position recovers the fee
			// withheld with it; only the remainder draws from escrow.
			need := amt
			if take := min64(p.pending, need); take > 0 {
				p.pending -= take
				need -= take
				if fee := min64(p.pendingFee, need); fee > 0 {
					p.pendingFee -= fee
					need -= fee
				}
			}
			p.escrow -= need
			p.authorized -= amt
		}
	}
	return p
}

// ComputeTotals derives the four summary buckets from the ledger.
func ComputeTotals(records []*Milestone, total money.Money, current Stage) Totals {
	p := fold(records)
	return Totals{
		Authorized:     money.New(p.authorized, total.Currency),
		InEscrow:       money.New(p.escrow, total.Currency),
		PendingRelease: money.New(p.pending, total.Currency),
		Released:       money.New(p.released, total.Currency),
		CurrentStage:   current,
	}
}

// CheckLedger validates the escrow invariant over the ledger: no bucket
// may go negative, and the held, pending and released positions together
// may never exceed the order total. Violations are fatal for the order.
func CheckLedger(records []*Milestone, total money.Money) error {
	p := fold(records)

	if p.escrow < 0 || p.pending < 0 || p.released < 0 {
		return fmt.Errorf("%w: negative bucket (escrow=%d pending=%d released=%d)",
			ErrLedgerInconsistency, p.escrow, p.pending, p.released)
	}
	if sum := p.escrow + p.pending + p.released; sum > total.AmountMinor {
		return fmt.Errorf("%w: position %d exceeds order total %d",
			ErrLedgerInconsistency, sum, total.AmountMinor)
	}
	if p.authorized > total.AmountMinor {
		return fmt.Errorf("%w: authorized %d exceeds order total %d",
			ErrLedgerInconsistency, p.authorized, total.AmountMinor)
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
