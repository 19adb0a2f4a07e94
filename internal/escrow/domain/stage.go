// Package domain contains the escrow payment domain model: the payment
// stage machine, the append-only milestone ledger records, and the
// derived totals.
package domain

// Stage represents an order's payment stage.
type Stage string

const (
	StageNone           Stage = "none"
	StageAuthorized     Stage = "authorized"
	StageHeldInEscrow   Stage = "held_in_escrow"
	StagePendingRelease Stage = "pending_release"
	StageReleased       Stage = "released"
	StageRefunded       Stage = "refunded"
	StageFailed         Stage = "failed"
)

// stageTransitions defines the legal payment stage transitions. The key is
// the current stage, the value the set of stages reachable from it.
var stageTransitions = map[Stage][]Stage{
	StageNone:           {StageAuthorized},
	StageAuthorized:     {StageHeldInEscrow, StageFailed},
	StageHeldInEscrow:   {StagePendingRelease, StageRefunded},
	StagePendingRelease: {StageReleased, StageRefunded},
	StageReleased:       {},
	StageRefunded:       {},
	StageFailed:         {},
}

// ReleasePath is the ordered happy path of the payment machine, used for
// progress rendering.
var ReleasePath = []Stage{StageAuthorized, StageHeldInEscrow, StagePendingRelease, StageReleased}

// CanTransition reports whether from -> to is a legal stage transition.
func CanTransition(from, to Stage) bool {
	for _, s := range stageTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when from -> to is not in
// the transition table.
func ValidateTransition(from, to Stage) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to, Err: ErrInvalidTransition}
	}
	return nil
}

// IsTerminal reports whether a stage admits no further transitions.
func (s Stage) IsTerminal() bool {
	return len(stageTransitions[s]) == 0 && s != StageNone
}

// Valid reports whether s is a known payment stage.
func (s Stage) Valid() bool {
	_, ok := stageTransitions[s]
	return ok
}

// StageAnnotation classifies a stage for progress-bar rendering.
type StageAnnotation string

const (
	AnnotationCompleted StageAnnotation = "completed"
	AnnotationCurrent   StageAnnotation = "current"
	AnnotationPending   StageAnnotation = "pending"
	AnnotationCancelled StageAnnotation = "cancelled"
)

// StageStatus is one entry of the annotated stage list exposed to the
// payment-status UI.
type StageStatus struct {
	Stage      Stage           `json:"stage"`
	Annotation StageAnnotation `json:"annotation"`
}

// AnnotateStages returns the ordered release path annotated against the
// current stage. When the payment branched to a terminal side state
// (refunded, failed), the stages never reached are marked cancelled and the
// branch stage is appended as current.
func AnnotateStages(current Stage) []StageStatus {
	branched := current == StageRefunded || current == StageFailed

	reached := len(ReleasePath)
	if !branched {
		reached = 0
		for i, s := range ReleasePath {
			if s == current {
				reached = i
				break
			}
		}
		if current == StageNone {
			reached = -1
		}
	} else {
		// A branch cuts the path at the point it left; without replaying
		// the ledger the pointer alone cannot say how far it got, so the
		// caller should prefer AnnotateStagesFromLedger. Treat all main
		// path stages as cancelled here.
		reached = -1
	}

	out := make([]StageStatus, 0, len(ReleasePath)+1)
	for i, s := range ReleasePath {
		switch {
		case branched:
			out = append(out, StageStatus{Stage: s, Annotation: AnnotationCancelled})
		case i < reached:
			out = append(out, StageStatus{Stage: s, Annotation: AnnotationCompleted})
		case i == reached:
			out = append(out, StageStatus{Stage: s, Annotation: AnnotationCurrent})
		default:
			out = append(out, StageStatus{Stage: s, Annotation: AnnotationPending})
		}
	}
	if branched {
		out = append(out, StageStatus{Stage: current, Annotation: AnnotationCurrent})
	}
	return out
}

// AnnotateStagesFromLedger annotates the release path using the milestone
// history, so a refunded or failed payment still shows the stages it did
// complete before branching.
func AnnotateStagesFromLedger(current Stage, milestones []*Milestone) []StageStatus {
	if current != StageRefunded && current != StageFailed {
		return AnnotateStages(current)
	}

	completed := make(map[Stage]bool)
	for _, m := range milestones {
		if m.Status.MovesMoney() {
			completed[m.Stage] = true
		}
	}

	out := make([]StageStatus, 0, len(ReleasePath)+1)
	for _, s := range ReleasePath {
		if completed[s] {
			out = append(out, StageStatus{Stage: s, Annotation: AnnotationCompleted})
		} else {
			out = append(out, StageStatus{Stage: s, Annotation: AnnotationCancelled})
		}
	}
	return append(out, StageStatus{Stage: current, Annotation: AnnotationCurrent})
}

// DeliveryStage is the order-management collaborator's delivery machine.
// It is separate from the payment machine; the release workflow only reads
// it.
type DeliveryStage string

const (
	DeliveryCreated               DeliveryStage = "created"
	DeliveryRequirementsSubmitted DeliveryStage = "requirements_submitted"
	DeliveryInProgress            DeliveryStage = "in_progress"
	DeliveryCompleted             DeliveryStage = "completed"
	DeliveryDelivered             DeliveryStage = "delivered"
)

// BuyerMayRelease reports whether the delivery machine permits a
// buyer-initiated release.
func (d DeliveryStage) BuyerMayRelease() bool {
	return d == DeliveryDelivered || d == DeliveryCompleted
}
