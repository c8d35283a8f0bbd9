package escrow

import (
	"fmt"

	"github.com/aimarket-labs/aimarket/internal/model"
)

// Replay reconstructs an escrow from its history log by applying the
// recorded transitions from created onward. A history produced by the state
// machine always replays to the same terminal state and the same
// amount_paid/amount_locked values; an out-of-order log fails with
// ErrInvalidTransition.
func Replay(requestID string, history []model.HistoryEntry) (model.Escrow, error) {
	if len(history) == 0 {
		return model.Escrow{}, fmt.Errorf("empty history for %s", requestID)
	}
	if history[0].Action != "created" {
		return model.Escrow{}, &InvalidTransitionError{Op: "replay:" + history[0].Action, Actual: ""}
	}

	esc := model.Escrow{
		RequestID:    requestID,
		AmountLocked: history[0].Amount,
		AmountPaid:   "0",
		State:        model.EscrowCreated,
		CreatedAt:    history[0].Time,
		History:      []model.HistoryEntry{history[0]},
	}

	for _, entry := range history[1:] {
		if err := apply(&esc, entry); err != nil {
			return model.Escrow{}, err
		}
		esc.History = append(esc.History, entry)
	}
	return esc, nil
}

func apply(esc *model.Escrow, entry model.HistoryEntry) error {
	reject := func(expected ...model.EscrowState) error {
		return &InvalidTransitionError{Op: "replay:" + entry.Action, Expected: expected, Actual: esc.State}
	}
	t := entry.Time

	switch entry.Action {
	case "assigned":
		if esc.State != model.EscrowCreated {
			return reject(model.EscrowCreated)
		}
		esc.State = model.EscrowAssigned
		esc.Bidder = entry.Bidder
		esc.AmountPaid = entry.Price
		esc.AssignedAt = &t
	case "submitted":
		if esc.State != model.EscrowAssigned {
			return reject(model.EscrowAssigned)
		}
		esc.State = model.EscrowSubmitted
		esc.ResultRef = entry.ResultRef
		esc.SubmittedAt = &t
	case "approved":
		if esc.State != model.EscrowSubmitted {
			return reject(model.EscrowSubmitted)
		}
		esc.State = model.EscrowApproved
		esc.ResolvedAt = &t
	case "disputed":
		if esc.State != model.EscrowSubmitted {
			return reject(model.EscrowSubmitted)
		}
		esc.State = model.EscrowDisputed
		esc.DisputeReason = entry.Reason
		esc.Validator = entry.Validator
	case "resolved":
		if esc.State != model.EscrowDisputed {
			return reject(model.EscrowDisputed)
		}
		if entry.Decision == "valid" {
			esc.State = model.EscrowApproved
		} else {
			esc.State = model.EscrowRefunded
		}
		esc.ResolvedAt = &t
	case "refunded":
		if esc.State != model.EscrowCreated && esc.State != model.EscrowAssigned {
			return reject(model.EscrowCreated, model.EscrowAssigned)
		}
		esc.State = model.EscrowRefunded
		esc.AmountPaid = "0"
		esc.ResolvedAt = &t
	default:
		return fmt.Errorf("unknown history action %q", entry.Action)
	}

	return checkInvariant(esc)
}
