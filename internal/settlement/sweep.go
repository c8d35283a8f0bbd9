package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/aimarket-labs/aimarket/internal/model"
	"github.com/shopspring/decimal"
)

// RequestCanceller refunds a request's escrow and retires its bids. The
// auction engine implements it; the sweep reuses it so timeout refunds take
// the same path as an explicit cancel.
type RequestCanceller interface {
	Cancel(ctx context.Context, requestID, reason string) (decimal.Decimal, error)
}

// Timeouts bound how long each pre-settlement stage may sit idle before the
// sweep acts on it. The bidding window is per-request (expires_at), so it
// has no entry here.
type Timeouts struct {
	Assign time.Duration // winner selected, no result submitted
	Review time.Duration // result submitted, requester silent
}

func DefaultTimeouts() Timeouts {
	return Timeouts{Assign: 10 * time.Minute, Review: time.Hour}
}

// SweepReport lists the request ids each timeout pass acted on.
type SweepReport struct {
	Expired        []string `json:"expired"`
	AssignTimeouts []string `json:"assign_timeouts"`
	AutoApproved   []string `json:"auto_approved"`
}

// SweepTimeouts walks non-terminal requests and applies the timeout policy:
// open requests past their bidding window are refunded, assigned requests
// with no result inside the assign window are refunded, and submitted
// results the requester has ignored past the review window are approved as
// accepted. Individual failures are logged and skipped so one stuck record
// cannot stall the sweep. Callers run this from a scheduler; the core keeps
// no timer of its own.
func (c *Coordinator) SweepTimeouts(ctx context.Context, canceller RequestCanceller, timeouts Timeouts) (SweepReport, error) {
	now := c.now().UTC()
	report := SweepReport{
		Expired:        []string{},
		AssignTimeouts: []string{},
		AutoApproved:   []string{},
	}

	open, err := c.store.ListRequestsByStatus(ctx, model.RequestStatusOpen)
	if err != nil {
		return report, err
	}
	for _, req := range open {
		if req.ExpiresAt.After(now) {
			continue
		}
		if _, err := canceller.Cancel(ctx, req.ID, "bidding window expired"); err != nil {
			slog.WarnContext(ctx, "sweep_expire_failed", "request_id", req.ID, "error", err)
			continue
		}
		report.Expired = append(report.Expired, req.ID)
	}

	assigned, err := c.store.ListRequestsByStatus(ctx, model.RequestStatusAssigned)
	if err != nil {
		return report, err
	}
	for _, req := range assigned {
		esc, _, err := c.store.GetEscrow(ctx, req.ID)
		if err != nil {
			slog.WarnContext(ctx, "sweep_escrow_load_failed", "request_id", req.ID, "error", err)
			continue
		}
		if esc.State != model.EscrowAssigned || esc.AssignedAt == nil {
			continue
		}
		if now.Sub(*esc.AssignedAt) < timeouts.Assign {
			continue
		}
		if _, err := canceller.Cancel(ctx, req.ID, "no result before assignment deadline"); err != nil {
			slog.WarnContext(ctx, "sweep_assign_timeout_failed", "request_id", req.ID, "error", err)
			continue
		}
		report.AssignTimeouts = append(report.AssignTimeouts, req.ID)
	}

	completed, err := c.store.ListRequestsByStatus(ctx, model.RequestStatusCompleted)
	if err != nil {
		return report, err
	}
	for _, req := range completed {
		esc, _, err := c.store.GetEscrow(ctx, req.ID)
		if err != nil {
			slog.WarnContext(ctx, "sweep_escrow_load_failed", "request_id", req.ID, "error", err)
			continue
		}
		if esc.State != model.EscrowSubmitted || esc.SubmittedAt == nil {
			continue
		}
		if now.Sub(*esc.SubmittedAt) < timeouts.Review {
			continue
		}
		if _, err := c.approve(ctx, req.ID, 1.0); err != nil {
			slog.WarnContext(ctx, "sweep_auto_approve_failed", "request_id", req.ID, "error", err)
			continue
		}
		report.AutoApproved = append(report.AutoApproved, req.ID)
	}

	slog.InfoContext(ctx, "timeout_sweep_completed",
		"expired", len(report.Expired),
		"assign_timeouts", len(report.AssignTimeouts),
		"auto_approved", len(report.AutoApproved),
	)
	return report, nil
}
