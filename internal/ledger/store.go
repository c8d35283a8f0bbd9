// Package ledger is the durable record store for the marketplace core.
// Every mutation goes through optimistic concurrency control: reads return
// the record's version, conditional writes fail with ErrConflict when the
// stored version moved underneath the caller.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/aimarket-labs/aimarket/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
	ErrConflict = errors.New("version conflict")
)

// Store persists Request, Bid, Escrow, and Reputation records.
//
// Get* returns the current record and its version. Update* applies the
// record only if the stored version equals expectedVersion, otherwise it
// returns ErrConflict. Create* fails with ErrExists on duplicates; CreateBid
// additionally enforces uniqueness of the (request, bidder) pair.
type Store interface {
	CreateRequest(ctx context.Context, req model.Request) error
	GetRequest(ctx context.Context, id string) (model.Request, int64, error)
	UpdateRequest(ctx context.Context, req model.Request, expectedVersion int64) error
	ListOpenRequests(ctx context.Context, now time.Time) ([]model.Request, error)
	ListRequestsByStatus(ctx context.Context, status model.RequestStatus) ([]model.Request, error)

	CreateBid(ctx context.Context, bid model.Bid) error
	GetBid(ctx context.Context, id string) (model.Bid, int64, error)
	UpdateBid(ctx context.Context, bid model.Bid, expectedVersion int64) error
	ListBidsByRequest(ctx context.Context, requestID string) ([]model.Bid, error)

	CreateEscrow(ctx context.Context, esc model.Escrow) error
	GetEscrow(ctx context.Context, requestID string) (model.Escrow, int64, error)
	UpdateEscrow(ctx context.Context, esc model.Escrow, expectedVersion int64) error

	// GetReputation returns (zero record, version 0, nil) for unknown
	// bidders; PutReputation with expectedVersion 0 creates the record.
	GetReputation(ctx context.Context, bidder string) (model.ReputationRecord, int64, error)
	PutReputation(ctx context.Context, rec model.ReputationRecord, expectedVersion int64) error

	SaveReconciliation(ctx context.Context, flag model.ReconciliationFlag) error
	ListReconciliations(ctx context.Context) ([]model.ReconciliationFlag, error)

	Close() error
}
