package ledger

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/aimarket-labs/aimarket/internal/model"
)

// MemoryStore implements Store using in-memory maps. Used by tests and
// single-process deployments.
type MemoryStore struct {
	mu sync.RWMutex

	requests    map[string]versioned[model.Request]
	bids        map[string]versioned[model.Bid]
	bidPairs    map[string]string // requestID|bidder -> bidID
	escrows     map[string]versioned[model.Escrow]
	reputations map[string]versioned[model.ReputationRecord]
	recons      []model.ReconciliationFlag
}

type versioned[T any] struct {
	record  T
	version int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]versioned[model.Request]),
		bids:        make(map[string]versioned[model.Bid]),
		bidPairs:    make(map[string]string),
		escrows:     make(map[string]versioned[model.Escrow]),
		reputations: make(map[string]versioned[model.ReputationRecord]),
	}
}

func (s *MemoryStore) CreateRequest(ctx context.Context, req model.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return ErrExists
	}
	s.requests[req.ID] = versioned[model.Request]{record: req, version: 1}
	return nil
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (model.Request, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.requests[id]
	if !ok {
		return model.Request{}, 0, ErrNotFound
	}
	return v.record, v.version, nil
}

func (s *MemoryStore) UpdateRequest(ctx context.Context, req model.Request, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.requests[req.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.version != expectedVersion {
		return ErrConflict
	}
	s.requests[req.ID] = versioned[model.Request]{record: req, version: expectedVersion + 1}
	return nil
}

func (s *MemoryStore) ListOpenRequests(ctx context.Context, now time.Time) ([]model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Request
	for _, v := range s.requests {
		if v.record.Status == model.RequestStatusOpen && v.record.ExpiresAt.After(now) {
			out = append(out, v.record)
		}
	}
	slices.SortFunc(out, func(a, b model.Request) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListRequestsByStatus(ctx context.Context, status model.RequestStatus) ([]model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Request
	for _, v := range s.requests {
		if v.record.Status == status {
			out = append(out, v.record)
		}
	}
	slices.SortFunc(out, func(a, b model.Request) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func bidPairKey(requestID, bidder string) string {
	return requestID + "|" + bidder
}

func (s *MemoryStore) CreateBid(ctx context.Context, bid model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bids[bid.ID]; ok {
		return ErrExists
	}
	pair := bidPairKey(bid.RequestID, bid.Bidder)
	if _, ok := s.bidPairs[pair]; ok {
		return ErrExists
	}
	s.bids[bid.ID] = versioned[model.Bid]{record: bid, version: 1}
	s.bidPairs[pair] = bid.ID
	return nil
}

func (s *MemoryStore) GetBid(ctx context.Context, id string) (model.Bid, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.bids[id]
	if !ok {
		return model.Bid{}, 0, ErrNotFound
	}
	return v.record, v.version, nil
}

func (s *MemoryStore) UpdateBid(ctx context.Context, bid model.Bid, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.bids[bid.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.version != expectedVersion {
		return ErrConflict
	}
	s.bids[bid.ID] = versioned[model.Bid]{record: bid, version: expectedVersion + 1}
	return nil
}

func (s *MemoryStore) ListBidsByRequest(ctx context.Context, requestID string) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Bid
	for _, v := range s.bids {
		if v.record.RequestID == requestID {
			out = append(out, v.record)
		}
	}
	slices.SortFunc(out, func(a, b model.Bid) int { return a.SubmittedAt.Compare(b.SubmittedAt) })
	return out, nil
}

func (s *MemoryStore) CreateEscrow(ctx context.Context, esc model.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escrows[esc.RequestID]; ok {
		return ErrExists
	}
	s.escrows[esc.RequestID] = versioned[model.Escrow]{record: cloneEscrow(esc), version: 1}
	return nil
}

func (s *MemoryStore) GetEscrow(ctx context.Context, requestID string) (model.Escrow, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.escrows[requestID]
	if !ok {
		return model.Escrow{}, 0, ErrNotFound
	}
	return cloneEscrow(v.record), v.version, nil
}

func (s *MemoryStore) UpdateEscrow(ctx context.Context, esc model.Escrow, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.escrows[esc.RequestID]
	if !ok {
		return ErrNotFound
	}
	if cur.version != expectedVersion {
		return ErrConflict
	}
	s.escrows[esc.RequestID] = versioned[model.Escrow]{record: cloneEscrow(esc), version: expectedVersion + 1}
	return nil
}

func (s *MemoryStore) GetReputation(ctx context.Context, bidder string) (model.ReputationRecord, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.reputations[bidder]
	if !ok {
		return model.ReputationRecord{}, 0, nil
	}
	return cloneReputation(v.record), v.version, nil
}

func (s *MemoryStore) PutReputation(ctx context.Context, rec model.ReputationRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.reputations[rec.Bidder]
	if !ok {
		if expectedVersion != 0 {
			return ErrConflict
		}
		s.reputations[rec.Bidder] = versioned[model.ReputationRecord]{record: cloneReputation(rec), version: 1}
		return nil
	}
	if cur.version != expectedVersion {
		return ErrConflict
	}
	s.reputations[rec.Bidder] = versioned[model.ReputationRecord]{record: cloneReputation(rec), version: expectedVersion + 1}
	return nil
}

func (s *MemoryStore) SaveReconciliation(ctx context.Context, flag model.ReconciliationFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recons = append(s.recons, flag)
	return nil
}

func (s *MemoryStore) ListReconciliations(ctx context.Context) ([]model.ReconciliationFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.recons), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Escrow and reputation records carry slices and maps; copies keep callers
// from mutating stored state outside the OCC discipline.
func cloneEscrow(esc model.Escrow) model.Escrow {
	out := esc
	out.History = slices.Clone(esc.History)
	return out
}

func cloneReputation(rec model.ReputationRecord) model.ReputationRecord {
	out := rec
	out.JobsByCategory = maps.Clone(rec.JobsByCategory)
	out.History = slices.Clone(rec.History)
	return out
}
