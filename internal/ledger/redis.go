package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aimarket-labs/aimarket/internal/model"
	backend "github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis for lightweight deployments. Records
// are JSON envelopes carrying the version; conditional writes use WATCH
// transactions, so a concurrent writer aborts the transaction and surfaces
// as ErrConflict.
type RedisStore struct {
	client *backend.Client
	prefix string
}

type envelope struct {
	Version int64           `json:"version"`
	Record  json.RawMessage `json:"record"`
}

func NewRedisStore(client *backend.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "aimarket:"}
}

func (s *RedisStore) key(kind, id string) string {
	return s.prefix + kind + ":" + id
}

func (s *RedisStore) indexKey(kind string) string {
	return s.prefix + kind
}

func marshalEnvelope(version int64, record any) (string, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(envelope{Version: version, Record: raw})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *RedisStore) create(ctx context.Context, key string, record any) error {
	data, err := marshalEnvelope(1, record)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, key string, out any) (int64, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("redis get: %w", err)
	}
	var env envelope
	if err := json.Unmarshal([]byte(val), &env); err != nil {
		return 0, err
	}
	if err := json.Unmarshal(env.Record, out); err != nil {
		return 0, err
	}
	return env.Version, nil
}

func (s *RedisStore) updateIfVersion(ctx context.Context, key string, record any, expectedVersion int64) error {
	err := s.client.Watch(ctx, func(tx *backend.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, backend.Nil) {
				return ErrNotFound
			}
			return err
		}
		var env envelope
		if err := json.Unmarshal([]byte(val), &env); err != nil {
			return err
		}
		if env.Version != expectedVersion {
			return ErrConflict
		}
		data, err := marshalEnvelope(expectedVersion+1, record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, backend.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (s *RedisStore) CreateRequest(ctx context.Context, req model.Request) error {
	if err := s.create(ctx, s.key("request", req.ID), req); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.indexKey("requests"), req.ID).Err()
}

func (s *RedisStore) GetRequest(ctx context.Context, id string) (model.Request, int64, error) {
	var req model.Request
	ver, err := s.get(ctx, s.key("request", id), &req)
	if err != nil {
		return model.Request{}, 0, err
	}
	return req, ver, nil
}

func (s *RedisStore) UpdateRequest(ctx context.Context, req model.Request, expectedVersion int64) error {
	return s.updateIfVersion(ctx, s.key("request", req.ID), req, expectedVersion)
}

func (s *RedisStore) listRequests(ctx context.Context, keep func(model.Request) bool) ([]model.Request, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey("requests")).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	var out []model.Request
	for _, id := range ids {
		var req model.Request
		if _, err := s.get(ctx, s.key("request", id), &req); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if keep(req) {
			out = append(out, req)
		}
	}
	return out, nil
}

func (s *RedisStore) ListOpenRequests(ctx context.Context, now time.Time) ([]model.Request, error) {
	return s.listRequests(ctx, func(r model.Request) bool {
		return r.Status == model.RequestStatusOpen && r.ExpiresAt.After(now)
	})
}

func (s *RedisStore) ListRequestsByStatus(ctx context.Context, status model.RequestStatus) ([]model.Request, error) {
	return s.listRequests(ctx, func(r model.Request) bool {
		return r.Status == status
	})
}

// createBidScript writes the pair guard, the bid record, and the request
// index in one atomic step, so a crash can never leave a guard entry with
// no bid behind it.
var createBidScript = backend.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call("SET", KEYS[2], ARGV[3])
redis.call("SADD", KEYS[3], ARGV[2])
return 1
`)

func (s *RedisStore) CreateBid(ctx context.Context, bid model.Bid) error {
	data, err := marshalEnvelope(1, bid)
	if err != nil {
		return err
	}
	pairField := bid.RequestID + "|" + bid.Bidder
	keys := []string{
		s.indexKey("bidpairs"),
		s.key("bid", bid.ID),
		s.indexKey("bids:" + bid.RequestID),
	}
	created, err := createBidScript.Run(ctx, s.client, keys, pairField, bid.ID, data).Int()
	if err != nil {
		return fmt.Errorf("redis create bid: %w", err)
	}
	if created == 0 {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) GetBid(ctx context.Context, id string) (model.Bid, int64, error) {
	var bid model.Bid
	ver, err := s.get(ctx, s.key("bid", id), &bid)
	if err != nil {
		return model.Bid{}, 0, err
	}
	return bid, ver, nil
}

func (s *RedisStore) UpdateBid(ctx context.Context, bid model.Bid, expectedVersion int64) error {
	return s.updateIfVersion(ctx, s.key("bid", bid.ID), bid, expectedVersion)
}

func (s *RedisStore) ListBidsByRequest(ctx context.Context, requestID string) ([]model.Bid, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey("bids:"+requestID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	var out []model.Bid
	for _, id := range ids {
		var bid model.Bid
		if _, err := s.get(ctx, s.key("bid", id), &bid); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, bid)
	}
	return out, nil
}

func (s *RedisStore) CreateEscrow(ctx context.Context, esc model.Escrow) error {
	return s.create(ctx, s.key("escrow", esc.RequestID), esc)
}

func (s *RedisStore) GetEscrow(ctx context.Context, requestID string) (model.Escrow, int64, error) {
	var esc model.Escrow
	ver, err := s.get(ctx, s.key("escrow", requestID), &esc)
	if err != nil {
		return model.Escrow{}, 0, err
	}
	return esc, ver, nil
}

func (s *RedisStore) UpdateEscrow(ctx context.Context, esc model.Escrow, expectedVersion int64) error {
	return s.updateIfVersion(ctx, s.key("escrow", esc.RequestID), esc, expectedVersion)
}

func (s *RedisStore) GetReputation(ctx context.Context, bidder string) (model.ReputationRecord, int64, error) {
	var rec model.ReputationRecord
	ver, err := s.get(ctx, s.key("reputation", bidder), &rec)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.ReputationRecord{}, 0, nil
		}
		return model.ReputationRecord{}, 0, err
	}
	return rec, ver, nil
}

func (s *RedisStore) PutReputation(ctx context.Context, rec model.ReputationRecord, expectedVersion int64) error {
	key := s.key("reputation", rec.Bidder)
	if expectedVersion == 0 {
		err := s.create(ctx, key, rec)
		if errors.Is(err, ErrExists) {
			return ErrConflict
		}
		return err
	}
	return s.updateIfVersion(ctx, key, rec, expectedVersion)
}

func (s *RedisStore) SaveReconciliation(ctx context.Context, flag model.ReconciliationFlag) error {
	data, err := json.Marshal(flag)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.indexKey("reconciliations"), data).Err()
}

func (s *RedisStore) ListReconciliations(ctx context.Context) ([]model.ReconciliationFlag, error) {
	vals, err := s.client.LRange(ctx, s.indexKey("reconciliations"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	out := make([]model.ReconciliationFlag, 0, len(vals))
	for _, v := range vals {
		var flag model.ReconciliationFlag
		if err := json.Unmarshal([]byte(v), &flag); err != nil {
			return nil, err
		}
		out = append(out, flag)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
