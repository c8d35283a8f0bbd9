package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/aimarket-labs/aimarket/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store on MongoDB. Versioning rides on a "version"
// field next to each record; conditional updates filter on {_id, version}
// and $inc the version, which makes every write an atomic compare-and-set.
type MongoStore struct {
	requests    *mongo.Collection
	bids        *mongo.Collection
	escrows     *mongo.Collection
	reputations *mongo.Collection
	recons      *mongo.Collection
	client      *mongo.Client
}

const mongoOpTimeout = 5 * time.Second

func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	db := client.Database(dbName)
	return &MongoStore{
		requests:    db.Collection("requests"),
		bids:        db.Collection("bids"),
		escrows:     db.Collection("escrows"),
		reputations: db.Collection("reputations"),
		recons:      db.Collection("reconciliations"),
		client:      client,
	}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.requests.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
		{Keys: bson.D{{Key: "requester", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return err
	}

	// One bid per (request, bidder) pair, enforced at the store.
	_, err = s.bids.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "request_id", Value: 1}, {Key: "bidder", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "request_id", Value: 1}, {Key: "submitted_at", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = s.recons.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "request_id", Value: 1}},
	})
	return err
}

// toDoc flattens a record into a bson document so the version field can be
// stored alongside it.
func toDoc(v any) (bson.M, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *MongoStore) insert(ctx context.Context, coll *mongo.Collection, record any) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	doc, err := toDoc(record)
	if err != nil {
		return err
	}
	doc["version"] = int64(1)
	_, err = coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrExists
	}
	return err
}

func (s *MongoStore) find(ctx context.Context, coll *mongo.Collection, id string, out any) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	raw, err := coll.FindOne(ctx, bson.M{"_id": id}).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	if err := bson.Unmarshal(raw, out); err != nil {
		return 0, err
	}
	var meta struct {
		Version int64 `bson:"version"`
	}
	if err := bson.Unmarshal(raw, &meta); err != nil {
		return 0, err
	}
	return meta.Version, nil
}

func (s *MongoStore) updateIfVersion(ctx context.Context, coll *mongo.Collection, id string, record any, expectedVersion int64) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	doc, err := toDoc(record)
	if err != nil {
		return err
	}
	delete(doc, "_id")
	delete(doc, "version")

	res, err := coll.UpdateOne(ctx,
		bson.M{"_id": id, "version": expectedVersion},
		bson.M{"$set": doc, "$inc": bson.M{"version": 1}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		n, err := coll.CountDocuments(ctx, bson.M{"_id": id})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *MongoStore) CreateRequest(ctx context.Context, req model.Request) error {
	return s.insert(ctx, s.requests, req)
}

func (s *MongoStore) GetRequest(ctx context.Context, id string) (model.Request, int64, error) {
	var req model.Request
	ver, err := s.find(ctx, s.requests, id, &req)
	if err != nil {
		return model.Request{}, 0, err
	}
	return req, ver, nil
}

func (s *MongoStore) UpdateRequest(ctx context.Context, req model.Request, expectedVersion int64) error {
	return s.updateIfVersion(ctx, s.requests, req.ID, req, expectedVersion)
}

func (s *MongoStore) ListOpenRequests(ctx context.Context, now time.Time) ([]model.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	filter := bson.M{
		"status":     model.RequestStatusOpen,
		"expires_at": bson.M{"$gt": now},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := s.requests.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.Request
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) ListRequestsByStatus(ctx context.Context, status model.RequestStatus) ([]model.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	cur, err := s.requests.Find(ctx, bson.M{"status": status})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.Request
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) CreateBid(ctx context.Context, bid model.Bid) error {
	return s.insert(ctx, s.bids, bid)
}

func (s *MongoStore) GetBid(ctx context.Context, id string) (model.Bid, int64, error) {
	var bid model.Bid
	ver, err := s.find(ctx, s.bids, id, &bid)
	if err != nil {
		return model.Bid{}, 0, err
	}
	return bid, ver, nil
}

func (s *MongoStore) UpdateBid(ctx context.Context, bid model.Bid, expectedVersion int64) error {
	return s.updateIfVersion(ctx, s.bids, bid.ID, bid, expectedVersion)
}

func (s *MongoStore) ListBidsByRequest(ctx context.Context, requestID string) ([]model.Bid, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "submitted_at", Value: 1}})
	cur, err := s.bids.Find(ctx, bson.M{"request_id": requestID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.Bid
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) CreateEscrow(ctx context.Context, esc model.Escrow) error {
	return s.insert(ctx, s.escrows, esc)
}

func (s *MongoStore) GetEscrow(ctx context.Context, requestID string) (model.Escrow, int64, error) {
	var esc model.Escrow
	ver, err := s.find(ctx, s.escrows, requestID, &esc)
	if err != nil {
		return model.Escrow{}, 0, err
	}
	return esc, ver, nil
}

func (s *MongoStore) UpdateEscrow(ctx context.Context, esc model.Escrow, expectedVersion int64) error {
	return s.updateIfVersion(ctx, s.escrows, esc.RequestID, esc, expectedVersion)
}

func (s *MongoStore) GetReputation(ctx context.Context, bidder string) (model.ReputationRecord, int64, error) {
	var rec model.ReputationRecord
	ver, err := s.find(ctx, s.reputations, bidder, &rec)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.ReputationRecord{}, 0, nil
		}
		return model.ReputationRecord{}, 0, err
	}
	return rec, ver, nil
}

func (s *MongoStore) PutReputation(ctx context.Context, rec model.ReputationRecord, expectedVersion int64) error {
	if expectedVersion == 0 {
		err := s.insert(ctx, s.reputations, rec)
		if errors.Is(err, ErrExists) {
			return ErrConflict
		}
		return err
	}
	return s.updateIfVersion(ctx, s.reputations, rec.Bidder, rec, expectedVersion)
}

func (s *MongoStore) SaveReconciliation(ctx context.Context, flag model.ReconciliationFlag) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	_, err := s.recons.InsertOne(ctx, flag)
	return err
}

func (s *MongoStore) ListReconciliations(ctx context.Context) ([]model.ReconciliationFlag, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cur, err := s.recons.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.ReconciliationFlag
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
