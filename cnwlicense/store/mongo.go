package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoOption configures a MongoStore.
type MongoOption func(*MongoStore)

// WithCollectionPrefix sets the prefix of every collection name. Default: "cnw_".
func WithCollectionPrefix(prefix string) MongoOption {
	return func(s *MongoStore) {
		s.prefix = prefix
	}
}

// MongoStore implements Store using MongoDB. Units of work run in
// multi-document transactions, so the deployment must be a replica set or
// a sharded cluster.
type MongoStore struct {
	client      *mongo.Client
	licenses    *mongo.Collection
	activations *mongo.Collection
	prefix      string
}

type mongoLicense struct {
	Key            string           `bson:"_id"`
	Tier           string           `bson:"tier"`
	ProductID      string           `bson:"product_id"`
	IssuedTo       string           `bson:"issued_to"`
	IssuedAt       time.Time        `bson:"issued_at"`
	ExpiresAt      time.Time        `bson:"expires_at"`
	Status         string           `bson:"status"`
	RevokedAt      *time.Time       `bson:"revoked_at,omitempty"`
	Limits         map[string]int64 `bson:"limits"`
	Features       []string         `bson:"features,omitempty"`
	MaxActivations *int             `bson:"max_activations,omitempty"`
	Usage          map[string]int64 `bson:"usage"`
	TxnSeq         int64            `bson:"txn_seq"`
}

type mongoActivation struct {
	Key         string    `bson:"license_key"`
	InstanceID  string    `bson:"instance_id"`
	ActivatedAt time.Time `bson:"activated_at"`
}

func toMongoLicense(lic License) mongoLicense {
	doc := mongoLicense{
		Key:            lic.Key,
		Tier:           lic.Tier,
		ProductID:      lic.ProductID,
		IssuedTo:       lic.IssuedTo,
		IssuedAt:       lic.IssuedAt,
		ExpiresAt:      lic.ExpiresAt,
		Status:         string(lic.Status),
		RevokedAt:      lic.RevokedAt,
		Limits:         lic.Limits.Metrics,
		Features:       lic.Limits.Features,
		MaxActivations: lic.MaxActivations,
		Usage:          lic.Usage,
	}
	if doc.Limits == nil {
		doc.Limits = map[string]int64{}
	}
	if doc.Usage == nil {
		doc.Usage = map[string]int64{}
	}
	return doc
}

func (d mongoLicense) license() *License {
	lic := &License{
		Key:            d.Key,
		Tier:           d.Tier,
		ProductID:      d.ProductID,
		IssuedTo:       d.IssuedTo,
		IssuedAt:       d.IssuedAt.UTC(),
		ExpiresAt:      d.ExpiresAt.UTC(),
		Status:         Status(d.Status),
		Limits:         Limits{Metrics: d.Limits, Features: d.Features},
		MaxActivations: d.MaxActivations,
		Usage:          d.Usage,
	}
	if d.RevokedAt != nil {
		t := d.RevokedAt.UTC()
		lic.RevokedAt = &t
	}
	if lic.Usage == nil {
		lic.Usage = map[string]int64{}
	}
	return lic
}

// NewMongoStore creates a new MongoDB-backed store.
// It creates the necessary indexes on initialization.
func NewMongoStore(ctx context.Context, db *mongo.Database, opts ...MongoOption) (*MongoStore, error) {
	s := &MongoStore{
		client: db.Client(),
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := checkIdentifier("collection prefix", s.prefix); err != nil {
		return nil, err
	}
	s.licenses = db.Collection(s.prefix + "licenses")
	s.activations = db.Collection(s.prefix + "activations")

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.licenses.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "issued_at", Value: -1}}},
		{Keys: bson.D{{Key: "product_id", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.activations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "license_key", Value: 1},
				{Key: "instance_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "activated_at", Value: -1}}},
	})
	return err
}

func (s *MongoStore) InsertLicense(ctx context.Context, lic License) error {
	_, err := s.licenses.InsertOne(ctx, toMongoLicense(lic))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

func (s *MongoStore) GetLicense(ctx context.Context, key string) (*License, error) {
	var doc mongoLicense
	err := s.licenses.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	return doc.license(), nil
}

func (s *MongoStore) ListLicenses(ctx context.Context, f ListFilter) ([]License, error) {
	filter := bson.M{}
	if f.ProductID != "" {
		filter["product_id"] = f.ProductID
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "issued_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(f.Offset)).
		SetLimit(int64(listLimit(f)))
	cursor, err := s.licenses.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	var docs []mongoLicense
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode licenses: %w", err)
	}
	out := make([]License, 0, len(docs))
	for _, d := range docs {
		out = append(out, *d.license())
	}
	return out, nil
}

func (s *MongoStore) DeleteLicense(ctx context.Context, key string) error {
	return s.transaction(ctx, func(ctx context.Context) error {
		res, err := s.licenses.DeleteOne(ctx, bson.M{"_id": key})
		if err != nil {
			return fmt.Errorf("delete license: %w", err)
		}
		if res.DeletedCount == 0 {
			return ErrNotFound
		}
		if _, err := s.activations.DeleteMany(ctx, bson.M{"license_key": key}); err != nil {
			return fmt.Errorf("delete activations: %w", err)
		}
		return nil
	})
}

func (s *MongoStore) ListActivations(ctx context.Context, key string) ([]Activation, error) {
	return s.findActivations(ctx, bson.M{"license_key": key}, 0)
}

func (s *MongoStore) RecentActivations(ctx context.Context, limit int) ([]Activation, error) {
	return s.findActivations(ctx, bson.M{}, limit)
}

func (s *MongoStore) findActivations(ctx context.Context, filter bson.M, limit int) ([]Activation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "activated_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.activations.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	var docs []mongoActivation
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode activations: %w", err)
	}
	out := make([]Activation, 0, len(docs))
	for _, d := range docs {
		out = append(out, Activation{Key: d.Key, InstanceID: d.InstanceID, ActivatedAt: d.ActivatedAt.UTC()})
	}
	return out, nil
}

func (s *MongoStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	counts := []struct {
		coll   *mongo.Collection
		filter bson.M
		dst    *int
	}{
		{s.licenses, bson.M{}, &st.TotalLicenses},
		{s.licenses, bson.M{"status": string(StatusActive)}, &st.ActiveLicenses},
		{s.licenses, bson.M{"status": string(StatusRevoked)}, &st.RevokedLicenses},
		{s.activations, bson.M{}, &st.TotalActivations},
	}
	for _, c := range counts {
		n, err := c.coll.CountDocuments(ctx, c.filter)
		if err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
		*c.dst = int(n)
	}
	recent, err := s.RecentActivations(ctx, StatsRecentActivations)
	if err != nil {
		return nil, err
	}
	st.RecentActivations = recent
	return st, nil
}

func (s *MongoStore) Atomically(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) error {
	return s.transaction(ctx, func(ctx context.Context) error {
		// Writing to the license document first makes concurrent units of
		// work on the same key conflict, and the driver retries the loser.
		_, err := s.licenses.UpdateOne(ctx, bson.M{"_id": key}, bson.M{"$inc": bson.M{"txn_seq": 1}})
		if err != nil {
			return fmt.Errorf("lock license: %w", err)
		}
		return fn(ctx, &mongoTx{store: s, key: key})
	})
}

func (s *MongoStore) transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

func (s *MongoStore) Close(_ context.Context) error {
	return nil // user manages the mongo.Database lifecycle
}

type mongoTx struct {
	store *MongoStore
	key   string
}

func (t *mongoTx) GetLicense(ctx context.Context, key string) (*License, error) {
	if err := checkScope(t.key, key); err != nil {
		return nil, err
	}
	return t.store.GetLicense(ctx, key)
}

func (t *mongoTx) UpdateStatus(ctx context.Context, key string, status Status, revokedAt *time.Time) error {
	if err := checkScope(t.key, key); err != nil {
		return err
	}
	update := bson.M{"$set": bson.M{"status": string(status)}}
	if revokedAt != nil {
		update["$set"].(bson.M)["revoked_at"] = *revokedAt
	} else {
		update["$unset"] = bson.M{"revoked_at": ""}
	}
	res, err := t.store.licenses.UpdateOne(ctx, bson.M{"_id": key}, update)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *mongoTx) CountActivations(ctx context.Context, key string) (int, error) {
	if err := checkScope(t.key, key); err != nil {
		return 0, err
	}
	n, err := t.store.activations.CountDocuments(ctx, bson.M{"license_key": key})
	if err != nil {
		return 0, fmt.Errorf("count activations: %w", err)
	}
	return int(n), nil
}

func (t *mongoTx) ExistsActivation(ctx context.Context, key, instanceID string) (bool, error) {
	if err := checkScope(t.key, key); err != nil {
		return false, err
	}
	err := t.store.activations.FindOne(ctx, bson.M{"license_key": key, "instance_id": instanceID}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find activation: %w", err)
	}
	return true, nil
}

func (t *mongoTx) InsertActivation(ctx context.Context, a Activation) error {
	if err := checkScope(t.key, a.Key); err != nil {
		return err
	}
	_, err := t.store.activations.InsertOne(ctx, mongoActivation{
		Key:         a.Key,
		InstanceID:  a.InstanceID,
		ActivatedAt: a.ActivatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert activation: %w", err)
	}
	return nil
}

func (t *mongoTx) GetUsage(ctx context.Context, key string) (map[string]int64, error) {
	lic, err := t.GetLicense(ctx, key)
	if err != nil {
		return nil, err
	}
	return lic.Usage, nil
}

func (t *mongoTx) SetUsage(ctx context.Context, key, metric string, value int64) error {
	if err := checkScope(t.key, key); err != nil {
		return err
	}
	res, err := t.store.licenses.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"usage." + metric: value}},
	)
	if err != nil {
		return fmt.Errorf("set usage: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
