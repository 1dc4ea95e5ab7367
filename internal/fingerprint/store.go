package fingerprint

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// IdentityRecord binds one username to its latest known device evidence.
// Exactly one record exists per username; an accepted similar-device login
// overwrites Digest/Features in place (no history is retained).
type IdentityRecord struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	Username       string             `bson:"username" json:"username"`
	Digest         string             `bson:"digest" json:"digest"`
	Features       FeatureBundle      `bson:"features" json:"-"`
	RegistrationIP string             `bson:"registration_ip" json:"registration_ip"`
	CreatedAt      time.Time          `bson:"created_at" json:"created_at"`
	LastUsed       time.Time          `bson:"last_used" json:"last_used"`
	LastIP         string             `bson:"last_ip" json:"last_ip"`
}

// RecordPatch carries the mutable fields updated on login.
type RecordPatch struct {
	Digest   string
	Features FeatureBundle
	LastUsed time.Time
	LastIP   string
}

// RecordStore is the persistence boundary for identity records. Find methods
// return (nil, nil) when no record matches.
type RecordStore interface {
	FindByUsername(ctx context.Context, username string) (*IdentityRecord, error)
	FindByDigest(ctx context.Context, digest string) (*IdentityRecord, error)
	FindByIP(ctx context.Context, ip string) (*IdentityRecord, error)
	All(ctx context.Context) ([]IdentityRecord, error)
	Insert(ctx context.Context, rec *IdentityRecord) error
	Update(ctx context.Context, username string, patch RecordPatch) error
	Delete(ctx context.Context, username string) error
}

// MongoRecordStore stores identity records in a MongoDB collection.
type MongoRecordStore struct {
	col *mongo.Collection
}

func NewMongoRecordStore(db *mongo.Database) *MongoRecordStore {
	return &MongoRecordStore{col: db.Collection("identity_records")}
}

// EnsureIndexes configures the identity_records indexes. Called on startup
// after Mongo has connected.
func (s *MongoRecordStore) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "username", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_username_unique"),
		},
		{
			Keys:    bson.D{{Key: "digest", Value: 1}},
			Options: options.Index().SetName("idx_digest"),
		},
		{
			Keys:    bson.D{{Key: "registration_ip", Value: 1}},
			Options: options.Index().SetName("idx_registration_ip"),
		},
	}
	for _, m := range models {
		if _, err := s.col.Indexes().CreateOne(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoRecordStore) findOne(ctx context.Context, filter bson.M) (*IdentityRecord, error) {
	var rec IdentityRecord
	err := s.col.FindOne(ctx, filter).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *MongoRecordStore) FindByUsername(ctx context.Context, username string) (*IdentityRecord, error) {
	return s.findOne(ctx, bson.M{"username": username})
}

func (s *MongoRecordStore) FindByDigest(ctx context.Context, digest string) (*IdentityRecord, error) {
	return s.findOne(ctx, bson.M{"digest": digest})
}

func (s *MongoRecordStore) FindByIP(ctx context.Context, ip string) (*IdentityRecord, error) {
	return s.findOne(ctx, bson.M{"registration_ip": ip})
}

func (s *MongoRecordStore) All(ctx context.Context) ([]IdentityRecord, error) {
	cur, err := s.col.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var recs []IdentityRecord
	for cur.Next(ctx) {
		var rec IdentityRecord
		if err := cur.Decode(&rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, cur.Err()
}

func (s *MongoRecordStore) Insert(ctx context.Context, rec *IdentityRecord) error {
	res, err := s.col.InsertOne(ctx, rec)
	if err != nil {
		return err
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		rec.ID = oid
	}
	return nil
}

func (s *MongoRecordStore) Update(ctx context.Context, username string, patch RecordPatch) error {
	_, err := s.col.UpdateOne(ctx,
		bson.M{"username": username},
		bson.M{"$set": bson.M{
			"digest":    patch.Digest,
			"features":  patch.Features,
			"last_used": patch.LastUsed,
			"last_ip":   patch.LastIP,
		}},
	)
	return err
}

func (s *MongoRecordStore) Delete(ctx context.Context, username string) error {
	_, err := s.col.DeleteOne(ctx, bson.M{"username": username})
	return err
}
