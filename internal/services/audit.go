package services

import (
	"context"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/halcyonhq/halcyon-backend/internal/models"
)

// AuditRecorder writes denials and administrative actions to the audit_log
// collection. A failed write is logged and swallowed; the audit trail never
// blocks the control path it observes.
type AuditRecorder struct {
	col *mongo.Collection
}

func NewAuditRecorder(db *mongo.Database) *AuditRecorder {
	return &AuditRecorder{col: db.Collection("audit_log")}
}

// EnsureIndexes configures the audit_log indexes.
func (r *AuditRecorder) EnsureIndexes(ctx context.Context) error {
	_, err := r.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "created_at", Value: -1}},
		Options: options.Index().SetName("idx_created_at"),
	})
	return err
}

// Record appends one audit entry.
func (r *AuditRecorder) Record(ctx context.Context, action, actor, target, reason, ip string) {
	entry := models.AuditEntry{
		Action:    action,
		Actor:     actor,
		Target:    target,
		Reason:    reason,
		IPAddress: ip,
		CreatedAt: time.Now().UTC(),
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := r.col.InsertOne(writeCtx, entry); err != nil {
		log.Printf("failed to record audit entry %q: %v", action, err)
	}
}

// List returns the most recent audit entries, newest first.
func (r *AuditRecorder) List(ctx context.Context, limit int64) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	cur, err := r.col.Find(ctx, bson.M{}, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(limit))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var entries []models.AuditEntry
	for cur.Next(ctx) {
		var e models.AuditEntry
		if err := cur.Decode(&e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, cur.Err()
}
