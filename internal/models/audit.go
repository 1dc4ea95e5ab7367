package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// AuditEntry records one denial or administrative action for later review.
type AuditEntry struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Action    string             `bson:"action" json:"action"`
	Actor     string             `bson:"actor" json:"actor"`
	Target    string             `bson:"target,omitempty" json:"target,omitempty"`
	Reason    string             `bson:"reason,omitempty" json:"reason,omitempty"`
	IPAddress string             `bson:"ip_address,omitempty" json:"ip_address,omitempty"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
}
