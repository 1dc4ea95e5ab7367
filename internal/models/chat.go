package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	MessageKindText       = "text"
	MessageKindAttachment = "attachment"
)

// ChatMessage is one delivered peer-to-peer message. Messages are persisted
// only after routing succeeds; rejected messages are never stored.
type ChatMessage struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	FromUsername string             `bson:"from_username" json:"from_username"`
	ToUsername   string             `bson:"to_username" json:"to_username"`
	Text         string             `bson:"text" json:"text"`
	Kind         string             `bson:"kind" json:"kind"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
}
