// Package history reads the stored messages of a conversation so a
// reconnecting client can catch up on what it missed while offline.
package history

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Tyrowin/gochat-live/internal/protocol"
)

// DefaultLimit caps a history read when the caller gives no limit.
const DefaultLimit = 100

// ErrInvalidChatID reports a chat id that is not a valid object id.
var ErrInvalidChatID = errors.New("invalid chat id")

// Store returns the stored messages of a conversation, oldest first.
type Store interface {
	History(ctx context.Context, chatID string, limit int) ([]protocol.Envelope, error)
}

// Config describes the Mongo connection.
type Config struct {
	URI        string
	Database   string
	Collection string
}

// Connect opens a client and pings the primary.
func Connect(ctx context.Context, c Config) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.URI))
	if err != nil {
		return nil, errors.Wrap(err, "history: connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "history: ping mongo")
	}
	return client, nil
}

// messageDoc is the stored message as written by the chat API.
type messageDoc struct {
	ID        primitive.ObjectID `bson:"_id"`
	Sender    primitive.ObjectID `bson:"sender"`
	Content   string             `bson:"content"`
	Chat      primitive.ObjectID `bson:"chat"`
	CreatedAt time.Time          `bson:"createdAt"`
}

func (d messageDoc) envelope() protocol.Envelope {
	return protocol.Envelope{
		ID:        d.ID.Hex(),
		Content:   d.Content,
		Sender:    d.Sender.Hex(),
		ChatID:    d.Chat.Hex(),
		CreatedAt: d.CreatedAt,
	}
}

// MongoStore reads messages from a collection.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore returns a store over coll.
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

// History returns up to limit of the most recent messages in chatID, in
// creation order.
func (s *MongoStore) History(ctx context.Context, chatID string, limit int) ([]protocol.Envelope, error) {
	chat, err := primitive.ObjectIDFromHex(chatID)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidChatID, "%q", chatID)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.coll.Find(ctx, bson.M{"chat": chat}, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "history: find messages of %s", chatID)
	}
	defer cur.Close(ctx)

	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrapf(err, "history: decode messages of %s", chatID)
	}

	out := make([]protocol.Envelope, len(docs))
	for i, d := range docs {
		out[len(docs)-1-i] = d.envelope()
	}
	return out, nil
}
