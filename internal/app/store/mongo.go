package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chatgw/internal/app/user"
)

const (
	messagesCollection = "messages"
	usersCollection    = "users"
)

// MongoConfig holds the settings for the MongoDB-backed Gateway.
type MongoConfig struct {
	URI         string
	Database    string
	MaxPoolSize uint64
}

// Mongo is the MongoDB-backed Gateway.
//
// Each user document carries its unread counters as a map keyed by conversation id
// ({unread: {<conversationId>: qty}}), so an increment is one $inc upsert on that key.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

type mongoUser struct {
	ID         string           `bson:"_id"`
	Name       string           `bson:"name"`
	Online     bool             `bson:"online"`
	LastOnline time.Time        `bson:"lastOnline,omitempty"`
	Unread     map[string]int64 `bson:"unread,omitempty"`
}

// NewMongo connects to MongoDB and verifies the connection.
func NewMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Mongo{client: client, db: client.Database(cfg.Database)}, nil
}

// Close disconnects the underlying client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) InsertMessage(ctx context.Context, msg Message) (string, error) {
	_, err := m.db.Collection(messagesCollection).InsertOne(ctx, msg)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return "", fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	return msg.ID, nil
}

func (m *Mongo) IncrementUnread(ctx context.Context, userID, conversationID string) error {
	if err := validFieldKey(conversationID); err != nil {
		return fmt.Errorf("increment unread (%s, %s): %w", userID, conversationID, err)
	}

	_, err := m.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$inc": bson.M{"unread." + conversationID: 1}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("increment unread (%s, %s): %w", userID, conversationID, err)
	}
	return nil
}

func (m *Mongo) SetOnline(ctx context.Context, userID string, online bool, at time.Time) error {
	set := bson.M{"online": online}
	if !online {
		set["lastOnline"] = at
	}

	_, err := m.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": set},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("set online %s=%t: %w", userID, online, err)
	}
	return nil
}

func (m *Mongo) GetUser(ctx context.Context, id string) (user.User, error) {
	var doc mongoUser
	err := m.db.Collection(usersCollection).
		FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(bson.M{"name": 1})).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return user.User{}, fmt.Errorf("get user %s: %w", id, ErrUserNotFound)
	}
	if err != nil {
		return user.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return user.User{ID: doc.ID, Name: doc.Name}, nil
}

func (m *Mongo) Unread(ctx context.Context, userID string) (map[string]int64, error) {
	var doc mongoUser
	err := m.db.Collection(usersCollection).
		FindOne(ctx, bson.M{"_id": userID}, options.FindOne().SetProjection(bson.M{"unread": 1})).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read unread %s: %w", userID, err)
	}
	if doc.Unread == nil {
		doc.Unread = map[string]int64{}
	}
	return doc.Unread, nil
}

// validFieldKey rejects ids that cannot be used as a single document field name.
func validFieldKey(key string) error {
	if key == "" || strings.ContainsAny(key, ".\x00") || strings.HasPrefix(key, "$") {
		return fmt.Errorf("invalid conversation id %q", key)
	}
	return nil
}
