package persistence

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/procflow/pkg/api"
)

// MongoEventStore keeps process history in a MongoDB collection, one
// document per event.
type MongoEventStore struct {
	coll    *mongo.Collection
	now     api.Clock
	timeout time.Duration
}

var _ EventStore = (*MongoEventStore)(nil)

// NewMongoEventStore creates a Mongo-backed history store.
// dbName defaults to "procflow" if empty, collName defaults to "process_events".
func NewMongoEventStore(client *mongo.Client, dbName, collName string) *MongoEventStore {
	if dbName == "" {
		dbName = "procflow"
	}
	if collName == "" {
		collName = "process_events"
	}
	return &MongoEventStore{
		coll:    client.Database(dbName).Collection(collName),
		timeout: 5 * time.Second,
	}
}

// WithClock sets the clock used to stamp events that carry no time.
func (s *MongoEventStore) WithClock(c api.Clock) *MongoEventStore {
	s.now = c
	return s
}

// EnsureIndexes creates the (process_id, seq) index used by ListEvents.
func (s *MongoEventStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "process_id", Value: 1}, {Key: "seq", Value: 1}},
	})
	return err
}

type mongoEventDoc struct {
	api.HistoryEvent `bson:",inline"`
	// Seq orders events with identical timestamps.
	Seq int64 `bson:"seq"`
}

func (s *MongoEventStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if ev.At.IsZero() {
		ev.At = s.now.Now()
	}
	doc := mongoEventDoc{HistoryEvent: ev, Seq: time.Now().UnixNano()}
	_, err := s.coll.InsertOne(ctx, doc)
	return err
}

func (s *MongoEventStore) ListEvents(ctx context.Context, processID string) ([]api.HistoryEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cur, err := s.coll.Find(ctx, bson.M{"process_id": processID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.HistoryEvent
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ev := doc.HistoryEvent
		ev.At = ev.At.UTC()
		out = append(out, ev)
	}
	return out, cur.Err()
}
