package jobqueue

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/procflow/pkg/api"
)

// MongoStore implements Store on a MongoDB collection. Claims use
// FindOneAndUpdate filtered on status "queued", which MongoDB applies
// atomically per document.
type MongoStore struct {
	coll *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed job store.
// dbName defaults to "procflow", collName to "engine_jobs".
func NewMongoStore(client *mongo.Client, dbName, collName string) *MongoStore {
	if dbName == "" {
		dbName = "procflow"
	}
	if collName == "" {
		collName = "engine_jobs"
	}
	return &MongoStore{coll: client.Database(dbName).Collection(collName)}
}

// EnsureIndexes creates the claim index and the partial unique index that
// backs idempotency keys.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "run_at", Value: 1}}},
		{
			Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$gt": ""}}),
		},
	})
	return err
}

type mongoJobDoc struct {
	ID             string         `bson:"_id"`
	TenantID       string         `bson:"tenant_id"`
	ProcessID      string         `bson:"process_id"`
	TaskID         string         `bson:"task_id,omitempty"`
	Kind           string         `bson:"kind"`
	Status         string         `bson:"status"`
	RunAt          time.Time      `bson:"run_at"`
	Attempts       int            `bson:"attempts"`
	MaxAttempts    int            `bson:"max_attempts"`
	Payload        map[string]any `bson:"payload,omitempty"`
	IdempotencyKey string         `bson:"idempotency_key,omitempty"`
	LastError      string         `bson:"last_error,omitempty"`
	CreatedAt      time.Time      `bson:"created_at"`
	UpdatedAt      time.Time      `bson:"updated_at"`
	StartedAt      *time.Time     `bson:"started_at,omitempty"`
	FinishedAt     *time.Time     `bson:"finished_at,omitempty"`
	DurationNanos  int64          `bson:"duration_ns"`
}

func toMongoJob(j *api.EngineJob) mongoJobDoc {
	return mongoJobDoc{
		ID:             j.ID,
		TenantID:       j.TenantID,
		ProcessID:      j.ProcessID,
		TaskID:         j.TaskID,
		Kind:           string(j.Kind),
		Status:         string(j.Status),
		RunAt:          j.RunAt,
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		Payload:        j.Payload,
		IdempotencyKey: j.IdempotencyKey,
		LastError:      j.LastError,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
		DurationNanos:  int64(j.Duration),
	}
}

func (d mongoJobDoc) job() *api.EngineJob {
	utcPtr := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		u := t.UTC()
		return &u
	}
	return &api.EngineJob{
		ID:             d.ID,
		TenantID:       d.TenantID,
		ProcessID:      d.ProcessID,
		TaskID:         d.TaskID,
		Kind:           api.JobKind(d.Kind),
		Status:         api.JobStatus(d.Status),
		RunAt:          d.RunAt.UTC(),
		Attempts:       d.Attempts,
		MaxAttempts:    d.MaxAttempts,
		Payload:        normalizeBSON(d.Payload),
		IdempotencyKey: d.IdempotencyKey,
		LastError:      d.LastError,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
		StartedAt:      utcPtr(d.StartedAt),
		FinishedAt:     utcPtr(d.FinishedAt),
		Duration:       time.Duration(d.DurationNanos),
	}
}

// normalizeBSON turns decoded bson.D/bson.A values back into plain maps and
// slices so payloads look the same regardless of store.
func normalizeBSON(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeBSONValue(v)
	}
	return out
}

func normalizeBSONValue(v any) any {
	switch x := v.(type) {
	case bson.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = normalizeBSONValue(e.Value)
		}
		return m
	case bson.M:
		return normalizeBSON(x)
	case map[string]any:
		return normalizeBSON(x)
	case bson.A:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeBSONValue(e)
		}
		return out
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case int:
		return float64(x)
	default:
		return v
	}
}

func (s *MongoStore) EnqueueJob(ctx context.Context, job *api.EngineJob) error {
	_, err := s.coll.InsertOne(ctx, toMongoJob(job))
	if mongo.IsDuplicateKeyError(err) {
		return api.ErrDuplicateJob
	}
	return err
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*api.EngineJob, error) {
	var doc mongoJobDoc
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.job(), nil
}

func (s *MongoStore) GetJob(ctx context.Context, id string) (*api.EngineJob, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoStore) GetJobByIdempotencyKey(ctx context.Context, tenantID, key string) (*api.EngineJob, error) {
	return s.findOne(ctx, bson.M{"tenant_id": tenantID, "idempotency_key": key})
}

func (s *MongoStore) UpdateJob(ctx context.Context, job *api.EngineJob) error {
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": job.ID}, toMongoJob(job))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]*api.EngineJob, error) {
	cur, err := s.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.EngineJob
	for cur.Next(ctx) {
		var doc mongoJobDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.job())
	}
	return out, cur.Err()
}

func (s *MongoStore) ListJobs(ctx context.Context, filter JobFilter) ([]*api.EngineJob, error) {
	q := bson.M{}
	if filter.TenantID != "" {
		q["tenant_id"] = filter.TenantID
	}
	if filter.ProcessID != "" {
		q["process_id"] = filter.ProcessID
	}
	if filter.TaskID != "" {
		q["task_id"] = filter.TaskID
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		q["status"] = bson.M{"$in": statuses}
	}
	return s.find(ctx, q, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
}

func (s *MongoStore) ClaimReady(ctx context.Context, now time.Time, limit int) ([]*api.EngineJob, error) {
	var out []*api.EngineJob
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "run_at", Value: 1}, {Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)

	for limit <= 0 || len(out) < limit {
		var doc mongoJobDoc
		err := s.coll.FindOneAndUpdate(ctx,
			bson.M{"status": string(api.JobQueued), "run_at": bson.M{"$lte": now}},
			bson.M{"$set": bson.M{"status": string(api.JobRunning), "started_at": now, "updated_at": now}},
			opts,
		).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, doc.job())
	}
	return out, nil
}

func (s *MongoStore) RequeueStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"status": string(api.JobRunning), "started_at": bson.M{"$lt": cutoff}},
		bson.M{"$set": bson.M{"status": string(api.JobQueued), "run_at": now, "updated_at": now}},
	)
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

func (s *MongoStore) PurgeDone(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"status": string(api.JobDone), "finished_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (s *MongoStore) Stats(ctx context.Context, tenantID string) (api.QueueStats, error) {
	match := bson.M{}
	if tenantID != "" {
		match["tenant_id"] = tenantID
	}
	cur, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$status",
			"count": bson.M{"$sum": 1},
			"dur":   bson.M{"$sum": "$duration_ns"},
		}}},
	})
	if err != nil {
		return api.QueueStats{}, err
	}
	defer cur.Close(ctx)

	var stats api.QueueStats
	for cur.Next(ctx) {
		var row struct {
			Status string `bson:"_id"`
			Count  int64  `bson:"count"`
			Dur    int64  `bson:"dur"`
		}
		if err := cur.Decode(&row); err != nil {
			return api.QueueStats{}, err
		}
		switch api.JobStatus(row.Status) {
		case api.JobQueued:
			stats.Queued = row.Count
		case api.JobRunning:
			stats.Running = row.Count
		case api.JobDone:
			stats.Done = row.Count
			if row.Count > 0 {
				stats.AvgExecution = time.Duration(row.Dur / row.Count)
			}
		case api.JobDead:
			stats.Dead = row.Count
		}
	}
	return stats, cur.Err()
}
