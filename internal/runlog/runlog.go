// Package runlog keeps a history of pipeline runs and their transitions.
package runlog

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/BartekS5/totesys-etl/pkg/models"
)

// Recorder persists the current state of a run. It is called on every
// transition, so implementations must upsert.
type Recorder interface {
	Record(ctx context.Context, run *models.Run) error
}

// NopRecorder discards runs.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, *models.Run) error { return nil }

// MemoryRecorder keeps the latest snapshot of each run.
type MemoryRecorder struct {
	mu   sync.Mutex
	runs map[string]models.Run
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{runs: make(map[string]models.Run)}
}

func (m *MemoryRecorder) Record(ctx context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := *run
	snapshot.Transitions = append([]models.Transition(nil), run.Transitions...)
	m.runs[run.ID] = snapshot
	return nil
}

// Get returns the last recorded snapshot of a run.
func (m *MemoryRecorder) Get(id string) (models.Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	return r, ok
}

// MongoRecorder upserts run documents keyed by run id.
type MongoRecorder struct {
	coll *mongo.Collection
}

func NewMongoRecorder(client *mongo.Client, database string) *MongoRecorder {
	return &MongoRecorder{coll: client.Database(database).Collection("pipeline_runs")}
}

func (m *MongoRecorder) Record(ctx context.Context, run *models.Run) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{"_id": run.ID}
	_, err := m.coll.ReplaceOne(ctx, filter, run, options.Replace().SetUpsert(true))
	return err
}

// Recent returns the latest runs, newest first.
func (m *MongoRecorder) Recent(ctx context.Context, limit int64) ([]models.Run, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}}).SetLimit(limit)
	cur, err := m.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var runs []models.Run
	if err := cur.All(ctx, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}
