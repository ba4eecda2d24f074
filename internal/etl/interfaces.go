package etl

import (
	"context"
	"time"

	"github.com/BartekS5/totesys-etl/pkg/models"
)

// SourceQuerier reads changed rows of one table. For incremental tables the
// rows are those with after < timestamp <= upTo; after == nil means no lower
// bound. Non-incremental tables return every row.
type SourceQuerier interface {
	QueryChanged(ctx context.Context, table models.SourceTable, after *time.Time, upTo time.Time) (columns []string, rows [][]string, err error)
}

// ExtractStage pulls the window (checkpoint, capture] into the raw area.
type ExtractStage interface {
	Extract(ctx context.Context, runID string, checkpoint *time.Time, capture time.Time) (*models.Manifest, error)
}

// TransformStage turns a run's raw batches into star-schema outputs.
type TransformStage interface {
	Transform(ctx context.Context, runID string) (*TransformReport, error)
}

// LoadStage verifies and publishes a run's processed outputs. LastReady
// returns the newest run marked ready, or nil.
type LoadStage interface {
	Load(ctx context.Context, runID string) (*LoadReceipt, error)
	LastReady(ctx context.Context) (*LoadReceipt, error)
}

// Publisher receives verified processed tables. Publish must be idempotent
// for a given run.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, runID string, tables *Tables) error
}
