package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BartekS5/totesys-etl/internal/metrics"
	"github.com/BartekS5/totesys-etl/internal/storage"
	"github.com/BartekS5/totesys-etl/pkg/logger"
	"github.com/BartekS5/totesys-etl/pkg/models"
)

// Extractor copies changed source rows into the raw area, one CSV per table,
// then writes the run manifest. A run without a manifest is invisible to the
// transformer, so a partial extraction never becomes input.
type Extractor struct {
	Source      SourceQuerier
	Store       storage.ObjectStore
	Bucket      string
	Tables      []models.SourceTable
	Parallelism int
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

func (e *Extractor) Extract(ctx context.Context, runID string, checkpoint *time.Time, capture time.Time) (*models.Manifest, error) {
	if len(e.Tables) == 0 {
		return nil, Configurationf("no source tables configured")
	}
	if checkpoint != nil && capture.Before(*checkpoint) {
		return nil, Contractf("capture time %s precedes checkpoint %s", capture.Format(time.RFC3339Nano), checkpoint.Format(time.RFC3339Nano))
	}
	log := logger.With(zap.String("run_id", runID))

	entries := make([]models.ManifestEntry, len(e.Tables))
	g, gctx := errgroup.WithContext(ctx)
	if e.Parallelism > 0 {
		g.SetLimit(e.Parallelism)
	}
	for i, table := range e.Tables {
		i, table := i, table
		g.Go(func() error {
			entry, err := e.extractTable(gctx, runID, table, checkpoint, capture)
			if err != nil {
				return fmt.Errorf("extract %s: %w", table.Name, err)
			}
			entries[i] = entry
			log.Debug("table extracted", zap.String("table", table.Name), zap.Int("rows", entry.Rows))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	manifest := &models.Manifest{
		RunID:       runID,
		WindowStart: checkpoint,
		WindowEnd:   capture.UTC(),
		CreatedAt:   now().UTC(),
		Tables:      entries,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := e.Store.Put(ctx, e.Bucket, ManifestKey(runID), data); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	total := 0
	for _, en := range entries {
		total += en.Rows
		e.Metrics.Extracted(en.Table, en.Rows)
	}
	log.Info("extraction complete", zap.Int("tables", len(entries)), zap.Int("rows", total))
	return manifest, nil
}

func (e *Extractor) extractTable(ctx context.Context, runID string, table models.SourceTable, checkpoint *time.Time, capture time.Time) (models.ManifestEntry, error) {
	cols, rows, err := e.Source.QueryChanged(ctx, table, checkpoint, capture)
	if err != nil {
		return models.ManifestEntry{}, err
	}
	data, err := EncodeRaw(cols, rows)
	if err != nil {
		return models.ManifestEntry{}, Contractf("encode %s: %v", table.Name, err)
	}
	key := RawKey(table.Name, runID)
	if err := e.Store.Put(ctx, e.Bucket, key, data); err != nil {
		return models.ManifestEntry{}, err
	}
	return models.ManifestEntry{Table: table.Name, Key: key, Rows: len(rows), Columns: cols}, nil
}

// ReadManifest loads runID's manifest from the raw area.
func ReadManifest(ctx context.Context, store storage.ObjectStore, bucket, runID string) (*models.Manifest, error) {
	data, err := store.Get(ctx, bucket, ManifestKey(runID))
	if err != nil {
		return nil, fmt.Errorf("read manifest for run %s: %w", runID, err)
	}
	var m models.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, Contractf("decode manifest for run %s: %v", runID, err)
	}
	if m.RunID != runID {
		return nil, Contractf("manifest run id %q does not match %q", m.RunID, runID)
	}
	return &m, nil
}

// ReadBatch loads one table's raw batch named by the manifest.
func ReadBatch(ctx context.Context, store storage.ObjectStore, bucket string, m *models.Manifest, table string) (*models.RawBatch, error) {
	entry, ok := m.Entry(table)
	if !ok {
		return nil, Contractf("manifest for run %s has no %s batch", m.RunID, table)
	}
	data, err := store.Get(ctx, bucket, entry.Key)
	if err != nil {
		return nil, fmt.Errorf("read raw %s: %w", table, err)
	}
	cols, rows, err := DecodeRaw(data)
	if err != nil {
		return nil, fmt.Errorf("decode raw %s: %w", table, err)
	}
	if len(rows) != entry.Rows {
		return nil, Contractf("raw %s has %d rows, manifest says %d", table, len(rows), entry.Rows)
	}
	return &models.RawBatch{
		RunID:       m.RunID,
		Table:       table,
		Key:         entry.Key,
		Columns:     cols,
		Rows:        rows,
		WindowStart: m.WindowStart,
		WindowEnd:   m.WindowEnd,
	}, nil
}
