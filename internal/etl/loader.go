package etl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BartekS5/totesys-etl/internal/storage"
	"github.com/BartekS5/totesys-etl/pkg/logger"
	"github.com/BartekS5/totesys-etl/pkg/models"
)

// Tables is a verified, decoded set of processed outputs.
type Tables struct {
	Currency     []models.DimCurrency
	Location     []models.DimLocation
	Design       []models.DimDesign
	Staff        []models.DimStaff
	Counterparty []models.DimCounterparty
	Date         []models.DimDate
	Facts        []models.FactSalesOrder
}

// LoadReceipt is the ready marker of a loaded run.
type LoadReceipt struct {
	RunID       string     `json:"run_id"`
	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   time.Time  `json:"window_end"`


	Outputs    []OutputFile `json:"outputs"`
	Publishers []string     `json:"publishers,omitempty"`
	ReadyAt    time.Time    `json:"ready_at"`
}

// Loader verifies a run's processed outputs against the transform report,
// hands them to any publishers, and marks the run ready for consumers.
type Loader struct {
	Store      storage.ObjectStore
	Bucket     string
	Publishers []Publisher
	Now        func() time.Time
}

func (l *Loader) Load(ctx context.Context, runID string) (*LoadReceipt, error) {
	log := logger.With(zap.String("run_id", runID))

	report, err := ReadReport(ctx, l.Store, l.Bucket, runID)
	if err != nil {
		return nil, err
	}
	tables, err := l.verify(ctx, report)
	if err != nil {
		return nil, err
	}

	receipt := &LoadReceipt{
		RunID:       runID,
		WindowStart: report.WindowStart,
		WindowEnd:   report.WindowEnd,
		Outputs:     report.Outputs(),
	}
	for _, p := range l.Publishers {
		if err := p.Publish(ctx, runID, tables); err != nil {
			return nil, fmt.Errorf("publish to %s: %w", p.Name(), err)
		}
		receipt.Publishers = append(receipt.Publishers, p.Name())
	}

	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	receipt.ReadyAt = now().UTC()
	data, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := l.Store.Put(ctx, l.Bucket, ReadyKey(runID), data); err != nil {
		return nil, fmt.Errorf("write ready marker: %w", err)
	}
	if err := l.registerPartition(ctx, runID); err != nil {
		return nil, err
	}

	log.Info("load complete", zap.Int("outputs", len(receipt.Outputs)), zap.Int("fact_rows", len(tables.Facts)))
	return receipt, nil
}

// ReadReport loads runID's transform report.
func ReadReport(ctx context.Context, store storage.ObjectStore, bucket, runID string) (*TransformReport, error) {
	data, err := store.Get(ctx, bucket, ReportKey(runID))
	if err != nil {
		return nil, fmt.Errorf("read transform report for run %s: %w", runID, err)
	}
	var r TransformReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, Contractf("decode transform report for run %s: %v", runID, err)
	}
	if r.RunID != runID {
		return nil, Contractf("transform report run id %q does not match %q", r.RunID, runID)
	}
	return &r, nil
}

func (l *Loader) verify(ctx context.Context, report *TransformReport) (*Tables, error) {
	var t Tables
	var err error
	for _, out := range report.Outputs() {
		switch out.Table {
		case dimCurrency:
			t.Currency, err = verifyOutput[models.DimCurrency](ctx, l.Store, l.Bucket, out)
		case dimLocation:
			t.Location, err = verifyOutput[models.DimLocation](ctx, l.Store, l.Bucket, out)
		case dimDesign:
			t.Design, err = verifyOutput[models.DimDesign](ctx, l.Store, l.Bucket, out)
		case dimStaff:
			t.Staff, err = verifyOutput[models.DimStaff](ctx, l.Store, l.Bucket, out)
		case dimCounterparty:
			t.Counterparty, err = verifyOutput[models.DimCounterparty](ctx, l.Store, l.Bucket, out)
		case dimDate:
			t.Date, err = verifyOutput[models.DimDate](ctx, l.Store, l.Bucket, out)
		case factTable:
			t.Facts, err = verifyOutput[models.FactSalesOrder](ctx, l.Store, l.Bucket, out)
		default:
			err = Contractf("unknown output table %q", out.Table)
		}
		if err != nil {
			return nil, err
		}
	}
	if report.FactRows != len(t.Facts) {
		return nil, Contractf("fact partition has %d rows, report says %d", len(t.Facts), report.FactRows)
	}
	return &t, nil
}

func verifyOutput[T any](ctx context.Context, store storage.ObjectStore, bucket string, out OutputFile) ([]T, error) {
	data, err := store.Get(ctx, bucket, out.Key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", out.Key, err)
	}
	n, err := inspectParquet[T](data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", out.Key, err)
	}
	if n != out.Rows {
		return nil, Contractf("%s has %d rows, report says %d", out.Key, n, out.Rows)
	}
	rows, err := decodeParquet[T](data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", out.Key, err)
	}
	return rows, nil
}

// LastReady returns the ready marker of the newest registered partition, or
// nil when no run has been loaded.
func (l *Loader) LastReady(ctx context.Context) (*LoadReceipt, error) {
	partitions, err := ReadPartitions(ctx, l.Store, l.Bucket)
	if err != nil || len(partitions) == 0 {
		return nil, err
	}
	runID := partitions[len(partitions)-1]
	data, err := l.Store.Get(ctx, l.Bucket, ReadyKey(runID))
	if err != nil {
		return nil, fmt.Errorf("read ready marker of run %s: %w", runID, err)
	}
	var r LoadReceipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, Contractf("decode ready marker of run %s: %v", runID, err)
	}
	return &r, nil
}

// registerPartition adds runID's fact partition to the partition index
// consumers read to discover ready partitions.
func (l *Loader) registerPartition(ctx context.Context, runID string) error {
	partitions, err := ReadPartitions(ctx, l.Store, l.Bucket)
	if err != nil {
		return err
	}
	i := sort.SearchStrings(partitions, runID)
	if i < len(partitions) && partitions[i] == runID {
		return nil
	}
	partitions = append(partitions, "")
	copy(partitions[i+1:], partitions[i:])
	partitions[i] = runID

	data, err := json.MarshalIndent(partitions, "", "  ")
	if err != nil {
		return err
	}
	if err := l.Store.Put(ctx, l.Bucket, partitionsIndex, data); err != nil {
		return fmt.Errorf("write partition index: %w", err)
	}
	return nil
}

// ReadPartitions returns the run ids of ready fact partitions in order.
func ReadPartitions(ctx context.Context, store storage.ObjectStore, bucket string) ([]string, error) {
	data, err := store.Get(ctx, bucket, partitionsIndex)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read partition index: %w", err)
	}
	var partitions []string
	if err := json.Unmarshal(data, &partitions); err != nil {
		return nil, Contractf("decode partition index: %v", err)
	}
	sort.Strings(partitions)
	return partitions, nil
}
