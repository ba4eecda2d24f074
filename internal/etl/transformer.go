package etl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/BartekS5/totesys-etl/internal/metrics"
	"github.com/BartekS5/totesys-etl/internal/storage"
	"github.com/BartekS5/totesys-etl/pkg/logger"
	"github.com/BartekS5/totesys-etl/pkg/models"
	"github.com/BartekS5/totesys-etl/pkg/utils"
)

// OutputFile is one processed object written by a transform.
type OutputFile struct {
	Table string `json:"table"`
	Key   string `json:"key"`
	Rows  int64  `json:"rows"`
}

// TransformReport describes a run's processed outputs. It is written last,
// and its presence tells the loader the outputs are complete.
type TransformReport struct {
	RunID           string         `json:"run_id"`
	WindowStart     *time.Time     `json:"window_start,omitempty"`
	WindowEnd       time.Time      `json:"window_end"`
	Dimensions      []OutputFile   `json:"dimensions"`
	Fact            OutputFile     `json:"fact"`
	SourceRows      int            `json:"source_rows"`
	FactRows        int            `json:"fact_rows"`
	QuarantinedRows int            `json:"quarantined_rows"`
	QuarantineKeys  []string       `json:"quarantine_keys"`
	Reasons         map[string]int `json:"reasons,omitempty"`
}

// QuarantineRatio is the share of sales_order rows that did not become facts.
func (r *TransformReport) QuarantineRatio() float64 {
	if r.SourceRows == 0 {
		return 0
	}
	return float64(r.QuarantinedRows) / float64(r.SourceRows)
}

// Outputs lists every parquet output, dimensions first.
func (r *TransformReport) Outputs() []OutputFile {
	return append(append([]OutputFile(nil), r.Dimensions...), r.Fact)
}

var requiredTables = []string{"sales_order", "currency", "address", "design", "staff", "department", "counterparty"}

// Transformer builds the star schema for one run from its raw batches and
// the dimension state left by earlier runs. Reprocessing the same run
// produces the same outputs.
type Transformer struct {
	Store           storage.ObjectStore
	RawBucket       string
	ProcessedBucket string
	Validator       *Validator
	Metrics         *metrics.Metrics

	// QuarantineThreshold is the largest tolerated share of quarantined
	// sales_order rows; above it the run fails before anything is written.
	QuarantineThreshold float64
}

type starSchema struct {
	currency     *dimension[models.DimCurrency]
	location     *dimension[models.DimLocation]
	design       *dimension[models.DimDesign]
	staff        *dimension[models.DimStaff]
	counterparty *dimension[models.DimCounterparty]
	dates        map[int32]models.DimDate
}

func (t *Transformer) Transform(ctx context.Context, runID string) (*TransformReport, error) {
	log := logger.With(zap.String("run_id", runID))

	manifest, err := ReadManifest(ctx, t.Store, t.RawBucket, runID)
	if err != nil {
		return nil, err
	}
	batches := make(map[string]*models.RawBatch, len(requiredTables))
	for _, table := range requiredTables {
		b, err := ReadBatch(ctx, t.Store, t.RawBucket, manifest, table)
		if err != nil {
			return nil, err
		}
		batches[table] = b
	}

	star, err := t.loadState(ctx)
	if err != nil {
		return nil, err
	}

	report := &TransformReport{
		RunID:       runID,
		WindowStart: manifest.WindowStart,
		WindowEnd:   manifest.WindowEnd,
		Reasons:     make(map[string]int),
	}
	var rejects []rowReject

	newKeys, err := t.mergeDimensions(star, batches, &rejects)
	if err != nil {
		return nil, err
	}

	facts, quarantined, err := t.buildFacts(runID, star, batches["sales_order"])
	if err != nil {
		return nil, err
	}
	report.SourceRows = len(batches["sales_order"].Rows)
	report.FactRows = len(facts)
	report.QuarantinedRows = len(quarantined)
	for _, q := range quarantined {
		for _, reason := range strings.Split(q.Reason, ",") {
			report.Reasons[reason]++
		}
	}

	if ratio := report.QuarantineRatio(); ratio > t.QuarantineThreshold {
		return nil, newError(KindDataQuality, "transform",
			fmt.Errorf("quarantined %d of %d sales_order rows (%.3f > %.3f)",
				report.QuarantinedRows, report.SourceRows, ratio, t.QuarantineThreshold))
	}

	for _, rej := range rejects {
		quarantined = append(quarantined, models.QuarantineRecord{RunID: runID, Table: rej.table, Row: rej.row, Reason: rej.reason})
	}
	if err := t.write(ctx, runID, star, facts, quarantined, report); err != nil {
		return nil, err
	}

	for reason, n := range report.Reasons {
		t.Metrics.Quarantined(reason, n)
	}
	t.Metrics.FactsWritten(report.FactRows)
	log.Info("transform complete",
		zap.Int("fact_rows", report.FactRows),
		zap.Int("quarantined", report.QuarantinedRows),
		zap.Int("dimension_rejects", len(rejects)),
		zap.Any("new_keys", newKeys))
	return report, nil
}

func (t *Transformer) loadState(ctx context.Context) (*starSchema, error) {
	var (
		s   starSchema
		err error
	)
	if s.currency, err = loadDimension(ctx, t.Store, t.ProcessedBucket, dimCurrency,
		func(r *models.DimCurrency) int64 { return r.CurrencyID },
		func(r *models.DimCurrency) int64 { return r.CurrencyKey },
		func(r *models.DimCurrency, k int64) { r.CurrencyKey = k }); err != nil {
		return nil, err
	}
	if s.location, err = loadDimension(ctx, t.Store, t.ProcessedBucket, dimLocation,
		func(r *models.DimLocation) int64 { return r.LocationID },
		func(r *models.DimLocation) int64 { return r.LocationKey },
		func(r *models.DimLocation, k int64) { r.LocationKey = k }); err != nil {
		return nil, err
	}
	if s.design, err = loadDimension(ctx, t.Store, t.ProcessedBucket, dimDesign,
		func(r *models.DimDesign) int64 { return r.DesignID },
		func(r *models.DimDesign) int64 { return r.DesignKey },
		func(r *models.DimDesign, k int64) { r.DesignKey = k }); err != nil {
		return nil, err
	}
	if s.staff, err = loadDimension(ctx, t.Store, t.ProcessedBucket, dimStaff,
		func(r *models.DimStaff) int64 { return r.StaffID },
		func(r *models.DimStaff) int64 { return r.StaffKey },
		func(r *models.DimStaff, k int64) { r.StaffKey = k }); err != nil {
		return nil, err
	}
	if s.counterparty, err = loadDimension(ctx, t.Store, t.ProcessedBucket, dimCounterparty,
		func(r *models.DimCounterparty) int64 { return r.CounterpartyID },
		func(r *models.DimCounterparty) int64 { return r.CounterpartyKey },
		func(r *models.DimCounterparty, k int64) { r.CounterpartyKey = k }); err != nil {
		return nil, err
	}

	s.dates = make(map[int32]models.DimDate)
	data, err := t.Store.Get(ctx, t.ProcessedBucket, dimensionKey(dimDate))
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read %s snapshot: %w", dimDate, err)
	default:
		rows, err := decodeParquet[models.DimDate](data)
		if err != nil {
			return nil, fmt.Errorf("%s snapshot: %w", dimDate, err)
		}
		for _, r := range rows {
			s.dates[r.DateKey] = r
		}
	}
	return &s, nil
}

func (t *Transformer) mergeDimensions(s *starSchema, batches map[string]*models.RawBatch, rejects *[]rowReject) (map[string]int, error) {
	newKeys := make(map[string]int)

	currencies, rej, err := currencyCandidates(batches["currency"])
	if err != nil {
		return nil, err
	}
	*rejects = append(*rejects, rej...)
	newKeys[dimCurrency] = s.currency.merge(currencies)

	locations, rej, err := locationCandidates(batches["address"])
	if err != nil {
		return nil, err
	}
	*rejects = append(*rejects, rej...)
	newKeys[dimLocation] = s.location.merge(locations)

	designs, rej, err := designCandidates(batches["design"])
	if err != nil {
		return nil, err
	}
	*rejects = append(*rejects, rej...)
	newKeys[dimDesign] = s.design.merge(designs)

	depts, err := departments(batches["department"])
	if err != nil {
		return nil, err
	}
	staff, rej, err := staffCandidates(batches["staff"], depts)
	if err != nil {
		return nil, err
	}
	*rejects = append(*rejects, rej...)
	newKeys[dimStaff] = s.staff.merge(staff)

	// Counterparties resolve their address after locations are merged.
	counterparties, rej, err := counterpartyCandidates(batches["counterparty"], s.location)
	if err != nil {
		return nil, err
	}
	*rejects = append(*rejects, rej...)
	newKeys[dimCounterparty] = s.counterparty.merge(counterparties)
	return newKeys, nil
}

// SalesRecordID identifies one sales_order version. Re-extracting the same
// version always yields the same id.
func SalesRecordID(salesOrderID int64, lastUpdated time.Time) int64 {
	h := xxhash.Sum64String(fmt.Sprintf("%d|%s", salesOrderID, lastUpdated.UTC().Format(time.RFC3339Nano)))
	return int64(h & (1<<63 - 1))
}

func (t *Transformer) buildFacts(runID string, s *starSchema, b *models.RawBatch) ([]models.FactSalesOrder, []models.QuarantineRecord, error) {
	if err := requireColumns(b.Table, b.Columns, salesOrderColumns); err != nil {
		return nil, nil, err
	}
	v := t.Validator
	if v == nil {
		v = NewValidator()
	}

	seen := make(map[int64]bool, len(b.Rows))
	var facts []models.FactSalesOrder
	var quarantined []models.QuarantineRecord
	for _, row := range b.Rows {
		so, reasons := v.SalesOrder(row)
		var fact models.FactSalesOrder
		if len(reasons) == 0 {
			fact, reasons = resolveFact(s, so)
		}
		if len(reasons) > 0 {
			quarantined = append(quarantined, models.QuarantineRecord{
				RunID:  runID,
				Table:  b.Table,
				Row:    row,
				Reason: strings.Join(reasons, ","),
			})
			continue
		}
		if seen[fact.SalesRecordID] {
			continue
		}
		seen[fact.SalesRecordID] = true
		for _, d := range []time.Time{so.CreatedAt, so.LastUpdated, so.PaymentDate, so.DeliveryDate} {
			dr := dateRow(d)
			s.dates[dr.DateKey] = dr
		}
		facts = append(facts, fact)
	}

	sort.Slice(facts, func(i, j int) bool {
		if facts[i].SalesOrderID != facts[j].SalesOrderID {
			return facts[i].SalesOrderID < facts[j].SalesOrderID
		}
		if facts[i].LastUpdatedDateKey != facts[j].LastUpdatedDateKey {
			return facts[i].LastUpdatedDateKey < facts[j].LastUpdatedDateKey
		}
		if facts[i].LastUpdatedTime != facts[j].LastUpdatedTime {
			return facts[i].LastUpdatedTime < facts[j].LastUpdatedTime
		}
		return facts[i].SalesRecordID < facts[j].SalesRecordID
	})
	return facts, quarantined, nil
}

func resolveFact(s *starSchema, so salesOrder) (models.FactSalesOrder, []string) {
	var reasons []string
	resolve := func(ok bool, reason string) {
		if !ok {
			reasons = append(reasons, reason)
		}
	}
	staffKey, ok := s.staff.lookup(so.StaffID)
	resolve(ok, "unresolved_staff")
	counterpartyKey, ok := s.counterparty.lookup(so.CounterpartyID)
	resolve(ok, "unresolved_counterparty")
	currencyKey, ok := s.currency.lookup(so.CurrencyID)
	resolve(ok, "unresolved_currency")
	designKey, ok := s.design.lookup(so.DesignID)
	resolve(ok, "unresolved_design")
	locationKey, ok := s.location.lookup(so.LocationID)
	resolve(ok, "unresolved_location")
	if len(reasons) > 0 {
		return models.FactSalesOrder{}, reasons
	}

	return models.FactSalesOrder{
		SalesRecordID:             SalesRecordID(so.ID, so.LastUpdated),
		SalesOrderID:              so.ID,
		CreatedDateKey:            utils.DateKey(so.CreatedAt),
		CreatedTime:               utils.ClockTime(so.CreatedAt),
		LastUpdatedDateKey:        utils.DateKey(so.LastUpdated),
		LastUpdatedTime:           utils.ClockTime(so.LastUpdated),
		SalesStaffKey:             staffKey,
		CounterpartyKey:           counterpartyKey,
		UnitsSold:                 so.UnitsSold,
		UnitPrice:                 so.UnitPrice,
		CurrencyKey:               currencyKey,
		DesignKey:                 designKey,
		AgreedPaymentDateKey:      utils.DateKey(so.PaymentDate),
		AgreedDeliveryDateKey:     utils.DateKey(so.DeliveryDate),
		AgreedDeliveryLocationKey: locationKey,
	}, nil
}

// write stores every output. Keymaps precede their snapshots so a snapshot
// never references an unpersisted key; the report goes last.
func (t *Transformer) write(ctx context.Context, runID string, s *starSchema, facts []models.FactSalesOrder, quarantined []models.QuarantineRecord, report *TransformReport) error {
	put := func(key string, data []byte) error {
		if err := t.Store.Put(ctx, t.ProcessedBucket, key, data); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
		return nil
	}

	var err error
	report.Dimensions = nil
	if report.Dimensions, err = appendDimension(report.Dimensions, runID, s.currency, put); err != nil {
		return err
	}
	if report.Dimensions, err = appendDimension(report.Dimensions, runID, s.location, put); err != nil {
		return err
	}
	if report.Dimensions, err = appendDimension(report.Dimensions, runID, s.design, put); err != nil {
		return err
	}
	if report.Dimensions, err = appendDimension(report.Dimensions, runID, s.staff, put); err != nil {
		return err
	}
	if report.Dimensions, err = appendDimension(report.Dimensions, runID, s.counterparty, put); err != nil {
		return err
	}

	dates := make([]models.DimDate, 0, len(s.dates))
	for _, d := range s.dates {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].DateKey < dates[j].DateKey })
	data, err := encodeParquet(dates)
	if err != nil {
		return err
	}
	if err := putSnapshot(put, dimDate, runID, data); err != nil {
		return err
	}
	report.Dimensions = append(report.Dimensions, OutputFile{Table: dimDate, Key: DimensionRunKey(dimDate, runID), Rows: int64(len(dates))})

	if data, err = encodeParquet(facts); err != nil {
		return err
	}
	if err := put(FactKey(runID), data); err != nil {
		return err
	}
	report.Fact = OutputFile{Table: factTable, Key: FactKey(runID), Rows: int64(len(facts))}

	keys, err := t.writeQuarantine(runID, quarantined, put)
	if err != nil {
		return err
	}
	report.QuarantineKeys = keys

	if data, err = json.MarshalIndent(report, "", "  "); err != nil {
		return err
	}
	return put(ReportKey(runID), data)
}

func appendDimension[T any](out []OutputFile, runID string, d *dimension[T], put func(string, []byte) error) ([]OutputFile, error) {
	km, err := encodeKeyMap(d.keys)
	if err != nil {
		return nil, err
	}
	if err := put(keymapKey(d.name), km); err != nil {
		return nil, err
	}
	rows := d.snapshot()
	data, err := encodeParquet(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.name, err)
	}
	if err := putSnapshot(put, d.name, runID, data); err != nil {
		return nil, err
	}
	return append(out, OutputFile{Table: d.name, Key: DimensionRunKey(d.name, runID), Rows: int64(len(rows))}), nil
}

// putSnapshot writes the run's own copy of a dimension, then the current
// snapshot the next transform starts from.
func putSnapshot(put func(string, []byte) error, dim, runID string, data []byte) error {
	if err := put(DimensionRunKey(dim, runID), data); err != nil {
		return err
	}
	return put(dimensionKey(dim), data)
}

// writeQuarantine writes one JSON Lines file per source table. The
// sales_order file is always written, empty or not, so a rerun replaces it.
func (t *Transformer) writeQuarantine(runID string, records []models.QuarantineRecord, put func(string, []byte) error) ([]string, error) {
	byTable := map[string]*bytes.Buffer{"sales_order": {}}
	for _, rec := range records {
		buf, ok := byTable[rec.Table]
		if !ok {
			buf = &bytes.Buffer{}
			byTable[rec.Table] = buf
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	tables := make([]string, 0, len(byTable))
	for table := range byTable {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	keys := make([]string, 0, len(tables))
	for _, table := range tables {
		key := QuarantineKey(runID, table)
		if err := put(key, byTable[table].Bytes()); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
