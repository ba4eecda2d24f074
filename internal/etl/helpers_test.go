package etl

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BartekS5/totesys-etl/internal/alert"
	"github.com/BartekS5/totesys-etl/internal/checkpoint"
	"github.com/BartekS5/totesys-etl/internal/runlog"
	"github.com/BartekS5/totesys-etl/internal/storage"
	"github.com/BartekS5/totesys-etl/pkg/models"
	"github.com/BartekS5/totesys-etl/pkg/utils"
)

const (
	rawBucket       = "ingestion"
	processedBucket = "processed"
)

var sourceColumns = map[string][]string{
	"currency":     {"currency_id", "currency_code", "created_at", "last_updated"},
	"address":      {"address_id", "address_line_1", "address_line_2", "district", "city", "postal_code", "country", "phone", "created_at", "last_updated"},
	"design":       {"design_id", "created_at", "design_name", "file_location", "file_name", "last_updated"},
	"staff":        {"staff_id", "first_name", "last_name", "department_id", "email_address", "created_at", "last_updated"},
	"department":   {"department_id", "department_name", "location", "manager", "created_at", "last_updated"},
	"counterparty": {"counterparty_id", "counterparty_legal_name", "legal_address_id", "commercial_contact", "delivery_contact", "created_at", "last_updated"},
	"sales_order":  {"sales_order_id", "created_at", "last_updated", "design_id", "staff_id", "counterparty_id", "units_sold", "unit_price", "currency_id", "agreed_delivery_date", "agreed_payment_date", "agreed_delivery_location_id"},
}

func testTables() []models.SourceTable {
	var tables []models.SourceTable
	for _, name := range requiredTables {
		tables = append(tables, models.SourceTable{
			Name:            name,
			TimestampColumn: "last_updated",
			Incremental:     name != "department",
		})
	}
	return tables
}

// fakeSource is an in-memory source database honouring the extraction window.
type fakeSource struct {
	mu     sync.Mutex
	tables map[string]*fakeTable
	fail   func(table string) error
	calls  int
}

type fakeTable struct {
	columns []string
	rows    [][]string
}

func newFakeSource() *fakeSource {
	s := &fakeSource{tables: make(map[string]*fakeTable)}
	for name, cols := range sourceColumns {
		s.tables[name] = &fakeTable{columns: cols}
	}
	return s
}

func (s *fakeSource) add(table string, values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[table]
	row := make([]string, len(t.columns))
	for i, c := range t.columns {
		row[i] = values[c]
	}
	t.rows = append(t.rows, row)
}

func (s *fakeSource) setFailure(fn func(table string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

func (s *fakeSource) QueryChanged(ctx context.Context, table models.SourceTable, after *time.Time, upTo time.Time) ([]string, [][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		if err := s.fail(table.Name); err != nil {
			return nil, nil, err
		}
	}
	t, ok := s.tables[table.Name]
	if !ok {
		return nil, nil, fmt.Errorf("relation %q does not exist", table.Name)
	}
	tsIdx := -1
	for i, c := range t.columns {
		if c == table.TimestampColumn {
			tsIdx = i
		}
	}

	var out [][]string
	for _, r := range t.rows {
		if table.Incremental {
			ts, err := utils.ParseTimestamp(r[tsIdx])
			if err != nil {
				return nil, nil, err
			}
			if (after != nil && !ts.After(*after)) || ts.After(upTo) {
				continue
			}
		}
		out = append(out, append([]string(nil), r...))
	}
	return append([]string(nil), t.columns...), out, nil
}

// seedDimensions adds one consistent set of dimension rows last updated at ts.
func seedDimensions(src *fakeSource, ts string) {
	src.add("currency", map[string]string{"currency_id": "1", "currency_code": "GBP", "created_at": ts, "last_updated": ts})
	src.add("currency", map[string]string{"currency_id": "2", "currency_code": "USD", "created_at": ts, "last_updated": ts})
	src.add("address", map[string]string{
		"address_id": "1", "address_line_1": "6826 Herzog Via", "district": "Avon", "city": "New Patienceburgh",
		"postal_code": "28441", "country": "Turkey", "phone": "1803 637401", "created_at": ts, "last_updated": ts,
	})
	src.add("address", map[string]string{
		"address_id": "2", "address_line_1": "179 Alexie Cliffs", "address_line_2": "Suite 3", "city": "Aliso Viejo",
		"postal_code": "99305-7380", "country": "San Marino", "phone": "9621 880720", "created_at": ts, "last_updated": ts,
	})
	src.add("design", map[string]string{
		"design_id": "8", "design_name": "Wooden", "file_location": "/usr", "file_name": "wooden-20220717-npgz.json",
		"created_at": ts, "last_updated": ts,
	})
	src.add("department", map[string]string{
		"department_id": "1", "department_name": "Sales", "location": "Manchester", "manager": "Richard Roma",
		"created_at": ts, "last_updated": ts,
	})
	src.add("staff", map[string]string{
		"staff_id": "1", "first_name": "Jeremie", "last_name": "Franey", "department_id": "1",
		"email_address": "jeremie.franey@terrifictotes.com", "created_at": ts, "last_updated": ts,
	})
	src.add("counterparty", map[string]string{
		"counterparty_id": "1", "counterparty_legal_name": "Fahey and Sons", "legal_address_id": "1",
		"commercial_contact": "Micheal Toy", "delivery_contact": "Mrs. Lucy Runolfsdottir",
		"created_at": ts, "last_updated": ts,
	})
}

func salesOrderRow(id int, ts string, overrides map[string]string) map[string]string {
	row := map[string]string{
		"sales_order_id":              fmt.Sprint(id),
		"created_at":                  ts,
		"last_updated":                ts,
		"design_id":                   "8",
		"staff_id":                    "1",
		"counterparty_id":             "1",
		"units_sold":                  "100",
		"unit_price":                  "2.50",
		"currency_id":                 "1",
		"agreed_delivery_date":        "2024-01-10",
		"agreed_payment_date":         "2024-01-15",
		"agreed_delivery_location_id": "2",
	}
	for k, v := range overrides {
		row[k] = v
	}
	return row
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingPublisher struct {
	mu     sync.Mutex
	err    error
	tables map[string]*Tables
}

func (p *recordingPublisher) Name() string { return "recording" }

func (p *recordingPublisher) Publish(ctx context.Context, runID string, tables *Tables) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.tables == nil {
		p.tables = make(map[string]*Tables)
	}
	p.tables[runID] = tables
	return nil
}

func (p *recordingPublisher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type testEnv struct {
	store       *storage.MemoryStore
	src         *fakeSource
	checkpoints *checkpoint.MemoryStore
	alerts      *alert.Recorder
	runs        *runlog.MemoryRecorder
	publisher   *recordingPublisher
	clock       *fakeClock
	extractor   *Extractor
	transformer *Transformer
	loader      *Loader
	orch        *Orchestrator
}

func newTestEnv(t *testing.T, initial *time.Time, policy CheckpointPolicy) *testEnv {
	t.Helper()
	env := &testEnv{
		store:       storage.NewMemoryStore(),
		src:         newFakeSource(),
		checkpoints: checkpoint.NewMemoryStore(initial),
		alerts:      &alert.Recorder{},
		runs:        runlog.NewMemoryRecorder(),
		publisher:   &recordingPublisher{},
		clock:       &fakeClock{now: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
	}
	env.extractor = &Extractor{
		Source:      env.src,
		Store:       env.store,
		Bucket:      rawBucket,
		Tables:      testTables(),
		Parallelism: 4,
		Now:         env.clock.Now,
	}
	env.transformer = &Transformer{
		Store:               env.store,
		RawBucket:           rawBucket,
		ProcessedBucket:     processedBucket,
		QuarantineThreshold: 0.5,
	}
	env.loader = &Loader{
		Store:      env.store,
		Bucket:     processedBucket,
		Publishers: []Publisher{env.publisher},
		Now:        env.clock.Now,
	}
	env.orch = &Orchestrator{
		Extractor:   env.extractor,
		Transformer: env.transformer,
		Loader:      env.loader,
		Checkpoints: env.checkpoints,
		Lease:       env.checkpoints,
		Policy:      policy,
		Retry:       RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 2},
		Notifier:    env.alerts,
		Recorder:    env.runs,
		Now:         env.clock.Now,
		RetryTimer:  newInstantTimer(),
	}
	return env
}

// instantTimer fires as soon as it starts and records each delay.
type instantTimer struct {
	mu     sync.Mutex
	c      chan time.Time
	delays []time.Duration
}

func newInstantTimer() *instantTimer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (t *instantTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()
	select {
	case t.c <- time.Now():
	default:
	}
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func (e *testEnv) checkpoint(t *testing.T) *time.Time {
	t.Helper()
	cp, err := e.checkpoints.Get(context.Background())
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	return cp
}

func readParquet[T any](t *testing.T, store storage.ObjectStore, key string) []T {
	t.Helper()
	data, err := store.Get(context.Background(), processedBucket, key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	rows, err := decodeParquet[T](data)
	if err != nil {
		t.Fatalf("decode %s: %v", key, err)
	}
	return rows
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}
