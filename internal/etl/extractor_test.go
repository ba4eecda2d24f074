package etl

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BartekS5/totesys-etl/internal/storage"
)

const seedTS = "2023-12-15T09:00:00Z"

func TestExtractWritesBatchesBeforeManifest(t *testing.T) {
	env := newTestEnv(t, nil, AdvanceOnRunSuccess)
	seedDimensions(env.src, seedTS)
	env.src.add("sales_order", salesOrderRow(1, "2024-01-01T12:00:00Z", nil))

	var mu sync.Mutex
	var order []string
	env.store.PutHook = func(bucket, key string) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, key)
		return nil
	}

	capture := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	m, err := env.extractor.Extract(context.Background(), "run-1", nil, capture)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if len(order) != len(testTables())+1 {
		t.Fatalf("wrote %d objects, want %d", len(order), len(testTables())+1)
	}
	if last := order[len(order)-1]; last != ManifestKey("run-1") {
		t.Errorf("last write = %s, want the manifest", last)
	}
	if !m.WindowEnd.Equal(capture) || m.WindowStart != nil {
		t.Errorf("window = (%v, %v]", m.WindowStart, m.WindowEnd)
	}
	entry, ok := m.Entry("sales_order")
	if !ok || entry.Rows != 1 || entry.Key != RawKey("sales_order", "run-1") {
		t.Errorf("sales_order entry = %+v", entry)
	}

	stored, err := ReadManifest(context.Background(), env.store, rawBucket, "run-1")
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if len(stored.Tables) != len(testTables()) {
		t.Errorf("stored manifest lists %d tables", len(stored.Tables))
	}
}

func TestExtractHonoursWindowBounds(t *testing.T) {
	env := newTestEnv(t, nil, AdvanceOnRunSuccess)
	checkpointAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	capture := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	env.src.add("sales_order", salesOrderRow(1, "2024-01-01T00:00:00Z", nil)) // equal to checkpoint: excluded
	env.src.add("sales_order", salesOrderRow(2, "2024-01-01T00:00:00.001Z", nil))
	env.src.add("sales_order", salesOrderRow(3, "2024-01-02T00:00:00Z", nil)) // equal to capture: included
	env.src.add("sales_order", salesOrderRow(4, "2024-01-02T00:00:01Z", nil)) // after capture: next run
	env.src.add("department", map[string]string{"department_id": "1", "department_name": "Sales", "last_updated": "2020-01-01T00:00:00Z"})

	m, err := env.extractor.Extract(context.Background(), "run-w", &checkpointAt, capture)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	b, err := ReadBatch(context.Background(), env.store, rawBucket, m, "sales_order")
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	var ids []string
	for _, r := range b.Rows {
		ids = append(ids, r["sales_order_id"])
	}
	if got := strings.Join(ids, ","); got != "2,3" {
		t.Errorf("extracted sales orders %s, want 2,3", got)
	}

	if e, _ := m.Entry("department"); e.Rows != 1 {
		t.Errorf("department is a full snapshot; got %d rows", e.Rows)
	}
}

func TestExtractEmptyTableWritesHeaderOnly(t *testing.T) {
	env := newTestEnv(t, nil, AdvanceOnRunSuccess)
	m, err := env.extractor.Extract(context.Background(), "run-e", nil, time.Now())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	b, err := ReadBatch(context.Background(), env.store, rawBucket, m, "currency")
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	if len(b.Rows) != 0 || strings.Join(b.Columns, ",") != strings.Join(sourceColumns["currency"], ",") {
		t.Errorf("empty batch = %d rows, columns %v", len(b.Rows), b.Columns)
	}
}

func TestExtractFailureLeavesNoManifest(t *testing.T) {
	env := newTestEnv(t, nil, AdvanceOnRunSuccess)
	seedDimensions(env.src, seedTS)
	boom := errors.New("permission denied for table staff")
	env.src.setFailure(func(table string) error {
		if table == "staff" {
			return boom
		}
		return nil
	})

	_, err := env.extractor.Extract(context.Background(), "run-f", nil, time.Now())
	if !errors.Is(err, boom) {
		t.Fatalf("Extract error = %v, want %v", err, boom)
	}
	if ok, _ := env.store.Exists(context.Background(), rawBucket, ManifestKey("run-f")); ok {
		t.Error("manifest written for a failed extraction")
	}
	if _, err := ReadManifest(context.Background(), env.store, rawBucket, "run-f"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ReadManifest = %v, want ErrNotFound", err)
	}
}

func TestExtractRejectsCaptureBeforeCheckpoint(t *testing.T) {
	env := newTestEnv(t, nil, AdvanceOnRunSuccess)
	cp := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	_, err := env.extractor.Extract(context.Background(), "run-x", &cp, cp.Add(-time.Second))
	if KindOf(err) != KindContract || err == nil {
		t.Errorf("got %v, want a contract violation", err)
	}
}
