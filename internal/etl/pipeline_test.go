package etl

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BartekS5/totesys-etl/internal/alert"
	"github.com/BartekS5/totesys-etl/internal/checkpoint"
	"github.com/BartekS5/totesys-etl/pkg/models"
)

var (
	day1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	day3 = time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
)

// seededEnv returns an environment whose first run has loaded the seed
// dimensions and moved the checkpoint to day1.
func seededEnv(t *testing.T, policy CheckpointPolicy) *testEnv {
	t.Helper()
	env := newTestEnv(t, nil, policy)
	seedDimensions(env.src, seedTS)
	env.clock.Set(day1)
	if _, err := env.orch.Execute(context.Background(), "test"); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	if cp := env.checkpoint(t); cp == nil || !cp.Equal(day1) {
		t.Fatalf("checkpoint after seed run = %v, want %v", cp, day1)
	}
	return env
}

func assertCheckpoint(t *testing.T, env *testEnv, want time.Time) {
	t.Helper()
	if cp := env.checkpoint(t); cp == nil || !cp.Equal(want) {
		t.Errorf("checkpoint = %v, want %v", cp, want)
	}
}

func TestExecuteIncrementalRuns(t *testing.T) {
	env := seededEnv(t, AdvanceOnRunSuccess)

	env.src.add("sales_order", salesOrderRow(1, "2024-01-01T10:00:00Z", nil))
	env.src.add("sales_order", salesOrderRow(2, "2024-01-01T11:30:00Z", map[string]string{"currency_id": "3"}))
	env.src.add("currency", map[string]string{
		"currency_id": "3", "currency_code": "EUR",
		"created_at": "2024-01-01T09:00:00Z", "last_updated": "2024-01-01T09:00:00Z",
	})
	env.clock.Set(day2)

	run, err := env.orch.Execute(context.Background(), "test")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.State != models.StateSucceeded || run.FactRows != 2 || run.QuarantinedRows != 0 {
		t.Errorf("run = %+v", run)
	}
	if run.WindowStart == nil || !run.WindowStart.Equal(day1) || !run.WindowEnd.Equal(day2) {
		t.Errorf("window = (%v, %v]", run.WindowStart, run.WindowEnd)
	}
	assertCheckpoint(t, env, day2)

	facts := env.publisher.tables[run.ID].Facts
	if len(facts) != 2 {
		t.Fatalf("published %d facts, want 2", len(facts))
	}
	currencies := env.publisher.tables[run.ID].Currency
	if len(currencies) != 3 {
		t.Errorf("currency dimension has %d rows, want 3", len(currencies))
	}

	recorded, ok := env.runs.Get(run.ID)
	if !ok || recorded.State != models.StateSucceeded || len(recorded.Transitions) != 4 {
		t.Errorf("recorded run = %+v", recorded)
	}

	// Nothing changed since day2: an empty but successful run.
	before := dimensionState(t, env)
	env.clock.Set(day3)
	empty, err := env.orch.Execute(context.Background(), "test")
	if err != nil {
		t.Fatalf("empty Execute: %v", err)
	}
	if empty.FactRows != 0 || empty.State != models.StateSucceeded {
		t.Errorf("empty run = %+v", empty)
	}
	if got := readParquet[models.FactSalesOrder](t, env.store, FactKey(empty.ID)); len(got) != 0 {
		t.Errorf("empty run wrote %d facts", len(got))
	}
	assertCheckpoint(t, env, day3)
	after := dimensionState(t, env)
	for key, data := range before {
		if !bytes.Equal(data, after[key]) {
			t.Errorf("%s changed during an empty run", key)
		}
	}
	if len(env.alerts.Events) != 0 {
		t.Errorf("unexpected alerts: %+v", env.alerts.Events)
	}
}

// dimensionState returns the current snapshot and keymap of every dimension.
func dimensionState(t *testing.T, env *testEnv) map[string][]byte {
	t.Helper()
	ctx := context.Background()
	keys := []string{dimensionKey(dimDate)}
	for _, dim := range []string{dimCurrency, dimLocation, dimDesign, dimStaff, dimCounterparty} {
		keys = append(keys, dimensionKey(dim), keymapKey(dim))
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		data, err := env.store.Get(ctx, processedBucket, k)
		if err != nil {
			t.Fatalf("read %s: %v", k, err)
		}
		out[k] = data
	}
	return out
}

func TestRunSuccessPolicyHoldsCheckpointOnFailure(t *testing.T) {
	env := seededEnv(t, AdvanceOnRunSuccess)
	env.src.add("sales_order", salesOrderRow(1, "2024-01-01T10:00:00Z", nil))
	env.clock.Set(day2)

	failures := []struct {
		stage  string
		inject func()
	}{
		{"extract", func() {
			env.src.setFailure(func(table string) error {
				if table == "sales_order" {
					return errors.New("permission denied for table sales_order")
				}
				return nil
			})
		}},
		{"transform", func() {
			env.store.PutHook = func(bucket, key string) error {
				if bucket == processedBucket && strings.HasPrefix(key, factTable+"/") {
					return errors.New("access denied")
				}
				return nil
			}
		}},
		{"load", func() {
			env.publisher.setErr(errors.New("relation fact_sales_order does not exist"))
		}},
	}

	for _, f := range failures {
		env.src.setFailure(nil)
		env.store.PutHook = nil
		env.publisher.setErr(nil)
		f.inject()

		run, err := env.orch.Execute(context.Background(), "test")
		var runErr *RunError
		if !errors.As(err, &runErr) || runErr.Stage != f.stage {
			t.Fatalf("%s failure: err = %v", f.stage, err)
		}
		if run.State != models.StateFailed || run.FailedStage != f.stage || run.CheckpointAfter != nil {
			t.Errorf("%s failure: run = %+v", f.stage, run)
		}
		assertCheckpoint(t, env, day1)
	}

	if len(env.alerts.Events) != len(failures) {
		t.Fatalf("got %d alerts, want %d", len(env.alerts.Events), len(failures))
	}
	for i, e := range env.alerts.Events {
		if e.Stage != failures[i].stage || e.Kind != "contract" {
			t.Errorf("alert %d = %+v", i, e)
		}
	}

	env.src.setFailure(nil)
	env.store.PutHook = nil
	env.publisher.setErr(nil)
	run, err := env.orch.Execute(context.Background(), "test")
	if err != nil {
		t.Fatalf("clean Execute: %v", err)
	}
	if run.FactRows != 1 || !run.WindowStart.Equal(day1) {
		t.Errorf("clean run = %+v", run)
	}
	assertCheckpoint(t, env, day2)
}

func TestExtractSuccessPolicyRecoversByRunID(t *testing.T) {
	env := seededEnv(t, AdvanceOnExtractSuccess)
	env.src.add("sales_order", salesOrderRow(1, "2024-01-01T10:00:00Z", nil))
	env.clock.Set(day2)
	env.publisher.setErr(errors.New("connection refused"))

	run, err := env.orch.Execute(context.Background(), "test")
	if err == nil || run.FailedStage != "load" {
		t.Fatalf("Execute = %v, run %+v", err, run)
	}
	if run.CheckpointAfter == nil || !run.CheckpointAfter.Equal(day2) {
		t.Errorf("checkpoint_after = %v", run.CheckpointAfter)
	}
	assertCheckpoint(t, env, day2)

	env.publisher.setErr(nil)
	report, err := env.orch.TransformOnly(context.Background(), run.ID)
	if err != nil || report.FactRows != 1 {
		t.Fatalf("TransformOnly = %+v, %v", report, err)
	}
	receipt, err := env.orch.LoadOnly(context.Background(), run.ID)
	if err != nil || receipt.RunID != run.ID {
		t.Fatalf("LoadOnly = %+v, %v", receipt, err)
	}
	if len(env.publisher.tables[run.ID].Facts) != 1 {
		t.Error("recovered run not published")
	}

	// The next run starts where the failed one ended.
	env.clock.Set(day3)
	next, err := env.orch.Execute(context.Background(), "test")
	if err != nil {
		t.Fatalf("next Execute: %v", err)
	}
	if next.FactRows != 0 || !next.WindowStart.Equal(day2) {
		t.Errorf("next run = %+v", next)
	}
}

func TestLoadOnlyAfterLaterRunChangedDimensions(t *testing.T) {
	env := seededEnv(t, AdvanceOnExtractSuccess)
	env.src.add("sales_order", salesOrderRow(1, "2024-01-01T10:00:00Z", nil))
	env.clock.Set(day2)
	env.publisher.setErr(errors.New("connection refused"))

	failed, err := env.orch.Execute(context.Background(), "test")
	if err == nil || failed.FailedStage != "load" {
		t.Fatalf("Execute = %v, run %+v", err, failed)
	}

	// A later run adds a currency before the failed run is recovered.
	env.publisher.setErr(nil)
	env.src.add("currency", map[string]string{
		"currency_id": "3", "currency_code": "EUR",
		"created_at": "2024-01-02T09:00:00Z", "last_updated": "2024-01-02T09:00:00Z",
	})
	env.clock.Set(day3)
	if _, err := env.orch.Execute(context.Background(), "test"); err != nil {
		t.Fatalf("later Execute: %v", err)
	}

	receipt, err := env.orch.LoadOnly(context.Background(), failed.ID)
	if err != nil {
		t.Fatalf("LoadOnly(%s): %v", failed.ID, err)
	}
	if receipt.RunID != failed.ID {
		t.Errorf("receipt = %+v", receipt)
	}
	published := env.publisher.tables[failed.ID]
	if published == nil || len(published.Facts) != 1 || len(published.Currency) != 2 {
		t.Errorf("recovered run published %+v", published)
	}
	if ok, _ := env.store.Exists(context.Background(), processedBucket, ReadyKey(failed.ID)); !ok {
		t.Error("recovered run has no ready marker")
	}
}

// failingAdvance rejects the next failures checkpoint advances.
type failingAdvance struct {
	checkpoint.Store
	failures int
}

func (f *failingAdvance) Advance(ctx context.Context, prev *time.Time, next time.Time) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("parameter store unavailable")
	}
	return f.Store.Advance(ctx, prev, next)
}

func TestLoadedRunIsNotRepublishedAfterFailedAdvance(t *testing.T) {
	env := seededEnv(t, AdvanceOnRunSuccess)
	env.orch.Checkpoints = &failingAdvance{Store: env.checkpoints, failures: 1}
	env.src.add("sales_order", salesOrderRow(1, "2024-01-01T10:00:00Z", nil))
	env.clock.Set(day2)

	failed, err := env.orch.Execute(context.Background(), "test")
	if err == nil || failed.FailedStage != "load" {
		t.Fatalf("Execute = %v, run %+v", err, failed)
	}
	if ok, _ := env.store.Exists(context.Background(), processedBucket, ReadyKey(failed.ID)); !ok {
		t.Fatal("load did not mark the run ready")
	}
	assertCheckpoint(t, env, day1)

	env.clock.Set(day3)
	next, err := env.orch.Execute(context.Background(), "test")
	if err != nil {
		t.Fatalf("next Execute: %v", err)
	}
	if next.WindowStart == nil || !next.WindowStart.Equal(day2) || next.FactRows != 0 {
		t.Errorf("next run = %+v, want window from %v with no facts", next, day2)
	}
	assertCheckpoint(t, env, day3)

	partitions, err := ReadPartitions(context.Background(), env.store, processedBucket)
	if err != nil {
		t.Fatal(err)
	}
	facts := 0
	for _, id := range partitions {
		facts += len(readParquet[models.FactSalesOrder](t, env.store, FactKey(id)))
	}
	if facts != 1 {
		t.Errorf("ready partitions hold %d facts, want 1", facts)
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	env := seededEnv(t, AdvanceOnRunSuccess)
	env.src.add("sales_order", salesOrderRow(1, "2024-01-01T10:00:00Z", nil))
	env.clock.Set(day2)

	attempts := 0
	env.src.setFailure(func(table string) error {
		if table != "sales_order" {
			return nil
		}
		attempts++
		if attempts < 3 {
			return AsTransient("query sales_order", errors.New("connection reset by peer"))
		}
		return nil
	})

	run, err := env.orch.Execute(context.Background(), "test")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if attempts != 3 || run.FactRows != 1 {
		t.Errorf("attempts = %d, run = %+v", attempts, run)
	}
	assertCheckpoint(t, env, day2)
}

func TestTransientFailuresExhaustRetries(t *testing.T) {
	env := seededEnv(t, AdvanceOnRunSuccess)
	env.clock.Set(day2)
	env.src.setFailure(func(table string) error {
		return AsTransient("query "+table, errors.New("i/o timeout"))
	})

	_, err := env.orch.Execute(context.Background(), "test")
	if err == nil || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("Execute = %v", err)
	}
	if env.alerts.Events[0].Kind != "transient" {
		t.Errorf("alert = %+v", env.alerts.Events[0])
	}
	assertCheckpoint(t, env, day1)
}

func TestHeldLeaseFailsBeforeExtraction(t *testing.T) {
	env := newTestEnv(t, nil, AdvanceOnRunSuccess)
	if err := env.checkpoints.Acquire(context.Background(), "other-run", time.Hour); err != nil {
		t.Fatal(err)
	}

	run, err := env.orch.Execute(context.Background(), "test")
	if !errors.Is(err, checkpoint.ErrLeaseHeld) {
		t.Fatalf("Execute = %v, want ErrLeaseHeld", err)
	}
	if run.State != models.StateFailed || run.FailedStage != "start" {
		t.Errorf("run = %+v", run)
	}
	if env.src.calls != 0 {
		t.Errorf("source queried %d times while the lease was held", env.src.calls)
	}
	if env.checkpoint(t) != nil {
		t.Error("checkpoint moved")
	}
}

// flakyConnector fails its first failures calls with err.
type flakyConnector struct {
	err      error
	failures int
	calls    int
	released int
}

func (c *flakyConnector) Connect(ctx context.Context) (func(), error) {
	c.calls++
	if c.calls <= c.failures {
		return nil, c.err
	}
	return func() { c.released++ }, nil
}

func TestConnectFailureFailsRunBeforeExtraction(t *testing.T) {
	env := newTestEnv(t, nil, AdvanceOnRunSuccess)
	conn := &flakyConnector{err: Configurationf("source credentials: secret not found"), failures: 100}
	env.orch.Connector = conn

	run, err := env.orch.Execute(context.Background(), "test")
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Stage != "connect" {
		t.Fatalf("Execute = %v, want a connect failure", err)
	}
	if run.State != models.StateFailed || conn.calls != 1 || env.src.calls != 0 {
		t.Errorf("run = %+v, connect calls = %d, source calls = %d", run, conn.calls, env.src.calls)
	}
	if len(env.alerts.Events) != 1 || env.alerts.Events[0].Stage != "connect" || env.alerts.Events[0].Kind != "configuration" {
		t.Errorf("alerts = %+v", env.alerts.Events)
	}
	if cp := env.checkpoint(t); cp != nil {
		t.Errorf("checkpoint = %v after a failed connect", cp)
	}
}

func TestTransientConnectFailureIsRetried(t *testing.T) {
	env := seededEnv(t, AdvanceOnRunSuccess)
	conn := &flakyConnector{err: AsTransient("connect source", errors.New("connection refused")), failures: 2}
	env.orch.Connector = conn
	env.clock.Set(day2)

	if _, err := env.orch.Execute(context.Background(), "test"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if conn.calls != 3 || conn.released != 1 {
		t.Errorf("connect calls = %d, released = %d", conn.calls, conn.released)
	}
	assertCheckpoint(t, env, day2)
}

func TestStageTimeoutFailsRun(t *testing.T) {
	env := newTestEnv(t, nil, AdvanceOnRunSuccess)
	env.orch.Extractor = blockingExtract{}
	env.orch.Timeouts = StageTimeouts{Extract: 20 * time.Millisecond}

	_, err := env.orch.Execute(context.Background(), "test")
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Stage != "extract" {
		t.Fatalf("Execute = %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") || KindOf(err) != KindTransient {
		t.Errorf("err = %v (kind %s)", err, KindOf(err))
	}
}

type blockingExtract struct{}

func (blockingExtract) Extract(ctx context.Context, runID string, checkpoint *time.Time, capture time.Time) (*models.Manifest, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestNotifyFailureIsJoined(t *testing.T) {
	env := newTestEnv(t, nil, AdvanceOnRunSuccess)
	env.src.setFailure(func(string) error { return errors.New("bad credentials") })
	env.orch.Notifier = failingNotifier{}

	_, err := env.orch.Execute(context.Background(), "test")
	var runErr *RunError
	if !errors.As(err, &runErr) || !strings.Contains(err.Error(), "sns down") {
		t.Errorf("Execute = %v", err)
	}
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, alert.Event) error { return errors.New("sns down") }

func TestTransitions(t *testing.T) {
	tests := []struct {
		from models.RunState
		ev   runEvent
		want models.RunState
		ok   bool
	}{
		{models.StatePending, evStart, models.StateExtracting, true},
		{models.StatePending, evFail, models.StateFailed, true},
		{models.StateExtracting, evExtracted, models.StateTransforming, true},
		{models.StateTransforming, evTransformed, models.StateLoading, true},
		{models.StateLoading, evLoaded, models.StateSucceeded, true},
		{models.StateLoading, evFail, models.StateFailed, true},
		{models.StatePending, evLoaded, "", false},
		{models.StateExtracting, evTransformed, "", false},
		{models.StateSucceeded, evStart, "", false},
		{models.StateFailed, evFail, "", false},
	}
	o := &Orchestrator{}
	for _, tt := range tests {
		run := &models.Run{ID: "r", State: tt.from}
		err := o.fire(context.Background(), run, tt.ev)
		if tt.ok {
			if err != nil || run.State != tt.want {
				t.Errorf("%s --%s--> %s, %v; want %s", tt.from, tt.ev, run.State, err, tt.want)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) || run.State != tt.from {
			t.Errorf("%s --%s--> accepted (state %s, err %v)", tt.from, tt.ev, run.State, err)
		}
	}
}

func TestParseCheckpointPolicy(t *testing.T) {
	if p, err := ParseCheckpointPolicy(""); err != nil || p != AdvanceOnRunSuccess {
		t.Errorf("default = %q, %v", p, err)
	}
	if p, err := ParseCheckpointPolicy("on_extract_success"); err != nil || p != AdvanceOnExtractSuccess {
		t.Errorf("on_extract_success = %q, %v", p, err)
	}
	if _, err := ParseCheckpointPolicy("always"); KindOf(err) != KindConfiguration {
		t.Errorf("unknown policy err = %v", err)
	}
}
