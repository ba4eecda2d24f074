package etl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/BartekS5/totesys-etl/internal/alert"
	"github.com/BartekS5/totesys-etl/internal/checkpoint"
	"github.com/BartekS5/totesys-etl/internal/metrics"
	"github.com/BartekS5/totesys-etl/internal/runlog"
	"github.com/BartekS5/totesys-etl/pkg/logger"
	"github.com/BartekS5/totesys-etl/pkg/models"
)

// CheckpointPolicy decides when a run's capture time becomes the checkpoint.
type CheckpointPolicy string

const (
	// AdvanceOnRunSuccess moves the checkpoint only once Load has succeeded.
	// A failed transform or load makes the next run re-extract the window.
	AdvanceOnRunSuccess CheckpointPolicy = "on_run_success"
	// AdvanceOnExtractSuccess moves the checkpoint as soon as the raw batches
	// and manifest are durable. Later failures are recovered by reprocessing
	// the run id, not by re-extraction.
	AdvanceOnExtractSuccess CheckpointPolicy = "on_extract_success"
)

// ParseCheckpointPolicy validates a configured policy; "" selects the default.
func ParseCheckpointPolicy(s string) (CheckpointPolicy, error) {
	switch CheckpointPolicy(s) {
	case "", AdvanceOnRunSuccess:
		return AdvanceOnRunSuccess, nil
	case AdvanceOnExtractSuccess:
		return AdvanceOnExtractSuccess, nil
	}
	return "", Configurationf("unknown checkpoint policy %q", s)
}

// StageTimeouts bound each stage, retries included. Zero means unbounded.
type StageTimeouts struct {
	Extract   time.Duration
	Transform time.Duration
	Load      time.Duration
}

func (t StageTimeouts) forStage(stage string) time.Duration {
	switch stage {
	case "extract":
		return t.Extract
	case "transform":
		return t.Transform
	case "load":
		return t.Load
	}
	return 0
}

func (t StageTimeouts) total() time.Duration {
	return t.Extract + t.Transform + t.Load
}

type runEvent string

const (
	evStart       runEvent = "start"
	evExtracted   runEvent = "extracted"
	evTransformed runEvent = "transformed"
	evLoaded      runEvent = "loaded"
	evFail        runEvent = "fail"
)

// transitions is the complete run state machine. Anything not listed is
// rejected, so a run can never skip a stage or leave a terminal state.
var transitions = map[models.RunState]map[runEvent]models.RunState{
	models.StatePending: {
		evStart: models.StateExtracting,
		evFail:  models.StateFailed,
	},
	models.StateExtracting: {
		evExtracted: models.StateTransforming,
		evFail:      models.StateFailed,
	},
	models.StateTransforming: {
		evTransformed: models.StateLoading,
		evFail:        models.StateFailed,
	},
	models.StateLoading: {
		evLoaded: models.StateSucceeded,
		evFail:   models.StateFailed,
	},
}

// ErrInvalidTransition is returned for an event the current state does not accept.
var ErrInvalidTransition = errors.New("invalid run transition")

// RunError is the terminal failure of a run.
type RunError struct {
	RunID string
	Stage string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s failed in %s: %v", e.RunID, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

const defaultLeaseTTL = time.Hour

// Orchestrator drives runs through Extract, Transform and Load. It owns
// the checkpoint: stages receive the window, they never move it.
type Orchestrator struct {
	Extractor   ExtractStage
	Transformer TransformStage
	Loader      LoadStage

	Checkpoints checkpoint.Store
	Lease       checkpoint.Lease
	LeaseTTL    time.Duration
	Policy      CheckpointPolicy

	Timeouts StageTimeouts
	Retry    RetryPolicy

	Notifier alert.Notifier
	Recorder runlog.Recorder
	Metrics  *metrics.Metrics

	// Connector, when set, is opened before every extraction.
	Connector Connector

	Now      func() time.Time
	NewRunID func(time.Time) string
	// RetryTimer overrides the wait between retries.
	RetryTimer backoff.Timer
}

// Connector opens what a run needs before it extracts, such as source
// credentials and a database connection. release is called when the run
// ends.
type Connector interface {
	Connect(ctx context.Context) (release func(), err error)
}

// Execute performs one full run. The returned run is in a terminal state;
// on failure the error is a *RunError and the failure has been notified.
func (o *Orchestrator) Execute(ctx context.Context, trigger string) (*models.Run, error) {
	started := o.now()
	newID := o.NewRunID
	if newID == nil {
		newID = NewRunID
	}
	run := &models.Run{ID: newID(started), Trigger: trigger, State: models.StatePending, StartedAt: started}
	log := logger.With(zap.String("run_id", run.ID), zap.String("trigger", trigger))
	o.record(ctx, run)

	if o.Lease != nil {
		if err := o.Lease.Acquire(ctx, run.ID, o.leaseTTL()); err != nil {
			return run, o.fail(ctx, run, "start", fmt.Errorf("acquire run lease: %w", err))
		}
		defer o.release(ctx, run.ID)
	}

	release, err := o.connect(ctx)
	if err != nil {
		return run, o.fail(ctx, run, "connect", err)
	}
	defer release()

	if err := o.fire(ctx, run, evStart); err != nil {
		return run, err
	}

	var (
		manifest *models.Manifest
		previous *time.Time
	)
	err = o.runStage(ctx, "extract", func(ctx context.Context) error {
		cp, err := o.Checkpoints.Get(ctx)
		if err != nil {
			return fmt.Errorf("read checkpoint: %w", err)
		}
		if cp, err = o.finishAdvance(ctx, cp); err != nil {
			return err
		}
		capture := o.now()
		if cp != nil && capture.Before(*cp) {
			capture = *cp
		}
		m, err := o.Extractor.Extract(ctx, run.ID, cp, capture)
		if err != nil {
			return err
		}
		if err := guardExtracted(run.ID, m); err != nil {
			return err
		}
		manifest, previous = m, cp
		return nil
	})
	if err == nil {
		run.WindowStart = manifest.WindowStart
		run.WindowEnd = manifest.WindowEnd
		for _, e := range manifest.Tables {
			run.RowsExtracted += e.Rows
		}
		if o.policy() == AdvanceOnExtractSuccess {
			err = o.advance(ctx, run, "extract", previous, manifest.WindowEnd)
		}
	}
	if err != nil {
		return run, o.fail(ctx, run, "extract", err)
	}
	if err := o.fire(ctx, run, evExtracted); err != nil {
		return run, err
	}

	var report *TransformReport
	err = o.runStage(ctx, "transform", func(ctx context.Context) error {
		r, err := o.Transformer.Transform(ctx, run.ID)
		if err != nil {
			return err
		}
		if r == nil || r.RunID != run.ID {
			return Contractf("transform returned a report for another run")
		}
		report = r
		return nil
	})
	if err != nil {
		return run, o.fail(ctx, run, "transform", err)
	}
	run.FactRows = report.FactRows
	run.QuarantinedRows = report.QuarantinedRows
	if err := o.fire(ctx, run, evTransformed); err != nil {
		return run, err
	}

	err = o.runStage(ctx, "load", func(ctx context.Context) error {
		receipt, err := o.Loader.Load(ctx, run.ID)
		if err != nil {
			return err
		}
		if receipt == nil || receipt.RunID != run.ID {
			return Contractf("load did not confirm run %s", run.ID)
		}
		return nil
	})
	if err == nil && o.policy() == AdvanceOnRunSuccess {
		err = o.advance(ctx, run, "load", previous, manifest.WindowEnd)
	}
	if err != nil {
		return run, o.fail(ctx, run, "load", err)
	}
	if err := o.fire(ctx, run, evLoaded); err != nil {
		return run, err
	}

	o.Metrics.RunFinished(string(models.StateSucceeded))
	log.Info("run succeeded",
		zap.Int("rows_extracted", run.RowsExtracted),
		zap.Int("fact_rows", run.FactRows),
		zap.Int("quarantined", run.QuarantinedRows))
	return run, nil
}

// ExtractOnly extracts a new run under the lease without moving the
// checkpoint. The run can then be transformed and loaded by id.
func (o *Orchestrator) ExtractOnly(ctx context.Context) (*models.Manifest, error) {
	newID := o.NewRunID
	if newID == nil {
		newID = NewRunID
	}
	runID := newID(o.now())
	var manifest *models.Manifest
	err := o.withLease(ctx, runID, func() error {
		release, err := o.connect(ctx)
		if err != nil {
			return err
		}
		defer release()
		return o.runStage(ctx, "extract", func(ctx context.Context) error {
			cp, err := o.Checkpoints.Get(ctx)
			if err != nil {
				return fmt.Errorf("read checkpoint: %w", err)
			}
			capture := o.now()
			if cp != nil && capture.Before(*cp) {
				capture = *cp
			}
			m, err := o.Extractor.Extract(ctx, runID, cp, capture)
			if err != nil {
				return err
			}
			manifest = m
			return guardExtracted(runID, m)
		})
	})
	return manifest, err
}

// TransformOnly reprocesses an extracted run.
func (o *Orchestrator) TransformOnly(ctx context.Context, runID string) (*TransformReport, error) {
	var report *TransformReport
	err := o.withLease(ctx, "transform-"+runID, func() error {
		return o.runStage(ctx, "transform", func(ctx context.Context) error {
			r, err := o.Transformer.Transform(ctx, runID)
			report = r
			return err
		})
	})
	return report, err
}

// LoadOnly reloads a transformed run.
func (o *Orchestrator) LoadOnly(ctx context.Context, runID string) (*LoadReceipt, error) {
	var receipt *LoadReceipt
	err := o.withLease(ctx, "load-"+runID, func() error {
		return o.runStage(ctx, "load", func(ctx context.Context) error {
			r, err := o.Loader.Load(ctx, runID)
			receipt = r
			return err
		})
	})
	return receipt, err
}

// finishAdvance moves the checkpoint past a run that was marked ready but
// whose checkpoint advance never completed, so its window is not extracted
// and published again.
func (o *Orchestrator) finishAdvance(ctx context.Context, cp *time.Time) (*time.Time, error) {
	last, err := o.Loader.LastReady(ctx)
	if err != nil || last == nil {
		return cp, err
	}
	startedHere := (cp == nil && last.WindowStart == nil) ||
		(cp != nil && last.WindowStart != nil && last.WindowStart.Equal(*cp))
	if !startedHere || (cp != nil && !last.WindowEnd.After(*cp)) {
		return cp, nil
	}
	if err := o.Checkpoints.Advance(ctx, cp, last.WindowEnd); err != nil {
		return nil, fmt.Errorf("complete checkpoint advance of run %s: %w", last.RunID, err)
	}
	o.Metrics.Checkpoint(last.WindowEnd)
	logger.L().Warn("completed checkpoint advance of an earlier loaded run",
		zap.String("run_id", last.RunID),
		zap.Time("checkpoint", last.WindowEnd))
	end := last.WindowEnd
	return &end, nil
}

// connect opens the Connector, retrying transient failures.
func (o *Orchestrator) connect(ctx context.Context) (func(), error) {
	release := func() {}
	if o.Connector == nil {
		return release, nil
	}
	err := o.runStage(ctx, "connect", func(ctx context.Context) error {
		r, err := o.Connector.Connect(ctx)
		if err != nil {
			return err
		}
		if r != nil {
			release = r
		}
		return nil
	})
	return release, err
}

func guardExtracted(runID string, m *models.Manifest) error {
	if m == nil || m.RunID != runID {
		return Contractf("extract did not produce a manifest for run %s", runID)
	}
	if len(m.Tables) == 0 {
		return Contractf("manifest for run %s lists no tables", runID)
	}
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage string, fn func(context.Context) error) error {
	timeout := o.Timeouts.forStage(stage)
	sctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r := NewRetrier(o.Retry)
	r.Timer = o.RetryTimer
	r.OnAttempt = func(int) { o.Metrics.StageAttempt(stage) }

	began := time.Now()
	err := r.Do(sctx, stage, fn)
	if err != nil && ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		err = newError(KindTransient, stage, fmt.Errorf("stage timed out after %s: %w", timeout, err))
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.Metrics.ObserveStage(stage, outcome, time.Since(began))
	return err
}

func (o *Orchestrator) advance(ctx context.Context, run *models.Run, stage string, prev *time.Time, next time.Time) error {
	r := NewRetrier(o.Retry)
	r.Timer = o.RetryTimer
	err := r.Do(ctx, "advance checkpoint", func(ctx context.Context) error {
		return o.Checkpoints.Advance(ctx, prev, next)
	})
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	v := next
	run.CheckpointAfter = &v
	o.Metrics.Checkpoint(next)
	logger.L().Info("checkpoint advanced",
		zap.String("run_id", run.ID),
		zap.String("stage", stage),
		zap.Time("checkpoint", next))
	return nil
}

func (o *Orchestrator) fire(ctx context.Context, run *models.Run, ev runEvent) error {
	next, ok := transitions[run.State][ev]
	if !ok {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev, run.State)
	}
	at := o.now()
	run.Transitions = append(run.Transitions, models.Transition{From: run.State, To: next, At: at})
	logger.L().Debug("run transition",
		zap.String("run_id", run.ID),
		zap.String("from", string(run.State)),
		zap.String("to", string(next)))
	run.State = next
	if next.Terminal() {
		run.FinishedAt = &at
	}
	o.record(ctx, run)
	return nil
}

// fail moves run to Failed, notifies and returns the terminal error.
func (o *Orchestrator) fail(ctx context.Context, run *models.Run, stage string, cause error) error {
	log := logger.With(zap.String("run_id", run.ID), zap.String("stage", stage))
	run.FailedStage = stage
	run.Error = cause.Error()
	if err := o.fire(ctx, run, evFail); err != nil {
		log.Error("cannot record failure", zap.Error(err))
	}
	o.Metrics.RunFinished(string(models.StateFailed))

	kind := KindOf(cause)
	log.Error("run failed", zap.String("kind", kind.String()), zap.Error(cause))

	runErr := &RunError{RunID: run.ID, Stage: stage, Err: cause}
	if o.Notifier == nil {
		return runErr
	}
	event := alert.Event{
		RunID:      run.ID,
		Stage:      stage,
		Kind:       kind.String(),
		Error:      cause.Error(),
		OccurredAt: o.now(),
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := o.Notifier.Notify(nctx, event); err != nil {
		log.Error("failure notification not delivered", zap.Error(err))
		return errors.Join(runErr, fmt.Errorf("notify: %w", err))
	}
	return runErr
}

func (o *Orchestrator) withLease(ctx context.Context, owner string, fn func() error) error {
	if o.Lease == nil {
		return fn()
	}
	if err := o.Lease.Acquire(ctx, owner, o.leaseTTL()); err != nil {
		return fmt.Errorf("acquire run lease: %w", err)
	}
	defer o.release(ctx, owner)
	return fn()
}

func (o *Orchestrator) release(ctx context.Context, owner string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.Lease.Release(rctx, owner); err != nil {
		logger.L().Warn("run lease not released", zap.String("owner", owner), zap.Error(err))
	}
}

func (o *Orchestrator) record(ctx context.Context, run *models.Run) {
	if o.Recorder == nil {
		return
	}
	if err := o.Recorder.Record(ctx, run); err != nil {
		logger.L().Warn("run not recorded", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (o *Orchestrator) leaseTTL() time.Duration {
	if o.LeaseTTL > 0 {
		return o.LeaseTTL
	}
	if t := o.Timeouts.total(); t > 0 {
		return t + 5*time.Minute
	}
	return defaultLeaseTTL
}

func (o *Orchestrator) policy() CheckpointPolicy {
	if o.Policy == "" {
		return AdvanceOnRunSuccess
	}
	return o.Policy
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}
