package models

import "time"

// RunState is a pipeline run's position in the state machine.
type RunState string

const (
	StatePending      RunState = "pending"
	StateExtracting   RunState = "extracting"
	StateTransforming RunState = "transforming"
	StateLoading      RunState = "loading"
	StateSucceeded    RunState = "succeeded"
	StateFailed       RunState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Transition is one recorded state change.
type Transition struct {
	From RunState  `json:"from" bson:"from"`
	To   RunState  `json:"to" bson:"to"`
	At   time.Time `json:"at" bson:"at"`
}

// Run is one Extract -> Transform -> Load execution.
type Run struct {
	ID              string       `json:"run_id" bson:"_id"`
	Trigger         string       `json:"trigger" bson:"trigger"`
	State           RunState     `json:"state" bson:"state"`
	StartedAt       time.Time    `json:"started_at" bson:"started_at"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
	WindowStart     *time.Time   `json:"window_start,omitempty" bson:"window_start,omitempty"`
	WindowEnd       time.Time    `json:"window_end" bson:"window_end"`
	CheckpointAfter *time.Time   `json:"checkpoint_after,omitempty" bson:"checkpoint_after,omitempty"`
	RowsExtracted   int          `json:"rows_extracted" bson:"rows_extracted"`
	FactRows        int          `json:"fact_rows" bson:"fact_rows"`
	QuarantinedRows int          `json:"quarantined_rows" bson:"quarantined_rows"`
	FailedStage     string       `json:"failed_stage,omitempty" bson:"failed_stage,omitempty"`
	Error           string       `json:"error,omitempty" bson:"error,omitempty"`
	Transitions     []Transition `json:"transitions" bson:"transitions"`
}
