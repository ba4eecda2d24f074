package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BartekS5/totesys-etl/pkg/models"
)

// PipelineSettings tunes the pipeline. Every field has a default, so the
// YAML file is optional.
type PipelineSettings struct {
	Tables              []models.SourceTable `yaml:"tables"`
	ExtractParallelism  int                  `yaml:"extract_parallelism"`
	QuarantineThreshold float64              `yaml:"quarantine_threshold"`
	CheckpointPolicy    string               `yaml:"checkpoint_policy"`
	Timeouts            TimeoutSettings      `yaml:"timeouts"`
	Retry               RetrySettings        `yaml:"retry"`
	QueryTimeout        time.Duration        `yaml:"query_timeout"`
}

// TimeoutSettings bounds each stage, retries included.
type TimeoutSettings struct {
	Extract   time.Duration `yaml:"extract"`
	Transform time.Duration `yaml:"transform"`
	Load      time.Duration `yaml:"load"`
}

// RetrySettings bounds in-stage retries of transient failures.
type RetrySettings struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// DefaultPipelineSettings returns the settings used when no file is given.
func DefaultPipelineSettings() *PipelineSettings {
	return &PipelineSettings{
		Tables:              models.DefaultSourceTables(),
		ExtractParallelism:  4,
		QuarantineThreshold: 0.1,
		CheckpointPolicy:    "on_run_success",
		Timeouts: TimeoutSettings{
			Extract:   10 * time.Minute,
			Transform: 10 * time.Minute,
			Load:      5 * time.Minute,
		},
		Retry: RetrySettings{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
			Jitter:       0.1,
		},
		QueryTimeout: 2 * time.Minute,
	}
}

// LoadPipelineSettings reads settings from path over the defaults. An empty
// path returns the defaults.
func LoadPipelineSettings(path string) (*PipelineSettings, error) {
	s := DefaultPipelineSettings()
	if path == "" {
		return s, s.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline config '%s': %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline config '%s': %w", path, err)
	}
	for i := range s.Tables {
		if s.Tables[i].TimestampColumn == "" {
			s.Tables[i].TimestampColumn = "last_updated"
		}
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config '%s': %w", path, err)
	}
	return s, nil
}

// Validate validates the settings.
func (s *PipelineSettings) Validate() error {
	var errs []error
	if len(s.Tables) == 0 {
		errs = append(errs, errors.New("at least one source table is required"))
	}
	seen := make(map[string]bool, len(s.Tables))
	for _, t := range s.Tables {
		if t.Name == "" {
			errs = append(errs, errors.New("source table without a name"))
			continue
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Errorf("source table %s listed twice", t.Name))
		}
		seen[t.Name] = true
	}
	if s.ExtractParallelism < 1 {
		errs = append(errs, errors.New("extract_parallelism must be at least 1"))
	}
	if s.QuarantineThreshold < 0 || s.QuarantineThreshold > 1 {
		errs = append(errs, errors.New("quarantine_threshold must be between 0 and 1"))
	}
	switch s.CheckpointPolicy {
	case "", "on_run_success", "on_extract_success":
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint_policy %q", s.CheckpointPolicy))
	}
	if s.Timeouts.Extract < 0 || s.Timeouts.Transform < 0 || s.Timeouts.Load < 0 {
		errs = append(errs, errors.New("stage timeouts must not be negative"))
	}
	if s.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if s.Retry.Multiplier != 0 && s.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be at least 1"))
	}
	if s.Retry.Jitter < 0 || s.Retry.Jitter > 1 {
		errs = append(errs, errors.New("retry.jitter must be between 0 and 1"))
	}
	return errors.Join(errs...)
}
