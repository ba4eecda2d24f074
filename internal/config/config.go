// Package config loads runtime settings: deployment values from the
// environment and pipeline tuning from an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	defaultCheckpointParameter = "last_checked"
	defaultLockParameter       = "last_checked_lock"
)

// Config holds deployment configuration, typically loaded from environment
// variables (populated from .env by main.go when present).
type Config struct {
	DBSecretName        string
	SourceDriver        string
	IngestionBucket     string
	ProcessedBucket     string
	AWSRegion           string
	AWSEndpoint         string
	CheckpointParameter string
	LockParameter       string
	AlertTopicARN       string
	WarehouseSecretName string
	WarehouseSchema     string
	RunlogMongoURI      string
	RunlogDatabase      string
	PipelineConfigPath  string
	LogLevel            string
	LogJSON             bool
}

// MissingError lists required environment variables that are not set.
type MissingError struct {
	Vars []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("required environment variables not set: %s", strings.Join(e.Vars, ", "))
}

// LoadConfig loads application settings from environment variables.
func LoadConfig() (*Config, error) {
	return loadFrom(os.LookupEnv)
}

func loadFrom(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := &Config{
		DBSecretName:        get("DB_SECRET_NAME", ""),
		SourceDriver:        get("SOURCE_DRIVER", "postgres"),
		IngestionBucket:     get("S3_INGESTION_BUCKET", ""),
		ProcessedBucket:     get("S3_PROCESSED_BUCKET", ""),
		AWSRegion:           get("AWS_REGION", ""),
		AWSEndpoint:         get("AWS_ENDPOINT_URL", ""),
		CheckpointParameter: get("CHECKPOINT_PARAMETER", defaultCheckpointParameter),
		LockParameter:       get("CHECKPOINT_LOCK_PARAMETER", defaultLockParameter),
		AlertTopicARN:       get("ALERT_TOPIC_ARN", ""),
		WarehouseSecretName: get("WAREHOUSE_SECRET_NAME", ""),
		WarehouseSchema:     get("WAREHOUSE_SCHEMA", "public"),
		RunlogMongoURI:      get("RUNLOG_MONGO_URI", ""),
		RunlogDatabase:      get("RUNLOG_DATABASE", "totesys_etl"),
		PipelineConfigPath:  get("PIPELINE_CONFIG", ""),
		LogLevel:            get("LOG_LEVEL", "info"),
		LogJSON:             get("LOG_FORMAT", "json") == "json",
	}

	var missing []string
	for _, req := range []struct{ name, value string }{
		{"DB_SECRET_NAME", cfg.DBSecretName},
		{"S3_INGESTION_BUCKET", cfg.IngestionBucket},
		{"S3_PROCESSED_BUCKET", cfg.ProcessedBucket},
	} {
		if req.value == "" {
			missing = append(missing, req.name)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingError{Vars: missing}
	}

	switch cfg.SourceDriver {
	case "postgres", "sqlserver":
	default:
		return nil, fmt.Errorf("SOURCE_DRIVER must be postgres or sqlserver, got %q", cfg.SourceDriver)
	}
	if cfg.IngestionBucket == cfg.ProcessedBucket {
		return nil, fmt.Errorf("S3_INGESTION_BUCKET and S3_PROCESSED_BUCKET must differ")
	}
	return cfg, nil
}
