package models

import "time"

// SourceTable describes one operational table pulled by the extractor.
type SourceTable struct {
	Name            string `yaml:"name" json:"name"`
	TimestampColumn string `yaml:"timestamp_column" json:"timestamp_column"`
	// Incremental tables are bounded by the extraction window. Non-incremental
	// tables are snapshotted in full on every run.
	Incremental bool `yaml:"incremental" json:"incremental"`
}

// DefaultSourceTables is the totesys table set.
func DefaultSourceTables() []SourceTable {
	names := []string{
		"transaction", "sales_order", "payment", "counterparty",
		"currency", "department", "design", "staff",
		"address", "purchase_order", "payment_type",
	}
	tables := make([]SourceTable, 0, len(names))
	for _, n := range names {
		tables = append(tables, SourceTable{
			Name:            n,
			TimestampColumn: "last_updated",
			Incremental:     n != "department",
		})
	}
	return tables
}

// DBCredentials is the decoded source database secret.
type DBCredentials struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// RawRow is one source row keyed by column name. NULL is the empty string.
type RawRow map[string]string

// RawBatch is the immutable set of rows extracted from one table in one run,
// covering the window (WindowStart, WindowEnd].
type RawBatch struct {
	RunID       string
	Table       string
	Key         string
	Columns     []string
	Rows        []RawRow
	WindowStart *time.Time
	WindowEnd   time.Time
}

// ManifestEntry points at one raw file of a run.
type ManifestEntry struct {
	Table   string   `json:"table"`
	Key     string   `json:"key"`
	Rows    int      `json:"rows"`
	Columns []string `json:"columns"`
}

// Manifest is written once every table of a run is durably stored. Its
// presence is what makes a run's raw batches visible to the transformer.
type Manifest struct {
	RunID       string          `json:"run_id"`
	WindowStart *time.Time      `json:"window_start,omitempty"`
	WindowEnd   time.Time       `json:"window_end"`
	CreatedAt   time.Time       `json:"created_at"`
	Tables      []ManifestEntry `json:"tables"`
}

// Entry returns the manifest entry for table.
func (m *Manifest) Entry(table string) (ManifestEntry, bool) {
	for _, e := range m.Tables {
		if e.Table == table {
			return e, true
		}
	}
	return ManifestEntry{}, false
}
