package etl

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Object layout of the raw and processed areas.
const (
	manifestPrefix   = "_manifests/"
	quarantinePrefix = "_quarantine/"
	reportPrefix     = "_reports/"
	readyPrefix      = "_ready/"

	factTable       = "fact_sales_order"
	partitionsIndex = factTable + "/_partitions.json"
)

// NewRunID derives a sortable, unique run id from the capture time.
func NewRunID(capture time.Time) string {
	return capture.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

// RawKey is the raw area key of table's batch for runID.
func RawKey(table, runID string) string {
	return fmt.Sprintf("%s/%s.csv", table, runID)
}

// ManifestKey is the raw area key of runID's manifest.
func ManifestKey(runID string) string {
	return manifestPrefix + runID + ".json"
}

func dimensionKey(dim string) string {
	return fmt.Sprintf("%s/%s.parquet", dim, dim)
}

// DimensionRunKey is the processed area key of the dimension snapshot
// written by runID. The report references it, so loading an older run
// still sees the rows that run produced.
func DimensionRunKey(dim, runID string) string {
	return fmt.Sprintf("%s/run_id=%s/%s.parquet", dim, runID, dim)
}

func keymapKey(dim string) string {
	return dim + "/_keymap.json"
}

// FactKey is the processed area key of runID's fact partition.
func FactKey(runID string) string {
	return fmt.Sprintf("%s/run_id=%s/part-00000.parquet", factTable, runID)
}

// QuarantineKey is the processed area key of runID's rejected rows from
// table. Rejected sales_order rows are filed under the fact table name.
func QuarantineKey(runID, table string) string {
	if table == "sales_order" {
		table = factTable
	}
	return fmt.Sprintf("%srun_id=%s/%s.jsonl", quarantinePrefix, runID, table)
}

// ReportKey is the processed area key of runID's transform report.
func ReportKey(runID string) string {
	return fmt.Sprintf("%srun_id=%s/transform.json", reportPrefix, runID)
}

// ReadyKey is the processed area key of runID's ready marker.
func ReadyKey(runID string) string {
	return fmt.Sprintf("%srun_id=%s.json", readyPrefix, runID)
}
