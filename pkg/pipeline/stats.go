package pipeline

import (
	"time"

	"github.com/turbolytics/radar-etl/pkg/dataset"
)

type Stats struct {
	RunID         string    `json:"run_id"`
	State         State     `json:"state"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
	UptimeSeconds int64     `json:"uptime_seconds"`

	WindowsPlanned int             `json:"windows_planned"`
	WindowsDone    int             `json:"windows_done"`
	CurrentWindow  *dataset.Window `json:"current_window,omitempty"`

	RecordsFetched int64 `json:"records_fetched"`
	RecordsSkipped int64 `json:"records_skipped"`
	RowsWritten    int64 `json:"rows_written"`
	BytesRecovered int64 `json:"bytes_recovered,omitempty"`

	CheckpointCount  int64       `json:"checkpoint_count"`
	LastCheckpointAt time.Time   `json:"last_checkpoint_at,omitempty"`
	LastCheckpoint   *Checkpoint `json:"last_checkpoint,omitempty"`

	LastError string `json:"last_error,omitempty"`
}
