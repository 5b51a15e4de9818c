package domain

import "time"

// ArchiveEntry is the immutable summary of a terminated run.
type ArchiveEntry struct {
	RunID       string         `json:"run_id"`
	Status      string         `json:"status"`
	Features    []string       `json:"features,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     time.Time      `json:"ended_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	OutputPath  *string        `json:"-"`
	LogPath     *string        `json:"-"`
	Final       CanonicalState `json:"final"`
	Exit        *ExitOutcome   `json:"exit,omitempty"`
	Metrics     *OutputMetrics `json:"metrics,omitempty"`
}

// OutputMetrics summarises the simulator's output artifact.
type OutputMetrics struct {
	LatestFinishSeconds int `json:"latest_finish_seconds"`
	MaxDIJobs           int `json:"max_di_jobs"`
}

// Dataset is an uploaded tabular input.
type Dataset struct {
	ID         string     `json:"dataset_id"`
	Headers    []string   `json:"headers"`
	Rows       [][]string `json:"-"`
	Size       int64      `json:"size"`
	UploadedAt time.Time  `json:"uploaded_at"`
}
