package domain

import (
	"strings"
	"time"
)

// DatasetDescriptor is the remote catalog's description of one dataset.
type DatasetDescriptor struct {
	ID          string   `json:"identifier"`
	Title       string   `json:"title"`
	DownloadURL string   `json:"download_url"`
	Fingerprint string   `json:"fingerprint"` // opaque version token, e.g. upstream "modified"
	Themes      []string `json:"themes,omitempty"`
	MediaType   string   `json:"media_type,omitempty"`
}

// HasFingerprint reports whether the descriptor carries a usable version token.
func (d DatasetDescriptor) HasFingerprint() bool {
	return strings.TrimSpace(d.Fingerprint) != ""
}

// RecordStatus is the lifecycle state of a persisted dataset record.
type RecordStatus string

const (
	StatusPending RecordStatus = "pending"
	StatusSuccess RecordStatus = "success"
	StatusFailed  RecordStatus = "failed"
)

// DatasetRecord is the durable memory of the last successfully processed state of one dataset.
// Fingerprint, RawPath, ProcessedPath and LastSuccess only change on a successful commit.
type DatasetRecord struct {
	ID            string       `json:"dataset_id"`
	Title         string       `json:"title"`
	Fingerprint   string       `json:"fingerprint"`
	RawPath       string       `json:"raw_path"`
	ProcessedPath string       `json:"processed_path"`
	LastSuccess   time.Time    `json:"last_success"`
	Status        RecordStatus `json:"status"`
	LastError     string       `json:"last_error,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Decision is the change detector's verdict for one descriptor.
type Decision string

const (
	DecisionNeedsFetch Decision = "needs-fetch"
	DecisionSkip       Decision = "skip"
)

// Outcome describes how a task ended.
type Outcome struct {
	Success       bool
	RawPath       string
	ProcessedPath string
	Kind          ErrorKind
	Err           error
	Duration      time.Duration
}

// ProcessingTask is one unit of fetch-transform-commit work for a single dataset within a run.
type ProcessingTask struct {
	Descriptor DatasetDescriptor
	Decision   Decision
	Reason     string
	// Previous is the stored record seen during detection, nil for new datasets.
	Previous *DatasetRecord
	Outcome  *Outcome
}

// CommitRequest carries everything needed to advance a record after successful processing.
type CommitRequest struct {
	ID            string
	Title         string
	Fingerprint   string
	RawPath       string
	ProcessedPath string
	At            time.Time
}

// TaskFailure is one failed dataset as reported in a run summary.
type TaskFailure struct {
	ID      string    `json:"dataset_id"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// RunSummary holds the outcome of a single pipeline run.
type RunSummary struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Total      int           `json:"total"`
	Skipped    int           `json:"skipped"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Failures   []TaskFailure `json:"failures,omitempty"`
}

// Duration returns the wall time the run took.
func (s *RunSummary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
