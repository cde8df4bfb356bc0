package model

import "time"

// JobStatus is the lifecycle state of an identification job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is permitted.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ErrorKind labels why a job reached the Failed state.
type ErrorKind string

const (
	ErrKindSourceNotFound       ErrorKind = "source_not_found"
	ErrKindInvalidSourceConfig  ErrorKind = "invalid_source_config"
	ErrKindSourceUnavailable    ErrorKind = "source_unavailable"
	ErrKindMalformedEvidence    ErrorKind = "malformed_evidence"
	ErrKindInsufficientEvidence ErrorKind = "insufficient_evidence"
	ErrKindInvalidTransition    ErrorKind = "invalid_transition"
	ErrKindTimeout              ErrorKind = "timeout"
	ErrKindInvalidPriceTable    ErrorKind = "invalid_price_table"
	ErrKindInternal             ErrorKind = "internal"
)

// FeatureGuess is the inbound payload for one identification attempt: the
// upstream vision model's structured field guesses plus optional caller
// hints about the target classification.
type FeatureGuess struct {
	Fields          map[string]string  `json:"fields,omitempty"`
	FieldConfidence map[string]float64 `json:"field_confidence,omitempty"`
	Signals         FeatureSignals     `json:"signals"`
	Hints           *SubmissionHints   `json:"hints,omitempty"`
}

// SubmissionHints narrows source selection for a job.
type SubmissionHints struct {
	SuspectedError bool        `json:"suspected_error,omitempty"`
	Country        string      `json:"country,omitempty"`
	Trend          MarketTrend `json:"trend,omitempty"`
}

// JobOutput is the combined successful result persisted on a completed job.
type JobOutput struct {
	Identification *IdentificationRecord  `json:"identification"`
	Anomaly        *AnomalyClassification `json:"anomaly"`
	Valuation      *ValuationResult       `json:"valuation"`
}

// Job is one end-to-end identification attempt. Completed and Failed are
// terminal: the tracker rejects any further mutation.
type Job struct {
	ID           string        `json:"id"`
	Status       JobStatus     `json:"status"`
	Input        *FeatureGuess `json:"input"`
	Output       *JobOutput    `json:"output,omitempty"`
	ErrorKind    ErrorKind     `json:"error_kind,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	TimeoutMs    int64         `json:"timeout_ms"`
	DurationMs   int64         `json:"duration_ms"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// JobSummary is the trimmed job shape served to dashboard history views.
type JobSummary struct {
	ID         string    `json:"id"`
	Status     JobStatus `json:"status"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Summary projects a job onto its dashboard summary shape.
func (j *Job) Summary() JobSummary {
	return JobSummary{
		ID:         j.ID,
		Status:     j.Status,
		ErrorKind:  j.ErrorKind,
		DurationMs: j.DurationMs,
		CreatedAt:  j.CreatedAt,
	}
}
