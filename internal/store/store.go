package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/numisworks/coinid/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrStateConflict is returned when a conditional job update matched no row
// because the job is no longer in the expected lifecycle state.
var ErrStateConflict = eris.New("store: job state conflict")

// SourceFilter narrows source listings.
type SourceFilter struct {
	ActiveOnly          bool
	SpecializesInErrors *bool
}

// Store defines persistence for the identification engine. Job transition
// methods are compare-and-set: they only match a job in the expected state,
// so a watchdog and a completing worker can never both win.
type Store interface {
	// Sources
	CreateSource(ctx context.Context, src model.ExternalSource) error
	UpdateSource(ctx context.Context, src model.ExternalSource) error
	DeleteSource(ctx context.Context, id string) error
	GetSource(ctx context.Context, id string) (*model.ExternalSource, error)
	ListSources(ctx context.Context, filter SourceFilter) ([]model.ExternalSource, error)
	SetSourceReliability(ctx context.Context, id string, score float64) error

	// Jobs
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit int) ([]model.JobSummary, error)
	MarkJobRunning(ctx context.Context, job *model.Job) error
	CompleteJob(ctx context.Context, job *model.Job) error
	FailJob(ctx context.Context, job *model.Job) error

	// Evidence
	InsertEvidence(ctx context.Context, rec model.EvidenceRecord) error
	ListEvidence(ctx context.Context, jobID string) ([]model.EvidenceRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
