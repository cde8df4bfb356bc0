// Package tracker owns the job lifecycle. Jobs move strictly
// Pending -> Running -> Completed or Failed; terminal states admit no
// further mutation. Transition legality is enforced twice: here, and by
// compare-and-set updates in the store, so a watchdog firing at the same
// instant as a completion can never double-write a terminal state.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/numisworks/coinid/internal/model"
	"github.com/numisworks/coinid/internal/store"
)

// ErrInvalidTransition is returned for any lifecycle edge outside the
// state machine. It is always surfaced, never swallowed: hitting it means
// an ordering bug in the caller.
var ErrInvalidTransition = eris.New("tracker: invalid transition")

// Tracker records job lifecycles in the store and arms a watchdog per
// running job so a hung source adapter can never leave a job Running
// forever.
type Tracker struct {
	store store.Store
	now   func() time.Time // injectable for testing

	mu        sync.Mutex
	watchdogs map[string]*time.Timer
}

// New creates a Tracker.
func New(s store.Store) *Tracker {
	return &Tracker{
		store:     s,
		now:       time.Now,
		watchdogs: make(map[string]*time.Timer),
	}
}

// WithNow sets a fixed clock for testing.
func (t *Tracker) WithNow(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Submit creates a job in Pending and returns it.
func (t *Tracker) Submit(ctx context.Context, input *model.FeatureGuess, timeoutMs int64) (*model.Job, error) {
	job := &model.Job{
		ID:        uuid.New().String(),
		Status:    model.JobStatusPending,
		Input:     input,
		TimeoutMs: timeoutMs,
		CreatedAt: t.now().UTC(),
	}
	if err := t.store.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "tracker: submit")
	}
	zap.L().Info("tracker: job submitted",
		zap.String("job", job.ID),
		zap.Int64("timeout_ms", timeoutMs),
	)
	return job, nil
}

// Start transitions Pending -> Running, records the start time, and arms
// the timeout watchdog.
func (t *Tracker) Start(ctx context.Context, jobID string) (*model.Job, error) {
	startedAt := t.now().UTC()
	job := &model.Job{ID: jobID, StartedAt: &startedAt}

	if err := t.store.MarkJobRunning(ctx, job); err != nil {
		if eris.Is(err, store.ErrStateConflict) {
			return nil, eris.Wrapf(ErrInvalidTransition, "start job %s", jobID)
		}
		return nil, eris.Wrap(err, "tracker: start")
	}

	full, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "tracker: reload started job")
	}
	t.armWatchdog(full)
	return full, nil
}

// Complete transitions Running -> Completed with the combined output.
func (t *Tracker) Complete(ctx context.Context, jobID string, output *model.JobOutput) error {
	t.disarmWatchdog(jobID)

	completedAt := t.now().UTC()
	job := &model.Job{
		ID:          jobID,
		Output:      output,
		CompletedAt: &completedAt,
		DurationMs:  t.elapsedMs(ctx, jobID, completedAt),
	}
	if err := t.store.CompleteJob(ctx, job); err != nil {
		if eris.Is(err, store.ErrStateConflict) {
			return eris.Wrapf(ErrInvalidTransition, "complete job %s", jobID)
		}
		return eris.Wrap(err, "tracker: complete")
	}
	zap.L().Info("tracker: job completed",
		zap.String("job", jobID),
		zap.Int64("duration_ms", job.DurationMs),
	)
	return nil
}

// Fail transitions Running -> Failed. Duration is recorded even on
// failure.
func (t *Tracker) Fail(ctx context.Context, jobID string, kind model.ErrorKind, message string) error {
	t.disarmWatchdog(jobID)

	completedAt := t.now().UTC()
	job := &model.Job{
		ID:           jobID,
		ErrorKind:    kind,
		ErrorMessage: message,
		CompletedAt:  &completedAt,
		DurationMs:   t.elapsedMs(ctx, jobID, completedAt),
	}
	if err := t.store.FailJob(ctx, job); err != nil {
		if eris.Is(err, store.ErrStateConflict) {
			return eris.Wrapf(ErrInvalidTransition, "fail job %s", jobID)
		}
		return eris.Wrap(err, "tracker: fail")
	}
	zap.L().Warn("tracker: job failed",
		zap.String("job", jobID),
		zap.String("error_kind", string(kind)),
		zap.String("error", message),
	)
	return nil
}

// elapsedMs computes wall time since the job started.
func (t *Tracker) elapsedMs(ctx context.Context, jobID string, at time.Time) int64 {
	job, err := t.store.GetJob(ctx, jobID)
	if err != nil || job.StartedAt == nil {
		return 0
	}
	ms := at.Sub(*job.StartedAt).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// armWatchdog schedules the forced-timeout transition. The watchdog runs
// detached from the job's own context: it must fire even when the worker
// goroutine is wedged inside a source adapter.
func (t *Tracker) armWatchdog(job *model.Job) {
	if job.TimeoutMs <= 0 {
		return
	}
	jobID := job.ID
	timer := time.AfterFunc(time.Duration(job.TimeoutMs)*time.Millisecond, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := t.Fail(ctx, jobID, model.ErrKindTimeout, "job exceeded its deadline")
		if err != nil && !eris.Is(err, ErrInvalidTransition) {
			zap.L().Error("tracker: watchdog fail", zap.String("job", jobID), zap.Error(err))
		}
	})

	t.mu.Lock()
	t.watchdogs[jobID] = timer
	t.mu.Unlock()
}

func (t *Tracker) disarmWatchdog(jobID string) {
	t.mu.Lock()
	timer, ok := t.watchdogs[jobID]
	if ok {
		delete(t.watchdogs, jobID)
	}
	t.mu.Unlock()
	if ok {
		timer.Stop()
	}
}
