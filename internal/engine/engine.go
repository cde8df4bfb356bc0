// Package engine orchestrates one identification attempt end to end:
// source selection, rate-gated concurrent dispatch with a single deadline,
// evidence aggregation, anomaly classification, valuation, and the job's
// terminal transition.
package engine

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/numisworks/coinid/internal/aggregate"
	"github.com/numisworks/coinid/internal/anomaly"
	"github.com/numisworks/coinid/internal/model"
	"github.com/numisworks/coinid/internal/ratelimit"
	"github.com/numisworks/coinid/internal/registry"
	"github.com/numisworks/coinid/internal/source"
	"github.com/numisworks/coinid/internal/store"
	"github.com/numisworks/coinid/internal/tracker"
	"github.com/numisworks/coinid/internal/valuation"
)

// watchdogGrace is how long past the job deadline the tracker watchdog
// waits before force-failing. The engine reacts to the deadline itself;
// the watchdog only catches workers wedged inside an adapter call, so it
// fires a beat later to let a prompt terminal transition win.
const watchdogGrace = 500 * time.Millisecond

// Config tunes job execution.
type Config struct {
	// Timeout is the per-job deadline.
	Timeout time.Duration
	// FanOutCap bounds concurrent source queries per job.
	FanOutCap int
}

// DefaultConfig returns the default execution tuning.
func DefaultConfig() Config {
	return Config{Timeout: 15 * time.Second, FanOutCap: 8}
}

// Engine wires the identification components together.
type Engine struct {
	cfg         Config
	registry    *registry.Registry
	adapters    *source.Registry
	limiter     *ratelimit.Limiter
	tracker     *tracker.Tracker
	aggregator  *aggregate.Aggregator
	classifier  *anomaly.Classifier
	synthesizer *valuation.Synthesizer
	store       store.Store
}

// New creates an Engine.
func New(cfg Config, reg *registry.Registry, adapters *source.Registry, limiter *ratelimit.Limiter,
	trk *tracker.Tracker, agg *aggregate.Aggregator, cls *anomaly.Classifier, syn *valuation.Synthesizer,
	st store.Store) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.FanOutCap <= 0 {
		cfg.FanOutCap = DefaultConfig().FanOutCap
	}
	return &Engine{
		cfg:         cfg,
		registry:    reg,
		adapters:    adapters,
		limiter:     limiter,
		tracker:     trk,
		aggregator:  agg,
		classifier:  cls,
		synthesizer: syn,
		store:       st,
	}
}

// Submit creates a job in Pending and returns it. The caller decides when
// to Run it.
func (e *Engine) Submit(ctx context.Context, guess *model.FeatureGuess) (*model.Job, error) {
	timeoutMs := e.cfg.Timeout.Milliseconds() + watchdogGrace.Milliseconds()
	return e.tracker.Submit(ctx, guess, timeoutMs)
}

// Run executes a pending job to its terminal state and returns the final
// job record.
func (e *Engine) Run(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := e.tracker.Start(ctx, jobID)
	if err != nil {
		return nil, err
	}

	guess := job.Input
	if guess == nil {
		guess = &model.FeatureGuess{}
	}

	selected, err := e.selectSources(ctx, guess.Hints)
	if err != nil {
		return e.terminalFail(ctx, jobID, model.ErrKindInternal, err)
	}

	deadline := e.cfg.Timeout
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	evidence, deadlineHit := e.dispatch(runCtx, jobID, guess, selected)

	// Persist whatever arrived, success or not: the evidence trail is part
	// of the job's audit record.
	for _, rec := range evidence {
		if err := e.store.InsertEvidence(ctx, rec); err != nil {
			zap.L().Error("engine: persist evidence",
				zap.String("job", jobID),
				zap.String("source", rec.SourceID),
				zap.Error(err),
			)
		}
	}

	if len(evidence) == 0 && deadlineHit {
		return e.terminalFail(ctx, jobID, model.ErrKindTimeout,
			eris.Errorf("no source answered within %s", deadline))
	}

	srcByID := make(map[string]model.ExternalSource, len(selected))
	for _, src := range selected {
		srcByID[src.ID] = src
	}

	ident, err := e.aggregator.Aggregate(jobID, evidence, srcByID)
	if err != nil {
		if eris.Is(err, aggregate.ErrInsufficientEvidence) {
			return e.terminalFail(ctx, jobID, model.ErrKindInsufficientEvidence, err)
		}
		return e.terminalFail(ctx, jobID, model.ErrKindInternal, err)
	}

	anomalyRes := e.classifier.Classify(jobID, ident, guess.Signals)

	market := model.MarketSignals{Trend: model.TrendStable}
	if guess.Hints != nil && guess.Hints.Trend != "" {
		market.Trend = guess.Hints.Trend
	}
	val := e.synthesizer.Synthesize(ident, anomalyRes, market)

	output := &model.JobOutput{
		Identification: ident,
		Anomaly:        anomalyRes,
		Valuation:      val,
	}
	if err := e.tracker.Complete(ctx, jobID, output); err != nil {
		// The watchdog may have force-failed the job while we were
		// finishing up; the stored terminal state wins.
		if !eris.Is(err, tracker.ErrInvalidTransition) {
			return nil, err
		}
		zap.L().Warn("engine: completion lost to watchdog", zap.String("job", jobID))
	}
	return e.store.GetJob(ctx, jobID)
}

// selectSources picks the candidate sources for a job: all active catalog
// entries in registry order, error-registry specialists promoted to the
// front when the caller suspects an error coin, truncated at the fan-out
// cap.
func (e *Engine) selectSources(ctx context.Context, hints *model.SubmissionHints) ([]model.ExternalSource, error) {
	sources, err := e.registry.ListActive(ctx, nil)
	if err != nil {
		return nil, err
	}

	if hints != nil && hints.SuspectedError {
		specialists := make([]model.ExternalSource, 0, len(sources))
		general := make([]model.ExternalSource, 0, len(sources))
		for _, src := range sources {
			if src.SpecializesInErrors {
				specialists = append(specialists, src)
			} else {
				general = append(general, src)
			}
		}
		sources = append(specialists, general...)
	}

	if len(sources) > e.cfg.FanOutCap {
		sources = sources[:e.cfg.FanOutCap]
	}
	return sources, nil
}

// dispatch fans out rate-gated adapter queries under a single deadline and
// returns whatever evidence arrived before it. Results arriving after the
// deadline or cancellation are discarded, never merged.
func (e *Engine) dispatch(ctx context.Context, jobID string, guess *model.FeatureGuess, selected []model.ExternalSource) ([]model.EvidenceRecord, bool) {
	q := source.Query{
		JobID:  jobID,
		Fields: guess.Fields,
		Hints:  guess.Hints,
	}

	results := make(chan model.EvidenceRecord, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FanOutCap)

	dispatched := 0
	for _, src := range selected {
		adapter := e.adapters.Get(src.ID)
		if adapter == nil {
			zap.L().Warn("engine: no adapter registered for source",
				zap.String("job", jobID),
				zap.String("source", src.ID),
			)
			continue
		}
		if !e.limiter.Allow(src) {
			zap.L().Info("engine: source skipped by rate limiter",
				zap.String("job", jobID),
				zap.String("source", src.ID),
			)
			continue
		}

		dispatched++
		g.Go(func() error {
			rec, err := adapter.Fetch(gctx, q)
			if err != nil {
				e.limiter.OnFailure(src)
				zap.L().Warn("engine: source unavailable",
					zap.String("job", jobID),
					zap.String("source", src.ID),
					zap.Error(err),
				)
				return nil // per-source failures never abort the pass
			}
			e.limiter.OnSuccess(src)
			if gctx.Err() != nil {
				// Arrived after cancellation: discard.
				return nil
			}
			results <- *rec
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait() //nolint:errcheck
		close(done)
	}()

	var evidence []model.EvidenceRecord
	deadlineHit := false

	collecting := true
	for collecting {
		select {
		case rec := <-results:
			evidence = append(evidence, rec)
		case <-done:
			collecting = false
		case <-ctx.Done():
			collecting = false
		}
	}
	// Workers racing the deadline can close done in the same instant the
	// context expires; the context is the authority on whether we timed out.
	if ctx.Err() != nil {
		deadlineHit = true
	}

	// Pick up anything that raced the exit. Records buffered here passed
	// the gctx guard at the send site, so they arrived before cancellation
	// and still count as partial results even when the deadline fired.
	for {
		select {
		case rec := <-results:
			evidence = append(evidence, rec)
			continue
		default:
		}
		break
	}

	zap.L().Info("engine: dispatch finished",
		zap.String("job", jobID),
		zap.Int("selected", len(selected)),
		zap.Int("dispatched", dispatched),
		zap.Int("evidence", len(evidence)),
		zap.Bool("deadline_hit", deadlineHit),
	)
	return evidence, deadlineHit
}

// terminalFail moves the job to Failed and returns the stored record. If
// the watchdog already timed the job out, the stored state stands.
func (e *Engine) terminalFail(ctx context.Context, jobID string, kind model.ErrorKind, cause error) (*model.Job, error) {
	err := e.tracker.Fail(ctx, jobID, kind, cause.Error())
	if err != nil && !eris.Is(err, tracker.ErrInvalidTransition) {
		return nil, err
	}
	return e.store.GetJob(ctx, jobID)
}

// GetJob returns one job with its full output.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// ListRecentJobs returns job summaries, newest first.
func (e *Engine) ListRecentJobs(ctx context.Context, limit int) ([]model.JobSummary, error) {
	return e.store.ListJobs(ctx, limit)
}

// ListEvidence returns the evidence trail for a job.
func (e *Engine) ListEvidence(ctx context.Context, jobID string) ([]model.EvidenceRecord, error) {
	return e.store.ListEvidence(ctx, jobID)
}

// RecordSourceFeedback folds an observed outcome into a source's
// reliability score. Invoked explicitly by operators or by callers that
// verified a result, never as a side effect of a run.
func (e *Engine) RecordSourceFeedback(ctx context.Context, sourceID string, observedSuccess bool) error {
	return e.registry.UpdateReliability(ctx, sourceID, observedSuccess)
}
