package source

import (
	"context"
	"time"

	"github.com/numisworks/coinid/internal/model"
)

// FixtureAdapter serves canned evidence for a source. It backs local
// development and tests where no live site is reachable.
type FixtureAdapter struct {
	ID         string
	Fields     map[string]string
	Confidence map[string]float64
	Delay      time.Duration
	Err        error
}

func (f *FixtureAdapter) SourceID() string { return f.ID }

// Fetch returns the canned record after the configured delay, honoring
// context cancellation the way a real network call would.
func (f *FixtureAdapter) Fetch(ctx context.Context, q Query) (*model.EvidenceRecord, error) {
	if f.Delay > 0 {
		timer := time.NewTimer(f.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if f.Err != nil {
		return nil, f.Err
	}

	fields := make(map[string]string, len(f.Fields))
	for k, v := range f.Fields {
		fields[k] = v
	}
	conf := make(map[string]float64, len(f.Confidence))
	for k, v := range f.Confidence {
		conf[k] = v
	}
	return &model.EvidenceRecord{
		SourceID:           f.ID,
		JobID:              q.JobID,
		ExtractedFields:    fields,
		PerFieldConfidence: conf,
		FetchedAt:          time.Now().UTC(),
	}, nil
}
