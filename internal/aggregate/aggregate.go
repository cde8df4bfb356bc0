// Package aggregate merges disagreeing per-source evidence into a single
// confidence-scored identification. The merge is a pure function of its
// inputs: weighted sums with deterministic tie-breaks, so task completion
// order never changes the result and repeated runs over the same evidence
// produce identical records.
package aggregate

import (
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/numisworks/coinid/internal/model"
)

// ErrInsufficientEvidence is returned when no usable evidence records are
// available for a job.
var ErrInsufficientEvidence = eris.New("aggregate: insufficient evidence")

// Aggregator merges evidence records using source trust metadata.
type Aggregator struct{}

// New creates an Aggregator.
func New() *Aggregator {
	return &Aggregator{}
}

// candidate accumulates the weighted mass behind one claimed value.
type candidate struct {
	value     string
	weight    float64
	latestAt  int64  // unix nanos of the most recent supporting record
	minSource string // lowest supporting source id
}

// Aggregate merges the evidence set into one identification record.
// Sources supplies reliability and priority for every contributing source.
// Records that are malformed (no source id, unknown source, or no
// extracted fields) are discarded with a logged note; they only abort the
// merge when nothing usable remains.
func (a *Aggregator) Aggregate(jobID string, evidence []model.EvidenceRecord, sources map[string]model.ExternalSource) (*model.IdentificationRecord, error) {
	usable := make([]model.EvidenceRecord, 0, len(evidence))
	for _, rec := range evidence {
		if reason := malformedReason(rec, sources); reason != "" {
			zap.L().Warn("aggregate: malformed evidence discarded",
				zap.String("job", jobID),
				zap.String("source", rec.SourceID),
				zap.String("reason", reason),
			)
			continue
		}
		usable = append(usable, rec)
	}
	if len(usable) == 0 {
		return nil, eris.Wrapf(ErrInsufficientEvidence, "job %s", jobID)
	}

	// Priority differentiates sources without imposing a fixed scale:
	// normalize against the highest priority actually contributing here.
	maxPriority := 0
	for _, rec := range usable {
		if p := sources[rec.SourceID].PriorityScore; p > maxPriority {
			maxPriority = p
		}
	}

	record := &model.IdentificationRecord{
		JobID:           jobID,
		Fields:          make(map[string]string),
		FieldConfidence: make(map[string]float64),
	}

	var winningTotal, weightTotal float64
	for _, field := range model.CanonicalFields {
		winner, fieldTotal := resolveField(field, usable, sources, maxPriority)
		if winner == nil {
			continue
		}
		record.Fields[field] = winner.value
		if fieldTotal > 0 {
			record.FieldConfidence[field] = clamp01(winner.weight / fieldTotal)
		} else {
			record.FieldConfidence[field] = 0
		}
		winningTotal += winner.weight
		weightTotal += fieldTotal
	}

	if weightTotal > 0 {
		record.OverallConfidence = clamp01(winningTotal / weightTotal)
	}
	record.VerificationStatus = model.StatusForConfidence(record.OverallConfidence)
	return record, nil
}

// resolveField picks the winning value for one canonical field. The value
// with the highest aggregate weight wins; ties go to the most recently
// fetched claim, then to the lowest source id.
func resolveField(field string, evidence []model.EvidenceRecord, sources map[string]model.ExternalSource, maxPriority int) (*candidate, float64) {
	byValue := make(map[string]*candidate)

	for _, rec := range evidence {
		value, ok := rec.ExtractedFields[field]
		if !ok || value == "" {
			continue
		}
		conf := clamp01(rec.Confidence(field))
		if conf == 0 {
			continue
		}

		src := sources[rec.SourceID]
		normPriority := 1.0
		if maxPriority > 0 {
			normPriority = float64(src.PriorityScore) / float64(maxPriority)
			if normPriority < 0 {
				normPriority = 0
			}
		}
		weight := src.ReliabilityScore * conf * normPriority

		c, ok := byValue[value]
		if !ok {
			c = &candidate{value: value, minSource: rec.SourceID}
			byValue[value] = c
		}
		c.weight += weight
		if at := rec.FetchedAt.UnixNano(); at > c.latestAt {
			c.latestAt = at
		}
		if rec.SourceID < c.minSource {
			c.minSource = rec.SourceID
		}
	}

	if len(byValue) == 0 {
		return nil, 0
	}

	candidates := make([]*candidate, 0, len(byValue))
	var total float64
	for _, c := range byValue {
		candidates = append(candidates, c)
		total += c.weight
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.weight != b.weight {
			return a.weight > b.weight
		}
		if a.latestAt != b.latestAt {
			return a.latestAt > b.latestAt
		}
		if a.minSource != b.minSource {
			return a.minSource < b.minSource
		}
		return a.value < b.value
	})
	return candidates[0], total
}

func malformedReason(rec model.EvidenceRecord, sources map[string]model.ExternalSource) string {
	if rec.SourceID == "" {
		return "missing source id"
	}
	if _, ok := sources[rec.SourceID]; !ok {
		return "unknown source"
	}
	if len(rec.ExtractedFields) == 0 {
		return "no extracted fields"
	}
	if rec.FetchedAt.IsZero() {
		return "missing fetch time"
	}
	return ""
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
