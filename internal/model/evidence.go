package model

import "time"

// Canonical identification fields. Every source adapter maps its native
// response shape onto this fixed set at the boundary; aggregation only ever
// sees canonical field names. Order here is the deterministic iteration
// order used by the aggregator.
const (
	FieldName         = "name"
	FieldYear         = "year"
	FieldCountry      = "country"
	FieldDenomination = "denomination"
	FieldMint         = "mint"
	FieldComposition  = "composition"
	FieldGrade        = "grade"
)

// CanonicalFields lists the canonical field names in aggregation order.
var CanonicalFields = []string{
	FieldName,
	FieldYear,
	FieldCountry,
	FieldDenomination,
	FieldMint,
	FieldComposition,
	FieldGrade,
}

// EvidenceRecord is the normalized result of one successful source query.
// Immutable once created and scoped to a single job.
type EvidenceRecord struct {
	SourceID           string             `json:"source_id"`
	JobID              string             `json:"job_id"`
	RawPayload         []byte             `json:"raw_payload,omitempty"`
	ExtractedFields    map[string]string  `json:"extracted_fields"`
	PerFieldConfidence map[string]float64 `json:"per_field_confidence"`
	FetchedAt          time.Time          `json:"fetched_at"`
}

// Confidence returns the per-field confidence for a field, defaulting to
// zero when the adapter reported none.
func (e *EvidenceRecord) Confidence(field string) float64 {
	if e.PerFieldConfidence == nil {
		return 0
	}
	return e.PerFieldConfidence[field]
}
