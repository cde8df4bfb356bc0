package model

// VerificationStatus is the confidence tier of an aggregated identification.
type VerificationStatus string

const (
	StatusVerified  VerificationStatus = "verified"
	StatusProbable  VerificationStatus = "probable"
	StatusUncertain VerificationStatus = "uncertain"
)

// Confidence tier cutoffs.
const (
	verifiedThreshold = 0.85
	probableThreshold = 0.5
)

// StatusForConfidence maps an overall confidence to its verification tier.
func StatusForConfidence(confidence float64) VerificationStatus {
	switch {
	case confidence >= verifiedThreshold:
		return StatusVerified
	case confidence >= probableThreshold:
		return StatusProbable
	default:
		return StatusUncertain
	}
}

// IdentificationRecord is the single merged identification produced for a
// job by the aggregator. Immutable after creation.
type IdentificationRecord struct {
	JobID              string             `json:"job_id"`
	Fields             map[string]string  `json:"fields"`
	FieldConfidence    map[string]float64 `json:"field_confidence"`
	OverallConfidence  float64            `json:"overall_confidence"`
	VerificationStatus VerificationStatus `json:"verification_status"`
}

// Grade returns the identified grade, or "" when no source claimed one.
func (r *IdentificationRecord) Grade() string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[FieldGrade]
}
