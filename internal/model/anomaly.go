package model

// AnomalyCategory classifies how severe a matched mint anomaly is.
type AnomalyCategory string

const (
	CategoryMajor   AnomalyCategory = "major"
	CategoryMinor   AnomalyCategory = "minor"
	CategoryVariety AnomalyCategory = "variety"
	CategoryNone    AnomalyCategory = "none"
)

// Rarity grades how often a matched anomaly type is encountered.
type Rarity string

const (
	RarityCommon        Rarity = "common"
	RarityScarce        Rarity = "scarce"
	RarityRare          Rarity = "rare"
	RarityVeryRare      Rarity = "very_rare"
	RarityExtremelyRare Rarity = "extremely_rare"
	RarityNotApplicable Rarity = "n/a"
)

// AnomalyClassification is the rule-table verdict for one job. Produced
// exactly once per job; a job is either unmatched (None) or matched with a
// terminal category, never both.
type AnomalyClassification struct {
	JobID                    string          `json:"job_id"`
	Matched                  bool            `json:"matched"`
	ErrorTypes               []string        `json:"error_types,omitempty"`
	Category                 AnomalyCategory `json:"category"`
	Rarity                   Rarity          `json:"rarity"`
	ValuePremium             float64         `json:"value_premium"`
	ClassificationConfidence float64         `json:"classification_confidence"`
}

// FeatureSignals is the opaque upstream vision model's structured guess
// about physical anomaly indicators on the coin surface.
type FeatureSignals struct {
	DoublingStrength   float64  `json:"doubling_strength"`    // 0..1 die doubling pattern strength
	StrikeOffsetPct    float64  `json:"strike_offset_pct"`    // percent off-center
	DieRotationDeg     float64  `json:"die_rotation_deg"`     // rotation between faces
	PlanchetFlags      []string `json:"planchet_flags,omitempty"`
	ClippedPlanchet    bool     `json:"clipped_planchet"`
	MissingClad        bool     `json:"missing_clad"`
	WrongPlanchetGuess string   `json:"wrong_planchet_guess,omitempty"`
}

// HasPlanchetFlag reports whether the vision signals include a named
// planchet defect flag.
func (s *FeatureSignals) HasPlanchetFlag(flag string) bool {
	for _, f := range s.PlanchetFlags {
		if f == flag {
			return true
		}
	}
	return false
}
