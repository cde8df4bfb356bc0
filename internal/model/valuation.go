package model

// MarketTrend is the directional market signal applied to a valuation.
type MarketTrend string

const (
	TrendRising    MarketTrend = "rising"
	TrendStable    MarketTrend = "stable"
	TrendDeclining MarketTrend = "declining"
)

// MarketSignals carries the market context used by valuation synthesis.
type MarketSignals struct {
	Trend MarketTrend `json:"trend"`
}

// ValuationResult is the grade-banded price estimate for a job. It is
// recomputable deterministically from its identification, anomaly, and
// market inputs.
type ValuationResult struct {
	JobID          string      `json:"job_id"`
	GradeBand      string      `json:"grade_band"`
	BaseValue      float64     `json:"base_value"`
	Premium        float64     `json:"premium"`
	EstimatedValue float64     `json:"estimated_value"`
	LowEstimate    float64     `json:"low_estimate"`
	HighEstimate   float64     `json:"high_estimate"`
	MarketTrend    MarketTrend `json:"market_trend"`
}
