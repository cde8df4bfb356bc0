package model

import "github.com/rotisserie/eris"

// SourceType categorizes an external evidence source.
type SourceType string

const (
	SourceTypeAuction       SourceType = "auction"
	SourceTypeMarketplace   SourceType = "marketplace"
	SourceTypeDealer        SourceType = "dealer"
	SourceTypePriceGuide    SourceType = "price_guide"
	SourceTypeErrorRegistry SourceType = "error_registry"
)

// ErrInvalidSourceConfig is returned when a source write fails validation.
// Invalid writes are rejected before anything is persisted.
var ErrInvalidSourceConfig = eris.New("invalid source config")

// ExternalSource is one entry in the source catalog: an auction house,
// marketplace, dealer inventory, price guide, or error-coin registry that
// can be queried for corroborating data about a coin.
type ExternalSource struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	BaseURL             string     `json:"base_url"`
	SourceType          SourceType `json:"source_type"`
	ReliabilityScore    float64    `json:"reliability_score"`
	PriorityScore       int        `json:"priority_score"`
	RateLimitPerHour    int        `json:"rate_limit_per_hour"`
	SpecializesInErrors bool       `json:"specializes_in_errors"`
	Active              bool       `json:"active"`
}

// Validate checks the catalog invariants for a source entry.
func (s *ExternalSource) Validate() error {
	if s.ID == "" {
		return eris.Wrap(ErrInvalidSourceConfig, "id is required")
	}
	if s.Name == "" {
		return eris.Wrap(ErrInvalidSourceConfig, "name is required")
	}
	switch s.SourceType {
	case SourceTypeAuction, SourceTypeMarketplace, SourceTypeDealer,
		SourceTypePriceGuide, SourceTypeErrorRegistry:
	default:
		return eris.Wrapf(ErrInvalidSourceConfig, "unknown source type %q", s.SourceType)
	}
	if s.ReliabilityScore < 0 || s.ReliabilityScore > 1 {
		return eris.Wrapf(ErrInvalidSourceConfig, "reliability score %v outside [0,1]", s.ReliabilityScore)
	}
	if s.RateLimitPerHour < 0 {
		return eris.Wrapf(ErrInvalidSourceConfig, "rate limit per hour %d is negative", s.RateLimitPerHour)
	}
	return nil
}
