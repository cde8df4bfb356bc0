// Package valuation computes grade-banded price estimates. The base price
// comes from an ordered grade/price table; anomaly premiums and a market
// trend multiplier adjust it, and a configurable band spreads the low and
// high estimates.
package valuation

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/numisworks/coinid/internal/model"
)

// ErrInvalidPriceTable is returned when a price table violates the grade
// ordering or price monotonicity invariants. Checked at load time so a bad
// table fails startup, not individual jobs.
var ErrInvalidPriceTable = eris.New("valuation: invalid price table")

// PriceEntry is one row of the grade price table.
type PriceEntry struct {
	Grade string  `yaml:"grade"`
	Price float64 `yaml:"price"`

	sheldon int
}

// PriceTable is an ordered grade/price table, worst grade first.
type PriceTable struct {
	Version int          `yaml:"version"`
	Entries []PriceEntry `yaml:"entries"`
}

// Validate resolves grades and enforces the table invariants: grades in
// strictly ascending scale order, prices non-decreasing and non-negative.
func (t *PriceTable) Validate() error {
	if len(t.Entries) == 0 {
		return eris.Wrap(ErrInvalidPriceTable, "table is empty")
	}
	prev := 0
	prevPrice := -1.0
	for i := range t.Entries {
		e := &t.Entries[i]
		n, ok := ParseGrade(e.Grade)
		if !ok {
			return eris.Wrapf(ErrInvalidPriceTable, "unknown grade %q", e.Grade)
		}
		e.sheldon = n
		if n <= prev {
			return eris.Wrapf(ErrInvalidPriceTable, "grade %q out of scale order", e.Grade)
		}
		if e.Price < 0 {
			return eris.Wrapf(ErrInvalidPriceTable, "grade %q has negative price", e.Grade)
		}
		if e.Price < prevPrice {
			return eris.Wrapf(ErrInvalidPriceTable, "price decreases at grade %q", e.Grade)
		}
		prev = n
		prevPrice = e.Price
	}
	return nil
}

// LoadPriceTable reads and validates a price table from a YAML file.
func LoadPriceTable(path string) (*PriceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "valuation: read price table %s", path)
	}
	var t PriceTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrap(err, "valuation: parse price table")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// DefaultPriceTable returns the built-in table for a generic collectible
// coin. Real deployments load a per-series table instead.
func DefaultPriceTable() *PriceTable {
	t := &PriceTable{
		Version: 1,
		Entries: []PriceEntry{
			{Grade: "G4", Price: 5},
			{Grade: "VG8", Price: 9},
			{Grade: "F12", Price: 15},
			{Grade: "VF20", Price: 30},
			{Grade: "XF40", Price: 75},
			{Grade: "AU50", Price: 150},
			{Grade: "MS60", Price: 300},
			{Grade: "MS63", Price: 550},
			{Grade: "MS65", Price: 1200},
		},
	}
	if err := t.Validate(); err != nil {
		// The built-in table is static; a violation is a programming error.
		panic(err)
	}
	return t
}

// basePrice interpolates the table at the given Sheldon position. Grades
// below the first entry clamp to it, above the last entry clamp to that.
func (t *PriceTable) basePrice(sheldon int) float64 {
	entries := t.Entries
	if sheldon <= entries[0].sheldon {
		return entries[0].Price
	}
	last := entries[len(entries)-1]
	if sheldon >= last.sheldon {
		return last.Price
	}
	for i := 1; i < len(entries); i++ {
		lo, hi := entries[i-1], entries[i]
		if sheldon > hi.sheldon {
			continue
		}
		frac := float64(sheldon-lo.sheldon) / float64(hi.sheldon-lo.sheldon)
		return lo.Price + frac*(hi.Price-lo.Price)
	}
	return last.Price
}

// Default synthesis tuning, applied when an option is left nil.
const (
	defaultMarketTrendK = 0.05
	defaultEstimateBand = 0.2
)

// Options tunes synthesis. Nil fields select the defaults; an explicit
// zero disables the corresponding adjustment.
type Options struct {
	// MarketTrendK is the strength of the trend multiplier: Rising scales
	// by (1+k), Declining by (1-k).
	MarketTrendK *float64
	// EstimateBand is the low/high spread fraction around the estimate.
	EstimateBand *float64
}

// Synthesizer derives valuations from identifications and anomaly
// verdicts. Construction validates the table, so synthesis itself cannot
// fail: it is a pure computation.
type Synthesizer struct {
	table  *PriceTable
	trendK float64
	band   float64
}

// NewSynthesizer creates a Synthesizer. A nil table selects the built-in
// default; an invalid table is rejected here, at startup.
func NewSynthesizer(table *PriceTable, opts Options) (*Synthesizer, error) {
	if table == nil {
		table = DefaultPriceTable()
	} else if err := table.Validate(); err != nil {
		return nil, err
	}
	s := &Synthesizer{table: table, trendK: defaultMarketTrendK, band: defaultEstimateBand}
	if opts.MarketTrendK != nil {
		if *opts.MarketTrendK < 0 {
			return nil, eris.Errorf("market trend k %v is negative", *opts.MarketTrendK)
		}
		s.trendK = *opts.MarketTrendK
	}
	if opts.EstimateBand != nil {
		if *opts.EstimateBand < 0 {
			return nil, eris.Errorf("estimate band %v is negative", *opts.EstimateBand)
		}
		s.band = *opts.EstimateBand
	}
	return s, nil
}

// Synthesize computes the valuation for an identified coin. The result is
// deterministic in its inputs.
func (s *Synthesizer) Synthesize(ident *model.IdentificationRecord, anomaly *model.AnomalyClassification, market model.MarketSignals) *model.ValuationResult {
	grade := ident.Grade()
	sheldon, ok := ParseGrade(grade)
	if !ok {
		// Ungraded coins are priced at the bottom of the table.
		sheldon = s.table.Entries[0].sheldon
		grade = s.table.Entries[0].Grade
	}

	base := s.table.basePrice(sheldon)

	premium := 0.0
	if anomaly != nil && anomaly.Matched {
		premium = anomaly.ValuePremium
	}

	trend := market.Trend
	if trend == "" {
		trend = model.TrendStable
	}
	mult := 1.0
	switch trend {
	case model.TrendRising:
		mult = 1 + s.trendK
	case model.TrendDeclining:
		mult = 1 - s.trendK
	}

	estimated := clampPrice((base + premium) * mult)

	return &model.ValuationResult{
		JobID:          ident.JobID,
		GradeBand:      grade,
		BaseValue:      clampPrice(base),
		Premium:        premium,
		EstimatedValue: estimated,
		LowEstimate:    clampPrice(estimated * (1 - s.band)),
		HighEstimate:   clampPrice(estimated * (1 + s.band)),
		MarketTrend:    trend,
	}
}

func clampPrice(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
