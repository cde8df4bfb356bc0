// Package anomaly detects mint error and die variety patterns in the
// vision model's feature signals. Detection is an ordered rule table:
// rules are checked top to bottom and the first match wins, so the table
// must be authored from most specific to least specific. Overlap is
// resolved purely by position, never by best fit.
package anomaly

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/numisworks/coinid/internal/model"
)

// Condition is the trigger predicate of one rule. Every set threshold or
// flag must hold for the rule to match.
type Condition struct {
	MinDoubling          float64 `yaml:"min_doubling,omitempty"`
	MinStrikeOffsetPct   float64 `yaml:"min_strike_offset_pct,omitempty"`
	MinDieRotationDeg    float64 `yaml:"min_die_rotation_deg,omitempty"`
	RequiresPlanchetFlag string  `yaml:"requires_planchet_flag,omitempty"`
	ClippedPlanchet      bool    `yaml:"clipped_planchet,omitempty"`
	MissingClad          bool    `yaml:"missing_clad,omitempty"`
	WrongPlanchet        bool    `yaml:"wrong_planchet,omitempty"`
}

// empty reports whether the condition would match every signal set.
func (c Condition) empty() bool {
	return c.MinDoubling <= 0 &&
		c.MinStrikeOffsetPct <= 0 &&
		c.MinDieRotationDeg <= 0 &&
		c.RequiresPlanchetFlag == "" &&
		!c.ClippedPlanchet && !c.MissingClad && !c.WrongPlanchet
}

// Matches evaluates the predicate against the signals.
func (c Condition) Matches(s model.FeatureSignals) bool {
	if c.MinDoubling > 0 && s.DoublingStrength < c.MinDoubling {
		return false
	}
	if c.MinStrikeOffsetPct > 0 && s.StrikeOffsetPct < c.MinStrikeOffsetPct {
		return false
	}
	if c.MinDieRotationDeg > 0 && s.DieRotationDeg < c.MinDieRotationDeg {
		return false
	}
	if c.RequiresPlanchetFlag != "" && !s.HasPlanchetFlag(c.RequiresPlanchetFlag) {
		return false
	}
	if c.ClippedPlanchet && !s.ClippedPlanchet {
		return false
	}
	if c.MissingClad && !s.MissingClad {
		return false
	}
	if c.WrongPlanchet && s.WrongPlanchetGuess == "" {
		return false
	}
	return true
}

// Rule is one entry in the ordered table.
type Rule struct {
	Name         string                `yaml:"name"`
	ErrorTypes   []string              `yaml:"error_types"`
	Condition    Condition             `yaml:"condition"`
	Category     model.AnomalyCategory `yaml:"category"`
	Rarity       model.Rarity          `yaml:"rarity"`
	ValuePremium float64               `yaml:"value_premium"`
	Weight       float64               `yaml:"weight"`
}

// Table is a versioned, ordered rule table.
type Table struct {
	Version int    `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// Validate rejects tables that could not classify deterministically.
func (t *Table) Validate() error {
	for i, r := range t.Rules {
		if r.Name == "" {
			return eris.Errorf("anomaly: rule %d has no name", i)
		}
		if r.Condition.empty() {
			return eris.Errorf("anomaly: rule %q matches everything", r.Name)
		}
		switch r.Category {
		case model.CategoryMajor, model.CategoryMinor, model.CategoryVariety:
		default:
			return eris.Errorf("anomaly: rule %q has invalid category %q", r.Name, r.Category)
		}
		switch r.Rarity {
		case model.RarityCommon, model.RarityScarce, model.RarityRare,
			model.RarityVeryRare, model.RarityExtremelyRare:
		default:
			return eris.Errorf("anomaly: rule %q has invalid rarity %q", r.Name, r.Rarity)
		}
		if r.ValuePremium < 0 {
			return eris.Errorf("anomaly: rule %q has negative premium", r.Name)
		}
		if r.Weight <= 0 || r.Weight > 1 {
			return eris.Errorf("anomaly: rule %q weight %v outside (0,1]", r.Name, r.Weight)
		}
	}
	return nil
}

// LoadTable reads a rule table from a YAML file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "anomaly: read rule table %s", path)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrap(err, "anomaly: parse rule table")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// DefaultTable returns the built-in rule table, ordered from named major
// errors down to generic minor-defect catches.
func DefaultTable() *Table {
	return &Table{
		Version: 1,
		Rules: []Rule{
			{
				Name:         "wrong-planchet",
				ErrorTypes:   []string{"wrong planchet", "off-metal strike"},
				Condition:    Condition{WrongPlanchet: true},
				Category:     model.CategoryMajor,
				Rarity:       model.RarityExtremelyRare,
				ValuePremium: 5000,
				Weight:       0.85,
			},
			{
				Name:         "missing-clad-layer",
				ErrorTypes:   []string{"missing clad layer"},
				Condition:    Condition{MissingClad: true},
				Category:     model.CategoryMajor,
				Rarity:       model.RarityVeryRare,
				ValuePremium: 1200,
				Weight:       0.8,
			},
			{
				Name:         "doubled-die-strong",
				ErrorTypes:   []string{"doubled die obverse"},
				Condition:    Condition{MinDoubling: 0.75},
				Category:     model.CategoryMajor,
				Rarity:       model.RarityRare,
				ValuePremium: 800,
				Weight:       0.8,
			},
			{
				Name:         "off-center-major",
				ErrorTypes:   []string{"off-center strike"},
				Condition:    Condition{MinStrikeOffsetPct: 40},
				Category:     model.CategoryMajor,
				Rarity:       model.RarityRare,
				ValuePremium: 400,
				Weight:       0.75,
			},
			{
				Name:         "clipped-planchet",
				ErrorTypes:   []string{"clipped planchet"},
				Condition:    Condition{ClippedPlanchet: true},
				Category:     model.CategoryMinor,
				Rarity:       model.RarityScarce,
				ValuePremium: 75,
				Weight:       0.7,
			},
			{
				Name:         "lamination-crack",
				ErrorTypes:   []string{"lamination error"},
				Condition:    Condition{RequiresPlanchetFlag: "lamination"},
				Category:     model.CategoryMinor,
				Rarity:       model.RarityScarce,
				ValuePremium: 40,
				Weight:       0.65,
			},
			{
				Name:         "rotated-die",
				ErrorTypes:   []string{"rotated die"},
				Condition:    Condition{MinDieRotationDeg: 90},
				Category:     model.CategoryMinor,
				Rarity:       model.RarityScarce,
				ValuePremium: 60,
				Weight:       0.6,
			},
			{
				Name:         "off-center-minor",
				ErrorTypes:   []string{"off-center strike"},
				Condition:    Condition{MinStrikeOffsetPct: 10},
				Category:     model.CategoryMinor,
				Rarity:       model.RarityCommon,
				ValuePremium: 25,
				Weight:       0.6,
			},
			{
				Name:         "machine-doubling",
				ErrorTypes:   []string{"machine doubling"},
				Condition:    Condition{MinDoubling: 0.4},
				Category:     model.CategoryVariety,
				Rarity:       model.RarityCommon,
				ValuePremium: 15,
				Weight:       0.55,
			},
		},
	}
}
