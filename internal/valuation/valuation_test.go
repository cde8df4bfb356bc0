package valuation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numisworks/coinid/internal/model"
)

func identWithGrade(grade string) *model.IdentificationRecord {
	return &model.IdentificationRecord{
		JobID:  "job-1",
		Fields: map[string]string{model.FieldGrade: grade},
	}
}

func mustSynthesizer(t *testing.T, table *PriceTable, opts Options) *Synthesizer {
	t.Helper()
	s, err := NewSynthesizer(table, opts)
	require.NoError(t, err)
	return s
}

func f64(v float64) *float64 { return &v }

// A grade falling between two table rows is priced by linear interpolation.
func TestSynthesize_InterpolatesBetweenGrades(t *testing.T) {
	table := &PriceTable{Entries: []PriceEntry{
		{Grade: "F12", Price: 100},
		{Grade: "VF20", Price: 200},
	}}
	s := mustSynthesizer(t, table, Options{})

	res := s.Synthesize(identWithGrade("VF16"), nil, model.MarketSignals{Trend: model.TrendStable})

	assert.InDelta(t, 150, res.BaseValue, 1e-9)
	assert.InDelta(t, 150, res.EstimatedValue, 1e-9)
	assert.Equal(t, "VF16", res.GradeBand)
}

func TestSynthesize_ClampsOutsideTable(t *testing.T) {
	table := &PriceTable{Entries: []PriceEntry{
		{Grade: "F12", Price: 100},
		{Grade: "VF20", Price: 200},
	}}
	s := mustSynthesizer(t, table, Options{})

	low := s.Synthesize(identWithGrade("G4"), nil, model.MarketSignals{})
	assert.InDelta(t, 100, low.BaseValue, 1e-9)

	high := s.Synthesize(identWithGrade("MS65"), nil, model.MarketSignals{})
	assert.InDelta(t, 200, high.BaseValue, 1e-9)
}

func TestSynthesize_UngradedUsesLowestEntry(t *testing.T) {
	s := mustSynthesizer(t, nil, Options{})
	res := s.Synthesize(&model.IdentificationRecord{JobID: "job-1"}, nil, model.MarketSignals{})

	assert.Equal(t, "G4", res.GradeBand)
	assert.InDelta(t, 5, res.BaseValue, 1e-9)
}

func TestSynthesize_AnomalyPremiumAdded(t *testing.T) {
	s := mustSynthesizer(t, nil, Options{})
	anomaly := &model.AnomalyClassification{Matched: true, ValuePremium: 400}

	res := s.Synthesize(identWithGrade("VF20"), anomaly, model.MarketSignals{Trend: model.TrendStable})

	assert.InDelta(t, 30, res.BaseValue, 1e-9)
	assert.InDelta(t, 400, res.Premium, 1e-9)
	assert.InDelta(t, 430, res.EstimatedValue, 1e-9)
}

func TestSynthesize_UnmatchedAnomalyAddsNothing(t *testing.T) {
	s := mustSynthesizer(t, nil, Options{})
	anomaly := &model.AnomalyClassification{Matched: false, ValuePremium: 400}

	res := s.Synthesize(identWithGrade("VF20"), anomaly, model.MarketSignals{})
	assert.Zero(t, res.Premium)
	assert.InDelta(t, 30, res.EstimatedValue, 1e-9)
}

func TestSynthesize_TrendMultiplier(t *testing.T) {
	s := mustSynthesizer(t, nil, Options{MarketTrendK: f64(0.05), EstimateBand: f64(0.2)})

	rising := s.Synthesize(identWithGrade("MS60"), nil, model.MarketSignals{Trend: model.TrendRising})
	assert.InDelta(t, 315, rising.EstimatedValue, 1e-9)

	declining := s.Synthesize(identWithGrade("MS60"), nil, model.MarketSignals{Trend: model.TrendDeclining})
	assert.InDelta(t, 285, declining.EstimatedValue, 1e-9)

	stable := s.Synthesize(identWithGrade("MS60"), nil, model.MarketSignals{})
	assert.InDelta(t, 300, stable.EstimatedValue, 1e-9)
	assert.Equal(t, model.TrendStable, stable.MarketTrend)
}

// An explicit zero is a valid setting, not a request for the default: it
// disables the trend multiplier or collapses the band onto the estimate.
func TestSynthesize_ZeroOptionsDisableAdjustments(t *testing.T) {
	s := mustSynthesizer(t, nil, Options{MarketTrendK: f64(0), EstimateBand: f64(0)})

	rising := s.Synthesize(identWithGrade("MS60"), nil, model.MarketSignals{Trend: model.TrendRising})
	assert.InDelta(t, 300, rising.EstimatedValue, 1e-9)
	assert.InDelta(t, rising.EstimatedValue, rising.LowEstimate, 1e-9)
	assert.InDelta(t, rising.EstimatedValue, rising.HighEstimate, 1e-9)
}

func TestNewSynthesizer_RejectsNegativeOptions(t *testing.T) {
	_, err := NewSynthesizer(nil, Options{MarketTrendK: f64(-0.1)})
	assert.Error(t, err)

	_, err = NewSynthesizer(nil, Options{EstimateBand: f64(-0.2)})
	assert.Error(t, err)
}

func TestSynthesize_BandOrdering(t *testing.T) {
	s := mustSynthesizer(t, nil, Options{EstimateBand: f64(0.2)})
	res := s.Synthesize(identWithGrade("AU50"), nil, model.MarketSignals{})

	assert.LessOrEqual(t, res.LowEstimate, res.EstimatedValue)
	assert.LessOrEqual(t, res.EstimatedValue, res.HighEstimate)
	assert.InDelta(t, res.EstimatedValue*0.8, res.LowEstimate, 1e-9)
	assert.InDelta(t, res.EstimatedValue*1.2, res.HighEstimate, 1e-9)
}

// Better grades never price lower than worse ones on the same table.
func TestSynthesize_MonotonicInGrade(t *testing.T) {
	s := mustSynthesizer(t, nil, Options{})
	grades := []string{"G4", "VG8", "F12", "VF20", "VF30", "XF40", "AU50", "MS60", "MS63", "MS65"}

	prev := -1.0
	for _, g := range grades {
		res := s.Synthesize(identWithGrade(g), nil, model.MarketSignals{})
		assert.GreaterOrEqual(t, res.EstimatedValue, prev, "grade %s", g)
		prev = res.EstimatedValue
	}
}

func TestPriceTableValidate_RejectsOutOfOrderGrades(t *testing.T) {
	table := &PriceTable{Entries: []PriceEntry{
		{Grade: "VF20", Price: 30},
		{Grade: "F12", Price: 15},
	}}
	err := table.Validate()
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidPriceTable))
}

func TestPriceTableValidate_RejectsDecreasingPrices(t *testing.T) {
	table := &PriceTable{Entries: []PriceEntry{
		{Grade: "F12", Price: 100},
		{Grade: "VF20", Price: 50},
	}}
	err := table.Validate()
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidPriceTable))
}

func TestPriceTableValidate_RejectsEmpty(t *testing.T) {
	err := (&PriceTable{}).Validate()
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidPriceTable))
}

func TestNewSynthesizer_RejectsInvalidTable(t *testing.T) {
	_, err := NewSynthesizer(&PriceTable{Entries: []PriceEntry{{Grade: "??", Price: 1}}}, Options{})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidPriceTable))
}

func TestLoadPriceTable_FromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.yaml")
	data := `
version: 2
entries:
  - grade: F12
    price: 100
  - grade: VF20
    price: 200
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	table, err := LoadPriceTable(path)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Version)
	require.Len(t, table.Entries, 2)
}
