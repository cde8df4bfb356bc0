package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numisworks/coinid/internal/model"
)

func ident(confidence float64) *model.IdentificationRecord {
	return &model.IdentificationRecord{JobID: "job-1", OverallConfidence: confidence}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	// Strong doubling plus a clipped planchet: both rules match, but
	// doubled-die-strong sits higher in the table.
	signals := model.FeatureSignals{
		DoublingStrength: 0.8,
		ClippedPlanchet:  true,
	}

	c := NewClassifier(nil)
	res := c.Classify("job-1", ident(0.9), signals)

	require.True(t, res.Matched)
	assert.Equal(t, []string{"doubled die obverse"}, res.ErrorTypes)
	assert.Equal(t, model.CategoryMajor, res.Category)
	assert.Equal(t, model.RarityRare, res.Rarity)
}

func TestClassify_OrderResolvesOverlappingOffsets(t *testing.T) {
	c := NewClassifier(nil)

	major := c.Classify("job-1", ident(1), model.FeatureSignals{StrikeOffsetPct: 55})
	require.True(t, major.Matched)
	assert.Equal(t, model.CategoryMajor, major.Category)

	minor := c.Classify("job-1", ident(1), model.FeatureSignals{StrikeOffsetPct: 15})
	require.True(t, minor.Matched)
	assert.Equal(t, model.CategoryMinor, minor.Category)
}

func TestClassify_WeightScaledByIdentificationConfidence(t *testing.T) {
	c := NewClassifier(nil)
	res := c.Classify("job-1", ident(0.5), model.FeatureSignals{WrongPlanchetGuess: "silver dime stock"})

	require.True(t, res.Matched)
	// wrong-planchet weight 0.85 scaled by 0.5 identification confidence.
	assert.InDelta(t, 0.425, res.ClassificationConfidence, 1e-9)
	assert.Equal(t, 5000.0, res.ValuePremium)
	assert.Equal(t, model.RarityExtremelyRare, res.Rarity)
}

func TestClassify_NoMatch(t *testing.T) {
	c := NewClassifier(nil)
	res := c.Classify("job-1", ident(0.9), model.FeatureSignals{DoublingStrength: 0.1})

	assert.False(t, res.Matched)
	assert.Equal(t, model.CategoryNone, res.Category)
	assert.Equal(t, model.RarityNotApplicable, res.Rarity)
	assert.Zero(t, res.ValuePremium)
	assert.Zero(t, res.ClassificationConfidence)
}

func TestClassify_PlanchetFlagRule(t *testing.T) {
	c := NewClassifier(nil)
	res := c.Classify("job-1", ident(0.8), model.FeatureSignals{PlanchetFlags: []string{"lamination"}})

	require.True(t, res.Matched)
	assert.Equal(t, []string{"lamination error"}, res.ErrorTypes)
	assert.Equal(t, model.CategoryMinor, res.Category)
}
