package anomaly

import (
	"go.uber.org/zap"

	"github.com/numisworks/coinid/internal/model"
)

// Classifier evaluates feature signals against an ordered rule table.
type Classifier struct {
	table *Table
}

// NewClassifier creates a classifier over a validated rule table.
func NewClassifier(table *Table) *Classifier {
	if table == nil {
		table = DefaultTable()
	}
	return &Classifier{table: table}
}

// Classify walks the table in order and returns the verdict of the first
// matching rule. An anomaly claim can never be more certain than the
// identification it rides on, so the matched rule's weight is scaled by
// the identification's overall confidence.
func (c *Classifier) Classify(jobID string, ident *model.IdentificationRecord, signals model.FeatureSignals) *model.AnomalyClassification {
	for _, rule := range c.table.Rules {
		if !rule.Condition.Matches(signals) {
			continue
		}
		zap.L().Info("anomaly: rule matched",
			zap.String("job", jobID),
			zap.String("rule", rule.Name),
			zap.String("category", string(rule.Category)),
		)
		return &model.AnomalyClassification{
			JobID:                    jobID,
			Matched:                  true,
			ErrorTypes:               append([]string(nil), rule.ErrorTypes...),
			Category:                 rule.Category,
			Rarity:                   rule.Rarity,
			ValuePremium:             rule.ValuePremium,
			ClassificationConfidence: rule.Weight * ident.OverallConfidence,
		}
	}

	return &model.AnomalyClassification{
		JobID:    jobID,
		Matched:  false,
		Category: model.CategoryNone,
		Rarity:   model.RarityNotApplicable,
	}
}
