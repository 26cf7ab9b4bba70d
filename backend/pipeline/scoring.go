package pipeline

import (
	"strings"

	"github.com/AnTengye/dealdesk/backend/model"
)

var severityPoints = map[string]float64{
	model.SeverityHigh:   20,
	model.SeverityMedium: 10,
	model.SeverityLow:    5,
}

var classificationPoints = map[string]float64{
	"negative": 30,
	"neutral":  15,
}

// RiskScore adds up flag severities and the classification label, clamped to [0,100].
// Financial metrics are accepted for rules that want them but do not move the score.
func RiskScore(flags []model.RiskFlag, classification string, _ []model.FinancialMetric) float64 {
	score := 0.0
	for _, f := range flags {
		score += severityPoints[f.Severity]
	}
	score += classificationPoints[strings.ToLower(classification)]
	return model.ClampScore(score)
}

// ProcessingScore estimates how well extraction and analysis went, clamped to [0,100]
func ProcessingScore(text string, nlp *model.NLPResult) float64 {
	score := 0.0
	switch n := len(text); {
	case n > 100:
		score += 30
	case n > 50:
		score += 20
	}
	if nlp != nil {
		if len(nlp.Entities) > 0 {
			score += 25
		}
		if len(nlp.KeyPhrases) > 0 {
			score += 25
		}
		if nlp.HasSentiment() {
			score += 20
		}
	}
	return model.ClampScore(score)
}
