package model

// Severity tiers for risk flags
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// RiskFlag is one indicator of concern found in a document
type RiskFlag struct {
	Type        string `json:"type"`
	Keyword     string `json:"keyword,omitempty"`
	Category    string `json:"category,omitempty"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// FinancialMetric is a currency figure tied to a financial label
type FinancialMetric struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Raw    string  `json:"raw"`
	Period string  `json:"period,omitempty"`
	Source string  `json:"source,omitempty"`
}

// Sentiment is the overall tone of a text
type Sentiment struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Entity is a named entity found in a text
type Entity struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

// NLPResult holds the output of the text analysis service
type NLPResult struct {
	Sentiment  *Sentiment `json:"sentiment,omitempty"`
	Entities   []Entity   `json:"entities,omitempty"`
	KeyPhrases []string   `json:"key_phrases,omitempty"`
	Topics     []string   `json:"topics,omitempty"`
}

// HasSentiment reports whether a sentiment label was produced
func (r *NLPResult) HasSentiment() bool {
	return r != nil && r.Sentiment != nil && r.Sentiment.Label != ""
}
