package model

import "time"

// ComplianceItem is one line of the report's compliance block
type ComplianceItem struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// RiskAnalysis is the risk section of a due diligence report
type RiskAnalysis struct {
	OverallRiskScore float64    `json:"overall_risk_score"`
	RiskFlags        []RiskFlag `json:"risk_flags"`
	RiskSummary      string     `json:"risk_summary"`
	Classification   string     `json:"classification"`
}

// FinancialAnalysis is the financial section of a due diligence report
type FinancialAnalysis struct {
	Metrics []FinancialMetric `json:"metrics"`
	Summary string            `json:"summary"`
}

// DocumentAnalysis summarizes how the deal's documents fared in processing
type DocumentAnalysis struct {
	TotalDocuments         int     `json:"total_documents"`
	SuccessfullyProcessed  int     `json:"successfully_processed"`
	AverageProcessingScore float64 `json:"average_processing_score"`
	SuccessRate            float64 `json:"success_rate"`
}

// DueDiligenceReport is derived from a deal's documents and regenerated on demand
type DueDiligenceReport struct {
	DealID            string            `json:"deal_id"`
	DealName          string            `json:"deal_name"`
	GeneratedAt       time.Time         `json:"generated_at"`
	ExecutiveSummary  string            `json:"executive_summary"`
	RiskAnalysis      RiskAnalysis      `json:"risk_analysis"`
	FinancialAnalysis FinancialAnalysis `json:"financial_analysis"`
	DocumentAnalysis  DocumentAnalysis  `json:"document_analysis"`
	Compliance        []ComplianceItem  `json:"compliance"`
	Recommendations   []string          `json:"recommendations"`
}
