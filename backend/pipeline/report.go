package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/AnTengye/dealdesk/backend/model"
)

// Report risk bands. Scores above the threshold fall into the band.
const (
	ExtremeCautionThreshold = 70
	CautionThreshold        = 40
)

// reportClassification labels the combined risk summary of a report
const reportClassification = "comprehensive"

// BuildReport aggregates per-document results into a due diligence report
func BuildReport(deal *model.Deal, results []DocumentResult, compliance []model.ComplianceItem, now time.Time) *model.DueDiligenceReport {
	flags := []model.RiskFlag{}
	metrics := []model.FinancialMetric{}
	for _, r := range results {
		flags = append(flags, r.RiskFlags...)
		metrics = append(metrics, r.FinancialMetrics...)
	}
	overall := MeanRiskScore(results)

	return &model.DueDiligenceReport{
		DealID:           deal.ID,
		DealName:         deal.Name,
		GeneratedAt:      now.UTC(),
		ExecutiveSummary: ExecutiveSummary(deal.Name, overall, flags),
		RiskAnalysis: model.RiskAnalysis{
			OverallRiskScore: overall,
			RiskFlags:        flags,
			RiskSummary:      RiskSummary(flags, reportClassification),
			Classification:   reportClassification,
		},
		FinancialAnalysis: model.FinancialAnalysis{
			Metrics: metrics,
			Summary: FinancialSummary(metrics),
		},
		DocumentAnalysis: SummarizeDocuments(results),
		Compliance:       append([]model.ComplianceItem{}, compliance...),
		Recommendations:  Recommendations(overall, flags),
	}
}

// MeanRiskScore is the average document risk score, 0 for no documents
func MeanRiskScore(results []DocumentResult) float64 {
	if len(results) == 0 {
		return 0
	}
	total := 0.0
	for _, r := range results {
		total += r.RiskScore
	}
	return total / float64(len(results))
}

// ExecutiveSummary renders the banded headline of the report
func ExecutiveSummary(dealName string, riskScore float64, flags []model.RiskFlag) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Due Diligence Report for %s\n\n", dealName)
	fmt.Fprintf(&b, "Overall Risk Score: %.1f/100\n", riskScore)
	fmt.Fprintf(&b, "High-Risk Items: %d\n", countSeverity(flags, model.SeverityHigh))

	switch {
	case riskScore > ExtremeCautionThreshold:
		b.WriteString("RECOMMENDATION: Proceed with extreme caution. Significant risks identified.\n")
	case riskScore > CautionThreshold:
		b.WriteString("RECOMMENDATION: Proceed with caution. Moderate risks require attention.\n")
	default:
		b.WriteString("RECOMMENDATION: Proceed with standard due diligence. Low risk profile.\n")
	}
	return b.String()
}

// Recommendations lists follow-up actions for the risk score and flags
func Recommendations(riskScore float64, flags []model.RiskFlag) []string {
	recs := []string{}
	if riskScore > ExtremeCautionThreshold {
		recs = append(recs,
			"Conduct additional legal and financial review",
			"Engage external auditors for verification",
			"Consider restructuring deal terms",
		)
	}
	if riskScore > CautionThreshold {
		recs = append(recs,
			"Implement enhanced monitoring and reporting",
			"Develop risk mitigation strategies",
		)
	}
	if countSeverity(flags, model.SeverityHigh) > 0 {
		recs = append(recs, "Address high-risk items before proceeding")
	}
	return recs
}

// FinancialSummary is the one line coverage note of the financial section
func FinancialSummary(metrics []model.FinancialMetric) string {
	if len(metrics) == 0 {
		return "No financial data extracted from documents."
	}
	return fmt.Sprintf("Financial metrics extracted: %d items. Review required for accuracy.", len(metrics))
}

// SummarizeDocuments counts successful documents. SuccessRate is a ratio in [0,1].
func SummarizeDocuments(results []DocumentResult) model.DocumentAnalysis {
	summary := model.DocumentAnalysis{TotalDocuments: len(results)}
	if len(results) == 0 {
		return summary
	}
	totalScore := 0.0
	for _, r := range results {
		if r.Error == "" {
			summary.SuccessfullyProcessed++
		}
		totalScore += r.ProcessingScore
	}
	summary.AverageProcessingScore = totalScore / float64(len(results))
	summary.SuccessRate = float64(summary.SuccessfullyProcessed) / float64(len(results))
	return summary
}

// Risk levels used by the risk assessment view
const (
	RiskLevelLow    = "low"
	RiskLevelMedium = "medium"
	RiskLevelHigh   = "high"
)

// RiskLevel maps a score onto low (<=40), medium (<=70) or high
func RiskLevel(score float64) string {
	switch {
	case score > ExtremeCautionThreshold:
		return RiskLevelHigh
	case score > CautionThreshold:
		return RiskLevelMedium
	}
	return RiskLevelLow
}

// RiskAssessment is the deal-level risk view
type RiskAssessment struct {
	DealID           string                      `json:"deal_id"`
	OverallRiskScore float64                     `json:"overall_risk_score"`
	RiskLevel        string                      `json:"risk_level"`
	DocumentsScored  int                         `json:"documents_scored"`
	FlagsByType      map[string][]model.RiskFlag `json:"flags_by_type"`
	TotalFlags       int                         `json:"total_flags"`
}

// AssessRisk summarises stored results into a RiskAssessment
func AssessRisk(dealID string, results []DocumentResult) *RiskAssessment {
	overall := MeanRiskScore(results)
	a := &RiskAssessment{
		DealID:           dealID,
		OverallRiskScore: overall,
		RiskLevel:        RiskLevel(overall),
		DocumentsScored:  len(results),
		FlagsByType:      map[string][]model.RiskFlag{},
	}
	for _, r := range results {
		for _, f := range r.RiskFlags {
			a.FlagsByType[f.Type] = append(a.FlagsByType[f.Type], f)
			a.TotalFlags++
		}
	}
	return a
}
