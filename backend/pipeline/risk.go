package pipeline

import (
	"fmt"
	"strings"

	"github.com/AnTengye/dealdesk/backend/model"
)

// FlagKeywordDetection tags flags raised by the keyword scan
const FlagKeywordDetection = "keyword_detection"

// ClassificationUnknown is used whenever the classifier gives no answer
const ClassificationUnknown = "unknown"

// RiskKeywords are scanned for in this order
var RiskKeywords = []string{
	"litigation", "lawsuit", "breach", "violation", "penalty",
	"audit", "investigation", "regulatory", "compliance",
	"debt", "default", "bankruptcy", "insolvency",
	"loss", "decline", "negative", "risk", "uncertainty",
}

// FinancialRiskRule derives extra flags from extracted financial metrics
type FinancialRiskRule func(metrics []model.FinancialMetric) []model.RiskFlag

// RiskAnalysis is the output of the risk identification stage
type RiskAnalysis struct {
	Flags          []model.RiskFlag
	Classification string
	Summary        string
}

// KeywordFlags returns one medium flag per risk keyword present in text
func KeywordFlags(text string) []model.RiskFlag {
	flags := []model.RiskFlag{}
	lower := strings.ToLower(text)
	for _, kw := range RiskKeywords {
		if !strings.Contains(lower, kw) {
			continue
		}
		flags = append(flags, model.RiskFlag{
			Type:        FlagKeywordDetection,
			Keyword:     kw,
			Severity:    model.SeverityMedium,
			Description: fmt.Sprintf("Risk keyword %q detected", kw),
		})
	}
	return flags
}

// FinancialFlags runs every rule over metrics
func FinancialFlags(metrics []model.FinancialMetric, rules []FinancialRiskRule) []model.RiskFlag {
	if len(metrics) == 0 {
		return nil
	}
	var flags []model.RiskFlag
	for _, rule := range rules {
		flags = append(flags, rule(metrics)...)
	}
	return flags
}

// RiskSummary renders the human readable summary for a flag list
func RiskSummary(flags []model.RiskFlag, classification string) string {
	if len(flags) == 0 {
		return "No significant risks identified"
	}

	high, medium := countSeverity(flags, model.SeverityHigh), countSeverity(flags, model.SeverityMedium)

	var b strings.Builder
	fmt.Fprintf(&b, "Risk Analysis Summary: %d total flags identified. ", len(flags))
	fmt.Fprintf(&b, "AI Classification: %s. ", classification)
	if high > 0 {
		fmt.Fprintf(&b, "%d high-risk items require immediate attention. ", high)
	}
	if medium > 0 {
		fmt.Fprintf(&b, "%d medium-risk items should be monitored. ", medium)
	}
	return strings.TrimSpace(b.String())
}

func countSeverity(flags []model.RiskFlag, severity string) int {
	n := 0
	for _, f := range flags {
		if f.Severity == severity {
			n++
		}
	}
	return n
}

// truncateRunes returns at most n characters of s
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
