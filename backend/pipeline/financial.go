package pipeline

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/AnTengye/dealdesk/backend/model"
)

const amountPattern = `(\$[\d,]+(?:\.\d{2})?[mb]?)`

type metricPatterns struct {
	metric   string
	patterns []*regexp.Regexp
}

// Candidate patterns per metric in priority order; the first one that matches wins.
var financialPatterns = []metricPatterns{
	{"revenue", compileAll(
		`revenue.*?`+amountPattern,
		`sales.*?`+amountPattern,
		amountPattern+`.*?revenue`,
	)},
	{"ebitda", compileAll(
		`ebitda.*?`+amountPattern,
		amountPattern+`.*?ebitda`,
	)},
	{"debt", compileAll(
		`debt.*?`+amountPattern,
		amountPattern+`.*?debt`,
	)},
}

var yearPattern = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

// ExtractFinancialData finds revenue, EBITDA and debt figures in text.
// At most one metric of each kind is returned.
func ExtractFinancialData(text string, docType model.DocumentType) []model.FinancialMetric {
	metrics := []model.FinancialMetric{}
	if text == "" {
		return metrics
	}

	for _, mp := range financialPatterns {
		for _, re := range mp.patterns {
			loc := re.FindStringSubmatchIndex(text)
			if loc == nil {
				continue
			}
			raw := text[loc[2]:loc[3]]
			value, parsed := parseAmount(raw)
			if !parsed {
				continue
			}
			metrics = append(metrics, model.FinancialMetric{
				Metric: mp.metric,
				Value:  value,
				Raw:    raw,
				Period: periodNear(text, loc[0], loc[1], raw),
				Source: string(docType),
			})
			break
		}
	}
	return metrics
}

// parseAmount converts "$1,250.50m" style figures into a number
func parseAmount(raw string) (float64, bool) {
	s := strings.TrimPrefix(raw, "$")
	multiplier := 1.0
	switch strings.ToLower(s[len(s)-1:]) {
	case "m":
		multiplier = 1e6
		s = s[:len(s)-1]
	case "b":
		multiplier = 1e9
		s = s[:len(s)-1]
	}
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v * multiplier, true
}

// periodNear returns a four-digit year from the line holding the match, if any
func periodNear(text string, start, end int, raw string) string {
	lineStart := strings.LastIndexByte(text[:start], '\n') + 1
	lineEnd := len(text)
	if i := strings.IndexByte(text[end:], '\n'); i >= 0 {
		lineEnd = end + i
	}
	line := strings.Replace(text[lineStart:lineEnd], raw, " ", 1)
	return yearPattern.FindString(line)
}
