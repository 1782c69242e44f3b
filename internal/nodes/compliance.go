package nodes

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/rendis/flowpilot/pkg/schema"
)

// Compliance scoring weights.
const (
	CriticalTermWeight      = 30
	WarningTermWeight       = 10
	MissingDisclaimerWeight = 20
	MaxRiskScore            = 100
	DefaultRiskThreshold    = 50
)

// Term lists used when a checker node configures none.
var (
	DefaultCriticalTerms = []string{"guaranteed", "risk-free", "no risk", "100% return", "cannot lose"}
	DefaultWarningTerms  = []string{"best", "act now", "limited time", "free", "urgent"}
)

// ComplianceResult is the verdict for one piece of content.
type ComplianceResult struct {
	Passed             bool     `json:"passed"`
	RiskScore          int      `json:"riskScore"`
	FlaggedTerms       []string `json:"flaggedTerms"`
	MissingDisclaimers []string `json:"missingDisclaimers"`
}

// ScoreContent scores content against cfg. Matching is case-insensitive and
// each term counts once.
func ScoreContent(content string, cfg *schema.ComplianceCheckConfig) ComplianceResult {
	lower := strings.ToLower(content)
	critical, warning := cfg.CriticalTerms, cfg.WarningTerms
	if len(critical) == 0 && len(warning) == 0 {
		critical, warning = DefaultCriticalTerms, DefaultWarningTerms
	}

	res := ComplianceResult{FlaggedTerms: []string{}, MissingDisclaimers: []string{}}
	score := 0
	for _, t := range critical {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			score += CriticalTermWeight
			res.FlaggedTerms = append(res.FlaggedTerms, t)
		}
	}
	for _, t := range warning {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			score += WarningTermWeight
			res.FlaggedTerms = append(res.FlaggedTerms, t)
		}
	}
	for _, d := range cfg.RequiredDisclaimers {
		if d != "" && !strings.Contains(lower, strings.ToLower(d)) {
			score += MissingDisclaimerWeight
			res.MissingDisclaimers = append(res.MissingDisclaimers, d)
		}
	}

	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultRiskThreshold
	}
	res.RiskScore = min(score, MaxRiskScore)
	res.Passed = res.RiskScore < threshold
	return res
}

// ComplianceCheckExecutor scores the content of each record.
type ComplianceCheckExecutor struct{}

func (e *ComplianceCheckExecutor) Type() schema.NodeType { return schema.NodeTypeComplianceCheck }

func (e *ComplianceCheckExecutor) PerRecord(schema.NodeConfig) bool { return true }

func (e *ComplianceCheckExecutor) Execute(_ context.Context, req Request) (any, error) {
	cfg, err := configAs[*schema.ComplianceCheckConfig](req)
	if err != nil {
		return nil, err
	}

	var content string
	switch v := req.Input.(type) {
	case string:
		content = v
	default:
		m, ok := asMap(v)
		if !ok {
			return nil, schema.NewNodeError(schema.KindValidation, "compliance: expected content, got %s", describe(v))
		}
		field := cfg.ContentField
		if field == "" {
			field = "content"
		}
		s, ok := m[field].(string)
		if !ok {
			return nil, schema.NewNodeError(schema.KindValidation, "compliance: input has no %q text", field)
		}
		content = s
	}

	res := ScoreContent(content, cfg)
	return map[string]any{
		"passed":             res.Passed,
		"riskScore":          res.RiskScore,
		"flaggedTerms":       res.FlaggedTerms,
		"missingDisclaimers": res.MissingDisclaimers,
	}, nil
}

const defaultTopTerms = 5

// ComplianceReportExecutor aggregates compliance-checker verdicts.
type ComplianceReportExecutor struct{}

func (e *ComplianceReportExecutor) Type() schema.NodeType { return schema.NodeTypeComplianceReport }

func (e *ComplianceReportExecutor) Execute(_ context.Context, req Request) (any, error) {
	cfg, err := configAs[*schema.ComplianceReportConfig](req)
	if err != nil {
		return nil, err
	}
	verdicts := collectVerdicts(req.Input)

	report := map[string]any{
		"total":            len(verdicts),
		"passed":           0,
		"failed":           0,
		"averageRiskScore": 0.0,
		"topFlaggedTerms":  []map[string]any{},
	}
	if cfg.Title != "" {
		report["title"] = cfg.Title
	}
	if len(verdicts) == 0 {
		return report, nil
	}

	passed, sum := 0, 0.0
	counts := map[string]int{}
	for _, v := range verdicts {
		if boolParam(v, "passed", false) {
			passed++
		}
		sum += floatParam(v, "riskScore", 0)
		terms, _ := asList(v["flaggedTerms"])
		for _, t := range terms {
			if s, ok := t.(string); ok {
				counts[s]++
			}
		}
	}

	topN := cfg.TopN
	if topN <= 0 {
		topN = defaultTopTerms
	}
	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	top := make([]map[string]any, 0, min(topN, len(terms)))
	for _, t := range terms[:min(topN, len(terms))] {
		top = append(top, map[string]any{"term": t, "count": counts[t]})
	}

	report["passed"] = passed
	report["failed"] = len(verdicts) - passed
	report["averageRiskScore"] = math.Round(sum/float64(len(verdicts))*100) / 100
	report["topFlaggedTerms"] = top
	return report, nil
}

// collectVerdicts finds checker outputs in an aggregated batch result, a list
// of verdicts, or a single verdict. Failed batch entries are skipped.
func collectVerdicts(input any) []map[string]any {
	if records, ok := ExtractBatch(input); ok {
		out := make([]map[string]any, 0, len(records))
		for _, r := range records {
			if _, ok := r["riskScore"]; ok {
				out = append(out, r)
			}
		}
		return out
	}
	if m, ok := asMap(input); ok {
		if _, ok := m["riskScore"]; ok {
			return []map[string]any{m}
		}
	}
	return nil
}
