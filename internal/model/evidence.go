package model

// Rate is one observed monthly rent for a unit size.
type Rate struct {
	UnitSize     string `json:"unit_size" yaml:"unit_size"`
	MonthlyCents int64  `json:"monthly_cents" yaml:"monthly_cents"`
	Source       string `json:"source,omitempty" yaml:"source"`
}

// Evidence is one rate observation attributed to a competitor. It feeds
// coverage scoring, either from resolved attempts or supplied up front.
type Evidence struct {
	CompetitorID string `json:"competitor_id" yaml:"competitor_id"`
	UnitSize     string `json:"unit_size" yaml:"unit_size"`
	MonthlyCents int64  `json:"monthly_cents,omitempty" yaml:"monthly_cents"`
	Source       string `json:"source" yaml:"source"`
}

// ConfidenceLevel buckets a coverage score.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// CoverageScore is the derived completeness score of a run's evidence.
type CoverageScore struct {
	OverallScore          float64         `json:"overall_score"`
	CompetitorCoveragePct float64         `json:"competitor_coverage_pct"`
	SizeCoveragePct       float64         `json:"size_coverage_pct"`
	SourceDiversityScore  float64         `json:"source_diversity_score"`
	ConfidenceLevel       ConfidenceLevel `json:"confidence_level"`
}

// MetadataRates is the attempt metadata key that carries extracted rates.
const MetadataRates = "rates"

// RatesFromMetadata reads the rates stored under MetadataRates. It accepts
// both typed values and the generic form produced by decoding JSON.
func RatesFromMetadata(meta map[string]any) []Rate {
	switch v := meta[MetadataRates].(type) {
	case []Rate:
		return v
	case []any:
		out := make([]Rate, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			r := Rate{}
			r.UnitSize, _ = m["unit_size"].(string)
			r.Source, _ = m["source"].(string)
			switch c := m["monthly_cents"].(type) {
			case float64:
				r.MonthlyCents = int64(c)
			case int64:
				r.MonthlyCents = c
			case int:
				r.MonthlyCents = int64(c)
			}
			if r.UnitSize != "" {
				out = append(out, r)
			}
		}
		return out
	}
	return nil
}
