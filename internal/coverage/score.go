// Package coverage scores how complete a run's rate evidence is and decides
// whether the run may advance downstream.
package coverage

import (
	"math"
	"net/url"
	"strings"

	"github.com/sells-group/rate-remediator/internal/model"
)

// Sub-score weights of the overall score.
const (
	WeightCompetitor = 0.50
	WeightSize       = 0.30
	WeightDiversity  = 0.20
)

// Confidence thresholds on the overall score.
const (
	HighThreshold   = 80.0
	MediumThreshold = 60.0
)

// DefaultDiversityTarget is the number of distinct sources that earns a
// full diversity score.
const DefaultDiversityTarget = 3

// Input is everything a score is derived from.
type Input struct {
	Gaps     []model.Gap
	Attempts []model.Attempt
	// Evidence is rate evidence collected before remediation started.
	Evidence        []model.Evidence
	DiversityTarget int
}

// Compose builds a score from its three sub-scores. Each is clamped to
// [0, 100] and the overall score is rounded to two decimals.
func Compose(competitorPct, sizePct, diversity float64) model.CoverageScore {
	c, s, d := clamp(competitorPct), clamp(sizePct), clamp(diversity)
	overall := clamp(round2(WeightCompetitor*c + WeightSize*s + WeightDiversity*d))
	return model.CoverageScore{
		OverallScore:          overall,
		CompetitorCoveragePct: c,
		SizeCoveragePct:       s,
		SourceDiversityScore:  d,
		ConfidenceLevel:       Level(overall),
	}
}

// Level buckets an overall score.
func Level(overall float64) model.ConfidenceLevel {
	switch {
	case overall >= HighThreshold:
		return model.ConfidenceHigh
	case overall >= MediumThreshold:
		return model.ConfidenceMedium
	}
	return model.ConfidenceLow
}

// Score computes the coverage of in. Rates of completed attempts count as
// evidence for the gap's competitor.
func Score(in Input) model.CoverageScore {
	evidence := Collect(in.Gaps, in.Attempts, in.Evidence)

	competitors := make(map[string]struct{})
	for _, g := range in.Gaps {
		competitors[g.CompetitorID] = struct{}{}
	}
	for _, e := range in.Evidence {
		if e.CompetitorID != "" {
			competitors[e.CompetitorID] = struct{}{}
		}
	}
	if len(competitors) == 0 {
		return Compose(0, 0, 0)
	}

	covered := make(map[string]struct{})
	sizes := make(map[string]struct{})
	sources := make(map[string]struct{})
	for _, e := range evidence {
		covered[e.CompetitorID] = struct{}{}
		sizes[e.CompetitorID+"|"+model.NormalizeUnitSize(e.UnitSize)] = struct{}{}
		if key := sourceKey(e.Source); key != "" {
			sources[key] = struct{}{}
		}
	}

	var targets, hits int
	seen := make(map[string]struct{})
	for _, g := range in.Gaps {
		for _, size := range g.TargetUnitSizes {
			key := g.CompetitorID + "|" + model.NormalizeUnitSize(size)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			targets++
			if _, ok := sizes[key]; ok {
				hits++
			}
		}
	}

	competitorPct := pct(countIn(covered, competitors), len(competitors))
	sizePct := 100.0
	if targets > 0 {
		sizePct = pct(hits, targets)
	}

	target := in.DiversityTarget
	if target <= 0 {
		target = DefaultDiversityTarget
	}
	diversity := pct(len(sources), target)

	return Compose(round2(competitorPct), round2(sizePct), round2(diversity))
}

// Collect returns the supplied evidence plus the rates of completed
// attempts, attributed to their gap's competitor.
func Collect(gaps []model.Gap, attempts []model.Attempt, supplied []model.Evidence) []model.Evidence {
	byID := make(map[string]model.Gap, len(gaps))
	for _, g := range gaps {
		byID[g.ID] = g
	}

	out := make([]model.Evidence, 0, len(supplied)+len(attempts))
	out = append(out, supplied...)
	for _, a := range attempts {
		if a.Outcome != model.OutcomeCompleted {
			continue
		}
		g, ok := byID[a.GapID]
		if !ok {
			continue
		}
		for _, r := range model.RatesFromMetadata(a.Metadata) {
			src := r.Source
			if src == "" {
				src = a.SourceReference
			}
			out = append(out, model.Evidence{
				CompetitorID: g.CompetitorID,
				UnitSize:     r.UnitSize,
				MonthlyCents: r.MonthlyCents,
				Source:       src,
			})
		}
	}
	return out
}

// sourceKey groups sources by site: URLs by host without "www.", references
// such as "call:abc" by their scheme.
func sourceKey(src string) string {
	src = strings.TrimSpace(strings.ToLower(src))
	if src == "" {
		return ""
	}
	if u, err := url.Parse(src); err == nil && u.Host != "" {
		return strings.TrimPrefix(u.Hostname(), "www.")
	}
	if scheme, _, ok := strings.Cut(src, ":"); ok && scheme != "" {
		return scheme
	}
	return src
}

func countIn(set, scope map[string]struct{}) int {
	n := 0
	for k := range set {
		if _, ok := scope[k]; ok {
			n++
		}
	}
	return n
}

func pct(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	return math.Min(100, float64(n)/float64(d)*100)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
