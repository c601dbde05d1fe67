package tier

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/sells-group/rate-remediator/internal/model"
)

// MinConfidence is the confidence below which a result is handed to the
// next tier instead of resolving the gap.
const MinConfidence = 0.5

const (
	priceWindow   = 80
	minPriceCents = 500
	maxPriceCents = 200000
)

var (
	sizeRe  = regexp.MustCompile(`(?i)\b(\d{1,2}(?:\.\d)?)\s*(?:'|ft\.?|feet|foot)?\s*(?:x|×|by)\s*(\d{1,2}(?:\.\d)?)\s*(?:'|ft\.?|feet|foot)?`)
	priceRe = regexp.MustCompile(`(?i)\$\s*(\d{1,3}(?:,\d{3})+|\d+)(\.\d{1,2})?|\b(\d{1,4})(\.\d{1,2})?\s*(?:dollars|usd)\b`)
)

// ExtractRates finds "WxD ... $P" pairs in free text. The price must follow
// its size within a short window and before the next size. The first price
// seen for a size wins.
func ExtractRates(text, source string) []model.Rate {
	sizes := sizeRe.FindAllStringSubmatchIndex(text, -1)
	seen := make(map[string]bool, len(sizes))
	var out []model.Rate
	for i, m := range sizes {
		size := model.NormalizeUnitSize(text[m[2]:m[3]] + "x" + text[m[4]:m[5]])
		if seen[size] {
			continue
		}

		end := min(m[1]+priceWindow, len(text))
		if i+1 < len(sizes) && sizes[i+1][0] < end {
			end = sizes[i+1][0]
		}
		cents, ok := firstPrice(text[m[1]:end])
		if !ok {
			continue
		}
		seen[size] = true
		out = append(out, model.Rate{UnitSize: size, MonthlyCents: cents, Source: source})
	}
	return out
}

func firstPrice(window string) (int64, bool) {
	for _, p := range priceRe.FindAllStringSubmatch(window, -1) {
		whole, frac := p[1], p[2]
		if whole == "" {
			whole, frac = p[3], p[4]
		}
		cents, ok := parseCents(whole, frac)
		if ok && cents >= minPriceCents && cents <= maxPriceCents {
			return cents, true
		}
	}
	return 0, false
}

func parseCents(whole, frac string) (int64, bool) {
	w, err := strconv.ParseInt(strings.ReplaceAll(whole, ",", ""), 10, 64)
	if err != nil {
		return 0, false
	}
	var f int64
	if frac != "" {
		digits := strings.TrimPrefix(frac, ".")
		if len(digits) == 1 {
			digits += "0"
		}
		f, err = strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return 0, false
		}
	}
	return w*100 + f, true
}

// MatchRatio is the share of target sizes with a rate. Gaps without target
// sizes count as fully matched by any rate.
func MatchRatio(rates []model.Rate, targets []string) (matched int, ratio float64) {
	if len(targets) == 0 {
		if len(rates) > 0 {
			return 0, 1
		}
		return 0, 0
	}
	have := make(map[string]bool, len(rates))
	for _, r := range rates {
		have[model.NormalizeUnitSize(r.UnitSize)] = true
	}
	for _, t := range targets {
		if have[model.NormalizeUnitSize(t)] {
			matched++
		}
	}
	return matched, float64(matched) / float64(len(targets))
}

// Confidence scales a match ratio into [floor, ceiling]:
// min(ceiling, floor + 0.5 × ratio), rounded to 2 decimals.
func Confidence(floor, ceiling, ratio float64) float64 {
	c := math.Min(ceiling, floor+0.5*ratio)
	return math.Round(c*100) / 100
}

// judge turns extracted rates into an outcome. Results with no rates or a
// confidence below MinConfidence need the next tier.
func judge(gap model.Gap, rates []model.Rate, floor, ceiling float64, source string) Outcome {
	matched, ratio := MatchRatio(rates, gap.TargetUnitSizes)
	conf := 0.0
	if len(rates) > 0 {
		conf = Confidence(floor, ceiling, ratio)
	}
	o := Outcome{
		Status:          model.OutcomeCompleted,
		Rates:           rates,
		SourceReference: source,
		Confidence:      conf,
		Metadata:        map[string]any{MetaMatched: matched},
	}
	if len(rates) == 0 || conf < MinConfidence {
		o.Status = model.OutcomeFailed
		o.NeedsNextTier = true
		o.Err = &Error{Code: CodeNeedsNextTier, Message: needsNextMessage(len(rates), matched, len(gap.TargetUnitSizes))}
	}
	return o
}

func needsNextMessage(rates, matched, targets int) string {
	if rates == 0 {
		return "no rates found"
	}
	return strconv.Itoa(matched) + " of " + strconv.Itoa(targets) + " target sizes matched"
}
