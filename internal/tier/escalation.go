package tier

import (
	"github.com/sells-group/rate-remediator/internal/model"
)

// NextTier picks the tier for the next attempt of a gap from its attempt
// history. Without history it starts at the cheapest available tier. A
// cost_exceeded attempt falls back to a cheaper tier; any other failure
// escalates, staying at the top tier once reached. When left is 1 a final
// retry goes to the highest available tier not yet tried, so a short retry
// cap still reaches the last tier. has reports whether a tier can run;
// unavailable tiers are skipped. ok is false when no tier can.
func NextTier(history []model.Attempt, left int, has func(int) bool) (next int, ok bool) {
	last, found := lastAttempt(history)
	switch {
	case !found:
		next, ok = firstOf(has, ascending(0, model.MaxTier)...)
	case last.Outcome == model.OutcomeCostExceeded:
		level := max(last.WorkerType.Tier(), 0)
		down := descending(max(level-1, 0), 0)
		return firstOf(has, append(down, ascending(level, model.MaxTier)...)...)
	default:
		level := max(last.WorkerType.Tier(), 0)
		up := min(level+1, model.MaxTier)
		next, ok = firstOf(has, append(ascending(up, model.MaxTier), descending(up-1, 0)...)...)
	}
	if !ok || !found || left != 1 {
		return next, ok
	}

	tried := make(map[int]bool, len(history))
	for _, a := range history {
		if a.Outcome != model.OutcomeStarted {
			tried[a.WorkerType.Tier()] = true
		}
	}
	for l := model.MaxTier; l > next; l-- {
		if has(l) && !tried[l] {
			return l, true
		}
	}
	return next, true
}

// Hints collects website and phone values discovered by earlier attempts.
// Later attempts override earlier ones.
func Hints(gap model.Gap, history []model.Attempt) map[string]string {
	hints := make(map[string]string, 2)
	if gap.Competitor.Website != "" {
		hints[MetaWebsite] = gap.Competitor.Website
	}
	if gap.Competitor.Phone != "" {
		hints[MetaPhone] = gap.Competitor.Phone
	}
	for _, a := range history {
		for _, key := range []string{MetaWebsite, MetaPhone} {
			if v, ok := a.Metadata[key].(string); ok && v != "" {
				hints[key] = v
			}
		}
	}
	return hints
}

func lastAttempt(history []model.Attempt) (model.Attempt, bool) {
	var last model.Attempt
	found := false
	for _, a := range history {
		if a.Outcome == model.OutcomeStarted {
			continue
		}
		if !found || a.AttemptNumber > last.AttemptNumber {
			last, found = a, true
		}
	}
	return last, found
}

func firstOf(has func(int) bool, levels ...int) (int, bool) {
	for _, l := range levels {
		if has(l) {
			return l, true
		}
	}
	return 0, false
}

func ascending(from, to int) []int {
	var out []int
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func descending(from, to int) []int {
	var out []int
	for i := from; i >= to; i-- {
		out = append(out, i)
	}
	return out
}
