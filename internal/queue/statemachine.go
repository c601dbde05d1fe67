package queue

import "github.com/sells-group/rate-remediator/internal/model"

// Next returns the state of g after an attempt ends with outcome. ok is
// false when (g.Status, outcome) is not a transition, in which case g is
// returned unchanged. Next never touches storage.
func Next(g model.Gap, outcome model.Outcome) (model.Gap, bool) {
	if g.Status.Terminal() {
		return g, false
	}

	maxAttempts := g.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}

	switch {
	case g.Status == model.GapStatusPending && outcome == model.OutcomeStarted:
		g.Status = model.GapStatusInProgress
		return g, true

	case g.Status == model.GapStatusInProgress && outcome == model.OutcomeCompleted:
		g.Status = model.GapStatusResolved
		return g, true

	case g.Status == model.GapStatusInProgress && outcome.Failure():
		g.AttemptCount++
		if g.AttemptCount < maxAttempts {
			g.Status = model.GapStatusPending
		} else {
			g.Status = model.GapStatusFailed
		}
		return g, true

	// A kill bypasses the retry cap. Pending gaps are killed too so a
	// halted run has nothing left to dispatch.
	case outcome == model.OutcomeKilled:
		g.AttemptCount++
		g.Status = model.GapStatusFailed
		return g, true
	}

	return g, false
}
