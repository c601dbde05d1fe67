package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityRank(t *testing.T) {
	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PriorityLow.Rank())
	assert.Equal(t, PriorityNormal.Rank(), Priority("urgent").Rank())
}

func TestGapStatusTerminal(t *testing.T) {
	tests := []struct {
		status   GapStatus
		terminal bool
	}{
		{GapStatusPending, false},
		{GapStatusInProgress, false},
		{GapStatusResolved, true},
		{GapStatusFailed, true},
		{GapStatusKilled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
			assert.Equal(t, !tt.terminal, tt.status.Active())
		})
	}
}

func TestNormalizeUnitSizes(t *testing.T) {
	got := NormalizeUnitSizes([]string{"10' x 10'", "5X5", "10x10", " 10 by 20 ", "10×15", ""})
	assert.Equal(t, []string{"10x10", "10x15", "10x20", "5x5"}, got)
}

func TestWorkerTiers(t *testing.T) {
	for n := 0; n <= MaxTier; n++ {
		w := WorkerForTier(n)
		assert.True(t, w.Valid())
		assert.Equal(t, n, w.Tier())
	}
	assert.Equal(t, -1, WorkerType("tier9").Tier())
	assert.Empty(t, WorkerForTier(4))
}

func TestAttemptStatsFailureRate(t *testing.T) {
	assert.Zero(t, AttemptStats{}.FailureRate())
	assert.InDelta(t, 0.7, AttemptStats{Total: 10, Failures: 7}.FailureRate(), 1e-9)
	assert.InDelta(t, 0.5, AttemptStats{Total: 6, Failures: 2, Killed: 2}.FailureRate(), 1e-9)
}
