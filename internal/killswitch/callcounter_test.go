package killswitch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rate-remediator/internal/model"
	"github.com/sells-group/rate-remediator/internal/store"
)

func newRedisCounter(t *testing.T) (*RedisCallCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	return NewRedisCallCounter(client, "test"), mr
}

func TestRedisCallCounter_IncrementAndCount(t *testing.T) {
	c, mr := newRedisCounter(t)
	c.now = func() time.Time { return time.Date(2026, 10, 14, 23, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	n, err := c.Count(ctx, model.WorkerTier3Call)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	for range 3 {
		_, err = c.Increment(ctx, model.WorkerTier3Call)
		require.NoError(t, err)
	}
	n, err = c.Count(ctx, model.WorkerTier3Call)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	key := "test:calls:tier3_call:2026-10-14"
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "3", got)
	assert.Equal(t, 2*time.Hour, mr.TTL(key))
}

func TestRedisCallCounter_NewDayStartsAtZero(t *testing.T) {
	c, _ := newRedisCounter(t)
	ctx := context.Background()

	c.now = func() time.Time { return time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC) }
	_, err := c.Increment(ctx, model.WorkerTier3Call)
	require.NoError(t, err)

	c.now = func() time.Time { return time.Date(2026, 10, 15, 0, 5, 0, 0, time.UTC) }
	n, err := c.Count(ctx, model.WorkerTier3Call)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRedisCallCounter_ExpiresAfterDay(t *testing.T) {
	c, mr := newRedisCounter(t)
	c.now = func() time.Time { return time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	_, err := c.Increment(ctx, model.WorkerTier3Call)
	require.NoError(t, err)

	mr.FastForward(14 * time.Hour)
	assert.False(t, mr.Exists("test:calls:tier3_call:2026-10-14"))
}

func TestRedisCallCounter_Unavailable(t *testing.T) {
	c, mr := newRedisCounter(t)
	mr.Close()

	_, err := c.Increment(context.Background(), model.WorkerTier3Call)
	assert.Error(t, err)
}

func TestStoreCallCounter(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	g, _, err := st.InsertGap(ctx, model.Gap{
		RunID: "run-1", CompetitorID: "comp-a", GapType: model.GapTypeMissingRents,
		Priority: model.PriorityNormal, Status: model.GapStatusPending, MaxAttempts: 3,
	})
	require.NoError(t, err)

	apply := func(g model.Gap, _ model.Attempt) (model.Gap, bool, error) {
		g.AttemptCount++
		return g, true, nil
	}
	for i, ref := range []string{"call-1", "", "call-2"} {
		_, err := st.RecordAttempt(ctx, model.Attempt{
			GapID: g.ID, RunID: "run-1", AttemptNumber: i + 1, WorkerType: model.WorkerTier3Call,
			Outcome: model.OutcomeFailed, SourceReference: ref,
		}, nil, apply)
		require.NoError(t, err)
	}

	c := NewStoreCallCounter(st)
	n, err := c.Count(ctx, model.WorkerTier3Call)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = c.Increment(ctx, model.WorkerTier3Call)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
