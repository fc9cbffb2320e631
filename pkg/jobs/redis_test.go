package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisBroker(t *testing.T, base time.Time) *RedisBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	broker := NewRedisBroker(client, "test")
	broker.now = func() time.Time { return base }
	return broker
}

func TestRedisBrokerLeaseAndAck(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	broker := newTestRedisBroker(t, base)

	job, err := NewJob("class.structure", LanePipeline, map[string]int64{"session_id": 7})
	require.NoError(t, err)
	require.NoError(t, broker.Enqueue(ctx, job, 0))

	got, err := broker.Dequeue(ctx, LanePipeline, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	var payload map[string]int64
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, int64(7), payload["session_id"])

	stats, err := broker.Stats(ctx, LanePipeline)
	require.NoError(t, err)
	assert.Equal(t, LaneStats{Lane: LanePipeline, Leased: 1}, stats)

	require.NoError(t, broker.Ack(ctx, got))
	_, err = broker.Dequeue(ctx, LanePipeline, time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)

	stats, err = broker.Stats(ctx, LanePipeline)
	require.NoError(t, err)
	assert.Zero(t, stats.Leased)
}

func TestRedisBrokerRetryIsDelayed(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	broker := newTestRedisBroker(t, base)

	job, err := NewJob("sms.batch", LaneDefault, nil)
	require.NoError(t, err)
	require.NoError(t, broker.Enqueue(ctx, job, 0))
	got, err := broker.Dequeue(ctx, LaneDefault, 5*time.Minute)
	require.NoError(t, err)

	got.Attempt = 1
	require.NoError(t, broker.Retry(ctx, got, time.Minute))

	moved, err := broker.Maintain(ctx, LaneDefault, base.Add(30*time.Second), 3)
	require.NoError(t, err)
	assert.Zero(t, moved)
	_, err = broker.Dequeue(ctx, LaneDefault, time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)

	moved, err = broker.Maintain(ctx, LaneDefault, base.Add(61*time.Second), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	again, err := broker.Dequeue(ctx, LaneDefault, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Attempt)
}

func TestRedisBrokerRequeuesExpiredLease(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	broker := newTestRedisBroker(t, base)

	job, err := NewJob("class.recap", LanePipeline, nil)
	require.NoError(t, err)
	require.NoError(t, broker.Enqueue(ctx, job, 0))
	_, err = broker.Dequeue(ctx, LanePipeline, 10*time.Second)
	require.NoError(t, err)

	moved, err := broker.Maintain(ctx, LanePipeline, base.Add(5*time.Second), 3)
	require.NoError(t, err)
	assert.Zero(t, moved)

	moved, err = broker.Maintain(ctx, LanePipeline, base.Add(11*time.Second), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	redelivered, err := broker.Dequeue(ctx, LanePipeline, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, job.ID, redelivered.ID)
	assert.Equal(t, 1, redelivered.Attempt)
}

func TestRedisBrokerDeadLettersJobWhoseLeasesKeepExpiring(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	broker := newTestRedisBroker(t, base)

	job, err := NewJob("class.transcribe", LanePipeline, map[string]int64{"session_id": 7})
	require.NoError(t, err)
	require.NoError(t, broker.Enqueue(ctx, job, 0))

	for i := 0; i < 2; i++ {
		got, err := broker.Dequeue(ctx, LanePipeline, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, got.Attempt)
		moved, err := broker.Maintain(ctx, LanePipeline, base.Add(11*time.Second), 3)
		require.NoError(t, err)
		assert.Equal(t, 1, moved)
	}

	got, err := broker.Dequeue(ctx, LanePipeline, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempt)
	assert.True(t, got.LastAttempt())

	moved, err := broker.Maintain(ctx, LanePipeline, base.Add(11*time.Second), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	stats, err := broker.Stats(ctx, LanePipeline)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Dead)
	assert.Zero(t, stats.Ready)
	assert.Zero(t, stats.Leased)
	_, err = broker.Dequeue(ctx, LanePipeline, 10*time.Second)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRedisBrokerRetryResetsLeaseCount(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	broker := newTestRedisBroker(t, base)

	job, err := NewJob("class.recap", LanePipeline, nil)
	require.NoError(t, err)
	require.NoError(t, broker.Enqueue(ctx, job, 0))
	_, err = broker.Dequeue(ctx, LanePipeline, 10*time.Second)
	require.NoError(t, err)
	_, err = broker.Maintain(ctx, LanePipeline, base.Add(11*time.Second), 5)
	require.NoError(t, err)

	got, err := broker.Dequeue(ctx, LanePipeline, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, got.Attempt)
	got.Attempt++
	require.NoError(t, broker.Retry(ctx, got, 0))
	_, err = broker.Maintain(ctx, LanePipeline, base, 5)
	require.NoError(t, err)

	again, err := broker.Dequeue(ctx, LanePipeline, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Attempt)
}

func TestRedisBrokerDeadAndClaim(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	broker := newTestRedisBroker(t, base)

	job, err := NewJob("publication.fanout", LaneDefault, nil)
	require.NoError(t, err)
	require.NoError(t, broker.Enqueue(ctx, job, 0))
	got, err := broker.Dequeue(ctx, LaneDefault, time.Minute)
	require.NoError(t, err)
	require.NoError(t, broker.Dead(ctx, got))

	stats, err := broker.Stats(ctx, LaneDefault)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Dead)
	assert.Zero(t, stats.Leased)

	won, err := broker.Claim(ctx, "beat:sweep:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = broker.Claim(ctx, "beat:sweep:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)
}
