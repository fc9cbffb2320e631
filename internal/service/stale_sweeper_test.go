package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
)

func TestStaleSweeperFailsStuckSessions(t *testing.T) {
	sessions := newSessionStoreStub()
	now := sessions.now
	old := now.Add(-3 * time.Hour)

	stuck := sessions.put(&models.Session{OwnerID: "t", Kind: models.KindClass, Status: models.StatusStructuring, UpdatedAt: old})
	stuckExam := sessions.put(&models.Session{OwnerID: "t", Kind: models.KindExamPrep, Status: models.StatusExamTranscribing, UpdatedAt: old})
	recent := sessions.put(&models.Session{OwnerID: "t", Kind: models.KindClass, Status: models.StatusRecapping, UpdatedAt: now.Add(-time.Hour)})
	idle := sessions.put(&models.Session{OwnerID: "t", Kind: models.KindClass, Status: models.StatusStructured, UpdatedAt: old})
	done := sessions.put(&models.Session{OwnerID: "t", Kind: models.KindClass, Status: models.StatusRecapped, UpdatedAt: old})

	metrics := NewMetricsService()
	sweeper := NewStaleSweeper(sessions, 2*time.Hour, metrics, nil)
	sweeper.now = func() time.Time { return now }

	swept, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	for _, id := range []int64{stuck.ID, stuckExam.ID} {
		stored := sessions.get(id)
		assert.Equal(t, models.StatusFailed, stored.Status)
		assert.True(t, strings.HasPrefix(stored.ErrorDetail, "stale:"), stored.ErrorDetail)
	}
	assert.Equal(t, models.StatusRecapping, sessions.get(recent.ID).Status)
	assert.Equal(t, models.StatusStructured, sessions.get(idle.ID).Status)
	assert.Equal(t, models.StatusRecapped, sessions.get(done.ID).Status)

	swept, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, swept)
	assert.Equal(t, uint64(2), metrics.Snapshot().StaleSessionsSwept)
}
