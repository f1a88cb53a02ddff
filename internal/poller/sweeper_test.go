package poller

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klyra-ai/genstudio/internal/db"
	"github.com/klyra-ai/genstudio/internal/provider"
)

func newSweeperEnv(t *testing.T) (*schedulerEnv, *Sweeper) {
	t.Helper()
	env := newSchedulerEnv(t, testPolicies(2*time.Millisecond, time.Minute, 100))
	sweeper := NewSweeper(env.store, env.registry, env.scheduler,
		time.Minute, 2*time.Minute, 24*time.Hour, 50)
	return env, sweeper
}

func staleJob(externalID string, age time.Duration) db.GenerationJob {
	rec := processingJob(externalID)
	rec.UpdatedAt = pgtype.Timestamptz{Time: time.Now().Add(-age), Valid: true}
	return rec
}

func TestSweeperRecoversOrphanedJob(t *testing.T) {
	env, sweeper := newSweeperEnv(t)
	env.adapter.Script(provider.FakeResponse{Status: provider.CanonicalStatus{
		State:      provider.StateSucceeded,
		ResultURLs: []string{"http://provider/tmp/1.png"},
	}})

	// The process that was polling this job died ten minutes ago.
	rec := staleJob("ext-30", 10*time.Minute)
	env.store.put(rec)

	recovered, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got := env.waitTerminal(t, rec)
	assert.Equal(t, db.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, env.fin.callCount())
}

func TestSweeperHonorsGraceWindow(t *testing.T) {
	env, sweeper := newSweeperEnv(t)

	// Touched thirty seconds ago, well inside the two minute grace window,
	// so some poller is presumed alive.
	rec := staleJob("ext-31", 30*time.Second)
	env.store.put(rec)

	recovered, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, recovered)
	assert.Zero(t, env.registry.Len())
}

func TestSweeperHonorsStalenessCeiling(t *testing.T) {
	env, sweeper := newSweeperEnv(t)

	// Two days old. Reviving it would poll an expired provider job; it is
	// left for cmd/cleanup to fail outright.
	rec := staleJob("ext-32", 48*time.Hour)
	env.store.put(rec)

	recovered, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestSweeperSkipsActivelyPolledJobs(t *testing.T) {
	env, sweeper := newSweeperEnv(t)

	rec := staleJob("ext-33", 10*time.Minute)
	env.store.put(rec)
	require.True(t, env.registry.Register(&ActiveJob{
		JobID:         db.FromUUID(rec.ID),
		ExternalJobID: "ext-33",
		Provider:      rec.Provider,
	}))

	recovered, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, recovered)
	assert.Equal(t, 1, env.registry.Len())
}

func TestSweeperSkipsTerminalJobs(t *testing.T) {
	env, sweeper := newSweeperEnv(t)

	rec := staleJob("ext-34", 10*time.Minute)
	rec.Status = db.JobStatusFailed
	env.store.put(rec)

	recovered, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, recovered)
}
