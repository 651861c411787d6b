package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipper/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func testInfo(runID string, startedAt time.Time) domain.RunInfo {
	return domain.RunInfo{
		RunID:       runID,
		BuildID:     "b123",
		ServiceName: "app",
		TargetHost:  "deploy.example.com",
		StartedAt:   startedAt,
	}
}

func testRef() domain.ArtifactReference {
	return domain.ArtifactReference{
		RegistryHost: "registry.example.com",
		Repository:   "svc/app",
		Tag:          "latest",
		BuildID:      "b123",
		BuildTag:     "b123",
	}
}

func record(stage domain.Stage, start int, success bool, errMsg string) domain.StageRecord {
	return domain.StageRecord{
		Stage:     stage,
		StartedAt: t0.Add(time.Duration(start) * time.Second),
		EndedAt:   t0.Add(time.Duration(start+1) * time.Second),
		Success:   success,
		Error:     errMsg,
	}
}

// =============================================================================
// Recording Tests
// =============================================================================

func TestStore_RecordSuccessfulRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RunStarted(ctx, testInfo("run_1", t0)))
	var stages []domain.StageRecord
	for i, stage := range domain.Stages() {
		rec := record(stage, i, true, "")
		stages = append(stages, rec)
		if i < len(domain.Stages())-1 {
			require.NoError(t, store.StageEnded(ctx, "run_1", rec))
		}
	}
	require.NoError(t, store.RunFinished(ctx, domain.PipelineResult{
		RunID:        "run_1",
		BuildID:      "b123",
		ServiceName:  "app",
		Stages:       stages,
		StageReached: domain.StageSucceeded,
		Success:      true,
		Reference:    testRef(),
		Publish:      &domain.PublishResult{Digest: "sha256:abc", Attempts: 2, RetryCount: 1},
		Reconcile:    &domain.ReconcileResult{ContainerID: "c1", PreviousFound: true, FinalStep: "verify"},
		FinishedAt:   t0.Add(4 * time.Second),
	}))

	run, err := store.GetRun(ctx, "run_1")
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Equal(t, "app", run.Info.ServiceName)
	assert.Equal(t, "app", run.Result.ServiceName)
	assert.True(t, run.Info.StartedAt.Equal(t0))
	assert.True(t, run.Result.Success)
	assert.Equal(t, domain.StageSucceeded, run.Result.StageReached)
	assert.Equal(t, testRef(), run.Result.Reference)
	assert.True(t, run.Result.FinishedAt.Equal(t0.Add(4*time.Second)))

	require.NotNil(t, run.Result.Publish)
	assert.Equal(t, "sha256:abc", run.Result.Publish.Digest)
	assert.Equal(t, 1, run.Result.Publish.RetryCount)
	require.NotNil(t, run.Result.Reconcile)
	assert.True(t, run.Result.Reconcile.PreviousFound)
	assert.Equal(t, "registry.example.com/svc/app:latest", run.Result.Reconcile.Image)

	require.Len(t, run.Result.Stages, 4)
	for i, rec := range run.Result.Stages {
		assert.Equal(t, domain.Stages()[i], rec.Stage)
		assert.True(t, rec.Success)
		assert.Equal(t, time.Second, rec.Duration())
	}
}

func TestStore_RecordFailedRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RunStarted(ctx, testInfo("run_1", t0)))
	require.NoError(t, store.StageEnded(ctx, "run_1", record(domain.StageResolving, 0, true, "")))
	require.NoError(t, store.RunFinished(ctx, domain.PipelineResult{
		RunID:        "run_1",
		StageReached: domain.StagePublishing,
		ErrorKind:    domain.KindAuthentication,
		ErrorDetail:  "stage Publishing: push: unauthorized",
		Reference:    testRef(),
		FinishedAt:   t0.Add(2 * time.Second),
		Stages: []domain.StageRecord{
			record(domain.StageResolving, 0, true, ""),
			record(domain.StagePublishing, 1, false, "push: unauthorized"),
		},
	}))

	run, err := store.GetRun(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.False(t, run.Result.Success)
	assert.Equal(t, domain.KindAuthentication, run.Result.ErrorKind)
	assert.Nil(t, run.Result.Publish)
	assert.Nil(t, run.Result.Reconcile)
	require.Len(t, run.Result.Stages, 2)
	assert.Equal(t, "push: unauthorized", run.Result.Stages[1].Error)
}

func TestStore_RecordInterruptedReconcile(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RunStarted(ctx, testInfo("run_1", t0)))
	require.NoError(t, store.RunFinished(ctx, domain.PipelineResult{
		RunID:              "run_1",
		StageReached:       domain.StageReconciling,
		ErrorKind:          domain.KindUnreachableHost,
		TargetStateUnknown: true,
		Stages:             []domain.StageRecord{record(domain.StageReconciling, 3, false, "connection lost")},
		FinishedAt:         t0.Add(4 * time.Second),
	}))

	run, err := store.GetRun(ctx, "run_1")
	require.NoError(t, err)
	assert.True(t, run.Result.TargetStateUnknown)
	assert.True(t, run.Result.RequiresIntervention())
	require.Len(t, run.Result.Stages, 1)
	assert.Equal(t, domain.StageReconciling, run.Result.Stages[0].Stage)
}

func TestStore_RunFinishedForUnknownRunWritesNothing(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.RunFinished(ctx, domain.PipelineResult{
		RunID:  "missing",
		Stages: []domain.StageRecord{record(domain.StageResolving, 0, false, "bad config")},
	})
	assert.ErrorIs(t, err, ErrRunNotFound)

	var count int
	require.NoError(t, store.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM stage_records`))
	assert.Zero(t, count)
}

func TestStore_RunningRunHasNoFinishTime(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.RunStarted(context.Background(), testInfo("run_1", t0)))

	run, err := store.GetRun(context.Background(), "run_1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.True(t, run.Result.FinishedAt.IsZero())
}

func TestStore_Errors(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	err = store.StageEnded(ctx, "missing", record(domain.StageResolving, 0, true, ""))
	assert.ErrorIs(t, err, ErrUnknownRun)

	err = store.RunFinished(ctx, domain.PipelineResult{RunID: "missing"})
	assert.ErrorIs(t, err, ErrRunNotFound)

	require.NoError(t, store.RunStarted(ctx, testInfo("run_1", t0)))
	err = store.RunStarted(ctx, testInfo("run_1", t0))
	assert.ErrorIs(t, err, ErrRunExists)

	var sErr *StoreError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, "RunStarted", sErr.Op)
	assert.Equal(t, "run_1", sErr.RunID)
	assert.Equal(t, "RunStarted runs [run_1]: run already recorded", sErr.Error())
}

// =============================================================================
// History Tests
// =============================================================================

func TestStore_ListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		info := testInfo(fmt.Sprintf("run_%d", i), t0.Add(time.Duration(i)*time.Minute))
		if i%2 == 1 {
			info.ServiceName = "worker"
		}
		require.NoError(t, store.RunStarted(ctx, info))
	}

	runs, err := store.ListRuns(ctx, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, runs, 5)
	assert.Equal(t, "run_4", runs[0].Info.RunID, "newest first")
	assert.Equal(t, "run_0", runs[4].Info.RunID)

	runs, err = store.ListRuns(ctx, ListOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run_3", runs[0].Info.RunID)

	runs, err = store.ListRuns(ctx, ListOptions{ServiceName: "worker"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, "worker", r.Info.ServiceName)
	}
}

func TestListOptions_Normalize(t *testing.T) {
	assert.Equal(t, 20, ListOptions{}.Normalize().Limit)
	assert.Equal(t, 1000, ListOptions{Limit: 5000}.Normalize().Limit)
	assert.Equal(t, 0, ListOptions{Offset: -3}.Normalize().Offset)
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestStore_WithTxRollback(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx Store) error {
		require.NoError(t, tx.RunStarted(ctx, testInfo("run_1", t0)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetRun(ctx, "run_1")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStore_WithTxCommit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx Store) error {
		if err := tx.RunStarted(ctx, testInfo("run_1", t0)); err != nil {
			return err
		}
		return tx.StageEnded(ctx, "run_1", record(domain.StageResolving, 0, true, ""))
	})
	require.NoError(t, err)

	run, err := store.GetRun(ctx, "run_1")
	require.NoError(t, err)
	assert.Len(t, run.Result.Stages, 1)
}

func TestStore_ReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.RunStarted(context.Background(), testInfo("run_1", t0)))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.GetRun(context.Background(), "run_1")
	assert.NoError(t, err)
}
