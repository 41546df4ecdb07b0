package database

import (
	"context"
	"testing"
	"time"

	"inkslot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncQueueCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	task := &models.SyncTask{
		TaskType:  models.SyncTaskUpsert,
		BookingID: 100,
		Payload:   `{"booking_id": 100}`,
	}

	require.NoError(t, db.CreateSyncTask(ctx, task))
	assert.Equal(t, models.SyncStatusPending, task.Status)

	tasks, err := db.GetPendingSyncTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, int64(100), tasks[0].BookingID)

	require.NoError(t, db.UpdateSyncTaskStatus(ctx, tasks[0].ID, models.SyncStatusCompleted, "", nil))

	tasks, _ = db.GetPendingSyncTasks(ctx, 10)
	assert.Len(t, tasks, 0)

	// Failed tasks
	errMsg := "some error"
	require.NoError(t, db.CreateSyncTask(ctx, &models.SyncTask{
		TaskType: models.SyncTaskUpdateStatus, BookingID: 101, Status: models.SyncStatusFailed, LastError: &errMsg,
	}))
	failed, err := db.GetFailedSyncTasks(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "some error", *failed[0].LastError)

	// Retry logic
	task2 := &models.SyncTask{TaskType: models.SyncTaskUpsert, BookingID: 102}
	require.NoError(t, db.CreateSyncTask(ctx, task2))

	nextRetry := time.Now().Add(time.Hour)
	require.NoError(t, db.UpdateSyncTaskStatus(ctx, task2.ID, models.SyncStatusRetry, "temporary error", &nextRetry))

	tasks, _ = db.GetPendingSyncTasks(ctx, 10)
	for _, task := range tasks {
		assert.NotEqual(t, task2.ID, task.ID, "task with future retry should not be pending")
	}

	pastRetry := time.Now().Add(-time.Hour)
	require.NoError(t, db.UpdateSyncTaskStatus(ctx, task2.ID, models.SyncStatusRetry, "temporary error", &pastRetry))
	tasks, _ = db.GetPendingSyncTasks(ctx, 10)
	found := false
	for _, task := range tasks {
		if task.ID == task2.ID {
			found = true
			assert.Equal(t, 2, task.RetryCount)
		}
	}
	assert.True(t, found)
}
