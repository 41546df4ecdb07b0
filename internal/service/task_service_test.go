package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"inkslot/internal/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskService(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	ctx := context.Background()
	svc := NewTaskService(env.db, env.logger)

	_, err := svc.CreateTask(ctx, "  ")
	assert.ErrorIs(t, err, ErrValidation)

	task, err := svc.CreateTask(ctx, "Restock needles")
	require.NoError(t, err)
	assert.False(t, task.Claimed())

	claimed, err := svc.Claim(ctx, task.ID, "staff-1")
	require.NoError(t, err)
	require.NotNil(t, claimed.AssignedTo)
	assert.Equal(t, "staff-1", *claimed.AssignedTo)

	_, err = svc.Claim(ctx, task.ID, "staff-2")
	assert.ErrorIs(t, err, database.ErrAlreadyClaimed)

	_, err = svc.Unclaim(ctx, task.ID, "staff-2")
	assert.ErrorIs(t, err, database.ErrNotAssignee)

	open, err := svc.ListTasks(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, open)

	released, err := svc.Unclaim(ctx, task.ID, "staff-1")
	require.NoError(t, err)
	assert.False(t, released.Claimed())

	_, err = svc.Claim(ctx, task.ID, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTaskService_ClaimRace(t *testing.T) {
	env := newTestEnv(t, BookingOptions{})
	ctx := context.Background()
	svc := NewTaskService(env.db, env.logger)
	task, err := svc.CreateTask(ctx, "Sterilize station 3")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("staff-%d", i)
			_, err := svc.Claim(ctx, task.ID, user)
			if err == nil {
				mu.Lock()
				winners = append(winners, user)
				mu.Unlock()
				return
			}
			if !errors.Is(err, database.ErrAlreadyClaimed) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, winners, 1)
}
