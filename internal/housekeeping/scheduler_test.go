package housekeeping

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supportpanel/server/internal/model"
	"github.com/supportpanel/server/internal/repo/memstore"
)

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Job{Name: "broken", Schedule: "every now and then", Run: func(context.Context) error { return nil }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestPurgePendingLogins(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	now := time.Now().UTC()
	expired := model.PendingLogin{UserID: uuid.New(), ExpiresAt: now.Add(-time.Minute)}
	live := model.PendingLogin{UserID: uuid.New(), ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, store.PendingLogins().Create(ctx, &expired))
	require.NoError(t, store.PendingLogins().Create(ctx, &live))

	purge := PurgePendingLogins(store.PendingLogins(), func() time.Time { return now })
	require.NoError(t, purge(ctx))

	_, err := store.PendingLogins().GetByID(ctx, expired.ID)
	assert.Error(t, err)
	_, err = store.PendingLogins().GetByID(ctx, live.ID)
	assert.NoError(t, err)
}

func TestSweepCallsSweeper(t *testing.T) {
	var calls int32
	fn := Sweep("limiter", SweepFunc(func() int {
		atomic.AddInt32(&calls, 1)
		return 3
	}))
	require.NoError(t, fn(context.Background()))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestSchedulerRunsJobsUntilStopped(t *testing.T) {
	var runs, failures int32
	s, err := New(
		Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		}},
		Job{Name: "fail", Schedule: "@every 1s", Timeout: time.Second, Run: func(ctx context.Context) error {
			atomic.AddInt32(&failures, 1)
			_, hasDeadline := ctx.Deadline()
			if !hasDeadline {
				return errors.New("missing deadline")
			}
			return errors.New("boom")
		}},
	)
	require.NoError(t, err)
	s.Start()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) > 0 && atomic.LoadInt32(&failures) > 0
	}, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	after := atomic.LoadInt32(&runs)
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&runs))
}
