package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixmorph/pixmorph/internal/domain"
)

func newJob(owner string, createdAt time.Time) *domain.Job {
	return &domain.Job{
		ID:         uuid.New().String(),
		Owner:      owner,
		Status:     domain.StatusPending,
		InputRef:   "uploads/in.png",
		CreditCost: 1,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

func TestMemory_CreateGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	job := newJob("acct-1", time.Now())
	require.NoError(t, s.Create(ctx, job))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, domain.StatusPending, got.Status)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestMemory_CompareAndSwapStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job := newJob("acct-1", time.Now())
	require.NoError(t, s.Create(ctx, job))

	t.Run("legal transition commits", func(t *testing.T) {
		got, err := s.CompareAndSwapStatus(ctx, job.ID, domain.StatusPending, domain.StatusProcessing, nil)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusProcessing, got.Status)
	})

	t.Run("stale expected status loses", func(t *testing.T) {
		_, err := s.CompareAndSwapStatus(ctx, job.ID, domain.StatusPending, domain.StatusCancelled, nil)
		assert.ErrorIs(t, err, domain.ErrTransitionConflict)
	})

	t.Run("terminal transition writes result fields", func(t *testing.T) {
		got, err := s.CompareAndSwapStatus(ctx, job.ID, domain.StatusProcessing, domain.StatusCompleted,
			&StatusUpdate{OutputRef: "results/out.png", Progress: 100})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, got.Status)
		assert.Equal(t, "results/out.png", got.OutputRef)
		assert.Equal(t, 100, got.Progress)
	})

	t.Run("no transition out of terminal", func(t *testing.T) {
		_, err := s.CompareAndSwapStatus(ctx, job.ID, domain.StatusCompleted, domain.StatusFailed, nil)
		assert.ErrorIs(t, err, domain.ErrTransitionConflict)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := s.CompareAndSwapStatus(ctx, "missing", domain.StatusPending, domain.StatusProcessing, nil)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestMemory_UpdateProgressMonotone(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job := newJob("acct-1", time.Now())
	require.NoError(t, s.Create(ctx, job))

	// Progress writes are rejected before processing starts.
	assert.ErrorIs(t, s.UpdateProgress(ctx, job.ID, 10), domain.ErrTransitionConflict)

	_, err := s.CompareAndSwapStatus(ctx, job.ID, domain.StatusPending, domain.StatusProcessing, nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateProgress(ctx, job.ID, 40))
	require.NoError(t, s.UpdateProgress(ctx, job.ID, 20)) // lower value is a no-op

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)
}

func TestMemory_OldestPending(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	base := time.Now()
	oldest := newJob("acct-1", base.Add(-3*time.Minute))
	middle := newJob("acct-1", base.Add(-2*time.Minute))
	newest := newJob("acct-2", base.Add(-1*time.Minute))
	for _, j := range []*domain.Job{newest, oldest, middle} {
		require.NoError(t, s.Create(ctx, j))
	}

	// Claimed jobs drop out of the queue.
	_, err := s.CompareAndSwapStatus(ctx, middle.ID, domain.StatusPending, domain.StatusProcessing, nil)
	require.NoError(t, err)

	got, err := s.OldestPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, oldest.ID, got[0].ID)
	assert.Equal(t, newest.ID, got[1].ID)
}

func TestMemory_StaleProcessing(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	job := newJob("acct-1", time.Now().Add(-time.Hour))
	require.NoError(t, s.Create(ctx, job))
	_, err := s.CompareAndSwapStatus(ctx, job.ID, domain.StatusPending, domain.StatusProcessing, nil)
	require.NoError(t, err)

	stale, err := s.StaleProcessing(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, job.ID, stale[0].ID)

	none, err := s.StaleProcessing(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemory_CountByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	base := time.Now()
	first := newJob("acct-1", base.Add(-2*time.Minute))
	second := newJob("acct-1", base.Add(-time.Minute))
	third := newJob("acct-2", base)
	for _, j := range []*domain.Job{first, second, third} {
		require.NoError(t, s.Create(ctx, j))
	}
	_, err := s.CompareAndSwapStatus(ctx, third.ID, domain.StatusPending, domain.StatusProcessing, nil)
	require.NoError(t, err)

	pending, err := s.CountByStatus(ctx, domain.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	processing, err := s.CountByStatus(ctx, domain.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, 1, processing)

	completed, err := s.CountByStatus(ctx, domain.StatusCompleted)
	require.NoError(t, err)
	assert.Zero(t, completed)
}

func TestMemory_ListByOwnerPagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	base := time.Now()
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		j := newJob("acct-1", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.Create(ctx, j))
		ids = append(ids, j.ID)
	}
	require.NoError(t, s.Create(ctx, newJob("acct-2", base)))

	page, err := s.ListByOwner(ctx, "acct-1", Filter{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3) // PageSize+1 signals more results
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	cursor := &Cursor{CreatedAt: page[1].CreatedAt, JobID: page[1].ID}
	next, err := s.ListByOwner(ctx, "acct-1", Filter{PageSize: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, ids[2], next[0].ID)
}

func TestMemory_ListByOwnerStatusFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	a := newJob("acct-1", time.Now())
	b := newJob("acct-1", time.Now())
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))
	_, err := s.CompareAndSwapStatus(ctx, a.ID, domain.StatusPending, domain.StatusCancelled, nil)
	require.NoError(t, err)

	got, err := s.ListByOwner(ctx, "acct-1", Filter{Status: domain.StatusCancelled, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
}
