package jobstore

import (
	"context"
	"time"

	"github.com/pixmorph/pixmorph/internal/domain"
)

// DefaultPageSize applies when a list request names no page size.
const DefaultPageSize = 20

// Cursor is an opaque pagination position: jobs are ordered by
// (created_at DESC, job_id DESC) and the cursor points past the last row
// of the previous page.
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// Filter narrows and paginates ListByOwner results.
type Filter struct {
	Status   domain.JobStatus
	PageSize int
	Cursor   *Cursor
}

// StatusUpdate carries the fields written together with a terminal status
// transition.
type StatusUpdate struct {
	OutputRef string
	Error     *domain.Error
	Progress  int
}

// Store is the durable record of every submitted job: the single source of
// truth for both the worker pool and late or reconnecting clients.
//
// CompareAndSwapStatus is the only mutation path for status: it atomically
// moves a job from expected to next, so a cancel racing a completion cannot
// corrupt state — whichever transition commits first wins and the loser
// gets domain.ErrTransitionConflict.
type Store interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	ListByOwner(ctx context.Context, owner string, f Filter) ([]domain.Job, error)
	CompareAndSwapStatus(ctx context.Context, id string, expected, next domain.JobStatus, upd *StatusUpdate) (*domain.Job, error)
	UpdateProgress(ctx context.Context, id string, progress int) error

	// OldestPending returns up to limit pending jobs, oldest first. The
	// store itself is the dispatch queue; idle workers poll this.
	OldestPending(ctx context.Context, limit int) ([]domain.Job, error)

	// StaleProcessing returns processing jobs not updated since cutoff,
	// used by the startup reconciliation sweep.
	StaleProcessing(ctx context.Context, cutoff time.Time) ([]domain.Job, error)

	// CountByStatus returns how many jobs sit in the given status, for
	// queue stats.
	CountByStatus(ctx context.Context, status domain.JobStatus) (int, error)
}
