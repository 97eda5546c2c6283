package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pixmorph/pixmorph/internal/domain"
)

// Memory is an in-process Store used by tests and single-binary setups.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

// NewMemory creates an empty in-memory job store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*domain.Job)}
}

func clone(j *domain.Job) *domain.Job {
	c := *j
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// Create implements Store.
func (m *Memory) Create(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = clone(job)
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return clone(j), nil
}

// ListByOwner implements Store. Returns up to PageSize+1 rows so callers
// can detect whether a next page exists.
func (m *Memory) ListByOwner(_ context.Context, owner string, f Filter) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches := make([]*domain.Job, 0)
	for _, j := range m.jobs {
		if j.Owner != owner {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		matches = append(matches, j)
	}

	sort.Slice(matches, func(i, k int) bool {
		if !matches[i].CreatedAt.Equal(matches[k].CreatedAt) {
			return matches[i].CreatedAt.After(matches[k].CreatedAt)
		}
		return matches[i].ID > matches[k].ID
	})

	out := make([]domain.Job, 0, f.PageSize+1)
	for _, j := range matches {
		if f.Cursor != nil {
			after := j.CreatedAt.After(f.Cursor.CreatedAt) ||
				(j.CreatedAt.Equal(f.Cursor.CreatedAt) && j.ID >= f.Cursor.JobID)
			if after {
				continue
			}
		}
		out = append(out, *clone(j))
		if f.PageSize > 0 && len(out) == f.PageSize+1 {
			break
		}
	}
	return out, nil
}

// CompareAndSwapStatus implements Store.
func (m *Memory) CompareAndSwapStatus(_ context.Context, id string, expected, next domain.JobStatus, upd *StatusUpdate) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if j.Status != expected {
		return nil, domain.ErrTransitionConflict
	}
	if !domain.CanTransition(expected, next) {
		return nil, domain.ErrTransitionConflict
	}

	j.Status = next
	j.UpdatedAt = time.Now()
	if upd != nil {
		if upd.OutputRef != "" {
			j.OutputRef = upd.OutputRef
		}
		if upd.Error != nil {
			e := *upd.Error
			j.Error = &e
		}
		if upd.Progress > j.Progress {
			j.Progress = upd.Progress
		}
	}
	return clone(j), nil
}

// UpdateProgress implements Store. Progress is monotone while processing.
func (m *Memory) UpdateProgress(_ context.Context, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != domain.StatusProcessing {
		return domain.ErrTransitionConflict
	}
	if progress > j.Progress {
		j.Progress = progress
		j.UpdatedAt = time.Now()
	}
	return nil
}

// OldestPending implements Store.
func (m *Memory) OldestPending(_ context.Context, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := make([]*domain.Job, 0)
	for _, j := range m.jobs {
		if j.Status == domain.StatusPending {
			pending = append(pending, j)
		}
	}
	sort.Slice(pending, func(i, k int) bool {
		return pending[i].CreatedAt.Before(pending[k].CreatedAt)
	})

	out := make([]domain.Job, 0, limit)
	for _, j := range pending {
		out = append(out, *clone(j))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// StaleProcessing implements Store.
func (m *Memory) StaleProcessing(_ context.Context, cutoff time.Time) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Job, 0)
	for _, j := range m.jobs {
		if j.Status == domain.StatusProcessing && j.UpdatedAt.Before(cutoff) {
			out = append(out, *clone(j))
		}
	}
	return out, nil
}

// CountByStatus implements Store.
func (m *Memory) CountByStatus(_ context.Context, status domain.JobStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, j := range m.jobs {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}
