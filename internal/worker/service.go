// Package worker owns the job lifecycle: submission with credit reserve,
// cancellation, status reads, and the pool that drives jobs from pending to
// a terminal state. The job store is the source of truth; the message queue
// only wakes the pool up.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pixmorph/pixmorph/internal/domain"
	"github.com/pixmorph/pixmorph/internal/hub"
	"github.com/pixmorph/pixmorph/internal/jobstore"
	"github.com/pixmorph/pixmorph/internal/ledger"
)

// QueuePublisher publishes wake-up messages for newly submitted jobs.
type QueuePublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// wakeupMessage is the queue payload. It carries only the job id; workers
// read everything else from the store.
type wakeupMessage struct {
	JobID string `json:"job_id"`
}

// CancelRegistry tracks the cancel functions of transforms running in this
// process so a cancellation can interrupt them without waiting for the
// external call to finish.
type CancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (r *CancelRegistry) register(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancels[jobID] = cancel
	r.mu.Unlock()
}

func (r *CancelRegistry) unregister(jobID string) {
	r.mu.Lock()
	delete(r.cancels, jobID)
	r.mu.Unlock()
}

// Interrupt cancels a locally running transform, if any. Returns whether a
// run was found. Safe to call for jobs running elsewhere; those runs lose
// the status race at their terminal compare-and-swap instead.
func (r *CancelRegistry) Interrupt(jobID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ServiceConfig holds Service dependencies.
type ServiceConfig struct {
	Logger     *slog.Logger
	Store      jobstore.Store
	Ledger     ledger.Ledger
	Hub        *hub.Hub
	Queue      QueuePublisher // optional; polling covers lost wake-ups
	Interrupts *CancelRegistry
	CreditCost int // per-job cost, defaults to domain.DefaultCreditCost
}

// Service exposes the job lifecycle operations used by the HTTP handlers
// and the WebSocket endpoint.
type Service struct {
	logger     *slog.Logger
	store      jobstore.Store
	ledger     ledger.Ledger
	hub        *hub.Hub
	queue      QueuePublisher
	interrupts *CancelRegistry
	creditCost int
}

// NewService creates the lifecycle service.
func NewService(cfg *ServiceConfig) *Service {
	cost := cfg.CreditCost
	if cost <= 0 {
		cost = domain.DefaultCreditCost
	}
	interrupts := cfg.Interrupts
	if interrupts == nil {
		interrupts = NewCancelRegistry()
	}
	return &Service{
		logger:     cfg.Logger,
		store:      cfg.Store,
		ledger:     cfg.Ledger,
		hub:        cfg.Hub,
		queue:      cfg.Queue,
		interrupts: interrupts,
		creditCost: cost,
	}
}

// Submit validates the request, reserves credit, creates the pending job
// and wakes the pool. The reserve happens before the job row exists, so a
// job is only ever visible with its credit already held.
func (s *Service) Submit(ctx context.Context, owner, inputRef string, opts domain.TransformOptions) (*domain.Job, error) {
	if owner == "" {
		return nil, domain.NewInvalidInput("owner account is required")
	}
	if inputRef == "" {
		return nil, domain.NewInvalidInput("input reference is required")
	}
	opts = opts.Normalize()

	if err := s.ledger.Reserve(ctx, owner, s.creditCost); err != nil {
		if errors.Is(err, domain.ErrInsufficientCredit) {
			balance, balErr := s.ledger.Balance(ctx, owner)
			if balErr != nil {
				balance = 0
			}
			return nil, domain.NewInsufficientCredit(s.creditCost, balance)
		}
		return nil, fmt.Errorf("reserve credit: %w", err)
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:         uuid.New().String(),
		Owner:      owner,
		Status:     domain.StatusPending,
		InputRef:   inputRef,
		CreditCost: s.creditCost,
		Options:    opts,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Create(ctx, job); err != nil {
		// The job never existed; give the credit back.
		if relErr := s.ledger.Release(ctx, owner, s.creditCost); relErr != nil {
			s.logger.Error("failed to release credit after create failure",
				slog.String("owner", owner),
				slog.String("error", relErr.Error()),
			)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	// Announce pending before waking the pool: once the wakeup is out a
	// worker may commit further transitions, and subscribers must see the
	// stream start at pending.
	s.hub.Publish(hub.Event{Kind: hub.EventUpdate, Job: *job})
	s.publishWakeup(ctx, job.ID)

	s.logger.Info("job submitted",
		slog.String("job_id", job.ID),
		slog.String("owner", owner),
		slog.Int("credit_cost", s.creditCost),
	)
	return job, nil
}

func (s *Service) publishWakeup(ctx context.Context, jobID string) {
	if s.queue == nil {
		return
	}
	body, err := json.Marshal(wakeupMessage{JobID: jobID})
	if err != nil {
		s.logger.Error("failed to marshal wakeup message", slog.String("error", err.Error()))
		return
	}
	// Publish failure is not fatal: the pool polls the store for pending
	// jobs, so the job is picked up either way, just later.
	if err := s.queue.PublishWithRetry(ctx, body, "application/json"); err != nil {
		s.logger.Warn("failed to publish wakeup message, relying on poll",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// GetStatus returns the job if it exists and belongs to owner. Jobs of
// other accounts read as not found.
func (s *Service) GetStatus(ctx context.Context, owner, jobID string) (*domain.Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Owner != owner {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

// List returns one page of the owner's jobs, newest first, plus the cursor
// for the next page (nil when this is the last one).
func (s *Service) List(ctx context.Context, owner string, f jobstore.Filter) ([]domain.Job, *jobstore.Cursor, error) {
	if f.PageSize <= 0 {
		f.PageSize = jobstore.DefaultPageSize
	}
	jobs, err := s.store.ListByOwner(ctx, owner, f)
	if err != nil {
		return nil, nil, err
	}
	if len(jobs) <= f.PageSize {
		return jobs, nil, nil
	}
	jobs = jobs[:f.PageSize]
	last := jobs[len(jobs)-1]
	return jobs, &jobstore.Cursor{CreatedAt: last.CreatedAt, JobID: last.ID}, nil
}

// Balance returns the owner's current credit balance.
func (s *Service) Balance(ctx context.Context, owner string) (int, error) {
	return s.ledger.Balance(ctx, owner)
}

// QueueStats is a point-in-time snapshot of the dispatch queue and the
// event fan-out.
type QueueStats struct {
	Pending     int `json:"pending"`
	Processing  int `json:"processing"`
	Subscribers int `json:"subscribers"`
}

// Stats counts queued and running jobs plus live event subscriptions.
func (s *Service) Stats(ctx context.Context) (*QueueStats, error) {
	pending, err := s.store.CountByStatus(ctx, domain.StatusPending)
	if err != nil {
		return nil, err
	}
	processing, err := s.store.CountByStatus(ctx, domain.StatusProcessing)
	if err != nil {
		return nil, err
	}
	return &QueueStats{
		Pending:     pending,
		Processing:  processing,
		Subscribers: s.hub.SubscriptionCount(),
	}, nil
}

// Cancel moves a pending or processing job to cancelled, releases its
// credit and interrupts the transform if it runs in this process. The
// compare-and-swap makes the transition race-safe against workers: exactly
// one side commits a terminal state, and only the winner touches credit.
func (s *Service) Cancel(ctx context.Context, owner, jobID string) (*domain.Job, error) {
	job, err := s.GetStatus(ctx, owner, jobID)
	if err != nil {
		return nil, err
	}

	// Retry once if the job moves pending → processing underneath us.
	for attempt := 0; attempt < 2; attempt++ {
		if job.Status.Terminal() {
			return nil, domain.ErrJobTerminal
		}

		updated, casErr := s.store.CompareAndSwapStatus(ctx, jobID, job.Status, domain.StatusCancelled, nil)
		if casErr == nil {
			s.interrupts.Interrupt(jobID)
			s.releaseCredit(ctx, updated)
			s.hub.Publish(hub.Event{Kind: hub.EventFailed, Job: *updated})
			s.logger.Info("job cancelled",
				slog.String("job_id", jobID),
				slog.String("owner", owner),
				slog.String("was", string(job.Status)),
			)
			return updated, nil
		}
		if !errors.Is(casErr, domain.ErrTransitionConflict) {
			return nil, casErr
		}

		job, err = s.GetStatus(ctx, owner, jobID)
		if err != nil {
			return nil, err
		}
	}
	if job.Status.Terminal() {
		return nil, domain.ErrJobTerminal
	}
	return nil, domain.ErrTransitionConflict
}

func (s *Service) releaseCredit(ctx context.Context, job *domain.Job) {
	if err := s.ledger.Release(ctx, job.Owner, job.CreditCost); err != nil {
		s.logger.Error("failed to release credit",
			slog.String("job_id", job.ID),
			slog.String("owner", job.Owner),
			slog.String("error", err.Error()),
		)
	}
}
