package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pixmorph/pixmorph/internal/domain"
	"github.com/pixmorph/pixmorph/internal/hub"
	"github.com/pixmorph/pixmorph/internal/jobstore"
	"github.com/pixmorph/pixmorph/internal/ledger"
	"github.com/pixmorph/pixmorph/internal/transform"
)

// QueueConsumer delivers wake-up messages to the pool.
type QueueConsumer interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// workItem is a candidate job id, from either a queue delivery or a store
// poll. ack is nil for polled items.
type workItem struct {
	jobID string
	ack   func()
}

// PoolConfig holds worker pool dependencies and tuning.
type PoolConfig struct {
	Logger      *slog.Logger
	Store       jobstore.Store
	Ledger      ledger.Ledger
	Hub         *hub.Hub
	Transformer transform.Transformer
	Consumer    QueueConsumer // optional; polling alone works too
	Interrupts  *CancelRegistry

	WorkerID     string
	Size         int           // concurrent transform slots
	PollInterval time.Duration // pending-job poll cadence
	StaleAfter   time.Duration // processing age treated as abandoned at startup
}

// Pool runs N concurrent transform slots over the job store. Wake-up
// messages and polling both feed the same channel; the pending→processing
// compare-and-swap deduplicates, so a job id may arrive twice but is
// claimed once.
type Pool struct {
	logger      *slog.Logger
	store       jobstore.Store
	ledger      ledger.Ledger
	hub         *hub.Hub
	transformer transform.Transformer
	consumer    QueueConsumer
	interrupts  *CancelRegistry

	workerID     string
	size         int
	pollInterval time.Duration
	staleAfter   time.Duration

	items chan workItem
	wg    sync.WaitGroup
}

// NewPool creates a pool; call Run to start it.
func NewPool(cfg *PoolConfig) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = 4
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = domain.DefaultJobTimeout
	}
	interrupts := cfg.Interrupts
	if interrupts == nil {
		interrupts = NewCancelRegistry()
	}
	return &Pool{
		logger:       cfg.Logger,
		store:        cfg.Store,
		ledger:       cfg.Ledger,
		hub:          cfg.Hub,
		transformer:  cfg.Transformer,
		consumer:     cfg.Consumer,
		interrupts:   interrupts,
		workerID:     cfg.WorkerID,
		size:         size,
		pollInterval: pollInterval,
		staleAfter:   staleAfter,
		items:        make(chan workItem, size*2),
	}
}

// Run sweeps abandoned jobs, starts the slot goroutines and the dispatch
// sources, then blocks until ctx is done and all slots have drained.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.sweepAbandoned(ctx); err != nil {
		return fmt.Errorf("startup sweep: %w", err)
	}

	p.logger.Info("starting worker pool",
		slog.String("worker_id", p.workerID),
		slog.Int("size", p.size),
		slog.Duration("poll_interval", p.pollInterval),
	)

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.slotLoop(ctx, i)
	}

	if p.consumer != nil {
		deliveries, err := p.consumer.Consume(p.workerID)
		if err != nil {
			return fmt.Errorf("start consuming: %w", err)
		}
		p.wg.Add(1)
		go p.dispatchDeliveries(ctx, deliveries)
	}

	p.wg.Add(1)
	go p.pollPending(ctx)

	<-ctx.Done()
	p.wg.Wait()
	p.logger.Info("worker pool stopped", slog.String("worker_id", p.workerID))
	return nil
}

// sweepAbandoned force-fails processing jobs left behind by a previous
// crash: no goroutine owns them anymore, so without this they would stay
// processing forever and their credit would never come back.
func (p *Pool) sweepAbandoned(ctx context.Context) error {
	cutoff := time.Now().Add(-p.staleAfter)
	stale, err := p.store.StaleProcessing(ctx, cutoff)
	if err != nil {
		return err
	}
	for i := range stale {
		job := &stale[i]
		p.failJob(ctx, job, domain.NewInternalError("job abandoned by a previous worker run"))
	}
	if len(stale) > 0 {
		p.logger.Warn("swept abandoned jobs", slog.Int("count", len(stale)))
	}
	return nil
}

func (p *Pool) dispatchDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				p.logger.Warn("delivery channel closed")
				return
			}

			var msg wakeupMessage
			if err := json.Unmarshal(delivery.Body, &msg); err != nil || msg.JobID == "" {
				p.logger.Error("malformed wakeup message",
					slog.String("body", string(delivery.Body)),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					p.logger.Error("failed to nack malformed message", slog.String("error", nackErr.Error()))
				}
				continue
			}

			item := workItem{
				jobID: msg.JobID,
				ack: func() {
					if err := delivery.Ack(false); err != nil {
						p.logger.Error("failed to ack delivery",
							slog.String("job_id", msg.JobID),
							slog.String("error", err.Error()),
						)
					}
				},
			}

			select {
			case p.items <- item:
			case <-ctx.Done():
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					p.logger.Error("failed to nack on shutdown", slog.String("error", nackErr.Error()))
				}
				return
			}
		}
	}
}

// pollPending feeds pending job ids from the store. This is the safety net
// for lost wake-up messages and the only source when no broker is wired.
func (p *Pool) pollPending(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := p.store.OldestPending(ctx, p.size)
			if err != nil {
				p.logger.Error("failed to poll pending jobs", slog.String("error", err.Error()))
				continue
			}
			for i := range jobs {
				select {
				case p.items <- workItem{jobID: jobs[i].ID}:
				case <-ctx.Done():
					return
				default:
					// Slots are busy; the next tick retries.
				}
			}
		}
	}
}

func (p *Pool) slotLoop(ctx context.Context, slot int) {
	defer p.wg.Done()
	p.logger.Debug("slot started",
		slog.String("worker_id", p.workerID),
		slog.Int("slot", slot),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.items:
			p.handle(ctx, item)
		}
	}
}

// handle claims and processes one candidate job. A lost claim means another
// slot or another worker got there first, or the job was cancelled while
// queued; either way the message is acked and dropped.
func (p *Pool) handle(ctx context.Context, item workItem) {
	if item.ack != nil {
		defer item.ack()
	}

	job, err := p.store.CompareAndSwapStatus(ctx, item.jobID, domain.StatusPending, domain.StatusProcessing, nil)
	if err != nil {
		if errors.Is(err, domain.ErrTransitionConflict) || errors.Is(err, domain.ErrJobNotFound) {
			p.logger.Debug("claim lost, dropping",
				slog.String("job_id", item.jobID),
			)
			return
		}
		p.logger.Error("failed to claim job",
			slog.String("job_id", item.jobID),
			slog.String("error", err.Error()),
		)
		return
	}

	p.hub.Publish(hub.Event{Kind: hub.EventUpdate, Job: *job})
	p.process(ctx, job)
}

func (p *Pool) process(ctx context.Context, job *domain.Job) {
	opts := job.Options.Normalize()

	jobCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	p.interrupts.register(job.ID, cancel)
	defer p.interrupts.unregister(job.ID)

	p.logger.Info("processing job",
		slog.String("job_id", job.ID),
		slog.String("worker_id", p.workerID),
		slog.Duration("timeout", opts.Timeout),
	)

	outputRef, err := p.transformer.Transform(jobCtx, job.InputRef, opts, func(percent int) {
		p.reportProgress(ctx, job, percent)
	})
	if err != nil {
		if ctx.Err() != nil {
			// Pool shutdown interrupted the transform; that is not an
			// upstream fault. The terminal write runs outside the dying
			// context so the job still resolves and the credit comes back.
			p.failJob(context.WithoutCancel(ctx), job,
				domain.NewInternalError("worker stopped before the job finished"))
			return
		}
		p.failJob(ctx, job, domain.Classify(err, opts.Timeout.Seconds()))
		return
	}

	completed, casErr := p.store.CompareAndSwapStatus(ctx, job.ID, domain.StatusProcessing, domain.StatusCompleted,
		&jobstore.StatusUpdate{OutputRef: outputRef, Progress: 100})
	if casErr != nil {
		// Lost to a concurrent cancel; the canceller already settled
		// status, credit and the terminal event. The output is dropped.
		p.logger.Warn("completion lost status race, dropping result",
			slog.String("job_id", job.ID),
			slog.String("error", casErr.Error()),
		)
		return
	}

	p.hub.Publish(hub.Event{Kind: hub.EventComplete, Job: *completed})
	p.logger.Info("job completed",
		slog.String("job_id", job.ID),
		slog.String("output_ref", outputRef),
	)
}

// reportProgress persists a progress snapshot and fans it out. Writes after
// a terminal transition are rejected by the store and silently dropped.
func (p *Pool) reportProgress(ctx context.Context, job *domain.Job, percent int) {
	if percent <= job.Progress {
		return
	}
	if err := p.store.UpdateProgress(ctx, job.ID, percent); err != nil {
		if !errors.Is(err, domain.ErrTransitionConflict) {
			p.logger.Warn("failed to update progress",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	job.Progress = percent
	p.hub.Publish(hub.Event{Kind: hub.EventUpdate, Job: *job})
}

// failJob commits processing → failed, releases the credit and publishes
// the terminal event. Winning the compare-and-swap is what authorizes the
// release: the loser of a race must not touch credit again.
func (p *Pool) failJob(ctx context.Context, job *domain.Job, derr *domain.Error) {
	failed, casErr := p.store.CompareAndSwapStatus(ctx, job.ID, domain.StatusProcessing, domain.StatusFailed,
		&jobstore.StatusUpdate{Error: derr})
	if casErr != nil {
		p.logger.Warn("failure lost status race, dropping",
			slog.String("job_id", job.ID),
			slog.String("error", casErr.Error()),
		)
		return
	}

	if err := p.ledger.Release(ctx, failed.Owner, failed.CreditCost); err != nil {
		p.logger.Error("failed to release credit",
			slog.String("job_id", failed.ID),
			slog.String("owner", failed.Owner),
			slog.String("error", err.Error()),
		)
	}

	p.hub.Publish(hub.Event{Kind: hub.EventFailed, Job: *failed})
	p.logger.Info("job failed",
		slog.String("job_id", failed.ID),
		slog.String("kind", string(derr.Kind)),
		slog.String("reason", derr.Message),
	)
}
