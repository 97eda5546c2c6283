// Package hub is the in-memory pub/sub broker between the worker pool and
// connected clients. A Hub is an injected instance, never package state, so
// tests can run independent hubs side by side.
//
// Delivery contract: per job, events are delivered in publish order, at
// most one terminal event reaches each subscription, and nothing follows
// it. There is no replay —
// a subscription created after a job reached a terminal state receives
// nothing for it, and the client is expected to follow every subscribe with
// a reconciliation read against the job store.
package hub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/pixmorph/pixmorph/internal/domain"
)

// EventKind tags an event as a progress update or a terminal outcome.
type EventKind string

const (
	EventUpdate   EventKind = "update"
	EventComplete EventKind = "complete"
	EventFailed   EventKind = "failed"
)

// Terminal reports whether the kind ends a job's event stream.
func (k EventKind) Terminal() bool {
	return k == EventComplete || k == EventFailed
}

// Event is the tagged variant delivered to subscription handlers. Job is a
// snapshot taken at publish time; handlers must not mutate it.
type Event struct {
	Kind EventKind  `json:"kind"`
	Job  domain.Job `json:"job"`
}

// KindFor maps a committed job status to the event kind announcing it.
// Cancellation is announced as a failed-class terminal event; the payload
// status distinguishes it.
func KindFor(status domain.JobStatus) EventKind {
	switch status {
	case domain.StatusCompleted:
		return EventComplete
	case domain.StatusFailed, domain.StatusCancelled:
		return EventFailed
	default:
		return EventUpdate
	}
}

// Handler receives events for one subscription.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(Event)

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(evt Event) { f(evt) }

// Filter selects which jobs a subscription observes: a specific job id, or
// every job owned by an account.
type Filter struct {
	JobID string
	Owner string
}

type subscription struct {
	id      string
	connID  string
	handler Handler

	// terminalSent guards the terminal-ends-the-stream contract: at most
	// one terminal event per job, and nothing delivered after it.
	mu           sync.Mutex
	terminalSent map[string]struct{}
}

func (s *subscription) deliver(evt Event) {
	s.mu.Lock()
	if _, done := s.terminalSent[evt.Job.ID]; done {
		// The stream for this job already ended; drop stragglers.
		s.mu.Unlock()
		return
	}
	if evt.Kind.Terminal() {
		s.terminalSent[evt.Job.ID] = struct{}{}
	}
	s.mu.Unlock()
	s.handler.HandleEvent(evt)
}

// Hub fans state-transition events out to subscriptions. The registry is
// guarded by one RWMutex; fan-out copies the matching set and invokes
// handlers outside the lock so a slow subscriber cannot stall registration
// or publication to others.
type Hub struct {
	logger *slog.Logger

	mu       sync.RWMutex
	byJob    map[string]map[string]*subscription // job id → sub id → sub
	byOwner  map[string]map[string]*subscription // owner → sub id → sub
	byConn   map[string]map[string]*subscription // connection id → sub id → sub
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		byJob:   make(map[string]map[string]*subscription),
		byOwner: make(map[string]map[string]*subscription),
		byConn:  make(map[string]map[string]*subscription),
	}
}

// Subscribe registers a handler for events matching the filter and returns
// an unsubscribe function. Unsubscribing is idempotent and safe after the
// connection is gone.
func (h *Hub) Subscribe(connID string, filter Filter, handler Handler) func() {
	sub := &subscription{
		id:           uuid.New().String(),
		connID:       connID,
		handler:      handler,
		terminalSent: make(map[string]struct{}),
	}

	h.mu.Lock()
	switch {
	case filter.JobID != "":
		addSub(h.byJob, filter.JobID, sub)
	case filter.Owner != "":
		addSub(h.byOwner, filter.Owner, sub)
	}
	addSub(h.byConn, connID, sub)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			removeSub(h.byJob, filter.JobID, sub.id)
			removeSub(h.byOwner, filter.Owner, sub.id)
			removeSub(h.byConn, connID, sub.id)
			h.mu.Unlock()
		})
	}
}

// DropConnection removes every subscription registered by a connection,
// used on transport teardown.
func (h *Hub) DropConnection(connID string) {
	h.mu.Lock()
	subs := h.byConn[connID]
	delete(h.byConn, connID)
	for _, sub := range subs {
		for jobID, set := range h.byJob {
			if _, ok := set[sub.id]; ok {
				removeSub(h.byJob, jobID, sub.id)
			}
		}
		for owner, set := range h.byOwner {
			if _, ok := set[sub.id]; ok {
				removeSub(h.byOwner, owner, sub.id)
			}
		}
	}
	h.mu.Unlock()
}

// Publish fans an event out to every subscription matching its job id or
// owner. Called by the worker pool in store-commit order; handlers run on
// the publishing goroutine, which preserves per-job ordering end to end.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	targets := make([]*subscription, 0, 4)
	seen := make(map[string]struct{}, 4)
	for _, sub := range h.byJob[evt.Job.ID] {
		if _, dup := seen[sub.id]; !dup {
			seen[sub.id] = struct{}{}
			targets = append(targets, sub)
		}
	}
	for _, sub := range h.byOwner[evt.Job.Owner] {
		if _, dup := seen[sub.id]; !dup {
			seen[sub.id] = struct{}{}
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(evt)
	}

	h.logger.Debug("event published",
		slog.String("job_id", evt.Job.ID),
		slog.String("kind", string(evt.Kind)),
		slog.Int("subscribers", len(targets)),
	)
}

// SubscriptionCount returns the number of live subscriptions, for stats.
func (h *Hub) SubscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.byConn {
		n += len(set)
	}
	return n
}

func addSub(m map[string]map[string]*subscription, key string, sub *subscription) {
	if key == "" {
		return
	}
	set, ok := m[key]
	if !ok {
		set = make(map[string]*subscription)
		m[key] = set
	}
	set[sub.id] = sub
}

func removeSub(m map[string]map[string]*subscription, key, subID string) {
	if key == "" {
		return
	}
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, subID)
	if len(set) == 0 {
		delete(m, key)
	}
}
