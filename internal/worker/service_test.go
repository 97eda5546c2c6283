package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixmorph/pixmorph/internal/domain"
	"github.com/pixmorph/pixmorph/internal/hub"
	"github.com/pixmorph/pixmorph/internal/jobstore"
	"github.com/pixmorph/pixmorph/internal/ledger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubQueue struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (q *stubQueue) PublishWithRetry(_ context.Context, body []byte, _ string) error {
	q.mu.Lock()
	q.bodies = append(q.bodies, body)
	q.mu.Unlock()
	return nil
}

func (q *stubQueue) jobIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.bodies))
	for _, b := range q.bodies {
		var msg wakeupMessage
		if err := json.Unmarshal(b, &msg); err == nil {
			out = append(out, msg.JobID)
		}
	}
	return out
}

type eventSink struct {
	mu     sync.Mutex
	events []hub.Event
}

func (s *eventSink) HandleEvent(evt hub.Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func (s *eventSink) last() (hub.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return hub.Event{}, false
	}
	return s.events[len(s.events)-1], true
}

type serviceFixture struct {
	svc    *Service
	store  *jobstore.Memory
	ledger *ledger.Memory
	hub    *hub.Hub
	queue  *stubQueue
}

func newServiceFixture(t *testing.T, balance int) *serviceFixture {
	t.Helper()
	store := jobstore.NewMemory()
	led := ledger.NewMemory()
	h := hub.New(testLogger())
	queue := &stubQueue{}
	if balance > 0 {
		require.NoError(t, led.Grant(context.Background(), "acct-1", balance))
	}
	svc := NewService(&ServiceConfig{
		Logger: testLogger(),
		Store:  store,
		Ledger: led,
		Hub:    h,
		Queue:  queue,
	})
	return &serviceFixture{svc: svc, store: store, ledger: led, hub: h, queue: queue}
}

func TestService_Submit(t *testing.T) {
	f := newServiceFixture(t, 5)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "acct-1", "input/cat.png", domain.TransformOptions{Prompt: "oil painting"})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, job.Status)
	assert.Equal(t, "acct-1", job.Owner)
	assert.Equal(t, domain.DefaultCreditCost, job.CreditCost)
	assert.Equal(t, domain.DefaultWidth, job.Options.Width, "options are normalized at submit")

	balance, err := f.ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 4, balance, "credit reserved at submit")

	assert.Equal(t, []string{job.ID}, f.queue.jobIDs(), "wakeup published")

	stored, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestService_Submit_InsufficientCredit(t *testing.T) {
	f := newServiceFixture(t, 0)

	_, err := f.svc.Submit(context.Background(), "acct-1", "input/cat.png", domain.TransformOptions{})
	require.Error(t, err)

	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, domain.KindInsufficientCredit, derr.Kind)
	assert.NotEmpty(t, derr.UserHint)
	assert.Empty(t, f.queue.jobIDs(), "no wakeup for a rejected submit")
}

func TestService_Submit_InvalidInput(t *testing.T) {
	f := newServiceFixture(t, 5)

	_, err := f.svc.Submit(context.Background(), "acct-1", "", domain.TransformOptions{})
	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, domain.KindInvalidInput, derr.Kind)

	balance, _ := f.ledger.Balance(context.Background(), "acct-1")
	assert.Equal(t, 5, balance, "rejected submit holds no credit")
}

// inlineWorkerQueue runs a worker slot synchronously inside the wakeup
// publish, the tightest interleaving the broker path allows.
type inlineWorkerQueue struct {
	handle func(jobID string)
}

func (q *inlineWorkerQueue) PublishWithRetry(_ context.Context, body []byte, _ string) error {
	var msg wakeupMessage
	if err := json.Unmarshal(body, &msg); err == nil && msg.JobID != "" {
		q.handle(msg.JobID)
	}
	return nil
}

func TestService_Submit_EventOrderWithImmediateWorker(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemory()
	led := ledger.NewMemory()
	h := hub.New(testLogger())
	interrupts := NewCancelRegistry()
	require.NoError(t, led.Grant(ctx, "acct-1", 1))

	pool := NewPool(&PoolConfig{
		Logger:      testLogger(),
		Store:       store,
		Ledger:      led,
		Hub:         h,
		Transformer: newFakeTransformer(),
		Interrupts:  interrupts,
		WorkerID:    "worker-inline",
		Size:        1,
	})
	svc := NewService(&ServiceConfig{
		Logger:     testLogger(),
		Store:      store,
		Ledger:     led,
		Hub:        h,
		Queue:      &inlineWorkerQueue{handle: func(jobID string) { pool.handle(ctx, workItem{jobID: jobID}) }},
		Interrupts: interrupts,
	})

	sink := &eventSink{}
	unsub := h.Subscribe("conn-1", hub.Filter{Owner: "acct-1"}, sink)
	defer unsub()

	job, err := svc.Submit(ctx, "acct-1", "input/cat.png", domain.TransformOptions{})
	require.NoError(t, err)

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)

	// The job ran to completion inside the wakeup publish; the stream must
	// still start at pending and end at the terminal event.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.events)
	assert.Equal(t, hub.EventUpdate, sink.events[0].Kind)
	assert.Equal(t, domain.StatusPending, sink.events[0].Job.Status, "stream starts at pending")
	assert.Equal(t, hub.EventComplete, sink.events[len(sink.events)-1].Kind)
	for _, evt := range sink.events[:len(sink.events)-1] {
		assert.Equal(t, hub.EventUpdate, evt.Kind, "nothing trails the terminal event")
	}
}

func TestService_GetStatus_OwnershipScoped(t *testing.T) {
	f := newServiceFixture(t, 5)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "acct-1", "input/cat.png", domain.TransformOptions{})
	require.NoError(t, err)

	got, err := f.svc.GetStatus(ctx, "acct-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = f.svc.GetStatus(ctx, "acct-2", job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound, "foreign jobs read as missing")

	_, err = f.svc.GetStatus(ctx, "acct-1", "no-such-job")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestService_Cancel_Pending(t *testing.T) {
	f := newServiceFixture(t, 5)
	ctx := context.Background()

	sink := &eventSink{}
	job, err := f.svc.Submit(ctx, "acct-1", "input/cat.png", domain.TransformOptions{})
	require.NoError(t, err)
	unsub := f.hub.Subscribe("conn-1", hub.Filter{JobID: job.ID}, sink)
	defer unsub()

	cancelled, err := f.svc.Cancel(ctx, "acct-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	balance, _ := f.ledger.Balance(ctx, "acct-1")
	assert.Equal(t, 5, balance, "credit released on cancel")

	evt, ok := sink.last()
	require.True(t, ok)
	assert.Equal(t, hub.EventFailed, evt.Kind)
	assert.Equal(t, domain.StatusCancelled, evt.Job.Status, "payload distinguishes cancel from failure")
}

func TestService_Cancel_Terminal(t *testing.T) {
	f := newServiceFixture(t, 5)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "acct-1", "input/cat.png", domain.TransformOptions{})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, "acct-1", job.ID)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, "acct-1", job.ID)
	assert.ErrorIs(t, err, domain.ErrJobTerminal)

	balance, _ := f.ledger.Balance(ctx, "acct-1")
	assert.Equal(t, 5, balance, "second cancel releases nothing")
}

func TestService_List_Pagination(t *testing.T) {
	f := newServiceFixture(t, 10)
	ctx := context.Background()

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		job, err := f.svc.Submit(ctx, "acct-1", "input/cat.png", domain.TransformOptions{})
		require.NoError(t, err)
		ids = append(ids, job.ID)
		time.Sleep(2 * time.Millisecond) // distinct created_at ordering
	}

	page1, cursor, err := f.svc.List(ctx, "acct-1", jobstore.Filter{PageSize: 3})
	require.NoError(t, err)
	require.Len(t, page1, 3)
	require.NotNil(t, cursor)

	page2, cursor2, err := f.svc.List(ctx, "acct-1", jobstore.Filter{PageSize: 3, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Nil(t, cursor2, "last page has no next cursor")

	seen := make(map[string]bool)
	for _, j := range append(page1, page2...) {
		assert.False(t, seen[j.ID], "no overlap across pages")
		seen[j.ID] = true
	}
	assert.Len(t, seen, len(ids))
}

func TestService_BalanceOneAdmitsOneJob(t *testing.T) {
	f := newServiceFixture(t, 1)
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, "acct-1", "input/cat.png", domain.TransformOptions{})
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, "acct-1", "input/dog.png", domain.TransformOptions{})
	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, domain.KindInsufficientCredit, derr.Kind)

	// The held credit comes back when the job fails to complete.
	_, err = f.svc.Cancel(ctx, "acct-1", first.ID)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, "acct-1", "input/dog.png", domain.TransformOptions{})
	assert.NoError(t, err, "released credit admits the next job")
}
