package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sky93/dripflow"
	"github.com/sky93/dripflow/internal/core"
	"github.com/sky93/dripflow/internal/registry"
	"github.com/sky93/dripflow/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentMessage struct {
	To   string
	Body string
}

// fakeGateway records messages and fails the first `failures` sends. onSend,
// when set, runs after a message is recorded.
type fakeGateway struct {
	mu       sync.Mutex
	sent     []sentMessage
	failures int
	always   bool
	onSend   func()
}

func (g *fakeGateway) Send(_ context.Context, to, body string) (string, error) {
	g.mu.Lock()
	if g.always || g.failures > 0 {
		g.failures--
		g.mu.Unlock()
		return "", errors.New("gateway timeout")
	}
	g.sent = append(g.sent, sentMessage{To: to, Body: body})
	hook := g.onSend
	g.mu.Unlock()

	if hook != nil {
		hook()
	}
	return "msg-" + to, nil
}

func (g *fakeGateway) setOnSend(fn func()) {
	g.mu.Lock()
	g.onSend = fn
	g.mu.Unlock()
}

func (g *fakeGateway) Sent() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentMessage(nil), g.sent...)
}

type harness struct {
	clock      *fakeClock
	queue      *dripflow.Queue
	store      *store.SQLStore
	registry   *registry.Registry
	scheduler  *Scheduler
	dispatcher *Dispatcher
	gateway    *fakeGateway
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000).UTC()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := dripflow.OpenDB(dripflow.DialectSQLite, filepath.Join(t.TempDir(), "workflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q, err := dripflow.New(dripflow.Config{
		DB:       db,
		Dialect:  dripflow.DialectSQLite,
		Now:      clock.Now,
		InfoLog:  func(dripflow.LogEvent) {},
		ErrorLog: func(dripflow.LogEvent) {},
	})
	require.NoError(t, err)
	require.NoError(t, q.Migrate(ctx))

	s := store.New(db, dripflow.DialectSQLite, store.WithClock(clock.Now))
	require.NoError(t, s.Migrate(ctx))

	reg := registry.New(s,
		registry.WithClock(clock.Now),
		registry.WithLogger(logger),
		registry.WithStepCounter(TotalSteps))
	sched := NewScheduler(q, WithSchedulerClock(clock.Now), WithSchedulerLogger(logger))
	gw := &fakeGateway{}
	d := NewDispatcher(Deps{
		Runs:      reg,
		Scheduler: sched,
		Contacts:  s,
		Tasks:     s,
		Messages:  s,
		Gateway:   gw,
		Logger:    logger,
		Now:       clock.Now,
	})
	d.Register(q)

	return &harness{
		clock:      clock,
		queue:      q,
		store:      s,
		registry:   reg,
		scheduler:  sched,
		dispatcher: d,
		gateway:    gw,
	}
}

func (h *harness) addContact(t *testing.T, id string) *core.Contact {
	t.Helper()
	c := &core.Contact{ID: id, OwnerID: "agent_1", FirstName: "Sam", Phone: "+1555" + id, CreatedAt: h.clock.Now()}
	require.NoError(t, h.store.CreateContact(context.Background(), c))
	return c
}

// pendingJob returns the waiting or delayed job for the workflow and subject.
// A duplicate enqueue hands back the existing job's handle without storing anything.
func (h *harness) pendingJob(t *testing.T, key Key, subjectID string) *dripflow.JobRecord {
	t.Helper()
	ctx := context.Background()
	handle, err := h.scheduler.Enqueue(ctx, key, StepPayload{SubjectID: subjectID}, 0)
	require.NoError(t, err)
	require.True(t, handle.Duplicate, "no job was waiting for %s/%s", key, subjectID)
	rec, err := h.queue.Get(ctx, handle.ID)
	require.NoError(t, err)
	return rec
}

func (h *harness) counts(t *testing.T) map[dripflow.JobState]int {
	t.Helper()
	c, err := h.queue.JobCounts(context.Background())
	require.NoError(t, err)
	return c
}

func (h *harness) onlyRun(t *testing.T) core.Run {
	t.Helper()
	runs, err := h.registry.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}
