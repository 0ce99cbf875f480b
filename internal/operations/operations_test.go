package operations

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sky93/dripflow"
	"github.com/sky93/dripflow/internal/core"
	"github.com/sky93/dripflow/internal/registry"
	"github.com/sky93/dripflow/internal/store"
	"github.com/sky93/dripflow/internal/workflow"
)

type fixture struct {
	svc       *Service
	queue     *dripflow.Queue
	registry  *registry.Registry
	store     *store.SQLStore
	scheduler *workflow.Scheduler
	logger    *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := dripflow.OpenDB(dripflow.DialectSQLite, filepath.Join(t.TempDir(), "ops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q, err := dripflow.New(dripflow.Config{
		DB:       db,
		InfoLog:  func(dripflow.LogEvent) {},
		ErrorLog: func(dripflow.LogEvent) {},
	})
	require.NoError(t, err)
	require.NoError(t, q.Migrate(ctx))

	s := store.New(db, dripflow.DialectSQLite)
	require.NoError(t, s.Migrate(ctx))
	reg := registry.New(s, registry.WithLogger(logger), registry.WithStepCounter(workflow.TotalSteps))
	sched := workflow.NewScheduler(q, workflow.WithSchedulerLogger(logger))

	return &fixture{
		svc:       New(q, reg, sched, logger),
		queue:     q,
		registry:  reg,
		store:     s,
		scheduler: sched,
		logger:    logger,
	}
}

// hookGateway counts sends and runs onSend inside each one.
type hookGateway struct {
	sent   int
	onSend func()
}

func (g *hookGateway) Send(context.Context, string, string) (string, error) {
	g.sent++
	if g.onSend != nil {
		g.onSend()
	}
	return "msg", nil
}

func (f *fixture) startDispatcher(gw core.MessageGateway) {
	workflow.NewDispatcher(workflow.Deps{
		Runs:      f.registry,
		Scheduler: f.scheduler,
		Contacts:  f.store,
		Tasks:     f.store,
		Messages:  f.store,
		Gateway:   gw,
		Logger:    f.logger,
	}).Register(f.queue)
}

func TestOverview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Trigger(ctx, "five_days_of_joy", "c1")
	require.NoError(t, err)
	_, err = f.svc.Trigger(ctx, "BUYER_LEAD_START", "c1")
	require.NoError(t, err)

	ov, err := f.svc.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, Overview{Counts: Counts{Waiting: 2}}, ov)

	require.NoError(t, f.svc.Pause(ctx))
	ov, err = f.svc.Overview(ctx)
	require.NoError(t, err)
	assert.True(t, ov.Paused)

	require.NoError(t, f.svc.Resume(ctx))
	ov, err = f.svc.Overview(ctx)
	require.NoError(t, err)
	assert.False(t, ov.Paused)
}

func TestTrigger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.Trigger(ctx, "seller_lead_start", "c1")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "SELLER_LEAD_START", first.Workflow)
	assert.Equal(t, "workflow:seller_lead_start-c1", first.JobKey)

	again, err := f.svc.Trigger(ctx, "SELLER_LEAD_START", "c1")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.JobID, again.JobID)

	_, err = f.svc.Trigger(ctx, "NEWSLETTER", "c1")
	assert.ErrorIs(t, err, core.ErrUnknownWorkflow)

	_, err = f.svc.Trigger(ctx, "SELLER_LEAD_START", "")
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}

func TestRetryRun_StartsFreshRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	run, _, err := f.registry.FindOrCreateRun(ctx, "c1", "agent_1", string(workflow.SellerLeadStart))
	require.NoError(t, err)
	_, err = f.registry.RecordStep(ctx, run.ID, "Seller Guide", 0)
	require.NoError(t, err)
	_, err = f.registry.Transition(ctx, run.ID, core.RunFailed, "gateway down")
	require.NoError(t, err)

	out, err := f.svc.RetryRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "c1", out.SubjectID)
	assert.Equal(t, "SELLER_LEAD_START", out.Workflow)

	job, err := f.queue.Get(ctx, out.JobID)
	require.NoError(t, err)
	p, err := workflow.DecodeJobPayload(job.Payload)
	require.NoError(t, err)
	assert.Zero(t, p.Payload.StepIndex)

	old, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, old.Status)
	assert.Len(t, old.Steps, 1)
}

func TestRetryRun_NotFound(t *testing.T) {
	_, err := newFixture(t).svc.RetryRun(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrRunNotFound)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
}

func TestCancelRun_RemovesPendingJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	run, _, err := f.registry.FindOrCreateRun(ctx, "c1", "agent_1", string(workflow.FiveDaysOfJoy))
	require.NoError(t, err)
	_, err = f.svc.Trigger(ctx, "FIVE_DAYS_OF_JOY", "c1")
	require.NoError(t, err)

	cancelled, err := f.svc.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCancelled, cancelled.Status)

	ov, err := f.svc.Overview(ctx)
	require.NoError(t, err)
	assert.Zero(t, ov.Counts.Waiting)

	_, err = f.svc.CancelRun(ctx, run.ID)
	require.NoError(t, err)

	_, err = f.registry.Transition(ctx, run.ID, core.RunCompleted, "")
	assert.ErrorIs(t, err, core.ErrRunTerminal)
}

func TestCancelRun_StepInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.CreateContact(ctx, &core.Contact{ID: "c1", OwnerID: "agent_1", Phone: "+15550001"}))

	gw := &hookGateway{}
	f.startDispatcher(gw)
	gw.onSend = func() {
		runs, err := f.svc.ListRuns(ctx, 1)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		_, err = f.svc.CancelRun(ctx, runs[0].ID)
		require.NoError(t, err)
	}

	_, err := f.svc.Trigger(ctx, "SELLER_LEAD_START", "c1")
	require.NoError(t, err)
	require.True(t, f.queue.ProcessNext(ctx))

	ov, err := f.svc.Overview(ctx)
	require.NoError(t, err)
	assert.Zero(t, ov.Counts.Waiting+ov.Counts.Delayed)

	runs, err := f.svc.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, core.RunCancelled, runs[0].Status)
	assert.Len(t, runs[0].Steps, 1)
	assert.Equal(t, 1, gw.sent)
}

func TestTrigger_RecurringWorkflowReportsNextOccurrence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.CreateContact(ctx, &core.Contact{ID: "c1", OwnerID: "agent_1", Phone: "+15550001"}))
	f.startDispatcher(&hookGateway{})

	first, err := f.svc.Trigger(ctx, "BIRTHDAY_REMINDER", "c1")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.WithinDuration(t, time.Now(), first.RunAt, time.Minute)
	require.True(t, f.queue.ProcessNext(ctx))

	runs, err := f.svc.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, core.RunCompleted, runs[0].Status)

	// The next occurrence holds the job key until it is due.
	again, err := f.svc.Trigger(ctx, "BIRTHDAY_REMINDER", "c1")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.True(t, again.RunAt.After(time.Now().AddDate(0, 11, 0)), "runAt %s", again.RunAt)

	retried, err := f.svc.RetryRun(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.True(t, retried.Duplicate)
	assert.Equal(t, again.JobID, retried.JobID)
	assert.Equal(t, again.RunAt, retried.RunAt)
}

func TestListRuns_ClampsLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, subject := range []string{"c1", "c2", "c3"} {
		_, _, err := f.registry.FindOrCreateRun(ctx, subject, "agent_1", string(workflow.BirthdayReminder))
		require.NoError(t, err)
	}

	runs, err := f.svc.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
	assert.Equal(t, 1, runs[0].TotalSteps)

	runs, err = f.svc.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
