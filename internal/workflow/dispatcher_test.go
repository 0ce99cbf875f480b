package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sky93/dripflow"
	"github.com/sky93/dripflow/internal/core"
)

func decodePayload(t *testing.T, rec *dripflow.JobRecord) JobPayload {
	t.Helper()
	p, err := DecodeJobPayload(rec.Payload)
	require.NoError(t, err)
	return p
}

func TestSellerLeadStart_SendsGuideAndSchedulesCheckIn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addContact(t, "contact_1")

	_, err := h.scheduler.Enqueue(ctx, SellerLeadStart, StepPayload{SubjectID: "contact_1", StepIndex: 0}, 0)
	require.NoError(t, err)
	require.True(t, h.queue.ProcessNext(ctx))

	sent := h.gateway.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Body, "7 Signs")
	assert.Equal(t, "+1555contact_1", sent[0].To)

	run := h.onlyRun(t)
	assert.Equal(t, core.RunRunning, run.Status)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, 0, run.Steps[0].Sequence)
	assert.Equal(t, 3, run.TotalSteps)

	next := h.pendingJob(t, SellerLeadStart, "contact_1")
	assert.Equal(t, 1, decodePayload(t, next).Payload.StepIndex)
	assert.Equal(t, int64(86400000), next.AvailableAt.Sub(h.clock.Now()).Milliseconds())
	assert.Equal(t, "workflow:seller_lead_start-contact_1", next.Key)
}

func TestBuyerLeadStart_CreatesTaskWithoutMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addContact(t, "contact_2")

	_, err := h.scheduler.ScheduleImmediate(ctx, BuyerLeadStart, "contact_2", nil)
	require.NoError(t, err)
	require.True(t, h.queue.ProcessNext(ctx))

	assert.Empty(t, h.gateway.Sent())
	tasks, err := h.store.ListTasks(ctx, "contact_2")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Validate Buyer", tasks[0].Title)
	assert.Equal(t, "agent_1", tasks[0].OwnerID)
	assert.Equal(t, h.onlyRun(t).ID, tasks[0].RunID)

	next := h.pendingJob(t, BuyerLeadStart, "contact_2")
	assert.Equal(t, 1, decodePayload(t, next).Payload.StepIndex)
	assert.Equal(t, int64(5000), next.AvailableAt.Sub(h.clock.Now()).Milliseconds())
}

func TestStepBeyondTable_CompletesRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.addContact(t, "contact_3")
	_, _, err := h.registry.FindOrCreateRun(ctx, c.ID, c.OwnerID, string(FiveDaysOfJoy))
	require.NoError(t, err)

	_, err = h.scheduler.Enqueue(ctx, FiveDaysOfJoy, StepPayload{SubjectID: "contact_3", StepIndex: 6}, 0)
	require.NoError(t, err)
	require.True(t, h.queue.ProcessNext(ctx))

	run := h.onlyRun(t)
	assert.Equal(t, core.RunCompleted, run.Status)
	assert.NotNil(t, run.CompletedAt)
	assert.Empty(t, run.Steps)
	assert.Empty(t, h.gateway.Sent())

	counts := h.counts(t)
	assert.Zero(t, counts[dripflow.StateWaiting]+counts[dripflow.StateDelayed])
}

func TestFiveDaysOfJoy_CompletesAfterSixSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addContact(t, "contact_4")

	_, err := h.scheduler.ScheduleOnboarding(ctx, "contact_4")
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		require.True(t, h.queue.ProcessNext(ctx), "step %d", i)
		// Nothing is due until the next day.
		assert.False(t, h.queue.ProcessNext(ctx))
		h.clock.Advance(24 * time.Hour)
	}
	assert.False(t, h.queue.ProcessNext(ctx))

	run := h.onlyRun(t)
	assert.Equal(t, core.RunCompleted, run.Status)
	require.Len(t, run.Steps, 6)
	for i, step := range run.Steps {
		assert.Equal(t, i, step.Sequence)
	}
	assert.Equal(t, "Day 0", run.Steps[0].Name)
	assert.Equal(t, "Day 5", run.Steps[5].Name)

	assert.Len(t, h.gateway.Sent(), 6)
	msgs, err := h.store.ListMessages(ctx, "contact_4")
	require.NoError(t, err)
	assert.Len(t, msgs, 6)

	counts := h.counts(t)
	assert.Zero(t, counts[dripflow.StateWaiting]+counts[dripflow.StateDelayed]+counts[dripflow.StateActive])
}

func TestScheduleOnboarding_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.scheduler.ScheduleOnboarding(ctx, "contact_5")
	require.NoError(t, err)
	second, err := h.scheduler.ScheduleOnboarding(ctx, "contact_5")
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, h.counts(t)[dripflow.StateWaiting])
}

func TestTransientFailure_RetriesOnSameRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addContact(t, "contact_6")
	h.gateway.failures = 1

	_, err := h.scheduler.ScheduleOnboarding(ctx, "contact_6")
	require.NoError(t, err)
	require.True(t, h.queue.ProcessNext(ctx))

	failed := h.onlyRun(t)
	assert.Equal(t, core.RunRunning, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "gateway timeout")
	assert.Empty(t, failed.Steps)

	h.clock.Advance(time.Second)
	require.True(t, h.queue.ProcessNext(ctx))

	run := h.onlyRun(t)
	assert.Equal(t, failed.ID, run.ID)
	assert.Equal(t, core.RunRunning, run.Status)
	assert.Len(t, run.Steps, 1)
	assert.Len(t, h.gateway.Sent(), 1)
}

func TestExhaustedRetries_MarkRunFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addContact(t, "contact_7")
	h.gateway.always = true

	_, err := h.scheduler.ScheduleOnboarding(ctx, "contact_7")
	require.NoError(t, err)

	backoff := time.Second
	for attempt := 1; attempt <= dripflow.DefaultAttempts; attempt++ {
		require.True(t, h.queue.ProcessNext(ctx), "attempt %d", attempt)
		if attempt < dripflow.DefaultAttempts {
			assert.Equal(t, core.RunRunning, h.onlyRun(t).Status)
		}
		h.clock.Advance(backoff)
		backoff *= 2
	}

	run := h.onlyRun(t)
	assert.Equal(t, core.RunFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "gateway timeout")
	assert.Equal(t, 1, h.counts(t)[dripflow.StateFailed])
	assert.False(t, h.queue.ProcessNext(ctx))
}

func TestMissingSubject_DropsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.scheduler.ScheduleOnboarding(ctx, "ghost")
	require.NoError(t, err)
	require.True(t, h.queue.ProcessNext(ctx))

	runs, err := h.registry.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
	counts := h.counts(t)
	assert.Zero(t, counts[dripflow.StateFailed]+counts[dripflow.StateWaiting])
}

func TestUnknownWorkflowType_DropsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addContact(t, "contact_8")

	raw := json.RawMessage(`{"type":"NEWSLETTER","payload":{"subjectId":"contact_8"}}`)
	_, err := h.queue.Enqueue(ctx, Operation, raw)
	require.NoError(t, err)
	require.True(t, h.queue.ProcessNext(ctx))

	runs, err := h.registry.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Zero(t, h.counts(t)[dripflow.StateFailed])
}

func TestBirthdayReminder_RecursYearly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addContact(t, "contact_9")

	_, err := h.scheduler.ScheduleImmediate(ctx, BirthdayReminder, "contact_9", nil)
	require.NoError(t, err)
	require.True(t, h.queue.ProcessNext(ctx))

	assert.Contains(t, h.gateway.Sent()[0].Body, "Happy birthday, Sam")
	assert.Equal(t, core.RunCompleted, h.onlyRun(t).Status)

	next := h.pendingJob(t, BirthdayReminder, "contact_9")
	assert.WithinDuration(t, h.clock.Now().AddDate(1, 0, 0), next.AvailableAt, 0)
	assert.Equal(t, 0, decodePayload(t, next).Payload.StepIndex)
}

func TestRedeliveredStep_SkipsSideEffect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.addContact(t, "contact_10")

	// Step 0 ran before the job was lost.
	run, _, err := h.registry.FindOrCreateRun(ctx, c.ID, c.OwnerID, string(FiveDaysOfJoy))
	require.NoError(t, err)
	_, err = h.registry.RecordStep(ctx, run.ID, "Day 0", 0)
	require.NoError(t, err)

	_, err = h.scheduler.ScheduleOnboarding(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, h.queue.ProcessNext(ctx))

	assert.Empty(t, h.gateway.Sent())
	next := h.pendingJob(t, FiveDaysOfJoy, c.ID)
	assert.Equal(t, 1, decodePayload(t, next).Payload.StepIndex)
	assert.Len(t, h.onlyRun(t).Steps, 1)
}

func TestConcurrentDeliveries_ShareOneActiveRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addContact(t, "contact_11")

	body, err := json.Marshal(JobPayload{Type: SellerLeadStart, Payload: StepPayload{SubjectID: "contact_11"}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job := dripflow.JobRecord{ID: "job", Payload: body, Attempt: 1, MaxAttempts: 5}
			assert.NoError(t, h.dispatcher.Handle(ctx, job))
		}()
	}
	wg.Wait()

	runs, err := h.registry.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Len(t, runs[0].Steps, 1)
	assert.Equal(t, 1, h.counts(t)[dripflow.StateDelayed])
}

func TestRetryPreservesFailedRunSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.addContact(t, "contact_12")

	run, _, err := h.registry.FindOrCreateRun(ctx, c.ID, c.OwnerID, string(SellerLeadStart))
	require.NoError(t, err)
	_, err = h.registry.RecordStep(ctx, run.ID, "Seller Guide", 0)
	require.NoError(t, err)
	_, err = h.registry.Transition(ctx, run.ID, core.RunFailed, "boom")
	require.NoError(t, err)

	_, err = h.scheduler.Enqueue(ctx, SellerLeadStart, StepPayload{SubjectID: c.ID}, 0)
	require.NoError(t, err)
	require.True(t, h.queue.ProcessNext(ctx))

	old, err := h.registry.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, old.Status)
	assert.Len(t, old.Steps, 1)

	runs, err := h.registry.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestStepWithoutActiveRun_IsDropped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addContact(t, "contact_11")

	_, err := h.scheduler.Enqueue(ctx, FiveDaysOfJoy, StepPayload{SubjectID: "contact_11", StepIndex: 3}, 0)
	require.NoError(t, err)
	require.True(t, h.queue.ProcessNext(ctx))

	runs, err := h.registry.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Empty(t, h.gateway.Sent())

	counts := h.counts(t)
	assert.Zero(t, counts[dripflow.StateWaiting]+counts[dripflow.StateDelayed])
	assert.Zero(t, counts[dripflow.StateFailed])
}

// cancelOnSend cancels the subject's active run from inside the gateway call,
// the way an operator's cancel lands while a step is running.
func (h *harness) cancelOnSend(t *testing.T, key Key, subjectID string) {
	ctx := context.Background()
	h.gateway.setOnSend(func() {
		run, err := h.registry.FindActiveRun(ctx, subjectID, string(key))
		require.NoError(t, err)
		_, err = h.registry.Transition(ctx, run.ID, core.RunCancelled, "cancelled by operator")
		require.NoError(t, err)
		_, err = h.queue.Remove(ctx, h.scheduler.JobKey(key, subjectID))
		require.NoError(t, err)
	})
}

func TestCancelDuringStep_StopsSequence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addContact(t, "contact_12")

	_, err := h.scheduler.ScheduleOnboarding(ctx, "contact_12")
	require.NoError(t, err)
	require.True(t, h.queue.ProcessNext(ctx))
	h.clock.Advance(24 * time.Hour)

	h.cancelOnSend(t, FiveDaysOfJoy, "contact_12")
	require.True(t, h.queue.ProcessNext(ctx))
	h.gateway.setOnSend(nil)

	for i := 0; i < 6; i++ {
		h.clock.Advance(24 * time.Hour)
		assert.False(t, h.queue.ProcessNext(ctx), "day %d", i)
	}

	run := h.onlyRun(t)
	assert.Equal(t, core.RunCancelled, run.Status)
	require.Len(t, run.Steps, 2)
	assert.Equal(t, 0, run.Steps[0].Sequence)
	assert.Equal(t, 1, run.Steps[1].Sequence)
	assert.Len(t, h.gateway.Sent(), 2)

	counts := h.counts(t)
	assert.Zero(t, counts[dripflow.StateWaiting]+counts[dripflow.StateDelayed])
}

func TestCancelDuringRecurringStep_StopsRecurrence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addContact(t, "contact_13")

	_, err := h.scheduler.ScheduleImmediate(ctx, BirthdayReminder, "contact_13", nil)
	require.NoError(t, err)

	h.cancelOnSend(t, BirthdayReminder, "contact_13")
	require.True(t, h.queue.ProcessNext(ctx))
	h.gateway.setOnSend(nil)

	run := h.onlyRun(t)
	assert.Equal(t, core.RunCancelled, run.Status)
	counts := h.counts(t)
	assert.Zero(t, counts[dripflow.StateWaiting]+counts[dripflow.StateDelayed])
}
