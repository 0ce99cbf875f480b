package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sky93/dripflow/internal/core"
	"github.com/sky93/dripflow/internal/operations"
)

type mockOperations struct {
	overview  operations.Overview
	runs      map[string]*core.Run
	lastLimit int
	paused    bool
	triggered []string
	fail      error
}

func newMockOperations() *mockOperations {
	return &mockOperations{runs: map[string]*core.Run{
		"run_1": {ID: "run_1", SubjectID: "c1", WorkflowKey: "SELLER_LEAD_START", Status: core.RunFailed, ErrorMessage: "boom"},
	}}
}

func (m *mockOperations) Overview(context.Context) (operations.Overview, error) {
	return m.overview, m.fail
}

func (m *mockOperations) ListRuns(_ context.Context, limit int) ([]core.Run, error) {
	m.lastLimit = limit
	var out []core.Run
	for _, r := range m.runs {
		out = append(out, *r)
	}
	return out, m.fail
}

func (m *mockOperations) GetRun(_ context.Context, id string) (*core.Run, error) {
	r, ok := m.runs[id]
	if !ok {
		return nil, core.RunNotFound(id)
	}
	return r, nil
}

func (m *mockOperations) RetryRun(ctx context.Context, id string) (operations.Enqueued, error) {
	r, err := m.GetRun(ctx, id)
	if err != nil {
		return operations.Enqueued{}, err
	}
	return operations.Enqueued{JobID: "job_2", Workflow: r.WorkflowKey, SubjectID: r.SubjectID}, nil
}

func (m *mockOperations) CancelRun(ctx context.Context, id string) (*core.Run, error) {
	r, err := m.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status.IsTerminal() {
		return nil, core.RunTerminal(id, r.Status)
	}
	r.Status = core.RunCancelled
	return r, nil
}

func (m *mockOperations) Trigger(_ context.Context, key, subjectID string) (operations.Enqueued, error) {
	if key != "FIVE_DAYS_OF_JOY" {
		return operations.Enqueued{}, core.UnknownWorkflow(key)
	}
	dup := false
	for _, s := range m.triggered {
		dup = dup || s == subjectID
	}
	m.triggered = append(m.triggered, subjectID)
	return operations.Enqueued{JobID: "job_1", Workflow: key, SubjectID: subjectID, Duplicate: dup}, nil
}

func (m *mockOperations) Pause(context.Context) error {
	m.paused = true
	return nil
}

func (m *mockOperations) Resume(context.Context) error {
	m.paused = false
	return nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newTestServer(ops Operations) http.Handler {
	return NewServer(ops, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))).Handler()
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(newMockOperations()), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestOverview(t *testing.T) {
	ops := newMockOperations()
	ops.overview = operations.Overview{Counts: operations.Counts{Waiting: 3, Failed: 1}, Paused: true}

	rec := do(t, newTestServer(ops), http.MethodGet, "/api/v1/overview", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"counts":{"waiting":3,"active":0,"completed":0,"failed":1,"delayed":0},"paused":true}`,
		rec.Body.String())
}

func TestListRuns(t *testing.T) {
	ops := newMockOperations()
	h := newTestServer(ops)

	rec := do(t, h, http.MethodGet, "/api/v1/runs?limit=20", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20, ops.lastLimit)
	var runs []core.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "boom", runs[0].ErrorMessage)

	rec = do(t, h, http.MethodGet, "/api/v1/runs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ops.runs = map[string]*core.Run{}
	rec = do(t, h, http.MethodGet, "/api/v1/runs", "")
	assert.Equal(t, "[]\n", rec.Body.String())
	assert.Zero(t, ops.lastLimit)
}

func TestGetRun(t *testing.T) {
	h := newTestServer(newMockOperations())

	rec := do(t, h, http.MethodGet, "/api/v1/runs/run_1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"FAILED"`)

	rec = do(t, h, http.MethodGet, "/api/v1/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), core.CodeRunNotFound)
}

func TestRetryAndCancel(t *testing.T) {
	h := newTestServer(newMockOperations())

	rec := do(t, h, http.MethodPost, "/api/v1/runs/run_1/retry", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"jobId":"job_2"`)

	rec = do(t, h, http.MethodPost, "/api/v1/runs/missing/retry", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/runs/run_1/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEnqueue(t *testing.T) {
	h := newTestServer(newMockOperations())

	rec := do(t, h, http.MethodPost, "/api/v1/workflows/FIVE_DAYS_OF_JOY/enqueue", `{"subjectId":"c1"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/workflows/FIVE_DAYS_OF_JOY/enqueue", `{"subjectId":"c1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"duplicate":true`)

	rec = do(t, h, http.MethodPost, "/api/v1/workflows/NEWSLETTER/enqueue", `{"subjectId":"c1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/workflows/FIVE_DAYS_OF_JOY/enqueue", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPauseResume(t *testing.T) {
	ops := newMockOperations()
	h := newTestServer(ops)

	rec := do(t, h, http.MethodPost, "/api/v1/queue/pause", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ops.paused)

	rec = do(t, h, http.MethodPost, "/api/v1/queue/resume", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ops.paused)
}

func TestInternalErrorsAreHidden(t *testing.T) {
	ops := newMockOperations()
	ops.fail = errors.New("dial tcp 10.0.0.1:5432: connection refused")

	rec := do(t, newTestServer(ops), http.MethodGet, "/api/v1/overview", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.1")
}

func TestCORS(t *testing.T) {
	h := NewServer(newMockOperations(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithCORS("https://ops.example.com")).Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/overview", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHTTPStatusForDomainError(t *testing.T) {
	cases := []struct {
		err  error
		want int
		ok   bool
	}{
		{core.UnknownWorkflow("x"), http.StatusUnprocessableEntity, true},
		{core.RunNotFound("x"), http.StatusNotFound, true},
		{core.RunTerminal("x", core.RunFailed), http.StatusConflict, true},
		{core.ErrExecution(core.CodeStepFailed, "x"), http.StatusInternalServerError, true},
		{errors.New("plain"), 0, false},
	}
	for _, c := range cases {
		got, ok := httpStatusForDomainError(c.err)
		assert.Equal(t, c.want, got, c.err.Error())
		assert.Equal(t, c.ok, ok)
	}
}
