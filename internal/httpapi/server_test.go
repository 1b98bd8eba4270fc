package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/foundryd/internal/agent"
	"github.com/fyrsmithlabs/foundryd/internal/checkpoint"
	"github.com/fyrsmithlabs/foundryd/internal/escalation"
	"github.com/fyrsmithlabs/foundryd/internal/task"
	"github.com/fyrsmithlabs/foundryd/internal/workflow"
)

type stubWorkflow struct {
	status       *workflow.StatusReport
	pauseResult  workflow.ControlResult
	resumeResult workflow.ControlResult
	rollbackTo   workflow.Phase
	resetCalled  bool
}

func (w *stubWorkflow) Status() *workflow.StatusReport { return w.status }
func (w *stubWorkflow) Pause() workflow.ControlResult  { return w.pauseResult }
func (w *stubWorkflow) Resume() workflow.ControlResult { return w.resumeResult }

func (w *stubWorkflow) Rollback(ctx context.Context, target workflow.Phase) (workflow.ControlResult, error) {
	w.rollbackTo = target
	return workflow.ControlResult{Applied: true}, nil
}

func (w *stubWorkflow) Reset(ctx context.Context) (workflow.ControlResult, error) {
	w.resetCalled = true
	return workflow.ControlResult{Applied: true}, nil
}

func newTestServer(t *testing.T, wf *stubWorkflow, startRun func()) (*Server, checkpoint.Store, escalation.Store) {
	t.Helper()
	checkpoints, err := checkpoint.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	escalations, err := escalation.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	if wf.status == nil {
		wf.status = &workflow.StatusReport{
			Phase: workflow.PhasePlanning,
			Run:   workflow.RunIdle,
		}
	}
	s, err := NewServer(Deps{
		Workflow:    wf,
		Checkpoints: checkpoints,
		Escalations: escalations,
		StartRun:    startRun,
	}, nil)
	require.NoError(t, err)
	return s, checkpoints, escalations
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, &stubWorkflow{}, nil)
	rec := doRequest(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	wf := &stubWorkflow{status: &workflow.StatusReport{
		Phase: workflow.PhaseImplementation,
		Run:   workflow.RunActive,
		Tasks: map[task.Status]int{task.StatusPending: 2, task.StatusCompleted: 1},
	}}
	s, _, _ := newTestServer(t, wf, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "implementation", got["phase"])
	assert.Equal(t, "active", got["run"])
}

func TestPauseConflictWhenNotApplied(t *testing.T) {
	wf := &stubWorkflow{pauseResult: workflow.ControlResult{Applied: false, Reason: "run is idle, not active"}}
	s, _, _ := newTestServer(t, wf, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/pause", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "not active")
}

func TestPauseApplied(t *testing.T) {
	wf := &stubWorkflow{pauseResult: workflow.ControlResult{Applied: true}}
	s, _, _ := newTestServer(t, wf, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestResumeLaunchesRun(t *testing.T) {
	started := false
	wf := &stubWorkflow{resumeResult: workflow.ControlResult{Applied: true}}
	s, _, _ := newTestServer(t, wf, func() { started = true })

	rec := doRequest(t, s, http.MethodPost, "/api/v1/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, started)
}

func TestResumeNotAppliedDoesNotLaunch(t *testing.T) {
	started := false
	wf := &stubWorkflow{resumeResult: workflow.ControlResult{Applied: false, Reason: "run is active"}}
	s, _, _ := newTestServer(t, wf, func() { started = true })

	rec := doRequest(t, s, http.MethodPost, "/api/v1/resume", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, started)
}

func TestRollback(t *testing.T) {
	wf := &stubWorkflow{}
	s, _, _ := newTestServer(t, wf, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/rollback", `{"phase":"planning"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, workflow.PhasePlanning, wf.rollbackTo)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/rollback", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReset(t *testing.T) {
	wf := &stubWorkflow{}
	s, _, _ := newTestServer(t, wf, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, wf.resetCalled)
}

func TestCheckpointsListingIsMetadataOnly(t *testing.T) {
	s, checkpoints, _ := newTestServer(t, &stubWorkflow{}, nil)
	require.NoError(t, checkpoints.Save(context.Background(), &checkpoint.Checkpoint{
		Label: "phase_transition",
		Phase: "validation",
		State: &task.Snapshot{Tasks: []*task.Task{{ID: "T1"}, {ID: "T2"}}},
	}))

	rec := doRequest(t, s, http.MethodGet, "/api/v1/checkpoints", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "phase_transition", got[0]["label"])
	assert.Equal(t, float64(2), got[0]["tasks"])
	assert.NotContains(t, got[0], "state", "full snapshots stay out of the listing")
}

func TestEscalations(t *testing.T) {
	s, _, escalations := newTestServer(t, &stubWorkflow{}, nil)
	require.NoError(t, escalations.Record(context.Background(), &escalation.Escalation{
		TaskID: "T1",
		Kind:   agent.FaultMergeConflict,
		Reason: "baseline changed under working copy",
	}))

	rec := doRequest(t, s, http.MethodGet, "/api/v1/escalations", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "T1", got[0]["task_id"])
	assert.Equal(t, "merge_conflict", got[0]["kind"])
}
