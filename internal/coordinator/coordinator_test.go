package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/foundryd/internal/agent"
	"github.com/fyrsmithlabs/foundryd/internal/task"
	"github.com/fyrsmithlabs/foundryd/internal/workspace"
)

// writerBackend simulates an agent by dropping one file per task into
// the working copy during the implementation stage.
type writerBackend struct {
	fail map[string]bool
}

func (b *writerBackend) Name() string { return "writer" }

func (b *writerBackend) Invoke(ctx context.Context, t *task.Task, ic agent.InvokeContext) (*agent.Result, error) {
	if b.fail[t.ID] {
		return nil, agent.NewFault(agent.FaultSpecMismatch, "invoke", errors.New("refused task "+t.ID))
	}
	if ic.Stage == agent.StageImplementation {
		path := filepath.Join(ic.WorkDir, t.ID+".go")
		if err := os.WriteFile(path, []byte("package main // "+t.ID+"\n"), 0o644); err != nil {
			return nil, err
		}
	}
	return &agent.Result{Status: agent.ResultSuccess, Output: "done " + string(ic.Stage)}, nil
}

type stubVerifier struct {
	result *agent.VerifyResult
	err    error
}

func (v *stubVerifier) Verify(ctx context.Context, dir string) (*agent.VerifyResult, error) {
	return v.result, v.err
}

func initBaseline(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("baseline\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@localhost", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func newTestCoordinator(t *testing.T, backend agent.Backend, verifier agent.Verifier) (*Coordinator, string) {
	t.Helper()
	baseline := initBaseline(t)
	mgr, err := workspace.NewManager(baseline, t.TempDir(), nil)
	require.NoError(t, err)
	inv, err := agent.NewInvoker(backend, nil, nil, nil)
	require.NoError(t, err)
	c, err := New(inv, verifier, mgr, &Config{WorkerLimit: 2, InvokeTimeout: time.Minute}, nil)
	require.NoError(t, err)
	return c, baseline
}

func TestExecuteBatchAndIntegrate(t *testing.T) {
	verifier := &stubVerifier{result: &agent.VerifyResult{Passed: true}}
	c, baseline := newTestCoordinator(t, &writerBackend{}, verifier)

	batch := []*task.Task{{ID: "T1"}, {ID: "T2"}}
	outcomes := c.ExecuteBatch(context.Background(), batch)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		require.True(t, o.Succeeded(), "task %s: %v", o.Task.ID, o.Err)
	}

	for _, o := range IntegrationOrder(outcomes) {
		require.NoError(t, c.Integrate(context.Background(), o))
		assert.Equal(t, workspace.StateDiscarded, o.Copy.State)
	}

	for _, name := range []string{"T1.go", "T2.go"} {
		_, err := os.Stat(filepath.Join(baseline, name))
		assert.NoError(t, err, name)
	}
}

func TestExecuteBatchPerTaskFailureDoesNotAbortSiblings(t *testing.T) {
	verifier := &stubVerifier{result: &agent.VerifyResult{Passed: true}}
	c, _ := newTestCoordinator(t, &writerBackend{fail: map[string]bool{"T1": true}}, verifier)

	outcomes := c.ExecuteBatch(context.Background(), []*task.Task{{ID: "T1"}, {ID: "T2"}})
	require.Len(t, outcomes, 2)

	byID := map[string]*Outcome{}
	for _, o := range outcomes {
		byID[o.Task.ID] = o
	}
	assert.False(t, byID["T1"].Succeeded())
	require.Error(t, byID["T1"].Err)
	assert.Equal(t, agent.FaultSpecMismatch, agent.KindOf(byID["T1"].Err))
	assert.True(t, byID["T2"].Succeeded())
}

func TestExecuteBatchVerificationFailure(t *testing.T) {
	verifier := &stubVerifier{result: &agent.VerifyResult{
		Passed:   false,
		Failures: []string{"TestThing: FAIL"},
	}}
	c, _ := newTestCoordinator(t, &writerBackend{}, verifier)

	outcomes := c.ExecuteBatch(context.Background(), []*task.Task{{ID: "T1"}})
	require.Len(t, outcomes, 1)
	o := outcomes[0]
	assert.NoError(t, o.Err)
	assert.False(t, o.Succeeded())
	require.NotNil(t, o.Verify)
	assert.Equal(t, []string{"TestThing: FAIL"}, o.Verify.Failures)
}

func TestIntegrationOrder(t *testing.T) {
	ok := func(id string) *Outcome {
		return &Outcome{Task: &task.Task{ID: id}, Verify: &agent.VerifyResult{Passed: true}}
	}
	outcomes := []*Outcome{
		ok("T3"),
		{Task: &task.Task{ID: "T1"}, Err: errors.New("boom")},
		ok("T2"),
		{Task: &task.Task{ID: "T0"}, Verify: &agent.VerifyResult{Passed: false}},
	}

	ordered := IntegrationOrder(outcomes)
	require.Len(t, ordered, 2)
	assert.Equal(t, "T2", ordered[0].Task.ID)
	assert.Equal(t, "T3", ordered[1].Task.ID)
}

func TestAbandon(t *testing.T) {
	verifier := &stubVerifier{result: &agent.VerifyResult{Passed: true}}
	c, _ := newTestCoordinator(t, &writerBackend{}, verifier)

	outcomes := c.ExecuteBatch(context.Background(), []*task.Task{{ID: "T1"}})
	require.Len(t, outcomes, 1)
	o := outcomes[0]
	require.NotNil(t, o.Copy)

	require.NoError(t, c.Abandon(o))
	_, err := os.Stat(o.Copy.Dir)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, c.Abandon(&Outcome{Task: &task.Task{ID: "T2"}}), "no copy is a no-op")
}

func TestIntegrateConflictSurfacesFault(t *testing.T) {
	verifier := &stubVerifier{result: &agent.VerifyResult{Passed: true}}
	c, baseline := newTestCoordinator(t, &writerBackend{}, verifier)

	outcomes := c.ExecuteBatch(context.Background(), []*task.Task{{ID: "T1"}})
	require.True(t, outcomes[0].Succeeded())

	// The baseline moves under the copy before integration.
	require.NoError(t, os.WriteFile(filepath.Join(baseline, "T1.go"), []byte("package main // drift\n"), 0o644))

	err := c.Integrate(context.Background(), outcomes[0])
	require.Error(t, err)
	assert.Equal(t, agent.FaultMergeConflict, agent.KindOf(err))
	_, statErr := os.Stat(outcomes[0].Copy.Dir)
	assert.NoError(t, statErr, "conflicted copy is preserved")
}
