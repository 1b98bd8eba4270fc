package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/foundryd/internal/task"
)

// scriptedBackend returns its responses in order, then repeats the last.
type scriptedBackend struct {
	name     string
	results  []*Result
	errs     []error
	calls    int
	timeouts []time.Duration
}

func (b *scriptedBackend) Name() string { return b.name }

func (b *scriptedBackend) Invoke(ctx context.Context, t *task.Task, ic InvokeContext) (*Result, error) {
	idx := b.calls
	if idx >= len(b.errs) {
		idx = len(b.errs) - 1
	}
	b.calls++
	b.timeouts = append(b.timeouts, ic.Timeout)
	return b.results[idx], b.errs[idx]
}

func fastRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        4 * time.Millisecond,
		BackoffMultiplier: 2.0,
		TimeoutExtension:  2.0,
	}
}

func newTestInvoker(t *testing.T, primary, fallback Backend) *Invoker {
	t.Helper()
	inv, err := NewInvoker(primary, fallback, fastRetryConfig(), nil)
	require.NoError(t, err)
	return inv
}

func TestInvokeSuccess(t *testing.T) {
	b := &scriptedBackend{
		name:    "primary",
		results: []*Result{{Status: ResultSuccess, Output: "done"}},
		errs:    []error{nil},
	}
	inv := newTestInvoker(t, b, nil)

	res, err := inv.Invoke(context.Background(), &task.Task{ID: "T1"}, InvokeContext{})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, 1, b.calls)
}

func TestInvokeTransientRecovers(t *testing.T) {
	b := &scriptedBackend{
		name: "primary",
		results: []*Result{
			nil, nil, {Status: ResultSuccess},
		},
		errs: []error{
			NewFault(FaultTransient, "invoke", errors.New("rate limited")),
			NewFault(FaultTransient, "invoke", errors.New("rate limited")),
			nil,
		},
	}
	inv := newTestInvoker(t, b, nil)

	_, err := inv.Invoke(context.Background(), &task.Task{ID: "T1"}, InvokeContext{})
	require.NoError(t, err)
	assert.Equal(t, 3, b.calls)
}

func TestInvokeTransientExhausted(t *testing.T) {
	b := &scriptedBackend{
		name:    "primary",
		results: []*Result{nil},
		errs:    []error{NewFault(FaultTransient, "invoke", errors.New("rate limited"))},
	}
	inv := newTestInvoker(t, b, nil)

	_, err := inv.Invoke(context.Background(), &task.Task{ID: "T1"}, InvokeContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 retries")
	assert.Equal(t, 4, b.calls, "initial attempt plus three retries")
}

func TestInvokeTimeoutSingleExtendedRetry(t *testing.T) {
	b := &scriptedBackend{
		name:    "primary",
		results: []*Result{nil},
		errs:    []error{NewFault(FaultTimeout, "invoke", context.DeadlineExceeded)},
	}
	inv := newTestInvoker(t, b, nil)

	_, err := inv.Invoke(context.Background(), &task.Task{ID: "T1"}, InvokeContext{Timeout: time.Minute})
	require.Error(t, err)
	assert.Equal(t, FaultTimeout, KindOf(err))
	require.Equal(t, 2, b.calls, "one timeout retry only")
	assert.Equal(t, time.Minute, b.timeouts[0])
	assert.Equal(t, 2*time.Minute, b.timeouts[1], "retry gets the extended budget")
}

func TestInvokeFallbackOnAgentFailure(t *testing.T) {
	primary := &scriptedBackend{
		name:    "primary",
		results: []*Result{nil},
		errs:    []error{NewFault(FaultAgentFailure, "invoke", errors.New("garbage output"))},
	}
	fallback := &scriptedBackend{
		name:    "fallback",
		results: []*Result{{Status: ResultSuccess, Output: "rescued"}},
		errs:    []error{nil},
	}
	inv := newTestInvoker(t, primary, fallback)

	res, err := inv.Invoke(context.Background(), &task.Task{ID: "T1"}, InvokeContext{})
	require.NoError(t, err)
	assert.Equal(t, "rescued", res.Output)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, fallback.calls)
}

func TestInvokeFallbackAlsoFails(t *testing.T) {
	fail := func(name string) *scriptedBackend {
		return &scriptedBackend{
			name:    name,
			results: []*Result{nil},
			errs:    []error{NewFault(FaultAgentFailure, "invoke", errors.New(name + " broken"))},
		}
	}
	inv := newTestInvoker(t, fail("primary"), fail("fallback"))

	_, err := inv.Invoke(context.Background(), &task.Task{ID: "T1"}, InvokeContext{})
	require.Error(t, err)
	assert.Equal(t, FaultAgentFailure, KindOf(err))
	assert.Contains(t, err.Error(), "primary and fallback backends failed")
}

func TestInvokeNoFallbackForNonAgentFaults(t *testing.T) {
	primary := &scriptedBackend{
		name:    "primary",
		results: []*Result{nil},
		errs:    []error{NewFault(FaultSpecMismatch, "invoke", errors.New("contradicts plan"))},
	}
	fallback := &scriptedBackend{
		name:    "fallback",
		results: []*Result{{Status: ResultSuccess}},
		errs:    []error{nil},
	}
	inv := newTestInvoker(t, primary, fallback)

	_, err := inv.Invoke(context.Background(), &task.Task{ID: "T1"}, InvokeContext{})
	require.Error(t, err)
	assert.Equal(t, FaultSpecMismatch, KindOf(err))
	assert.Zero(t, fallback.calls)
}

func TestInvokeFailureResultIsAgentFailure(t *testing.T) {
	// A well-formed failure result maps onto the agent_failure kind.
	primary := &scriptedBackend{
		name:    "primary",
		results: []*Result{{Status: ResultFailure, Error: "tests did not compile"}},
		errs:    []error{nil},
	}
	inv := newTestInvoker(t, primary, nil)

	_, err := inv.Invoke(context.Background(), &task.Task{ID: "T1"}, InvokeContext{})
	require.Error(t, err)
	assert.Equal(t, FaultAgentFailure, KindOf(err))
	assert.Contains(t, err.Error(), "tests did not compile")
}

func TestInvokeCancelDuringBackoff(t *testing.T) {
	b := &scriptedBackend{
		name:    "primary",
		results: []*Result{nil},
		errs:    []error{NewFault(FaultTransient, "invoke", errors.New("flaky"))},
	}
	cfg := fastRetryConfig()
	cfg.InitialBackoff = time.Second
	inv, err := NewInvoker(b, nil, cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = inv.Invoke(ctx, &task.Task{ID: "T1"}, InvokeContext{})
	require.ErrorIs(t, err, context.Canceled)
}
