package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/foundryd/internal/task"
)

// RetryConfig configures retry behavior for external calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts for transient
	// faults. Default: 3
	MaxRetries int

	// InitialBackoff is the initial backoff duration. Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default: 30 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier is the exponential backoff multiplier. Default: 2
	BackoffMultiplier float64

	// TimeoutExtension multiplies the call budget on the single timeout
	// retry. Default: 2
	TimeoutExtension float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		TimeoutExtension:  2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if c.TimeoutExtension == 0 {
		c.TimeoutExtension = defaults.TimeoutExtension
	}
}

// Invoker wraps a primary backend with the retry and fallback policy:
// transient faults retry with exponential backoff, a timeout gets one
// retry with an extended budget, and an agent failure is handed to the
// configured fallback backend before the fault propagates.
type Invoker struct {
	primary  Backend
	fallback Backend // may be nil
	config   *RetryConfig
	logger   *zap.Logger
}

// NewInvoker creates an invoker. fallback may be nil.
func NewInvoker(primary Backend, fallback Backend, cfg *RetryConfig, logger *zap.Logger) (*Invoker, error) {
	if primary == nil {
		return nil, errors.New("primary backend is required")
	}
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{
		primary:  primary,
		fallback: fallback,
		config:   cfg,
		logger:   logger,
	}, nil
}

// Invoke runs the task through the retry/fallback policy.
func (i *Invoker) Invoke(ctx context.Context, t *task.Task, ic InvokeContext) (*Result, error) {
	res, err := i.invokeWithRetry(ctx, i.primary, t, ic)
	if err == nil {
		return res, nil
	}

	kind := KindOf(err)
	if kind != FaultAgentFailure || i.fallback == nil {
		return nil, err
	}

	i.logger.Warn("primary backend failed, trying fallback",
		zap.String("task_id", t.ID),
		zap.String("primary", i.primary.Name()),
		zap.String("fallback", i.fallback.Name()),
		zap.Error(err),
	)

	res, ferr := i.invokeWithRetry(ctx, i.fallback, t, ic)
	if ferr != nil {
		return nil, NewFault(FaultAgentFailure, "invoke",
			fmt.Errorf("primary and fallback backends failed: %v; fallback: %w", err, ferr))
	}
	return res, nil
}

// invokeWithRetry handles transient backoff and the single extended
// timeout retry for one backend.
func (i *Invoker) invokeWithRetry(ctx context.Context, b Backend, t *task.Task, ic InvokeContext) (*Result, error) {
	var lastErr error
	backoff := i.config.InitialBackoff
	timeoutRetried := false

	for attempt := 0; attempt <= i.config.MaxRetries; attempt++ {
		res, err := invokeOnce(ctx, b, t, ic)
		if err == nil {
			if attempt > 0 {
				i.logger.Info("backend call recovered after retries",
					zap.String("task_id", t.ID),
					zap.String("backend", b.Name()),
					zap.Int("attempts", attempt+1),
				)
			}
			return res, nil
		}
		lastErr = err

		switch KindOf(err) {
		case FaultTransient:
			// fall through to backoff below
		case FaultTimeout:
			if timeoutRetried {
				return nil, err
			}
			timeoutRetried = true
			ic.Timeout = time.Duration(float64(ic.Timeout) * i.config.TimeoutExtension)
			i.logger.Info("retrying after timeout with extended budget",
				zap.String("task_id", t.ID),
				zap.String("backend", b.Name()),
				zap.Duration("timeout", ic.Timeout),
			)
			continue
		default:
			return nil, err
		}

		if attempt == i.config.MaxRetries {
			break
		}

		i.logger.Info("retrying backend call after transient fault",
			zap.String("task_id", t.ID),
			zap.String("backend", b.Name()),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("invoke canceled: %w", ctx.Err())
		case <-time.After(backoff):
			next := time.Duration(float64(backoff) * i.config.BackoffMultiplier)
			if next > i.config.MaxBackoff {
				next = i.config.MaxBackoff
			}
			backoff = next
		}
	}

	return nil, fmt.Errorf("backend %s failed after %d retries: %w", b.Name(), i.config.MaxRetries, lastErr)
}

// invokeOnce runs a single backend call under its timeout budget,
// mapping deadline expiry to a timeout fault.
func invokeOnce(ctx context.Context, b Backend, t *task.Task, ic InvokeContext) (*Result, error) {
	callCtx := ctx
	if ic.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, ic.Timeout)
		defer cancel()
	}

	res, err := b.Invoke(callCtx, t, ic)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, NewFault(FaultTimeout, "invoke", err)
		}
		return nil, err
	}
	if res == nil {
		return nil, NewFault(FaultAgentFailure, "invoke", errors.New("backend returned nil result"))
	}
	if res.Status != ResultSuccess {
		return nil, NewFault(FaultAgentFailure, "invoke",
			fmt.Errorf("backend reported failure: %s", res.Error))
	}
	return res, nil
}
