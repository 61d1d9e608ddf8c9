package run

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/parley-run/parley/internal/bucket"
	"github.com/parley-run/parley/internal/model"
)

// Task answers exactly one question within one interview. Tasks run on their
// own goroutine; count is bounded only by bucket capacity, never by a worker
// pool.
type Task struct {
	ID       string
	Question model.Question
	Scenario model.Scenario
	Agent    model.Agent
	Endpoint model.Endpoint

	Status  *StatusLog
	Prompts model.Prompts
	Usage   model.UsageAccount
	Result  *InvocationResult
	Failure *FailureRecord
}

func newTask(t Triple, q model.Question) *Task {
	return &Task{
		ID:       uuid.NewString(),
		Question: q,
		Scenario: t.Scenario,
		Agent:    t.Agent,
		Endpoint: t.Endpoint,
		Status:   NewStatusLog(),
	}
}

// Failed reports whether the task ended with a failure record.
func (t *Task) Failed() bool {
	return t.Failure != nil
}

// execute runs the task to a terminal status. It never returns an error:
// failures are isolated into t.Failure so sibling tasks and the parent
// interview continue unaffected.
func (t *Task) execute(ctx context.Context, buckets *bucket.ModelBuckets, deps *Deps) {
	_ = t.Status.Record(model.StatusPending)

	if deps.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deps.TaskTimeout)
		defer cancel()
	}

	prompts, err := deps.Renderer.Render(t.Question, t.Scenario, t.Agent)
	if err != nil {
		t.fail(deps, "render_error", "", fmt.Errorf("render prompts: %w", err))
		return
	}
	t.Prompts = prompts

	// A cache hit bypasses admission control entirely: no bucket tokens are
	// consumed and the task never suspends.
	key := KeyFor(t.Question, t.Scenario, t.Agent, t.Endpoint)
	if deps.Cache != nil {
		if res, ok := deps.Cache.Get(key); ok {
			_ = t.Status.Record(model.StatusRunning)
			t.Result = &res
			t.Usage = model.UsageAccount{
				PromptTokens:     res.PromptTokens,
				CompletionTokens: res.CompletionTokens,
				FromCache:        true,
			}
			_ = t.Status.Record(model.StatusCompleted)
			deps.logf(LogLevelDebug, "task", "cache_hit task=%s question=%s", t.ID, t.Question.Name)
			return
		}
	}

	estimated := estimateTokens(prompts)
	attempt := 0
	for {
		_ = t.Status.Record(model.StatusWaiting)
		if err := t.admit(ctx, buckets, estimated); err != nil {
			t.finishAfterAdmissionError(deps, err)
			return
		}

		_ = t.Status.Record(model.StatusRunning)
		res, err := deps.Invoker.Invoke(ctx, InvocationRequest{
			Endpoint:        t.Endpoint,
			Prompts:         prompts,
			EstimatedTokens: estimated,
		})
		if err == nil {
			if refund := estimated - float64(res.PromptTokens+res.CompletionTokens); refund > 0 {
				buckets.Tokens.AddTokens(refund)
			}
			t.Result = &res
			t.Usage = model.UsageAccount{
				PromptTokens:     res.PromptTokens,
				CompletionTokens: res.CompletionTokens,
			}
			if deps.Cache != nil {
				deps.Cache.Set(key, res)
			}
			_ = t.Status.Record(model.StatusCompleted)
			deps.logf(LogLevelDebug, "task", "task_completed task=%s question=%s attempts=%d", t.ID, t.Question.Name, attempt+1)
			return
		}

		if IsTransient(err) && attempt < deps.Retry.MaxRetries {
			attempt++
			_ = t.Status.Record(model.StatusRetrying)
			deps.logf(LogLevelWarn, "task", "task_retrying task=%s question=%s attempt=%d error=%v", t.ID, t.Question.Name, attempt, err)
			select {
			case <-ctx.Done():
				t.finishAfterAdmissionError(deps, ctx.Err())
				return
			case <-time.After(backoff(deps.Retry, attempt)):
			}
			continue
		}

		t.failInvocation(deps, err, attempt)
		return
	}
}

// admit gates execution on the endpoint's buckets: one request token plus the
// estimated model tokens.
func (t *Task) admit(ctx context.Context, buckets *bucket.ModelBuckets, estimated float64) error {
	if err := buckets.Requests.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire request slot: %w", err)
	}
	if err := buckets.Tokens.Acquire(ctx, estimated); err != nil {
		return fmt.Errorf("acquire %g tokens: %w", estimated, err)
	}
	return nil
}

// finishAfterAdmissionError terminates a task that never got a usable model
// response: cancelled, timed out, or rejected by the bucket.
func (t *Task) finishAfterAdmissionError(deps *Deps, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		t.Usage = model.NewUsageAccount(false)
		_ = t.Status.Record(model.StatusCancelled)
		deps.logf(LogLevelDebug, "task", "task_cancelled task=%s question=%s", t.ID, t.Question.Name)
	case errors.Is(err, context.DeadlineExceeded):
		t.fail(deps, "timeout", "", err)
	case errors.Is(err, bucket.ErrCapacityExceeded):
		t.fail(deps, "capacity_exceeded", "", err)
	default:
		t.fail(deps, "admission_error", "", err)
	}
}

// failInvocation converts a terminal invocation error into a failure record.
func (t *Task) failInvocation(deps *Deps, err error, attempts int) {
	var ie *InvocationError
	if errors.As(err, &ie) {
		t.fail(deps, ie.Kind, ie.RawResponse, err)
		return
	}
	if IsTransient(err) {
		t.fail(deps, "retries_exhausted", "", fmt.Errorf("%d retries exhausted: %w", attempts, err))
		return
	}
	t.fail(deps, "provider_error", "", err)
}

// fail creates the task's single failure record and ends it failed. Sibling
// tasks are unaffected.
func (t *Task) fail(deps *Deps, kind, rawResponse string, err error) {
	t.Failure = &FailureRecord{
		Question:         t.Question,
		Scenario:         t.Scenario,
		Agent:            t.Agent,
		Endpoint:         t.Endpoint,
		Prompts:          t.Prompts,
		RawResponse:      rawResponse,
		ExceptionKind:    kind,
		ExceptionMessage: err.Error(),
		Trace:            string(debug.Stack()),
		OccurredAt:       time.Now().UTC(),
	}
	t.Usage = model.NewUsageAccount(false)
	_ = t.Status.Record(model.StatusFailed)
	deps.logf(LogLevelError, "task", "task_failed task=%s question=%s kind=%s error=%v", t.ID, t.Question.Name, kind, err)
}

// backoff is exponential from the configured base, capped at the configured
// maximum.
func backoff(cfg model.RetryConfig, attempt int) time.Duration {
	ms := cfg.BackoffBaseMs
	if ms <= 0 {
		ms = 500
	}
	for i := 1; i < attempt; i++ {
		ms *= 2
		if cfg.BackoffMaxMs > 0 && ms >= cfg.BackoffMaxMs {
			ms = cfg.BackoffMaxMs
			break
		}
	}
	if cfg.BackoffMaxMs > 0 && ms > cfg.BackoffMaxMs {
		ms = cfg.BackoffMaxMs
	}
	return time.Duration(ms) * time.Millisecond
}
