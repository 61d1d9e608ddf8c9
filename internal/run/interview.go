package run

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/parley-run/parley/internal/model"
)

// Interview is one complete run of the ordered question set against one
// (agent, scenario, endpoint) triple. Each question becomes one concurrent
// task; throughput self-regulates against the endpoint's buckets.
type Interview struct {
	ID        string
	Triple    Triple
	Questions []model.Question
	Tasks     []*Task
	Ledger    *Ledger
}

// NewInterview creates an interview for one triple.
func NewInterview(t Triple, questions []model.Question) *Interview {
	return &Interview{
		ID:        uuid.NewString(),
		Triple:    t,
		Questions: questions,
		Ledger:    NewLedger(),
	}
}

// Run executes every question on its own goroutine and waits for all of
// them. Task failures are isolated into failure records and tallied in the
// ledger; Run only returns administrative errors such as a failed bucket
// registration.
func (iv *Interview) Run(ctx context.Context, deps *Deps) error {
	endpoint := iv.Triple.Endpoint
	buckets := deps.Registry.Lookup(endpoint.BucketKey())
	if buckets == nil {
		var err error
		buckets, err = deps.Registry.Register(endpoint.BucketKey(), endpoint.RPM, endpoint.TPM)
		if err != nil {
			return fmt.Errorf("register endpoint %s: %w", endpoint.BucketKey(), err)
		}
	}

	deps.logf(LogLevelInfo, "interview", "interview_started id=%s agent=%s scenario=%s endpoint=%s questions=%d",
		iv.ID, iv.Triple.Agent.Name, iv.Triple.Scenario.Name, endpoint.BucketKey(), len(iv.Questions))

	iv.Tasks = make([]*Task, len(iv.Questions))
	var wg sync.WaitGroup
	for i, q := range iv.Questions {
		task := newTask(iv.Triple, q)
		iv.Tasks[i] = task
		wg.Add(1)
		go func() {
			defer wg.Done()
			task.execute(ctx, buckets, deps)
		}()
	}
	wg.Wait()

	for _, task := range iv.Tasks {
		status := model.StatusFailed
		if entry, ok := task.Status.Last(); ok {
			status = entry.Status
		}
		if err := iv.Ledger.RecordTask(status, task.Usage); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
	}

	agg := iv.Ledger.Aggregate()
	deps.logf(LogLevelInfo, "interview", "interview_finished id=%s tasks=%d completed=%d failed=%d cached=%d",
		iv.ID, agg.Tasks, agg.StatusCounts[model.StatusCompleted], agg.StatusCounts[model.StatusFailed], agg.FromCache)
	return nil
}

// Failures collects the failure records of this interview's tasks.
func (iv *Interview) Failures() []*FailureRecord {
	var out []*FailureRecord
	for _, t := range iv.Tasks {
		if t.Failure != nil {
			out = append(out, t.Failure)
		}
	}
	return out
}
