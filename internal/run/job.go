package run

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/parley-run/parley/internal/bucket"
	"github.com/parley-run/parley/internal/model"
)

// Deps carries the explicit, job-scoped collaborators every task needs.
// There are no hidden singletons: the registry, cache, pricing, and
// collaborators are constructed once per job and passed by reference.
type Deps struct {
	Registry    *bucket.Registry
	Cache       *ResponseCache
	Invoker     Invoker
	Renderer    Renderer
	Prices      model.PriceTable
	Retry       model.RetryConfig
	TaskTimeout time.Duration
	ReportURL   string
	Logger      *log.Logger
	MinLogLevel LogLevel
}

// DefaultDeps returns deps with a fresh in-process registry and cache.
// Invoker and Renderer must be supplied by the caller.
func DefaultDeps() *Deps {
	return &Deps{
		Registry:    bucket.NewRegistry(),
		Cache:       NewResponseCache(10000, time.Hour),
		Retry:       model.RetryConfig{MaxRetries: 3, BackoffBaseMs: 500, BackoffMaxMs: 10000},
		TaskTimeout: 5 * time.Minute,
	}
}

func (d *Deps) logf(level LogLevel, component, format string, args ...any) {
	logf(d.Logger, d.MinLogLevel, level, component, format, args...)
}

// Job runs every interview a plan produces, one interview per triple, with
// interview-level concurrency on top of task-level concurrency.
type Job struct {
	ID         string
	Plan       *Plan
	Questions  []model.Question
	Interviews []*Interview

	deps  *Deps
	turbo bool
}

// NewJob builds a job from config plus the two collaborators the engine does
// not own. A configured bucket service URL switches the registry to remote
// buckets so multiple processes share one logical quota.
func NewJob(cfg model.Config, plan *Plan, questions []model.Question, invoker Invoker, renderer Renderer, logger *log.Logger) *Job {
	deps := &Deps{
		Registry:    bucket.NewRegistry(),
		Invoker:     invoker,
		Renderer:    renderer,
		Prices:      cfg.PriceTable(),
		Retry:       cfg.Retry,
		TaskTimeout: time.Duration(cfg.Job.TaskTimeoutSec) * time.Second,
		ReportURL:   cfg.Reporting.URL,
		Logger:      logger,
		MinLogLevel: ParseLogLevel(cfg.Logging.Level),
	}
	if cfg.Buckets.ServiceURL != "" {
		client := bucket.NewClient(cfg.Buckets.ServiceURL)
		deps.Registry.SetFactory(client.RemoteFactory())
	}
	if cfg.Cache.Enabled {
		deps.Cache = NewResponseCache(cfg.Cache.MaxEntries, time.Duration(cfg.Cache.TTLSec)*time.Second)
	}
	return &Job{
		ID:        uuid.NewString(),
		Plan:      plan,
		Questions: questions,
		deps:      deps,
		turbo:     cfg.Buckets.Turbo,
	}
}

// Deps exposes the job's dependency set, e.g. for rerunning failures with
// the same collaborators.
func (j *Job) Deps() *Deps {
	return j.deps
}

// Run drains the plan: endpoints are registered up front (so every interview
// sharing an endpoint shares one bucket pair), then each triple's interview
// runs on the group. Interview errors are administrative only; task failures
// surface through the summary. A registration failure mid-plan cancels and
// waits for the interviews already launched, returning their partial summary
// alongside the error.
func (j *Job) Run(ctx context.Context) (*Summary, error) {
	started := time.Now().UTC()
	j.deps.logf(LogLevelInfo, "job", "job_started id=%s", j.ID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	registered := make(map[bucket.Key]bool)
	g, gctx := errgroup.WithContext(runCtx)
	var regErr error
	for triple := range j.Plan.Triples() {
		key := triple.Endpoint.BucketKey()
		if !registered[key] {
			buckets, err := j.deps.Registry.Register(key, triple.Endpoint.RPM, triple.Endpoint.TPM)
			if err != nil {
				// Interviews already on the group must be cancelled and
				// drained before Run returns, and their completed work still
				// belongs in the summary.
				regErr = fmt.Errorf("register endpoint %s: %w", key, err)
				cancel()
				break
			}
			if j.turbo {
				buckets.SetTurboMode(true)
			}
			registered[key] = true
		}

		iv := NewInterview(triple, j.Questions)
		j.Interviews = append(j.Interviews, iv)
		g.Go(func() error {
			return iv.Run(gctx, j.deps)
		})
	}

	err := g.Wait()
	summary := j.Summarize(started, time.Now().UTC())
	j.pushFailures(summary)

	if regErr != nil {
		return summary, fmt.Errorf("job %s: %w", j.ID, regErr)
	}
	if err != nil {
		return summary, fmt.Errorf("job %s: %w", j.ID, err)
	}
	j.deps.logf(LogLevelInfo, "job", "job_finished id=%s interviews=%d tasks=%d failed=%d cost_usd=%.4f",
		j.ID, summary.Interviews, summary.Aggregate.Tasks, len(summary.Failures), summary.CostUSD)
	return summary, nil
}

// pushFailures uploads failure records to the configured reporting endpoint.
// Strictly best-effort: upload errors are logged and swallowed.
func (j *Job) pushFailures(summary *Summary) {
	if j.deps.ReportURL == "" {
		return
	}
	for _, rec := range summary.Failures {
		if err := rec.Push(j.deps.ReportURL); err != nil {
			j.deps.logf(LogLevelWarn, "job", "failure_push_failed question=%s error=%v", rec.Question.Name, err)
		}
	}
}

// Summary is the job-level rollup surfaced to the results layer.
type Summary struct {
	JobID      string           `yaml:"job_id" json:"job_id"`
	StartedAt  time.Time        `yaml:"started_at" json:"started_at"`
	FinishedAt time.Time        `yaml:"finished_at" json:"finished_at"`
	Interviews int              `yaml:"interviews" json:"interviews"`
	Aggregate  Aggregate        `yaml:"aggregate" json:"aggregate"`
	CostUSD    float64          `yaml:"cost_usd" json:"cost_usd"`
	SavedUSD   float64          `yaml:"saved_usd" json:"saved_usd"`
	Failures   []*FailureRecord `yaml:"failures,omitempty" json:"failures,omitempty"`
}

// Summarize folds every interview's ledger into one aggregate, pricing each
// interview at its own endpoint's rates.
func (j *Job) Summarize(started, finished time.Time) *Summary {
	s := &Summary{
		JobID:      j.ID,
		StartedAt:  started,
		FinishedAt: finished,
		Interviews: len(j.Interviews),
		Aggregate:  Aggregate{StatusCounts: map[model.TaskStatus]int{}, Cached: model.NewUsageAccount(true)},
	}
	for _, iv := range j.Interviews {
		agg := iv.Ledger.Aggregate()
		pricing := j.deps.Prices.For(iv.Triple.Endpoint)
		s.Aggregate = s.Aggregate.Add(agg)
		s.CostUSD += agg.Cost(pricing)
		s.SavedUSD += agg.Saved(pricing)
		s.Failures = append(s.Failures, iv.Failures()...)
	}
	return s
}
