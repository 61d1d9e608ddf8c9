package run

import (
	"fmt"
	"sync"

	"github.com/parley-run/parley/internal/model"
)

// Ledger aggregates status counts and token usage across the tasks of one
// interview. Tasks report in concurrently; aggregation is read at the end.
type Ledger struct {
	mu           sync.Mutex
	tasks        int
	statusCounts map[model.TaskStatus]int
	fromCache    int
	fresh        model.UsageAccount
	cached       model.UsageAccount
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		statusCounts: make(map[model.TaskStatus]int),
		fresh:        model.NewUsageAccount(false),
		cached:       model.NewUsageAccount(true),
	}
}

// RecordTask tallies one finished task: its terminal status and its usage
// account. Cache hits are counted independently of the terminal status.
func (l *Ledger) RecordTask(status model.TaskStatus, usage model.UsageAccount) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if usage.FromCache {
		l.cached, err = l.cached.Add(usage)
	} else {
		l.fresh, err = l.fresh.Add(usage)
	}
	if err != nil {
		return fmt.Errorf("record task usage: %w", err)
	}

	l.tasks++
	l.statusCounts[status]++
	if usage.FromCache {
		l.fromCache++
	}
	return nil
}

// Aggregate is the rolled-up view of a ledger. Aggregates from multiple
// interviews combine with Add at the results boundary.
type Aggregate struct {
	Tasks        int                      `yaml:"tasks" json:"tasks"`
	StatusCounts map[model.TaskStatus]int `yaml:"status_counts" json:"status_counts"`
	FromCache    int                      `yaml:"from_cache" json:"from_cache"`
	Fresh        model.UsageAccount       `yaml:"fresh_usage" json:"fresh_usage"`
	Cached       model.UsageAccount       `yaml:"cached_usage" json:"cached_usage"`
}

// Aggregate returns the current rollup.
func (l *Ledger) Aggregate() Aggregate {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[model.TaskStatus]int, len(l.statusCounts))
	for k, v := range l.statusCounts {
		counts[k] = v
	}
	return Aggregate{
		Tasks:        l.tasks,
		StatusCounts: counts,
		FromCache:    l.fromCache,
		Fresh:        l.fresh,
		Cached:       l.cached,
	}
}

// Add combines two aggregates. The cache partitions share a tag, so the sums
// cannot fail.
func (a Aggregate) Add(other Aggregate) Aggregate {
	counts := make(map[model.TaskStatus]int, len(a.StatusCounts)+len(other.StatusCounts))
	for k, v := range a.StatusCounts {
		counts[k] += v
	}
	for k, v := range other.StatusCounts {
		counts[k] += v
	}
	fresh := model.UsageAccount{
		PromptTokens:     a.Fresh.PromptTokens + other.Fresh.PromptTokens,
		CompletionTokens: a.Fresh.CompletionTokens + other.Fresh.CompletionTokens,
	}
	cached := model.UsageAccount{
		PromptTokens:     a.Cached.PromptTokens + other.Cached.PromptTokens,
		CompletionTokens: a.Cached.CompletionTokens + other.Cached.CompletionTokens,
		FromCache:        true,
	}
	return Aggregate{
		Tasks:        a.Tasks + other.Tasks,
		StatusCounts: counts,
		FromCache:    a.FromCache + other.FromCache,
		Fresh:        fresh,
		Cached:       cached,
	}
}

// Cost returns what the fresh usage cost at the given pricing.
func (a Aggregate) Cost(p model.Pricing) float64 {
	return a.Fresh.Cost(p)
}

// Saved returns what the cached usage would have cost.
func (a Aggregate) Saved(p model.Pricing) float64 {
	return a.Cached.Saved(p)
}
