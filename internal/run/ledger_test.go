package run

import (
	"sync"
	"testing"

	"github.com/parley-run/parley/internal/model"
)

func TestLedgerTallies(t *testing.T) {
	l := NewLedger()

	if err := l.RecordTask(model.StatusCompleted, model.UsageAccount{PromptTokens: 100, CompletionTokens: 20}); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordTask(model.StatusCompleted, model.UsageAccount{PromptTokens: 50, CompletionTokens: 10, FromCache: true}); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordTask(model.StatusFailed, model.NewUsageAccount(false)); err != nil {
		t.Fatal(err)
	}

	agg := l.Aggregate()
	if agg.Tasks != 3 {
		t.Errorf("Tasks = %d, want 3", agg.Tasks)
	}
	if agg.StatusCounts[model.StatusCompleted] != 2 || agg.StatusCounts[model.StatusFailed] != 1 {
		t.Errorf("StatusCounts = %v", agg.StatusCounts)
	}
	if agg.FromCache != 1 {
		t.Errorf("FromCache = %d, want 1", agg.FromCache)
	}
	if agg.Fresh.PromptTokens != 100 || agg.Fresh.CompletionTokens != 20 {
		t.Errorf("Fresh = %+v", agg.Fresh)
	}
	if agg.Cached.PromptTokens != 50 || !agg.Cached.FromCache {
		t.Errorf("Cached = %+v", agg.Cached)
	}
}

func TestLedgerStatusCountsSumToTasks(t *testing.T) {
	l := NewLedger()
	statuses := []model.TaskStatus{
		model.StatusCompleted, model.StatusCompleted, model.StatusFailed,
		model.StatusCancelled, model.StatusCompleted,
	}
	for _, s := range statuses {
		if err := l.RecordTask(s, model.NewUsageAccount(false)); err != nil {
			t.Fatal(err)
		}
	}

	agg := l.Aggregate()
	sum := 0
	for _, n := range agg.StatusCounts {
		sum += n
	}
	if sum != agg.Tasks || agg.Tasks != len(statuses) {
		t.Errorf("status counts sum %d, tasks %d, recorded %d", sum, agg.Tasks, len(statuses))
	}
}

func TestLedgerConcurrentRecording(t *testing.T) {
	l := NewLedger()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.RecordTask(model.StatusCompleted, model.UsageAccount{PromptTokens: 1})
		}()
	}
	wg.Wait()

	agg := l.Aggregate()
	if agg.Tasks != 50 || agg.Fresh.PromptTokens != 50 {
		t.Errorf("Tasks = %d, Fresh.PromptTokens = %d", agg.Tasks, agg.Fresh.PromptTokens)
	}
}

func TestAggregateAddKeepsPartitionsSeparate(t *testing.T) {
	a := Aggregate{
		Tasks:        2,
		StatusCounts: map[model.TaskStatus]int{model.StatusCompleted: 2},
		FromCache:    1,
		Fresh:        model.UsageAccount{PromptTokens: 10},
		Cached:       model.UsageAccount{PromptTokens: 5, FromCache: true},
	}
	b := Aggregate{
		Tasks:        1,
		StatusCounts: map[model.TaskStatus]int{model.StatusFailed: 1},
		Fresh:        model.UsageAccount{PromptTokens: 7},
		Cached:       model.NewUsageAccount(true),
	}

	sum := a.Add(b)
	if sum.Tasks != 3 || sum.FromCache != 1 {
		t.Errorf("sum = %+v", sum)
	}
	if sum.Fresh.PromptTokens != 17 || sum.Fresh.FromCache {
		t.Errorf("Fresh = %+v", sum.Fresh)
	}
	if sum.Cached.PromptTokens != 5 || !sum.Cached.FromCache {
		t.Errorf("Cached = %+v", sum.Cached)
	}
	if sum.StatusCounts[model.StatusCompleted] != 2 || sum.StatusCounts[model.StatusFailed] != 1 {
		t.Errorf("StatusCounts = %v", sum.StatusCounts)
	}
}

func TestAggregateAddZeroValue(t *testing.T) {
	// Folding into a zero-value aggregate must not poison the cache partition.
	var zero Aggregate
	other := Aggregate{
		Tasks:  1,
		Fresh:  model.UsageAccount{PromptTokens: 3},
		Cached: model.UsageAccount{PromptTokens: 9, FromCache: true},
	}
	sum := zero.Add(other)
	if sum.Fresh.PromptTokens != 3 || sum.Cached.PromptTokens != 9 || !sum.Cached.FromCache {
		t.Errorf("sum = %+v", sum)
	}
}

func TestAggregateCostAndSaved(t *testing.T) {
	p := model.Pricing{PromptPerMillion: 2, CompletionPerMillion: 10}
	agg := Aggregate{
		Fresh:  model.UsageAccount{PromptTokens: 500_000},
		Cached: model.UsageAccount{PromptTokens: 1_000_000, FromCache: true},
	}
	if got := agg.Cost(p); got != 1 {
		t.Errorf("Cost = %g, want 1", got)
	}
	if got := agg.Saved(p); got != 2 {
		t.Errorf("Saved = %g, want 2", got)
	}
}
