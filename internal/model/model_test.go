package model

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestTaskTransitions(t *testing.T) {
	valid := []struct{ from, to TaskStatus }{
		{StatusPending, StatusWaiting},
		{StatusPending, StatusRunning}, // cache hit bypasses admission
		{StatusPending, StatusFailed},
		{StatusWaiting, StatusRunning},
		{StatusWaiting, StatusCancelled},
		{StatusRunning, StatusRetrying},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRetrying, StatusWaiting},
	}
	for _, tc := range valid {
		if err := ValidateTaskTransition(tc.from, tc.to); err != nil {
			t.Errorf("ValidateTaskTransition(%q, %q) = %v, want nil", tc.from, tc.to, err)
		}
	}

	invalid := []struct{ from, to TaskStatus }{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusRetrying},
		{StatusWaiting, StatusRetrying},
		{StatusRetrying, StatusRunning}, // must re-enter through waiting
		{StatusCompleted, StatusRunning},
		{StatusFailed, StatusWaiting},
		{StatusCancelled, StatusPending},
	}
	for _, tc := range invalid {
		if err := ValidateTaskTransition(tc.from, tc.to); err == nil {
			t.Errorf("ValidateTaskTransition(%q, %q) = nil, want error", tc.from, tc.to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []TaskStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = false", s)
		}
	}
	for _, s := range []TaskStatus{StatusPending, StatusWaiting, StatusRunning, StatusRetrying} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = true", s)
		}
	}
}

func TestUsageAccountAddSamePartition(t *testing.T) {
	a := UsageAccount{PromptTokens: 100, CompletionTokens: 40}
	b := UsageAccount{PromptTokens: 50, CompletionTokens: 10}
	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if sum.PromptTokens != 150 || sum.CompletionTokens != 50 {
		t.Errorf("sum = %+v", sum)
	}
	if sum.Total() != 200 {
		t.Errorf("Total() = %d, want 200", sum.Total())
	}
	// Value semantics: operands untouched.
	if a.PromptTokens != 100 {
		t.Errorf("Add mutated receiver: %+v", a)
	}
}

func TestUsageAccountAddRejectsCrossPartition(t *testing.T) {
	fresh := NewUsageAccount(false)
	cached := NewUsageAccount(true)
	if _, err := fresh.Add(cached); !errors.Is(err, ErrCachePartition) {
		t.Fatalf("Add across partitions = %v, want ErrCachePartition", err)
	}
	if _, err := cached.Add(fresh); !errors.Is(err, ErrCachePartition) {
		t.Fatalf("Add across partitions (reversed) = %v, want ErrCachePartition", err)
	}
}

func TestUsageCostAndSaved(t *testing.T) {
	p := Pricing{PromptPerMillion: 3, CompletionPerMillion: 15}

	fresh := UsageAccount{PromptTokens: 1_000_000, CompletionTokens: 200_000}
	if got, want := fresh.Cost(p), 3+0.2*15; math.Abs(got-want) > 1e-9 {
		t.Errorf("Cost = %g, want %g", got, want)
	}
	if got := fresh.Saved(p); got != 0 {
		t.Errorf("fresh Saved = %g, want 0", got)
	}

	cached := UsageAccount{PromptTokens: 1_000_000, CompletionTokens: 200_000, FromCache: true}
	if got := cached.Cost(p); got != 0 {
		t.Errorf("cached Cost = %g, want 0", got)
	}
	if got, want := cached.Saved(p), 3+0.2*15; math.Abs(got-want) > 1e-9 {
		t.Errorf("Saved = %g, want %g", got, want)
	}
}

func TestPriceTableFor(t *testing.T) {
	tbl := PriceTable{"acme:m1": {PromptPerMillion: 1, CompletionPerMillion: 2}}
	if got := tbl.For(Endpoint{Service: "acme", Model: "m1"}); got.PromptPerMillion != 1 {
		t.Errorf("For(known) = %+v", got)
	}
	if got := tbl.For(Endpoint{Service: "other", Model: "m9"}); got != (Pricing{}) {
		t.Errorf("For(unknown) = %+v, want zero", got)
	}
}

func TestEndpointBucketKey(t *testing.T) {
	e := Endpoint{Service: "acme", Model: "chat-large", RPM: 60, TPM: 6000}
	key := e.BucketKey()
	if key.Service != "acme" || key.Model != "chat-large" {
		t.Errorf("BucketKey() = %+v", key)
	}
}

func TestLoadConfigLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(`
job:
  name: survey-q3
endpoints:
  - service: acme
    model: m1
    rpm: 60
    tpm: 6000
    pricing:
      prompt_per_million: 3
      completion_per_million: 15
buckets:
  service_url: http://localhost:7912
logging:
  level: debug
`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Job.Name != "survey-q3" {
		t.Errorf("Job.Name = %q", cfg.Job.Name)
	}
	// Unset fields keep defaults.
	if cfg.Job.TaskTimeoutSec != 300 {
		t.Errorf("TaskTimeoutSec = %d, want default 300", cfg.Job.TaskTimeoutSec)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", cfg.Retry.MaxRetries)
	}
	if !cfg.Cache.Enabled {
		t.Error("Cache.Enabled = false, want default true")
	}
	if cfg.Buckets.ServiceURL != "http://localhost:7912" {
		t.Errorf("ServiceURL = %q", cfg.Buckets.ServiceURL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}

	tbl := cfg.PriceTable()
	if got := tbl.For(cfg.Endpoints[0].Endpoint()); got.CompletionPerMillion != 15 {
		t.Errorf("PriceTable pricing = %+v", got)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig(missing) = nil error")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("job: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig(malformed) = nil error")
	}
}
