package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/parley-run/parley/internal/bucketd"
	"github.com/parley-run/parley/internal/lock"
	"github.com/parley-run/parley/internal/model"
	"github.com/parley-run/parley/internal/run"
	"github.com/parley-run/parley/internal/yaml"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runJob(os.Args[2:])
	case "bucketd":
		runBucketd(os.Args[2:])
	case "rerun":
		runRerun(os.Args[2:])
	case "version":
		fmt.Printf("parley %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runJob(args []string) {
	var configPath, summaryPath string
	diagonal := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			i++
			configPath = args[i]
		case "--summary":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--summary requires a value")
				os.Exit(1)
			}
			i++
			summaryPath = args[i]
		case "--diagonal":
			diagonal = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: parley run --config <file> [--summary <file>] [--diagonal]\n", args[i])
			os.Exit(1)
		}
	}

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: parley run --config <file> [--summary <file>] [--diagonal]")
		os.Exit(1)
	}

	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Job.OutputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create output dir: %v\n", err)
		os.Exit(1)
	}
	outLock := lock.New(filepath.Join(cfg.Job.OutputDir, ".parley.lock"))
	if err := outLock.TryLock(); err != nil {
		fmt.Fprintf(os.Stderr, "lock output dir: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = outLock.Unlock() }()

	endpoints := make([]model.Endpoint, 0, len(cfg.Endpoints))
	for _, ec := range cfg.Endpoints {
		endpoints = append(endpoints, ec.Endpoint())
	}
	var pred run.Predicate
	if diagonal {
		pred = run.Diagonal
	}
	plan := run.NewPlan(cfg.Agents, cfg.Scenarios, endpoints, pred)

	logger := log.New(os.Stderr, "", 0)
	job := run.NewJob(cfg, plan, cfg.Questions, newHTTPInvoker(), templateRenderer{}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := job.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}

	if summaryPath == "" {
		summaryPath = filepath.Join(cfg.Job.OutputDir, "summary.yaml")
	}
	if err := yaml.AtomicWrite(summaryPath, summary); err != nil {
		fmt.Fprintf(os.Stderr, "write summary: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("interviews=%d tasks=%d completed=%d failed=%d cached=%d cost_usd=%.4f saved_usd=%.4f\n",
		summary.Interviews,
		summary.Aggregate.Tasks,
		summary.Aggregate.StatusCounts[model.StatusCompleted],
		summary.Aggregate.StatusCounts[model.StatusFailed],
		summary.Aggregate.FromCache,
		summary.CostUSD,
		summary.SavedUSD,
	)
	for i, rec := range summary.Failures {
		recPath := filepath.Join(cfg.Job.OutputDir, fmt.Sprintf("failure_%03d.json", i))
		data, err := rec.Serialize()
		if err != nil {
			fmt.Fprintf(os.Stderr, "serialize failure record: %v\n", err)
			continue
		}
		if err := yaml.AtomicWriteRaw(recPath, data); err != nil {
			fmt.Fprintf(os.Stderr, "write failure record: %v\n", err)
		}
	}
	if len(summary.Failures) > 0 {
		_ = outLock.Unlock()
		os.Exit(2)
	}
}

func runBucketd(args []string) {
	addr := ":7912"
	var quotaPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			i++
			addr = args[i]
		case "--quotas":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--quotas requires a value")
				os.Exit(1)
			}
			i++
			quotaPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: parley bucketd [--addr <addr>] [--quotas <file>]\n", args[i])
			os.Exit(1)
		}
	}

	logger := log.New(os.Stderr, "bucketd ", log.LstdFlags)
	server := bucketd.NewServer(bucketd.NewStore(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if quotaPath != "" {
		if err := server.LoadQuotas(quotaPath); err != nil {
			fmt.Fprintf(os.Stderr, "load quotas: %v\n", err)
			os.Exit(1)
		}
		go func() {
			if err := server.WatchQuotas(ctx, quotaPath); err != nil && ctx.Err() == nil {
				logger.Printf("quota_watch_stopped error=%v", err)
			}
		}()
	}

	srv := &http.Server{Addr: addr, Handler: server.Routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening addr=%s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "bucketd: %v\n", err)
		os.Exit(1)
	}
}

func runRerun(args []string) {
	var configPath, recordPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			i++
			configPath = args[i]
		default:
			if strings.HasPrefix(args[i], "--") {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: parley rerun --config <file> <record.json>\n", args[i])
				os.Exit(1)
			}
			recordPath = args[i]
		}
	}

	if configPath == "" || recordPath == "" {
		fmt.Fprintln(os.Stderr, "usage: parley rerun --config <file> <record.json>")
		os.Exit(1)
	}

	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	data, err := os.ReadFile(recordPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read record: %v\n", err)
		os.Exit(1)
	}
	rec, err := run.DeserializeFailureRecord(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse record: %v\n", err)
		os.Exit(1)
	}

	deps := run.DefaultDeps()
	deps.Invoker = newHTTPInvoker()
	deps.Renderer = templateRenderer{}
	deps.Retry = cfg.Retry
	deps.TaskTimeout = time.Duration(cfg.Job.TaskTimeoutSec) * time.Second
	deps.Prices = cfg.PriceTable()
	deps.Logger = log.New(os.Stderr, "", 0)
	deps.MinLogLevel = run.ParseLogLevel(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	task, err := rec.Rerun(ctx, deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rerun: %v\n", err)
		os.Exit(1)
	}

	if task.Failed() {
		out, _ := task.Failure.Serialize()
		fmt.Fprintf(os.Stderr, "rerun failed again:\n%s\n", out)
		os.Exit(2)
	}
	result, _ := json.MarshalIndent(task.Result, "", "  ")
	fmt.Println(string(result))
}

// httpInvoker posts prompts to a neutral completion endpoint derived from the
// PARLEY_INVOKE_URL environment variable. Provider-specific wire formats are
// out of scope for the engine; production deployments plug their own Invoker
// into run.NewJob.
type httpInvoker struct {
	url    string
	client *http.Client
}

func newHTTPInvoker() *httpInvoker {
	return &httpInvoker{
		url:    os.Getenv("PARLEY_INVOKE_URL"),
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

type invokeWire struct {
	Service string `json:"service"`
	Model   string `json:"model"`
	System  string `json:"system"`
	User    string `json:"user"`
}

type invokeWireResponse struct {
	Answer           string `json:"answer"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

func (h *httpInvoker) Invoke(ctx context.Context, req run.InvocationRequest) (run.InvocationResult, error) {
	if h.url == "" {
		return run.InvocationResult{}, &run.InvocationError{
			Kind: "invoker_unconfigured",
			Err:  fmt.Errorf("PARLEY_INVOKE_URL is not set"),
		}
	}

	body, err := json.Marshal(invokeWire{
		Service: req.Endpoint.Service,
		Model:   req.Endpoint.Model,
		System:  req.Prompts.System,
		User:    req.Prompts.User,
	})
	if err != nil {
		return run.InvocationResult{}, &run.InvocationError{Kind: "encode_request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return run.InvocationResult{}, &run.InvocationError{Kind: "build_request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return run.InvocationResult{}, &run.TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return run.InvocationResult{}, &run.TransientError{Err: err}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return run.InvocationResult{}, &run.TransientError{Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return run.InvocationResult{}, &run.InvocationError{
			Kind:        "provider_rejected",
			RawResponse: string(raw),
			Err:         fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	}

	var wire invokeWireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return run.InvocationResult{}, &run.InvocationError{
			Kind:        "unparsable_response",
			RawResponse: string(raw),
			Err:         err,
		}
	}
	return run.InvocationResult{
		RawResponse:      string(raw),
		Answer:           wire.Answer,
		PromptTokens:     wire.PromptTokens,
		CompletionTokens: wire.CompletionTokens,
	}, nil
}

// templateRenderer substitutes {{key}} placeholders from scenario vars and
// agent traits. Full template semantics belong to the surrounding survey
// layer; this covers the common case for the CLI.
type templateRenderer struct{}

func (templateRenderer) Render(q model.Question, s model.Scenario, a model.Agent) (model.Prompts, error) {
	var pairs []string
	for k, v := range s.Vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	for k, v := range a.Traits {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	replacer := strings.NewReplacer(pairs...)

	system := a.Instruction
	if system == "" {
		system = "You are " + a.Name + "."
	}
	return model.Prompts{
		System: replacer.Replace(system),
		User:   replacer.Replace(q.Text),
	}, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `parley %s — rate-limited interview execution engine

Usage: parley <command> [options]

Commands:
  run --config <file> [--summary <file>] [--diagonal]
        Execute every interview the config describes and write a summary.
  bucketd [--addr <addr>] [--quotas <file>]
        Serve the shared bucket service for cross-process rate limiting.
  rerun --config <file> <record.json>
        Re-execute one failure record in isolation.
  version
        Show version.
  help
        Show this help.

`, version)
}
