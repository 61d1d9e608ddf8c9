package run

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/parley-run/parley/internal/model"
)

// FailureRecord is the immutable snapshot of one failed work unit. It carries
// everything needed to reconstruct and re-execute that single unit in
// isolation. The originating error is flattened to kind, message, and trace
// text: live error values do not serialize portably.
type FailureRecord struct {
	Question    model.Question `json:"question"`
	Scenario    model.Scenario `json:"scenario"`
	Agent       model.Agent    `json:"agent"`
	Endpoint    model.Endpoint `json:"endpoint"`
	Prompts     model.Prompts  `json:"prompts"`
	RawResponse string         `json:"raw_response,omitempty"`

	ExceptionKind    string    `json:"exception_kind"`
	ExceptionMessage string    `json:"exception_message"`
	Trace            string    `json:"trace,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Serialize encodes the record as JSON.
func (r *FailureRecord) Serialize() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serialize failure record: %w", err)
	}
	return data, nil
}

// DeserializeFailureRecord decodes a record serialized with Serialize.
func DeserializeFailureRecord(data []byte) (*FailureRecord, error) {
	var r FailureRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("deserialize failure record: %w", err)
	}
	return &r, nil
}

// Rerun reconstructs the one-unit job this record describes and executes it
// standalone: one interview of one question against the recorded agent,
// scenario, and endpoint. Deps supply fresh collaborators; nothing from the
// failed job is reused.
func (r *FailureRecord) Rerun(ctx context.Context, deps *Deps) (*Task, error) {
	triple := Triple{
		Agent:    r.Agent,
		Scenario: r.Scenario,
		Endpoint: r.Endpoint,
	}
	iv := NewInterview(triple, []model.Question{r.Question})
	if err := iv.Run(ctx, deps); err != nil {
		return nil, fmt.Errorf("rerun %s: %w", r.Question.Name, err)
	}
	if len(iv.Tasks) != 1 {
		return nil, fmt.Errorf("rerun %s: expected 1 task, got %d", r.Question.Name, len(iv.Tasks))
	}
	return iv.Tasks[0], nil
}

// ReproductionCode emits equivalent standalone source for bug reports and
// manual reproduction.
func (r *FailureRecord) ReproductionCode() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "// Reproduces the failed unit %q recorded at %s.\n", r.Question.Name, r.OccurredAt.Format(time.RFC3339))
	b.WriteString("package main\n\n")
	b.WriteString("import (\n")
	b.WriteString("\t\"context\"\n")
	b.WriteString("\t\"encoding/json\"\n")
	b.WriteString("\t\"fmt\"\n\n")
	b.WriteString("\t\"github.com/parley-run/parley/internal/run\"\n")
	b.WriteString(")\n\n")
	b.WriteString("const record = `")
	if data, err := r.Serialize(); err == nil {
		b.Write(data)
	}
	b.WriteString("`\n\n")
	b.WriteString("func main() {\n")
	b.WriteString("\tvar rec run.FailureRecord\n")
	b.WriteString("\tif err := json.Unmarshal([]byte(record), &rec); err != nil {\n")
	b.WriteString("\t\tpanic(err)\n")
	b.WriteString("\t}\n")
	b.WriteString("\tdeps := run.DefaultDeps() // supply your Invoker and Renderer here\n")
	b.WriteString("\ttask, err := rec.Rerun(context.Background(), deps)\n")
	b.WriteString("\tif err != nil {\n")
	b.WriteString("\t\tpanic(err)\n")
	b.WriteString("\t}\n")
	b.WriteString("\tfmt.Printf(\"status=%v usage=%+v\\n\", taskStatus(task), task.Usage)\n")
	b.WriteString("}\n\n")
	b.WriteString("func taskStatus(t *run.Task) any {\n")
	b.WriteString("\tif e, ok := t.Status.Last(); ok {\n")
	b.WriteString("\t\treturn e.Status\n")
	b.WriteString("\t}\n")
	b.WriteString("\treturn \"unknown\"\n")
	b.WriteString("}\n")
	return b.String()
}

// Push uploads the serialized record to an external error-collection service.
// Best-effort: the returned error is for the caller's log line only and must
// never fail the surrounding job.
func (r *FailureRecord) Push(reportingURL string) error {
	data, err := r.Serialize()
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(reportingURL, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("push failure record: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push failure record: HTTP %d", resp.StatusCode)
	}
	return nil
}
