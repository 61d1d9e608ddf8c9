package run

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-run/parley/internal/model"
)

func sampleRecord() *FailureRecord {
	return &FailureRecord{
		Question:         model.Question{Name: "q7", Text: "how satisfied are you?", Type: "scale"},
		Scenario:         model.Scenario{Name: "price-hike", Vars: map[string]string{"price": "12.99"}},
		Agent:            model.Agent{Name: "skeptic", Traits: map[string]string{"age": "34"}},
		Endpoint:         model.Endpoint{Service: "acme", Model: "m1", RPM: 60, TPM: 6000},
		Prompts:          model.Prompts{System: "answer as skeptic", User: "how satisfied are you?"},
		RawResponse:      `{"broken":`,
		ExceptionKind:    "unparsable_response",
		ExceptionMessage: "unexpected end of JSON input",
		Trace:            "goroutine 12 [running]:\n...",
		OccurredAt:       time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestFailureRecordRoundTrip(t *testing.T) {
	rec := sampleRecord()
	data, err := rec.Serialize()
	require.NoError(t, err)

	back, err := DeserializeFailureRecord(data)
	require.NoError(t, err)
	assert.Equal(t, rec, back)
}

func TestDeserializeFailureRecordErrors(t *testing.T) {
	_, err := DeserializeFailureRecord([]byte("{broken"))
	assert.Error(t, err)
}

func TestFailureRecordRerunSucceedsInIsolation(t *testing.T) {
	rec := sampleRecord()

	deps := testDeps(okInvoker("satisfied"))
	task, err := rec.Rerun(context.Background(), deps)
	require.NoError(t, err)

	require.False(t, task.Failed())
	assert.Equal(t, "satisfied", task.Result.Answer)
	assert.Equal(t, rec.Question.Name, task.Question.Name)
	assert.Equal(t, rec.Endpoint, task.Endpoint)
}

func TestFailureRecordRerunCanFailAgain(t *testing.T) {
	rec := sampleRecord()
	deps := testDeps(&scriptedInvoker{script: func(int, InvocationRequest) (InvocationResult, error) {
		return InvocationResult{}, &InvocationError{Kind: "provider_rejected", Err: assert.AnError}
	}})

	task, err := rec.Rerun(context.Background(), deps)
	require.NoError(t, err, "a failing task is not a rerun error")
	require.True(t, task.Failed())
	assert.Equal(t, "provider_rejected", task.Failure.ExceptionKind)
}

func TestReproductionCodeEmbedsRecord(t *testing.T) {
	rec := sampleRecord()
	src := rec.ReproductionCode()

	assert.True(t, strings.HasPrefix(src, "// Reproduces"))
	assert.Contains(t, src, "package main")
	assert.Contains(t, src, rec.Question.Name)
	assert.Contains(t, src, "rec.Rerun(context.Background(), deps)")

	// The embedded payload must parse back to the same record.
	start := strings.Index(src, "const record = `")
	require.Greater(t, start, 0)
	payload := src[start+len("const record = `"):]
	payload = payload[:strings.Index(payload, "`")]
	back, err := DeserializeFailureRecord([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, rec, back)
}

func TestPushPostsRecord(t *testing.T) {
	var got FailureRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	rec := sampleRecord()
	require.NoError(t, rec.Push(srv.URL))
	assert.Equal(t, rec.ExceptionKind, got.ExceptionKind)
}

func TestPushReportsServerRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	assert.Error(t, sampleRecord().Push(srv.URL))
}
