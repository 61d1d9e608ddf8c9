package run

import (
	"context"
	"errors"
	"fmt"

	"github.com/parley-run/parley/internal/model"
)

// InvocationRequest carries one rendered prompt pair to the model endpoint.
// The engine never looks inside the prompts.
type InvocationRequest struct {
	Endpoint        model.Endpoint
	Prompts         model.Prompts
	EstimatedTokens float64
}

// InvocationResult is what one successful model call produced.
type InvocationResult struct {
	RawResponse      string `json:"raw_response"`
	Answer           string `json:"answer"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Invoker performs one model invocation. Implementations live outside the
// engine; wire formats of providers are not this package's concern.
type Invoker interface {
	Invoke(ctx context.Context, req InvocationRequest) (InvocationResult, error)
}

// Renderer produces the prompts for one work unit. Template semantics are a
// collaborator concern.
type Renderer interface {
	Render(q model.Question, s model.Scenario, a model.Agent) (model.Prompts, error)
}

// TransientError marks a provider call that failed in a way worth retrying:
// network errors, timeouts, HTTP 5xx and 429.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// InvocationError marks an endpoint response the caller cannot use: invalid
// or unparsable output. Not auto-retried; it becomes a failure record.
type InvocationError struct {
	Kind        string // short classifier, e.g. "unparsable_response"
	RawResponse string
	Err         error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("model invocation error (%s): %v", e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// estimateTokens projects the bucket charge for a request before the real
// usage is known: roughly four characters per prompt token, doubled to leave
// room for the completion. The unused remainder is credited back after the
// call.
func estimateTokens(p model.Prompts) float64 {
	chars := len(p.System) + len(p.User)
	est := float64(chars) / 4 * 2
	if est < 1 {
		est = 1
	}
	return est
}
