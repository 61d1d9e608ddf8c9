package model

import "github.com/parley-run/parley/internal/bucket"

// Agent is the simulated respondent persona an interview runs as.
type Agent struct {
	Name        string            `yaml:"name" json:"name"`
	Traits      map[string]string `yaml:"traits,omitempty" json:"traits,omitempty"`
	Instruction string            `yaml:"instruction,omitempty" json:"instruction,omitempty"`
}

// Scenario parameterizes the questions of an interview.
type Scenario struct {
	Name string            `yaml:"name" json:"name"`
	Vars map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
}

// Question is one unit of work within an interview. Question-type semantics
// and validation live outside the engine; the engine only needs identity and
// the text handed to the prompt renderer.
type Question struct {
	Name    string   `yaml:"name" json:"name"`
	Text    string   `yaml:"text" json:"text"`
	Type    string   `yaml:"type,omitempty" json:"type,omitempty"`
	Options []string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Endpoint identifies one model endpoint together with its declared quotas.
type Endpoint struct {
	Service string  `yaml:"service" json:"service"`
	Model   string  `yaml:"model" json:"model"`
	RPM     float64 `yaml:"rpm" json:"rpm"`
	TPM     float64 `yaml:"tpm" json:"tpm"`
}

// BucketKey returns the canonical registry key for this endpoint. Buckets are
// keyed by this tuple, not by the Endpoint value, so quota state survives
// endpoint reconstruction.
func (e Endpoint) BucketKey() bucket.Key {
	return bucket.Key{Service: e.Service, Model: e.Model}
}

// Prompts is the rendered text pair actually sent to the model. Rendering is
// a collaborator concern; the engine treats prompts as opaque.
type Prompts struct {
	System string `yaml:"system" json:"system"`
	User   string `yaml:"user" json:"user"`
}
