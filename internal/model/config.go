// Package model defines the data structures for parley's configuration,
// statuses, usage accounting, and interview inputs.
package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Job       JobConfig        `yaml:"job"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
	Agents    []Agent          `yaml:"agents"`
	Scenarios []Scenario       `yaml:"scenarios"`
	Questions []Question       `yaml:"questions"`
	Retry     RetryConfig      `yaml:"retry"`
	Cache     CacheConfig      `yaml:"cache"`
	Buckets   BucketsConfig    `yaml:"buckets"`
	Reporting ReportingConfig  `yaml:"reporting"`
	Logging   LoggingConfig    `yaml:"logging"`
}

type JobConfig struct {
	Name           string `yaml:"name"`
	TaskTimeoutSec int    `yaml:"task_timeout_sec"`
	OutputDir      string `yaml:"output_dir"`
}

type EndpointConfig struct {
	Service string  `yaml:"service"`
	Model   string  `yaml:"model"`
	RPM     float64 `yaml:"rpm"`
	TPM     float64 `yaml:"tpm"`
	Pricing Pricing `yaml:"pricing"`
}

// Endpoint converts the config entry into the runtime endpoint value.
func (ec EndpointConfig) Endpoint() Endpoint {
	return Endpoint{Service: ec.Service, Model: ec.Model, RPM: ec.RPM, TPM: ec.TPM}
}

type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries"`
	BackoffBaseMs int `yaml:"backoff_base_ms"`
	BackoffMaxMs  int `yaml:"backoff_max_ms"`
}

type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"max_entries"`
	TTLSec     int  `yaml:"ttl_sec"`
}

type BucketsConfig struct {
	// ServiceURL points at a shared bucket service. Empty means in-process
	// buckets, which coordinate goroutines within this process only.
	ServiceURL string `yaml:"service_url"`
	Turbo      bool   `yaml:"turbo"`
}

type ReportingConfig struct {
	// URL of an external error-collection service failure records are pushed
	// to. Empty disables pushing.
	URL string `yaml:"url"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the config applied when fields are left unset.
func DefaultConfig() Config {
	return Config{
		Job: JobConfig{
			TaskTimeoutSec: 300,
			OutputDir:      ".",
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			BackoffBaseMs: 500,
			BackoffMaxMs:  10000,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 10000,
			TTLSec:     3600,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML config file, layering it over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// PriceTable builds the endpoint pricing lookup declared in the config.
func (c Config) PriceTable() PriceTable {
	t := make(PriceTable, len(c.Endpoints))
	for _, ec := range c.Endpoints {
		t[ec.Endpoint().BucketKey().String()] = ec.Pricing
	}
	return t
}
