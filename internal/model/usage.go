package model

import (
	"errors"
	"fmt"
)

// ErrCachePartition reports an attempt to combine usage accounts from
// different cache partitions. The fromCache tag is immutable: cached and
// fresh usage must stay separated all the way up the aggregation.
var ErrCachePartition = errors.New("cannot combine usage accounts with different cache partitions")

// UsageAccount counts prompt and completion tokens for one cache partition.
// Accounts are value types; Add returns a new account and never mutates.
type UsageAccount struct {
	PromptTokens     int  `yaml:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int  `yaml:"completion_tokens" json:"completion_tokens"`
	FromCache        bool `yaml:"from_cache" json:"from_cache"`
}

// NewUsageAccount creates an empty account for the given cache partition.
func NewUsageAccount(fromCache bool) UsageAccount {
	return UsageAccount{FromCache: fromCache}
}

// Add sums two accounts of the same cache partition.
func (u UsageAccount) Add(other UsageAccount) (UsageAccount, error) {
	if u.FromCache != other.FromCache {
		return UsageAccount{}, fmt.Errorf("add usage (fromCache=%t + fromCache=%t): %w", u.FromCache, other.FromCache, ErrCachePartition)
	}
	return UsageAccount{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		FromCache:        u.FromCache,
	}, nil
}

// Total returns prompt plus completion tokens.
func (u UsageAccount) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Pricing is the per-million-token price pair for one endpoint.
type Pricing struct {
	PromptPerMillion     float64 `yaml:"prompt_per_million" json:"prompt_per_million"`
	CompletionPerMillion float64 `yaml:"completion_per_million" json:"completion_per_million"`
}

// Cost returns what the recorded usage costs at the given pricing. Cached
// usage costs nothing.
func (u UsageAccount) Cost(p Pricing) float64 {
	if u.FromCache {
		return 0
	}
	return u.rawCost(p)
}

// Saved returns what the recorded usage would have cost had it not been
// served from cache. Zero for fresh usage.
func (u UsageAccount) Saved(p Pricing) float64 {
	if !u.FromCache {
		return 0
	}
	return u.rawCost(p)
}

func (u UsageAccount) rawCost(p Pricing) float64 {
	return float64(u.PromptTokens)/1e6*p.PromptPerMillion +
		float64(u.CompletionTokens)/1e6*p.CompletionPerMillion
}

// PriceTable maps endpoint keys ("service:model") to pricing.
type PriceTable map[string]Pricing

// For returns the pricing for an endpoint, zero-valued if unknown.
func (t PriceTable) For(e Endpoint) Pricing {
	return t[e.BucketKey().String()]
}
