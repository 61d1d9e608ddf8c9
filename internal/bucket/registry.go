package bucket

import (
	"fmt"
	"sync"
)

// Key canonically identifies one model endpoint. Registries are keyed by this
// tuple, never by an endpoint object itself, so identity stays stable across
// reconstructed endpoint values.
type Key struct {
	Service string
	Model   string
}

func (k Key) String() string {
	return k.Service + ":" + k.Model
}

// ModelBuckets pairs the request-rate and token-rate buckets for one endpoint.
type ModelBuckets struct {
	Requests Bucket
	Tokens   Bucket
}

// SetTurboMode toggles turbo mode on both buckets.
func (m *ModelBuckets) SetTurboMode(on bool) {
	m.Requests.SetTurboMode(on)
	m.Tokens.SetTurboMode(on)
}

// Factory builds one bucket for an endpoint. The default builds in-process
// TokenBuckets; a remote factory delegates to a shared bucket service.
type Factory func(key Key, kind Kind, capacity, refillRate float64) (Bucket, error)

// Registry maps endpoint keys to their bucket pairs. It is explicit,
// job-scoped state: constructed at job start, passed by reference into every
// task that targets an endpoint, and discarded at job end. Never a process
// singleton.
type Registry struct {
	mu      sync.Mutex
	buckets map[Key]*ModelBuckets
	factory Factory
}

// NewRegistry creates a registry backed by in-process token buckets.
func NewRegistry() *Registry {
	return &Registry{
		buckets: make(map[Key]*ModelBuckets),
		factory: func(_ Key, _ Kind, capacity, refillRate float64) (Bucket, error) {
			return New(capacity, refillRate), nil
		},
	}
}

// SetFactory overrides bucket construction, e.g. to delegate to a shared
// bucket service for cross-process coordination.
func (r *Registry) SetFactory(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factory = f
}

// Register derives buckets from the endpoint's declared quotas: sustained
// rate RPM/60 (resp. TPM/60) per second, burst capacity twice that. If the
// key is already registered the existing and new buckets are merged with
// Combine, so the tightest known constraint always wins.
func (r *Registry) Register(key Key, rpm, tpm float64) (*ModelBuckets, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rps := rpm / 60
	tps := tpm / 60
	reqBucket, err := r.factory(key, KindRequests, 2*rps, rps)
	if err != nil {
		return nil, fmt.Errorf("register %s request bucket: %w", key, err)
	}
	tokBucket, err := r.factory(key, KindTokens, 2*tps, tps)
	if err != nil {
		return nil, fmt.Errorf("register %s token bucket: %w", key, err)
	}
	fresh := &ModelBuckets{Requests: reqBucket, Tokens: tokBucket}

	existing, ok := r.buckets[key]
	if !ok {
		r.buckets[key] = fresh
		return fresh, nil
	}

	merged := &ModelBuckets{
		Requests: mergeBuckets(existing.Requests, fresh.Requests),
		Tokens:   mergeBuckets(existing.Tokens, fresh.Tokens),
	}
	r.buckets[key] = merged
	return merged, nil
}

// mergeBuckets combines two in-process buckets element-wise. When either side
// is remote the merge already happened in the bucket service, which returns
// the existing (tightened) bucket on re-creation, so the newer adapter wins.
func mergeBuckets(prev, next Bucket) Bucket {
	prevTB, okPrev := prev.(*TokenBucket)
	nextTB, okNext := next.(*TokenBucket)
	if okPrev && okNext {
		return prevTB.Combine(nextTB)
	}
	return next
}

// Lookup returns the bucket pair for a key, or nil if never registered.
func (r *Registry) Lookup(key Key) *ModelBuckets {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buckets[key]
}

// Keys lists every registered endpoint key.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]Key, 0, len(r.buckets))
	for k := range r.buckets {
		keys = append(keys, k)
	}
	return keys
}

// SetTurboMode toggles turbo mode on every registered bucket pair.
func (r *Registry) SetTurboMode(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, mb := range r.buckets {
		mb.SetTurboMode(on)
	}
}
