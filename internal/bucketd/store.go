// Package bucketd implements the shared bucket service: the server side of
// the remote bucket contract, letting independent OS processes coordinate one
// logical quota.
package bucketd

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-run/parley/internal/bucket"
)

// grantLogLimit caps the per-bucket grant log returned by the status
// endpoint.
const grantLogLimit = 1000

type entry struct {
	mu   sync.Mutex
	id   string
	name string
	kind bucket.Kind
	b    *bucket.TokenBucket
	log  []bucket.LogEntry
}

// Store holds the service's named buckets. Names are scoped by kind so one
// endpoint's request and token buckets can share a name.
type Store struct {
	mu     sync.Mutex
	byID   map[string]*entry
	byName map[string]*entry
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		byID:   make(map[string]*entry),
		byName: make(map[string]*entry),
	}
}

// CreateOrMerge registers a named bucket. Re-creating an existing name/kind
// merges the old and new buckets with Combine under the same ID, so the
// tightest constraint any process ever declared wins.
func (s *Store) CreateOrMerge(name string, kind bucket.Kind, capacity, refillRate float64) (id string, info bucket.BucketInfo, existing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nameKey := name + "/" + string(kind)
	if e, ok := s.byName[nameKey]; ok {
		e.mu.Lock()
		e.b = e.b.Combine(bucket.New(capacity, refillRate))
		info = bucket.BucketInfo{Capacity: e.b.Capacity(), RefillRate: e.b.RefillRate()}
		e.mu.Unlock()
		return e.id, info, true
	}

	e := &entry{
		id:   uuid.NewString(),
		name: name,
		kind: kind,
		b:    bucket.New(capacity, refillRate),
	}
	s.byID[e.id] = e
	s.byName[nameKey] = e
	return e.id, bucket.BucketInfo{Capacity: capacity, RefillRate: refillRate}, false
}

// lookup finds a bucket by ID.
func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	return e, ok
}

// grant attempts an immediate grant. A cheatCapacity covering the requested
// amount waives the capacity check and charges the full bucket instead,
// which keeps long-run throughput honest. Provisional semantics.
func (e *entry) grant(amount, cheatCapacity float64) (bucket.GrantResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	effective := amount
	if cheatCapacity >= amount && amount > e.b.Capacity() {
		effective = e.b.Capacity()
	}
	granted, wait, err := e.b.TryAcquire(effective)
	if err != nil {
		return bucket.GrantResponse{}, err
	}
	resp := bucket.GrantResponse{
		Granted: granted,
		WaitMs:  wait.Milliseconds(),
		Tokens:  e.b.TokensRemaining(),
	}
	if granted {
		e.log = append(e.log, bucket.LogEntry{Time: time.Now().UTC(), Tokens: resp.Tokens})
		if len(e.log) > grantLogLimit {
			e.log = e.log[len(e.log)-grantLogLimit:]
		}
	}
	return resp, nil
}

func (e *entry) addTokens(amount float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.b.AddTokens(amount)
}

func (e *entry) setTurbo(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.b.SetTurboMode(on)
}

func (e *entry) status() bucket.StatusResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	log := make([]bucket.LogEntry, len(e.log))
	copy(log, e.log)
	return bucket.StatusResponse{
		Tokens:      e.b.TokensRemaining(),
		NumReleased: e.b.Released(),
		Log:         log,
	}
}
