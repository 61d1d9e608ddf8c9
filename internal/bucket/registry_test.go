package bucket

import (
	"testing"
)

func TestRegisterDerivesBurstFromQuotas(t *testing.T) {
	r := NewRegistry()
	key := Key{Service: "acme", Model: "m1"}

	// RPM 60 and TPM 6000 give sustained 1 req/s and 100 tok/s, with burst
	// capacity at twice the sustained rate.
	mb, err := r.Register(key, 60, 6000)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	req := mb.Requests.(*TokenBucket)
	tok := mb.Tokens.(*TokenBucket)
	if got := req.Capacity(); got != 2 {
		t.Errorf("request capacity = %g, want 2", got)
	}
	if got := req.RefillRate(); got != 1 {
		t.Errorf("request rate = %g, want 1", got)
	}
	if got := tok.Capacity(); got != 200 {
		t.Errorf("token capacity = %g, want 200", got)
	}
	if got := tok.RefillRate(); got != 100 {
		t.Errorf("token rate = %g, want 100", got)
	}
}

func TestReRegisterMergesConservatively(t *testing.T) {
	r := NewRegistry()
	key := Key{Service: "acme", Model: "m1"}

	if _, err := r.Register(key, 120, 6000); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	mb, err := r.Register(key, 60, 12000)
	if err != nil {
		t.Fatalf("second Register: %v", err)
	}

	// The tighter constraint wins per dimension: min(120,60) RPM and
	// min(6000,12000) TPM.
	req := mb.Requests.(*TokenBucket)
	tok := mb.Tokens.(*TokenBucket)
	if got := req.RefillRate(); got != 1 {
		t.Errorf("merged request rate = %g, want 1 (60 RPM)", got)
	}
	if got := tok.RefillRate(); got != 100 {
		t.Errorf("merged token rate = %g, want 100 (6000 TPM)", got)
	}

	// Lookup sees the merged pair, not the original.
	if got := r.Lookup(key); got != mb {
		t.Error("Lookup returned a different pair than the merged Register result")
	}
}

func TestLookupUnregisteredKeyIsNil(t *testing.T) {
	r := NewRegistry()
	if got := r.Lookup(Key{Service: "none", Model: "none"}); got != nil {
		t.Errorf("Lookup of unregistered key = %v, want nil", got)
	}
}

func TestKeyStringIsServiceColonModel(t *testing.T) {
	k := Key{Service: "acme", Model: "chat-large"}
	if got := k.String(); got != "acme:chat-large" {
		t.Errorf("Key.String() = %q", got)
	}
}

func TestDistinctKeysGetDistinctBuckets(t *testing.T) {
	r := NewRegistry()
	a, err := r.Register(Key{Service: "acme", Model: "m1"}, 60, 6000)
	if err != nil {
		t.Fatalf("Register a: %v", err)
	}
	b, err := r.Register(Key{Service: "acme", Model: "m2"}, 60, 6000)
	if err != nil {
		t.Fatalf("Register b: %v", err)
	}
	if a == b || a.Requests == b.Requests {
		t.Error("different models share bucket state")
	}
	if got := len(r.Keys()); got != 2 {
		t.Errorf("Keys() has %d entries, want 2", got)
	}
}

func TestRegistryTurboModeAppliesToAll(t *testing.T) {
	r := NewRegistry()
	key := Key{Service: "acme", Model: "m1"}
	mb, err := r.Register(key, 1, 1) // ~nothing available after a drain
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.SetTurboMode(true)
	if got := mb.Requests.WaitTime(1000); got != 0 {
		t.Errorf("WaitTime in turbo = %v, want 0", got)
	}
	if got := mb.Tokens.WaitTime(1000); got != 0 {
		t.Errorf("token WaitTime in turbo = %v, want 0", got)
	}
}

func TestFactoryErrorsPropagate(t *testing.T) {
	r := NewRegistry()
	r.SetFactory(func(key Key, kind Kind, capacity, refillRate float64) (Bucket, error) {
		return nil, errTestFactory
	})
	if _, err := r.Register(Key{Service: "acme", Model: "m1"}, 60, 6000); err == nil {
		t.Fatal("Register with failing factory returned nil error")
	}
}

var errTestFactory = &factoryError{}

type factoryError struct{}

func (*factoryError) Error() string { return "factory unavailable" }

func TestMergeBucketsPrefersRemoteNext(t *testing.T) {
	// When the existing side is not an in-process bucket the merge happened
	// server-side, so the fresh adapter replaces the old one.
	prev := &RemoteBucket{}
	next := New(2, 1)
	if got := mergeBuckets(prev, next); got != Bucket(next) {
		t.Error("mergeBuckets with remote prev did not return next")
	}

	a := New(4, 2)
	b := New(2, 3)
	merged, ok := mergeBuckets(a, b).(*TokenBucket)
	if !ok {
		t.Fatal("merging two in-process buckets did not return a TokenBucket")
	}
	if merged.Capacity() != 2 || merged.RefillRate() != 2 {
		t.Errorf("merged = (%g,%g), want (2,2)", merged.Capacity(), merged.RefillRate())
	}
}
