package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/shopmind/reco-engine/engine/semantic"
)

func TestKeyDeterministic(t *testing.T) {
	f := semantic.Filters{CategoryID: 2, Color: "red"}
	a := Key(1, semantic.VectorCombined, f.Signature())
	b := Key(1, semantic.VectorCombined, f.Signature())
	if a != b {
		t.Fatal("same inputs must produce the same key")
	}
	if a == Key(2, semantic.VectorCombined, f.Signature()) {
		t.Fatal("different products must produce different keys")
	}
	if a == Key(1, semantic.VectorText, f.Signature()) {
		t.Fatal("different vector types must produce different keys")
	}
}

func TestPutGetExpiry(t *testing.T) {
	c := New()
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	key := Key(1, semantic.VectorCombined, "")
	c.Put(1, key, []semantic.Candidate{{ProductID: 2, Score: 0.9}}, PositiveTTL)

	got, ok, negative := c.Get(key)
	if !ok || negative || len(got) != 1 {
		t.Fatalf("Get = (%v, %v, %v)", got, ok, negative)
	}

	now = now.Add(PositiveTTL + time.Second)
	if _, ok, _ := c.Get(key); ok {
		t.Fatal("expired entry must miss")
	}
	if c.Len() != 0 {
		t.Fatal("expired entry must be evicted on lookup")
	}
}

func TestGetOrComputeCachesResult(t *testing.T) {
	c := New()
	key := Key(1, semantic.VectorCombined, "")
	calls := 0
	compute := func() ([]semantic.Candidate, error) {
		calls++
		return []semantic.Candidate{{ProductID: 5}}, nil
	}

	for i := 0; i < 3; i++ {
		got, err := c.GetOrCompute(1, key, PositiveTTL, compute)
		if err != nil || len(got) != 1 {
			t.Fatalf("GetOrCompute: %v %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("compute called %d times, want 1", calls)
	}
}

func TestGetOrComputeNegativeCaching(t *testing.T) {
	c := New()
	key := Key(9, semantic.VectorCombined, "")
	calls := 0
	notIndexed := func() ([]semantic.Candidate, error) {
		calls++
		return nil, semantic.ErrNotIndexed
	}

	for i := 0; i < 3; i++ {
		got, err := c.GetOrCompute(9, key, PositiveTTL, notIndexed)
		if err != nil {
			t.Fatalf("not-indexed must not surface an error, got %v", err)
		}
		if got != nil {
			t.Fatalf("expected empty result, got %v", got)
		}
	}
	if calls != 1 {
		t.Fatalf("store hit %d times for unindexed product, want 1", calls)
	}
}

func TestGetOrComputeErrorsPassThroughUncached(t *testing.T) {
	c := New()
	key := Key(1, semantic.VectorCombined, "")
	boom := errors.New("store unavailable")
	calls := 0

	for i := 0; i < 2; i++ {
		_, err := c.GetOrCompute(1, key, PositiveTTL, func() ([]semantic.Candidate, error) {
			calls++
			return nil, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want %v", err, boom)
		}
	}
	if calls != 2 {
		t.Fatal("failures must not be cached")
	}
}

func TestInvalidateProductClearsNegativeEntry(t *testing.T) {
	c := New()
	key := Key(9, semantic.VectorCombined, "")
	calls := 0

	// First pass: product not indexed, negative entry recorded.
	c.GetOrCompute(9, key, PositiveTTL, func() ([]semantic.Candidate, error) {
		calls++
		return nil, semantic.ErrNotIndexed
	})

	// Indexing completes; its upsert invalidates the product.
	if dropped := c.InvalidateProduct(9); dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}

	// The next lookup must reach the store again and can surface results.
	got, err := c.GetOrCompute(9, key, PositiveTTL, func() ([]semantic.Candidate, error) {
		calls++
		return []semantic.Candidate{{ProductID: 4}}, nil
	})
	if err != nil || len(got) != 1 {
		t.Fatalf("GetOrCompute after invalidation: %v %v", got, err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestInvalidateProductDropsAllItsKeys(t *testing.T) {
	c := New()
	f := semantic.Filters{Color: "red"}
	k1 := Key(1, semantic.VectorCombined, "")
	k2 := Key(1, semantic.VectorCombined, f.Signature())
	k3 := Key(2, semantic.VectorCombined, "")

	c.Put(1, k1, nil, PositiveTTL)
	c.Put(1, k2, nil, PositiveTTL)
	c.Put(2, k3, nil, PositiveTTL)

	if dropped := c.InvalidateProduct(1); dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
	if _, ok, _ := c.Get(k3); !ok {
		t.Fatal("other products' entries must survive")
	}
}

func TestConcurrentGetPutInvalidate(t *testing.T) {
	c := New()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			key := Key(int64(i%7), semantic.VectorCombined, "")
			c.Put(int64(i%7), key, nil, PositiveTTL)
			c.Get(key)
		}
		close(done)
	}()
	for i := 0; i < 500; i++ {
		c.InvalidateProduct(int64(i % 7))
	}
	<-done
}
