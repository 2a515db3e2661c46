package overlay

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func cachedRollup() map[NodeID]MeasureVector {
	return map[NodeID]MeasureVector{
		"R": {"daily": decimal.NewFromInt(140)},
	}
}

func TestRollupCache_PutGetRoundTrip(t *testing.T) {
	c := NewRollupCache(time.Minute)
	c.Put("uc-1", "uc-1/abc", cachedRollup())

	got, ok := c.Get("uc-1/abc")
	if !ok {
		t.Fatal("fresh entry not returned")
	}
	if !got["R"].Get("daily").Equal(decimal.NewFromInt(140)) {
		t.Errorf("cached value = %s, want 140", got["R"].Get("daily"))
	}
}

func TestRollupCache_ReturnsCopies_NotSharedState(t *testing.T) {
	// A caller mutating its copy must never poison later reads.
	c := NewRollupCache(time.Minute)
	c.Put("uc-1", "k", cachedRollup())

	first, _ := c.Get("k")
	first["R"]["daily"] = decimal.NewFromInt(-1)

	second, _ := c.Get("k")
	if !second["R"].Get("daily").Equal(decimal.NewFromInt(140)) {
		t.Errorf("cache poisoned by caller mutation: %s", second["R"].Get("daily"))
	}
}

func TestRollupCache_ExpiredEntry_Miss(t *testing.T) {
	c := NewRollupCache(time.Nanosecond)
	c.Put("uc-1", "k", cachedRollup())
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Error("expired entry served")
	}
}

func TestRollupCache_Invalidate_DropsOnlyThatUseCase(t *testing.T) {
	c := NewRollupCache(time.Minute)
	c.Put("uc-1", "uc-1/a", cachedRollup())
	c.Put("uc-1", "uc-1/b", cachedRollup())
	c.Put("uc-2", "uc-2/a", cachedRollup())

	c.Invalidate("uc-1")

	if _, ok := c.Get("uc-1/a"); ok {
		t.Error("uc-1/a survived invalidation")
	}
	if _, ok := c.Get("uc-1/b"); ok {
		t.Error("uc-1/b survived invalidation")
	}
	if _, ok := c.Get("uc-2/a"); !ok {
		t.Error("uc-2 entry dropped by uc-1 invalidation")
	}
}

func TestCacheKey_ChangesWithStructure(t *testing.T) {
	uc := rollupUseCase()
	h1, err := BuildHierarchy("s", threeLevel())
	if err != nil {
		t.Fatal(err)
	}

	grown := append(threeLevel(), hNode("L4", "R", 1, true))
	h2, err := BuildHierarchy("s", grown)
	if err != nil {
		t.Fatal(err)
	}

	if CacheKey(uc, h1) == CacheKey(uc, h2) {
		t.Error("structural change did not change the cache key")
	}
}
