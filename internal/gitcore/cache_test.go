package gitcore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rybkr/gitsend/internal/giterr"
)

func cacheTestID(i int) Hash {
	return hashObject(BlobObject, []byte(fmt.Sprintf("cache %d", i)))
}

func TestCacheHoldsAtMostCapacity(t *testing.T) {
	const capacity = 8
	c := newObjectCache[int]("test", capacity, 0)

	for i := 0; i < 3*capacity; i++ {
		if err := c.add(cacheTestID(i), i, 1); err != nil {
			t.Fatalf("add: %v", err)
		}
		want := i + 1
		if want > capacity {
			want = capacity
		}
		if c.len() != want {
			t.Fatalf("after %d adds: len = %d, want %d", i+1, c.len(), want)
		}
	}
}

func TestCacheAddExisting(t *testing.T) {
	c := newObjectCache[int]("test", 4, 0)
	id := cacheTestID(0)
	if err := c.add(id, 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := c.add(id, 2, 1); !errors.Is(err, giterr.ErrObjExists) {
		t.Errorf("got %v, want ErrObjExists", err)
	}
	// The original value stays.
	if v, ok := c.get(id); !ok || v != 1 {
		t.Errorf("get = (%d, %v), want (1, true)", v, ok)
	}
}

func TestCacheAddTooLarge(t *testing.T) {
	c := newObjectCache[[]byte]("test", 4, 10)
	err := c.add(cacheTestID(0), make([]byte, 11), 11)
	if !errors.Is(err, giterr.ErrObjTooLarge) {
		t.Errorf("got %v, want ErrObjTooLarge", err)
	}
	if c.len() != 0 {
		t.Errorf("oversized entry was inserted")
	}
}

func TestCacheGetPromotes(t *testing.T) {
	c := newObjectCache[int]("test", 2, 0)
	a, b, d := cacheTestID(1), cacheTestID(2), cacheTestID(3)
	c.add(a, 1, 1)
	c.add(b, 2, 1)

	// Touch a so that b becomes the eviction victim.
	if _, ok := c.get(a); !ok {
		t.Fatal("expected hit on a")
	}
	c.add(d, 3, 1)

	if _, ok := c.get(a); !ok {
		t.Error("a was evicted despite promotion")
	}
	if _, ok := c.get(b); ok {
		t.Error("b survived eviction")
	}
}

func TestCacheGetMiss(t *testing.T) {
	c := newObjectCache[int]("test", 2, 0)
	if _, ok := c.get(cacheTestID(9)); ok {
		t.Error("hit on empty cache")
	}
}
