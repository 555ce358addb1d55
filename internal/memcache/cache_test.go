package memcache

import (
	"fmt"
	"sync"
	"testing"
)

func TestPutGet(t *testing.T) {
	c := New()

	if _, ok := c.Get("m1"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Put("m1", "likes hiking")
	got, ok := c.Get("m1")
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if got != "likes hiking" {
		t.Errorf("Get = %q, want %q", got, "likes hiking")
	}

	c.Put("m1", "likes climbing")
	got, _ = c.Get("m1")
	if got != "likes climbing" {
		t.Errorf("overwrite: Get = %q", got)
	}
}

func TestClearWipesEverything(t *testing.T) {
	c := New()
	c.PutAll(map[string]string{"a": "1", "b": "2", "c": "3"})
	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}

	c.Clear()

	if c.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", c.Len())
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, ok := c.Get(id); ok {
			t.Errorf("entry %q survived Clear", id)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("m%d", i%4)
			c.Put(id, "same")
			c.Get(id)
		}(i)
	}
	wg.Wait()

	if c.Len() != 4 {
		t.Errorf("Len = %d, want 4", c.Len())
	}
}

func TestDelete(t *testing.T) {
	c := New()
	c.Put("m1", "a")
	c.Put("m2", "b")

	c.Delete("m1")
	if _, ok := c.Get("m1"); ok {
		t.Error("m1 should be gone")
	}
	if _, ok := c.Get("m2"); !ok {
		t.Error("m2 should remain")
	}
}
