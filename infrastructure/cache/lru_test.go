package cache

import (
	"fmt"
	"testing"
)

func TestNewLRUValidation(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{name: "capacity 1", size: 1, wantErr: false},
		{name: "capacity 100", size: 100, wantErr: false},
		{name: "capacity 0", size: 0, wantErr: true},
		{name: "negative capacity", size: -5, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewLRU(tt.size)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewLRU(%d) error = %v, wantErr %v", tt.size, err, tt.wantErr)
			}
			if !tt.wantErr && c == nil {
				t.Error("NewLRU() returned nil without error")
			}
		})
	}
}

func TestLRUCapacityOne(t *testing.T) {
	c, err := NewLRU(1)
	if err != nil {
		t.Fatalf("NewLRU(1) error = %v", err)
	}

	c.Set("a", 1)
	c.Set("b", 2)

	if _, ok := c.Get("a"); ok {
		t.Error("Get(a) should miss after eviction")
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Errorf("Get(b) = %v, %v, want 2, true", v, ok)
	}
	if c.Size() != 1 {
		t.Errorf("Size() = %d, want 1", c.Size())
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewLRU(3)
	if err != nil {
		t.Fatalf("NewLRU(3) error = %v", err)
	}

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Touch a so b becomes the eviction candidate.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("Get(a) should hit")
	}

	c.Set("d", 4)

	if c.Has("b") {
		t.Error("b should have been evicted")
	}
	for _, key := range []string{"a", "c", "d"} {
		if !c.Has(key) {
			t.Errorf("Has(%s) = false, want true", key)
		}
	}
}

func TestLRUSetRefreshesRecency(t *testing.T) {
	c, _ := NewLRU(2)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10) // refresh a; b is now oldest
	c.Set("c", 3)

	if c.Has("b") {
		t.Error("b should have been evicted")
	}
	if v, ok := c.Get("a"); !ok || v != 10 {
		t.Errorf("Get(a) = %v, %v, want 10, true", v, ok)
	}
}

func TestLRUSizeNeverExceedsMax(t *testing.T) {
	c, _ := NewLRU(8)

	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("key-%d", i), i)
		if c.Size() > c.MaxSize() {
			t.Fatalf("Size() = %d exceeds max %d after %d sets", c.Size(), c.MaxSize(), i+1)
		}
	}
	if c.Size() != 8 {
		t.Errorf("Size() = %d, want 8", c.Size())
	}
}

func TestLRUDelete(t *testing.T) {
	c, _ := NewLRU(4)
	c.Set("a", 1)

	if !c.Delete("a") {
		t.Error("Delete(a) = false, want true")
	}
	if c.Delete("a") {
		t.Error("Delete(a) twice = true, want false")
	}
	if c.Size() != 0 {
		t.Errorf("Size() = %d, want 0", c.Size())
	}
}

func TestLRUClear(t *testing.T) {
	c, _ := NewLRU(4)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Clear()

	if c.Size() != 0 {
		t.Errorf("Size() after Clear = %d, want 0", c.Size())
	}
	if c.Has("a") || c.Has("b") {
		t.Error("entries should be gone after Clear")
	}

	// Cache remains usable.
	c.Set("c", 3)
	if v, ok := c.Get("c"); !ok || v != 3 {
		t.Errorf("Get(c) after Clear = %v, %v, want 3, true", v, ok)
	}
}
