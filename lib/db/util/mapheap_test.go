package util

import (
	"container/heap"
	"fmt"
	"testing"
)

func TestMapHeapOrder(t *testing.T) {
	tests := []struct {
		name  string
		add   map[string]uint64
		want  []string
		empty bool
	}{
		{name: "empty", empty: true},
		{name: "single", add: map[string]uint64{"a": 7}, want: []string{"a"}},
		{
			name: "unordered",
			add:  map[string]uint64{"e": 50, "c": 30, "a": 10, "d": 40, "b": 20},
			want: []string{"a", "b", "c", "d", "e"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewMapHeap[string]()
			for k, p := range tt.add {
				h.AddItem(k, p)
			}

			if _, ok := h.Peek(); ok == tt.empty {
				t.Fatalf("Peek() ok = %v, want %v", ok, !tt.empty)
			}

			for i, want := range tt.want {
				it := heap.Pop(h).(*Item[string])
				if it.Key != want {
					t.Errorf("pop %d: got %s, want %s", i, it.Key, want)
				}
				if h.Contains(it.Key) {
					t.Errorf("pop %d: %s still indexed after pop", i, it.Key)
				}
			}
			if h.Len() != 0 {
				t.Errorf("heap not empty after popping all items: %d left", h.Len())
			}
		})
	}
}

func TestMapHeapReschedule(t *testing.T) {
	h := NewMapHeap[string]()
	h.AddItem("a", 100)
	h.AddItem("b", 200)

	// moving a behind b
	h.AddItem("a", 300)
	if h.Len() != 2 {
		t.Fatalf("rescheduling must not duplicate keys, len = %d", h.Len())
	}
	if it, _ := h.Peek(); it.Key != "b" {
		t.Errorf("expected b first, got %s", it)
	}

	// and b to the front again
	h.AddItem("b", 50)
	if it, _ := h.Peek(); it.Key != "b" || it.Priority != 50 {
		t.Errorf("expected {b 50}, got %s", it)
	}

	if it, ok := h.GetByKey("a"); !ok || it.Priority != 300 {
		t.Errorf("GetByKey(a) = %v, %v", it, ok)
	}
}

func TestMapHeapRemoveByKey(t *testing.T) {
	h := NewMapHeap[string]()
	for i := 0; i < 100; i++ {
		h.AddItem(fmt.Sprintf("k%d", i), uint64(i))
	}

	// remove every odd key
	for i := 1; i < 100; i += 2 {
		p, ok := h.RemoveByKey(fmt.Sprintf("k%d", i))
		if !ok || p != uint64(i) {
			t.Fatalf("RemoveByKey(k%d) = %d, %v", i, p, ok)
		}
	}
	if _, ok := h.RemoveByKey("missing"); ok {
		t.Error("RemoveByKey of unknown key must report false")
	}

	for i := 0; i < 100; i += 2 {
		it := heap.Pop(h).(*Item[string])
		if it.Priority != uint64(i) {
			t.Fatalf("expected priority %d, got %s", i, it)
		}
	}
	if h.Len() != 0 {
		t.Errorf("expected empty heap, %d left", h.Len())
	}
}
