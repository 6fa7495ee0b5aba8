// Package util
//
// This file provides a keyed min-heap used to schedule deadlines.
//
// MapHeap combines a binary heap ordered by priority with a map from key to
// heap slot, so the earliest deadline is found in O(1), and a key can be
// rescheduled or dropped in O(log n) without scanning the heap.
//
// The heap is not thread-safe, callers synchronize externally.
//
// Example usage:
//
//	h := NewMapHeap[string]()
//	h.AddItem("session-1", 120)
//	h.AddItem("session-2", 80)
//	for {
//		it, ok := h.Peek()
//		if !ok || it.Priority > now {
//			break
//		}
//		h.RemoveByKey(it.Key)
//	}
package util

import (
	"container/heap"
	"fmt"
)

// Item is an element of a MapHeap.
type Item[K comparable] struct {
	Key      K
	Priority uint64
	index    int // slot in the heap, maintained by container/heap
}

func (i *Item[K]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d}", i.Key, i.Priority)
}

// MapHeap is a min-heap of items with unique keys.
type MapHeap[K comparable] struct {
	items    []*Item[K]
	itemsMap map[K]*Item[K]
}

// NewMapHeap creates an empty heap.
func NewMapHeap[K comparable]() *MapHeap[K] {
	return &MapHeap[K]{
		items:    make([]*Item[K], 0),
		itemsMap: make(map[K]*Item[K]),
	}
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

func (h *MapHeap[K]) Len() int { return len(h.items) }

func (h *MapHeap[K]) Less(i, j int) bool {
	return h.items[i].Priority < h.items[j].Priority
}

func (h *MapHeap[K]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *MapHeap[K]) Push(x interface{}) {
	it := x.(*Item[K])
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.itemsMap[it.Key] = it
}

func (h *MapHeap[K]) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, it.Key)
	return it
}

// --------------------------------------------------------------------------
// Keyed access
// --------------------------------------------------------------------------

// AddItem schedules key with the given priority, replacing an earlier priority.
func (h *MapHeap[K]) AddItem(key K, priority uint64) {
	if it, exists := h.itemsMap[key]; exists {
		it.Priority = priority
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &Item[K]{Key: key, Priority: priority})
}

// RemoveByKey removes key and returns its priority.
func (h *MapHeap[K]) RemoveByKey(key K) (uint64, bool) {
	it, exists := h.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(h, it.index)
	return it.Priority, true
}

// Peek returns the item with the lowest priority.
func (h *MapHeap[K]) Peek() (*Item[K], bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return h.items[0], true
}

// Contains reports whether key is scheduled.
func (h *MapHeap[K]) Contains(key K) bool {
	_, exists := h.itemsMap[key]
	return exists
}

// GetByKey returns the item of key without removing it.
func (h *MapHeap[K]) GetByKey(key K) (*Item[K], bool) {
	it, exists := h.itemsMap[key]
	return it, exists
}
