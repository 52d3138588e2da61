// Package timer holds pending instance resumptions ordered by resume time.
package timer

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Entry is one armed timer.
type Entry struct {
	InstanceID string
	At         time.Time
}

// Timer is a min-ordered set of (resume-at, instance id) pairs with at most
// one entry per instance.
type Timer interface {
	// Arm sets the instance's timer to at, replacing any outstanding one.
	Arm(ctx context.Context, instanceID string, at time.Time) error
	// Cancel removes the instance's timer. Cancelling nothing is not an error.
	Cancel(ctx context.Context, instanceID string) error
	// PopDue removes and returns up to limit entries due at or before now,
	// earliest first. limit <= 0 means no limit.
	PopDue(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	// Pending returns the armed time of the instance's timer.
	Pending(ctx context.Context, instanceID string) (time.Time, bool, error)
	Len(ctx context.Context) (int, error)
}

// Heap is an in-process Timer backed by a binary heap with an index for
// O(log n) cancellation. It is safe for concurrent use.
type Heap struct {
	mu    sync.Mutex
	items entryHeap
	index map[string]*item
}

var _ Timer = (*Heap)(nil)

// NewHeap creates an empty Heap.
func NewHeap() *Heap {
	return &Heap{index: make(map[string]*item)}
}

func (h *Heap) Arm(_ context.Context, instanceID string, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if it, ok := h.index[instanceID]; ok {
		it.at = at
		heap.Fix(&h.items, it.pos)
		return nil
	}
	it := &item{id: instanceID, at: at}
	heap.Push(&h.items, it)
	h.index[instanceID] = it
	return nil
}

func (h *Heap) Cancel(_ context.Context, instanceID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	it, ok := h.index[instanceID]
	if !ok {
		return nil
	}
	heap.Remove(&h.items, it.pos)
	delete(h.index, instanceID)
	return nil
}

func (h *Heap) PopDue(_ context.Context, now time.Time, limit int) ([]Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Entry
	for len(h.items) > 0 && !h.items[0].at.After(now) {
		if limit > 0 && len(out) >= limit {
			break
		}
		it := heap.Pop(&h.items).(*item)
		delete(h.index, it.id)
		out = append(out, Entry{InstanceID: it.id, At: it.at})
	}
	return out, nil
}

func (h *Heap) Pending(_ context.Context, instanceID string) (time.Time, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	it, ok := h.index[instanceID]
	if !ok {
		return time.Time{}, false, nil
	}
	return it.at, true, nil
}

func (h *Heap) Len(context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items), nil
}

type item struct {
	id  string
	at  time.Time
	pos int
}

type entryHeap []*item

func (e entryHeap) Len() int { return len(e) }

func (e entryHeap) Less(i, j int) bool {
	if e[i].at.Equal(e[j].at) {
		return e[i].id < e[j].id
	}
	return e[i].at.Before(e[j].at)
}

func (e entryHeap) Swap(i, j int) {
	e[i], e[j] = e[j], e[i]
	e[i].pos = i
	e[j].pos = j
}

func (e *entryHeap) Push(x any) {
	it := x.(*item)
	it.pos = len(*e)
	*e = append(*e, it)
}

func (e *entryHeap) Pop() any {
	old := *e
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*e = old[:n-1]
	return it
}
