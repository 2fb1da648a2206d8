// Package queue is an in-process ready queue: a min-heap of pending jobs keyed by the
// time they become due.
package queue

import (
	"container/heap"
	"sync"
	"time"
)

type Item struct {
	ID         string
	CampaignID int64
	Position   int
	StepIndex  int
	At         time.Time
}

func (a Item) before(b Item) bool {
	if !a.At.Equal(b.At) {
		return a.At.Before(b.At)
	}
	if a.CampaignID != b.CampaignID {
		return a.CampaignID < b.CampaignID
	}
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	if a.StepIndex != b.StepIndex {
		return a.StepIndex < b.StepIndex
	}
	return a.ID < b.ID
}

type entry struct {
	item  Item
	index int
}

type items []*entry

func (h items) Len() int           { return len(h) }
func (h items) Less(i, j int) bool { return h[i].item.before(h[j].item) }
func (h items) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *items) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *items) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	e.index = -1
	return e
}

// ReadyQueue is safe for concurrent use. Each ID is held at most once.
type ReadyQueue struct {
	mu   sync.Mutex
	heap items
	byID map[string]*entry
	wake chan struct{}
}

func New() *ReadyQueue {
	return &ReadyQueue{
		byID: make(map[string]*entry),
		wake: make(chan struct{}, 1),
	}
}

// Push adds it, or moves an already queued item with the same ID to it.At.
func (q *ReadyQueue) Push(it Item) {
	q.mu.Lock()
	if e, ok := q.byID[it.ID]; ok {
		e.item = it
		heap.Fix(&q.heap, e.index)
	} else {
		e := &entry{item: it}
		heap.Push(&q.heap, e)
		q.byID[it.ID] = e
	}
	q.mu.Unlock()
	q.notify()
}

// PopDue removes and returns, in order, every item due at or before now.
func (q *ReadyQueue) PopDue(now time.Time, limit int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Item
	for q.heap.Len() > 0 && !q.heap[0].item.At.After(now) {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := heap.Pop(&q.heap).(*entry)
		delete(q.byID, e.item.ID)
		out = append(out, e.item)
	}
	return out
}

// Next returns the due time of the head item.
func (q *ReadyQueue) Next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return time.Time{}, false
	}
	return q.heap[0].item.At, true
}

// RemoveCampaign drops every queued item of a campaign.
func (q *ReadyQueue) RemoveCampaign(campaignID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, e := range q.byID {
		if e.item.CampaignID != campaignID {
			continue
		}
		heap.Remove(&q.heap, e.index)
		delete(q.byID, id)
		n++
	}
	return n
}

func (q *ReadyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Wake is signalled after every Push; a dispatcher waiting on a timer re-arms it.
func (q *ReadyQueue) Wake() <-chan struct{} { return q.wake }

func (q *ReadyQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
