package orchestrator

import (
	"container/heap"
	"time"

	"github.com/specwright/specwright/internal/model"
)

// specQueue is a priority queue of pending specs: higher priority first,
// earlier enqueue time breaking ties. Mutated only under the orchestrator's
// mutex.
type specQueue struct {
	items []*queueItem
	// bySpec dedupes: one queue entry per spec.
	bySpec map[string]*queueItem
}

type queueItem struct {
	specID     string
	projectID  string
	priority   int
	enqueuedAt time.Time
	index      int
}

func newSpecQueue() *specQueue {
	q := &specQueue{bySpec: make(map[string]*queueItem)}
	heap.Init(q)
	return q
}

// push adds or reprioritises a spec.
func (q *specQueue) push(it *model.QueueItem) {
	if existing, ok := q.bySpec[it.SpecID]; ok {
		existing.priority = it.Priority
		heap.Fix(q, existing.index)
		return
	}
	item := &queueItem{
		specID:     it.SpecID,
		projectID:  it.ProjectID,
		priority:   it.Priority,
		enqueuedAt: it.EnqueuedAt,
	}
	q.bySpec[it.SpecID] = item
	heap.Push(q, item)
}

// pop removes and returns the head, or nil when empty.
func (q *specQueue) pop() *queueItem {
	if q.Len() == 0 {
		return nil
	}
	item := heap.Pop(q).(*queueItem)
	delete(q.bySpec, item.specID)
	return item
}

// remove drops a spec from the queue if present.
func (q *specQueue) remove(specID string) bool {
	item, ok := q.bySpec[specID]
	if !ok {
		return false
	}
	heap.Remove(q, item.index)
	delete(q.bySpec, specID)
	return true
}

// heap.Interface

func (q *specQueue) Len() int { return len(q.items) }

func (q *specQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.enqueuedAt.Before(b.enqueuedAt)
}

func (q *specQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *specQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *specQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}
