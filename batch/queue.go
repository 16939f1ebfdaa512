package batch

import (
	"container/heap"

	"github.com/c360/statesync/operation"
)

// PriorityQueue orders operations by descending priority with FIFO order
// among equals, so same-priority operations execute in arrival order. It is
// not safe for concurrent use; the Manager serializes access.
type PriorityQueue struct {
	items pqHeap
	byOp  map[*operation.Operation]*pqItem
	seq   uint64
}

type pqItem struct {
	op    *operation.Operation
	seq   uint64
	index int
}

type pqHeap []*pqItem

func (h pqHeap) Len() int { return len(h) }

func (h pqHeap) Less(i, j int) bool {
	if h[i].op.Priority != h[j].op.Priority {
		return h[i].op.Priority > h[j].op.Priority
	}
	return h[i].seq < h[j].seq // FIFO tie-break
}

func (h pqHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pqHeap) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *pqHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{
		byOp: make(map[*operation.Operation]*pqItem),
	}
}

// Push adds an operation.
func (q *PriorityQueue) Push(op *operation.Operation) {
	item := &pqItem{op: op, seq: q.seq}
	q.seq++
	q.byOp[op] = item
	heap.Push(&q.items, item)
}

// Pop removes and returns the highest-priority operation.
func (q *PriorityQueue) Pop() (*operation.Operation, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.items).(*pqItem)
	delete(q.byOp, item.op)
	return item.op, true
}

// Peek returns the highest-priority operation without removing it.
func (q *PriorityQueue) Peek() (*operation.Operation, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0].op, true
}

// Drain removes and returns up to max operations in priority order. max <= 0
// drains everything.
func (q *PriorityQueue) Drain(max int) []*operation.Operation {
	if max <= 0 || max > len(q.items) {
		max = len(q.items)
	}
	ops := make([]*operation.Operation, 0, max)
	for i := 0; i < max; i++ {
		op, ok := q.Pop()
		if !ok {
			break
		}
		ops = append(ops, op)
	}
	return ops
}

// Reprioritize re-sifts an operation whose priority changed in place (a
// merge can only raise it).
func (q *PriorityQueue) Reprioritize(op *operation.Operation) {
	if item, ok := q.byOp[op]; ok {
		heap.Fix(&q.items, item.index)
	}
}

// Remove deletes an operation from the queue.
func (q *PriorityQueue) Remove(op *operation.Operation) bool {
	item, ok := q.byOp[op]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.index)
	delete(q.byOp, op)
	return true
}

// Len returns the number of queued operations.
func (q *PriorityQueue) Len() int {
	return len(q.items)
}

// Clear empties the queue.
func (q *PriorityQueue) Clear() {
	q.items = nil
	q.byOp = make(map[*operation.Operation]*pqItem)
}
