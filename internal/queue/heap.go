package queue

import (
	"container/heap"

	"github.com/kestrel-dl/kestrel/internal/model"
)

// entry is one heap slot. Ordering is effective-priority descending, then
// created-at ascending (FIFO among equal priority), matching the ordering
// rule the scheduler enforces at selection time.
type entry struct {
	task  *model.Task
	index int
}

type priorityHeap []*entry

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	a, b := h[i].task, h[j].task
	if a.EffectivePriority != b.EffectivePriority {
		return a.EffectivePriority > b.EffectivePriority
	}
	return a.CreatedAtWall.Before(b.CreatedAtWall)
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

var _ heap.Interface = (*priorityHeap)(nil)
