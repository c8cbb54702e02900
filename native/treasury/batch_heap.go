package treasury

import "container/heap"

// batchRef orders reserve batches by maturity timestamp so mature-only
// liquidation consumes the oldest batch first without scanning the full
// history on every call.
type batchRef struct {
	id        uint64
	maturesAt int64
}

type batchHeap []batchRef

func (h batchHeap) Len() int { return len(h) }

func (h batchHeap) Less(i, j int) bool {
	if h[i].maturesAt == h[j].maturesAt {
		return h[i].id < h[j].id
	}
	return h[i].maturesAt < h[j].maturesAt
}

func (h batchHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *batchHeap) Push(x any) { *h = append(*h, x.(batchRef)) }

func (h *batchHeap) Pop() any {
	old := *h
	n := len(old)
	ref := old[n-1]
	*h = old[:n-1]
	return ref
}

func (h *batchHeap) push(ref batchRef) { heap.Push(h, ref) }

func (h *batchHeap) peek() (batchRef, bool) {
	if h.Len() == 0 {
		return batchRef{}, false
	}
	return (*h)[0], true
}

func (h *batchHeap) pop() (batchRef, bool) {
	if h.Len() == 0 {
		return batchRef{}, false
	}
	return heap.Pop(h).(batchRef), true
}

func (h *batchHeap) init() { heap.Init(h) }
