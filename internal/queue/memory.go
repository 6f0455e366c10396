package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend keeps waiting jobs in a readyAt heap and eligible jobs in a
// (priority, seq) heap. Jobs do not survive a restart.
type MemoryBackend struct {
	mu      sync.Mutex
	seq     int64
	delayed delayedHeap
	ready   readyHeap
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Push(_ context.Context, job Job, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	job.Seq = b.seq

	if job.ReadyAt.After(now) {
		heap.Push(&b.delayed, job)
		return nil
	}
	heap.Push(&b.ready, job)
	return nil
}

func (b *MemoryBackend) Pop(_ context.Context, now time.Time) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.delayed.Len() > 0 && !b.delayed[0].ReadyAt.After(now) {
		heap.Push(&b.ready, heap.Pop(&b.delayed))
	}

	if b.ready.Len() == 0 {
		return nil, nil
	}
	job := heap.Pop(&b.ready).(Job)
	return &job, nil
}

func (b *MemoryBackend) Len(context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(b.delayed.Len() + b.ready.Len()), nil
}

func (b *MemoryBackend) Close() error { return nil }

type readyHeap []Job

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(Job)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type delayedHeap []Job

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].ReadyAt.Equal(h[j].ReadyAt) {
		return h[i].ReadyAt.Before(h[j].ReadyAt)
	}
	return h[i].Seq < h[j].Seq
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)   { *h = append(*h, x.(Job)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
