// Package queue provides the priority queue of jobs awaiting admission.
// It is not threadsafe; it must only be accessed from the manager loop.
package queue

import (
	"container/heap"

	"github.com/ansys/simsched/internal/scheduler/domain"
)

// JobQueue orders jobs by descending priority; ties are broken by submission
// order, giving strict FIFO within a priority band.
type JobQueue struct {
	items jobHeap
	byID  map[string]*item
}

type item struct {
	job   *domain.Job
	index int
}

func New() *JobQueue {
	return &JobQueue{byID: map[string]*item{}}
}

func (q *JobQueue) Len() int {
	return len(q.items)
}

// Push inserts a job. Pushing a job id that is already queued is a no-op.
func (q *JobQueue) Push(job *domain.Job) {
	if _, ok := q.byID[job.ID()]; ok {
		return
	}
	it := &item{job: job}
	q.byID[job.ID()] = it
	heap.Push(&q.items, it)
}

// Peek returns the job that would be popped next, or nil if the queue is empty.
func (q *JobQueue) Peek() *domain.Job {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].job
}

// Pop removes and returns the highest-priority job, or nil if empty.
func (q *JobQueue) Pop() *domain.Job {
	if len(q.items) == 0 {
		return nil
	}
	it := heap.Pop(&q.items).(*item)
	delete(q.byID, it.job.ID())
	return it.job
}

// Remove deletes the job with the given id, returning true if it was queued.
func (q *JobQueue) Remove(jobID string) bool {
	it, ok := q.byID[jobID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, jobID)
	return true
}

// Contains reports whether the job with the given id is queued.
func (q *JobQueue) Contains(jobID string) bool {
	_, ok := q.byID[jobID]
	return ok
}

// Fix re-establishes heap order for the given job after its priority changed.
func (q *JobQueue) Fix(jobID string) {
	if it, ok := q.byID[jobID]; ok {
		heap.Fix(&q.items, it.index)
	}
}

type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority() != h[j].job.Priority() {
		return h[i].job.Priority() > h[j].job.Priority()
	}
	return h[i].job.Timestamp() < h[j].job.Timestamp()
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
