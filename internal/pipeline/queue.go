package pipeline

import "container/heap"

// jobQueue is a priority queue over pending jobs: highest priority first,
// ties broken by enqueue order (oldest first). Not safe for concurrent use;
// the pipeline serializes access under its own mutex.
type jobQueue struct {
	items []*Job
}

func newJobQueue() *jobQueue {
	q := &jobQueue{}
	heap.Init(q)
	return q
}

func (q *jobQueue) Len() int { return len(q.items) }

func (q *jobQueue) Less(i, j int) bool {
	if q.items[i].Priority != q.items[j].Priority {
		return q.items[i].Priority > q.items[j].Priority
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *jobQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *jobQueue) Push(x any) {
	q.items = append(q.items, x.(*Job))
}

func (q *jobQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

// push enqueues a job
func (q *jobQueue) push(j *Job) {
	heap.Push(q, j)
}

// pop dequeues the highest-priority, oldest job, or nil when empty
func (q *jobQueue) pop() *Job {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*Job)
}

// remove drops a specific job from the queue, returning true if found
func (q *jobQueue) remove(id string) bool {
	for i, item := range q.items {
		if item.ID == id {
			heap.Remove(q, i)
			return true
		}
	}
	return false
}
