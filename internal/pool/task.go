package pool

import (
	"container/heap"
	"time"

	"docpipe/internal/processor"
)

// Priority orders tasks in the shared queue; higher runs first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 10
	PriorityHigh   Priority = 20
)

// Task is one unit of work: a resolved processor plus its invocation context.
type Task struct {
	ID        string
	Processor string
	Proc      processor.Processor
	Context   *processor.Context
	Priority  Priority
	Deadline  time.Time

	result   chan Result
	enqueued time.Time
	seq      uint64
}

// Result is the typed completion record delivered for every submitted task.
// Err is set only for infrastructure failures; processing failures arrive as
// failed outcomes.
type Result struct {
	TaskID    string
	Processor string
	Outcome   processor.Outcome
	Err       error
	Duration  time.Duration
}

// taskQueue is a bounded max-heap on priority; FIFO within a priority level.
type taskQueue struct {
	items []*Task
	limit int
}

var _ heap.Interface = (*taskQueue)(nil)

func (q *taskQueue) Len() int { return len(q.items) }

func (q *taskQueue) Less(i, j int) bool {
	if q.items[i].Priority != q.items[j].Priority {
		return q.items[i].Priority > q.items[j].Priority
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *taskQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *taskQueue) Push(x any) { q.items = append(q.items, x.(*Task)) }

func (q *taskQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

func (q *taskQueue) full() bool { return q.limit > 0 && len(q.items) >= q.limit }

// peek returns the highest-priority task without removing it.
func (q *taskQueue) peek() *Task {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}
