package sched

import (
	"time"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// Ordering decides where a task enters a run queue and which queued task runs next.
// Exactly one ordering is active per scheduler.
type Ordering interface {
	Name() string
	// Outranks reports whether a, once runnable, should preempt a running b.
	Outranks(a, b *Task) bool

	position(q *RunQueue, t *Task) int
	resort(q *RunQueue)
	pick(s *Scheduler, q *RunQueue, prev *Task, now time.Duration) *Task
}

// NewOrdering returns the ordering registered under name.
func NewOrdering(name string) (Ordering, bool) {
	switch name {
	case OrderingUtility:
		return utilityOrdering{}, true
	case OrderingPriority:
		return priorityOrdering{}, true
	default:
		return nil, false
	}
}

// RunQueue holds the runnable tasks local to one processor.
// Every method requires the owning processor's lock.
type RunQueue struct {
	cpu  int
	list *doublylinkedlist.List // *Task
	ord  Ordering
}

func newRunQueue(cpu int, ord Ordering) *RunQueue {
	return &RunQueue{cpu: cpu, list: doublylinkedlist.New(), ord: ord}
}

// Insert enqueues t at the position chosen by the ordering.
func (q *RunQueue) Insert(t *Task) {
	switch {
	case t.onRunq:
		bug("runq %d insert: %v already enqueued", q.cpu, t.ID)
	case t.Processor() != q.cpu:
		bug("runq %d insert: %v belongs to processor %d", q.cpu, t.ID, t.Processor())
	case t.idle:
		bug("runq %d insert: idle task %v", q.cpu, t.ID)
	case !t.Runnable():
		bug("runq %d insert: %v is not runnable", q.cpu, t.ID)
	}
	q.list.Insert(q.ord.position(q, t), t)
	t.onRunq = true
}

// Remove dequeues t.
func (q *RunQueue) Remove(t *Task) {
	if !t.onRunq {
		bug("runq %d remove: %v not enqueued", q.cpu, t.ID)
	}
	i := q.list.IndexOf(t)
	if i < 0 {
		bug("runq %d remove: %v enqueued elsewhere", q.cpu, t.ID)
	}
	q.list.Remove(i)
	t.onRunq = false
}

// Contains reports whether t is in this queue.
func (q *RunQueue) Contains(t *Task) bool { return q.list.Contains(t) }

// Len is the number of queued tasks.
func (q *RunQueue) Len() int { return q.list.Size() }

// Peek returns the head of the queue, or nil.
func (q *RunQueue) Peek() *Task {
	v, ok := q.list.Get(0)
	if !ok {
		return nil
	}
	return v.(*Task)
}

// Tasks returns the queue contents in order.
func (q *RunQueue) Tasks() []*Task {
	out := make([]*Task, 0, q.list.Size())
	it := q.Iterator()
	for it.Next() {
		out = append(out, it.Task())
	}
	return out
}

// Iterator walks the queue front to back. Begin restarts it.
func (q *RunQueue) Iterator() *RunQueueIterator {
	return &RunQueueIterator{it: q.list.Iterator()}
}

// RunQueueIterator is a restartable cursor over a RunQueue.
type RunQueueIterator struct {
	it doublylinkedlist.Iterator
}

// Next advances the cursor and reports whether a task is available.
func (i *RunQueueIterator) Next() bool { return i.it.Next() }

// Task is the task under the cursor.
func (i *RunQueueIterator) Task() *Task { return i.it.Value().(*Task) }

// Begin rewinds the cursor before the first task.
func (i *RunQueueIterator) Begin() { i.it.Begin() }

// priorityOrdering keeps tasks grouped by credit tier.
type priorityOrdering struct{}

func (priorityOrdering) Name() string { return OrderingPriority }

func (priorityOrdering) Outranks(a, b *Task) bool { return a.Priority() > b.Priority() }

// position puts t behind every task of its tier. A yielding task goes one slot further,
// behind the first task of a lower tier, when there is one.
func (priorityOrdering) position(q *RunQueue, t *Task) int {
	pri := t.Priority()
	idx := q.list.Size()
	it := q.list.Iterator()
	for it.Next() {
		if pri > it.Value().(*Task).Priority() {
			idx = it.Index()
			break
		}
	}
	if t.hasFlag(FlagYield) && idx < q.list.Size() {
		idx++
	}
	return idx
}

// resort moves every under or boost task ahead of the over tasks, keeping relative order.
func (priorityOrdering) resort(q *RunQueue) {
	if q.list.Size() < 2 {
		return
	}
	var under, over []any
	it := q.list.Iterator()
	for it.Next() {
		t := it.Value().(*Task)
		if t.Priority() >= PriUnder {
			under = append(under, t)
		} else {
			over = append(over, t)
		}
	}
	q.list.Clear()
	q.list.Add(under...)
	q.list.Add(over...)
}

func (priorityOrdering) pick(_ *Scheduler, q *RunQueue, _ *Task, _ time.Duration) *Task {
	return q.Peek()
}

// utilityOrdering appends on insert and scans for the best utility on pick.
type utilityOrdering struct{}

func (utilityOrdering) Name() string { return OrderingUtility }

func (utilityOrdering) Outranks(a, b *Task) bool {
	if b.idle {
		return !a.idle
	}
	return a.Utility() > b.Utility()
}

func (utilityOrdering) position(q *RunQueue, _ *Task) int { return q.list.Size() }

func (utilityOrdering) resort(*RunQueue) {}

func (utilityOrdering) pick(s *Scheduler, q *RunQueue, prev *Task, now time.Duration) *Task {
	return s.updateAndPick(q, prev, now)
}
