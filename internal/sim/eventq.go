package sim

import (
	"sync"
	"time"

	rbt "github.com/emirpasic/gods/trees/redblacktree"
)

// nodeKey orders events by due time, then by arrival so ties stay deterministic.
type nodeKey struct {
	at  time.Duration
	seq uint64
}

// compareKeys is the custom comparator for the red-black tree.
func compareKeys(a, b interface{}) int {
	ka := a.(nodeKey)
	kb := b.(nodeKey)
	switch {
	case ka.at < kb.at:
		return -1
	case ka.at > kb.at:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// event is one pending action of the machine.
type event struct {
	key     nodeKey
	cpu     int
	fn      func()
	stopped bool
}

// eventQueue is a time-ordered queue safe for concurrent use.
type eventQueue struct {
	mu   sync.Mutex
	tree *rbt.Tree
	seq  uint64
}

func newEventQueue() *eventQueue {
	return &eventQueue{tree: rbt.NewWith(compareKeys)}
}

// push schedules fn at time at and returns the event for cancellation.
func (q *eventQueue) push(at time.Duration, cpu int, fn func()) *event {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	ev := &event{key: nodeKey{at: at, seq: q.seq}, cpu: cpu, fn: fn}
	q.tree.Put(ev.key, ev)
	return ev
}

// cancel drops ev if it is still queued.
func (q *eventQueue) cancel(ev *event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ev.stopped {
		return false
	}
	ev.stopped = true
	if _, found := q.tree.Get(ev.key); !found {
		return false
	}
	q.tree.Remove(ev.key)
	return true
}

// popUntil removes and returns the earliest event due at or before limit.
func (q *eventQueue) popUntil(limit time.Duration) (*event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	node := q.tree.Left()
	if node == nil {
		return nil, false
	}
	key := node.Key.(nodeKey)
	if key.at > limit {
		return nil, false
	}
	q.tree.Remove(key)
	ev := node.Value.(*event)
	ev.stopped = true
	return ev, true
}

// next returns the due time of the earliest event.
func (q *eventQueue) next() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	node := q.tree.Left()
	if node == nil {
		return 0, false
	}
	return node.Key.(nodeKey).at, true
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Size()
}
