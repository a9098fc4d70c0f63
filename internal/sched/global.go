package sched

import (
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
)

// globalState is the system-wide accounting shared by every processor.
type globalState struct {
	mu           sync.Mutex
	activeGroups *doublylinkedlist.List // GroupID, groups with at least one active task
	ncpus        int
	master       int // processor running the accounting timer, -1 when none
	masterTicker Timer
	weight       int64 // sum of weight x active tasks over active groups
	credit       int64 // credit pool handed out per accounting period
	balance      int64 // signed sum of task credits after the last settle

	sortEpoch atomic.Uint32 // bumped after every settle pass

	// Copy-on-write snapshots; readers never lock, writers CAS a fresh mask in.
	online atomic.Pointer[CPUMask]
	idlers atomic.Pointer[CPUMask]
}

func (g *globalState) init() {
	g.activeGroups = doublylinkedlist.New()
	g.master = -1
	online, idlers := NewCPUMask(), NewCPUMask()
	g.online.Store(&online)
	g.idlers.Store(&idlers)
}

// setMaskBit sets or clears cpu in the mask behind ptr. It reports whether it changed.
func setMaskBit(ptr *atomic.Pointer[CPUMask], cpu int, on bool) bool {
	for {
		old := ptr.Load()
		if old.Has(cpu) == on {
			return false
		}
		next := old.Clone()
		if on {
			next.Set(cpu)
		} else {
			next.Clear(cpu)
		}
		if ptr.CompareAndSwap(old, &next) {
			return true
		}
	}
}

func (g *globalState) activeGroupIDs() []GroupID {
	out := make([]GroupID, 0, g.activeGroups.Size())
	it := g.activeGroups.Iterator()
	for it.Next() {
		out = append(out, it.Value().(GroupID))
	}
	return out
}

func (g *globalState) removeActiveGroup(id GroupID) bool {
	i := g.activeGroups.IndexOf(id)
	if i < 0 {
		return false
	}
	g.activeGroups.Remove(i)
	return true
}

// Processor is one unit of scheduling concurrency.
type Processor struct {
	ID int

	mu       sync.Mutex
	runq     *RunQueue
	curr     *Task
	idle     *Task
	ticker   Timer
	tickOff  bool // suspended by SuspendTick
	tick     uint64
	sortLast uint32

	current    atomic.Pointer[Task] // mirror of curr for lock-free readers
	idleBias   atomic.Int32
	lastTickle atomic.Int32
}

func newProcessor(cpu int, idle *Task, ord Ordering, ncpus int, epoch uint32) *Processor {
	p := &Processor{ID: cpu, runq: newRunQueue(cpu, ord), curr: idle, idle: idle, sortLast: epoch}
	idle.running = true
	p.current.Store(idle)
	p.idleBias.Store(int32(ncpus - 1))
	p.lastTickle.Store(int32(cpu))
	return p
}

func (s *Scheduler) proc(cpu int) *Processor {
	if cpu < 0 || cpu >= len(s.procs) {
		return nil
	}
	return s.procs[cpu].Load()
}

// lockTaskProcessor locks the processor owning t, retrying if t moves meanwhile.
// It returns nil when t points at a processor that is offline.
func (s *Scheduler) lockTaskProcessor(t *Task) *Processor {
	for {
		cpu := t.Processor()
		p := s.proc(cpu)
		if p == nil {
			return nil
		}
		p.mu.Lock()
		if t.Processor() == cpu && s.proc(cpu) == p {
			return p
		}
		p.mu.Unlock()
	}
}
