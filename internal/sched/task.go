package sched

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// TaskID uniquely identifies a task in the scheduler.
type TaskID uint64

// NoTask is never handed out.
const NoTask TaskID = 0

func (id TaskID) String() string {
	return fmt.Sprintf("t%d.%d", uint32(id), uint32(uint64(id)>>32))
}

// Priority is the credit tier of a task. Larger runs first.
type Priority int32

const (
	PriBoost Priority = 0   // time-share waking up
	PriUnder Priority = -1  // time-share with credits
	PriOver  Priority = -2  // time-share without credits
	PriIdle  Priority = -64 // idle task
)

func (p Priority) String() string {
	switch p {
	case PriBoost:
		return "boost"
	case PriUnder:
		return "under"
	case PriOver:
		return "over"
	case PriIdle:
		return "idle"
	default:
		return fmt.Sprintf("pri(%d)", int32(p))
	}
}

// Task flags.
const (
	FlagParked    uint32 = 1 << iota // over capped credits, paused externally
	FlagYield                        // asked to give way on its next reinsertion
	FlagMigrating                    // tick found a better processor
)

// Task represents one schedulable task unit.
//
// Fields below the lock comments are guarded by the owning processor's lock; atomics are
// written under the lock named next to them and may be read anywhere.
type Task struct {
	ID    TaskID
	Group GroupID // NoGroup for idle tasks
	idle  bool

	affinity  atomic.Pointer[CPUMask]
	processor atomic.Int32
	runnable  atomic.Bool
	credit    atomic.Int64  // signed balance
	pri       atomic.Int32  // Priority; settle (global lock) and the owning processor
	flags     atomic.Uint32 // Flag*
	active    atomic.Bool   // on the group's active list; global lock

	// processor lock
	onRunq    bool
	running   bool
	startTime time.Duration // charge-from timestamp for burn
	schedTime time.Duration // last dispatch
	everRan   bool

	// utility model; written by the owning processor, atomics for lock-free dumps
	avgTime atomic.Int64  // us, moving average of recent run length
	delay   atomic.Int64  // us since last dispatch
	utility atomic.Uint64 // float64 bits

	stats TaskStats
}

// TaskStats are per-task counters shown in diagnostic dumps.
type TaskStats struct {
	CreditLast  atomic.Int64  // balance after the last settle
	CreditIncr  atomic.Int64  // credits granted by the last settle
	StateActive atomic.Uint32 // entries into the active list
	StateIdle   atomic.Uint32 // exits from the active list
	MigrateQ    atomic.Uint32 // moved while queued
	MigrateR    atomic.Uint32 // moved after running
	Scheduled   atomic.Uint64 // times dispatched
}

func newTask(id TaskID, group GroupID, affinity CPUMask, cpu int, idle bool) *Task {
	t := &Task{ID: id, Group: group, idle: idle}
	aff := affinity.Clone()
	t.affinity.Store(&aff)
	t.processor.Store(int32(cpu))
	if idle {
		t.pri.Store(int32(PriIdle))
		t.runnable.Store(true)
	} else {
		t.pri.Store(int32(PriUnder))
	}
	t.setUtility(0)
	return t
}

// IsIdle reports whether t is a processor's idle task.
func (t *Task) IsIdle() bool { return t.idle }

// Processor is the processor whose run queue owns t.
func (t *Task) Processor() int { return int(t.processor.Load()) }

// Affinity is the set of processors t may run on.
func (t *Task) Affinity() CPUMask { return *t.affinity.Load() }

// Credit is the current signed balance.
func (t *Task) Credit() int64 { return t.credit.Load() }

// Priority is the current credit tier.
func (t *Task) Priority() Priority { return Priority(t.pri.Load()) }

// Flags returns the Flag* bits.
func (t *Task) Flags() uint32 { return t.flags.Load() }

// Utility is the score computed on the last update pass.
func (t *Task) Utility() float64 { return math.Float64frombits(t.utility.Load()) }

// AvgTime is the moving-average run length in microseconds.
func (t *Task) AvgTime() int64 { return t.avgTime.Load() }

// Runnable reports whether t may be queued.
func (t *Task) Runnable() bool { return t.runnable.Load() }

func (t *Task) setPriority(p Priority) { t.pri.Store(int32(p)) }

func (t *Task) setUtility(u float64) { t.utility.Store(math.Float64bits(u)) }

func (t *Task) hasFlag(f uint32) bool { return t.flags.Load()&f != 0 }

func (t *Task) setFlag(f uint32) {
	for {
		old := t.flags.Load()
		if t.flags.CompareAndSwap(old, old|f) {
			return
		}
	}
}

func (t *Task) clearFlag(f uint32) {
	for {
		old := t.flags.Load()
		if t.flags.CompareAndSwap(old, old&^f) {
			return
		}
	}
}

// testAndClearFlag clears f and reports whether it was set.
func (t *Task) testAndClearFlag(f uint32) bool {
	for {
		old := t.flags.Load()
		if old&f == 0 {
			return false
		}
		if t.flags.CompareAndSwap(old, old&^f) {
			return true
		}
	}
}
