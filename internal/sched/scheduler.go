// internal/sched/scheduler.go

package sched

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// NoTimeslice is returned with the idle task: do not rearm, wait for a tickle.
const NoTimeslice time.Duration = -1

// Slice is the outcome of one scheduling decision.
type Slice struct {
	Task    TaskID
	Quantum time.Duration
}

// Idle reports whether the slice hands the processor to its idle task.
func (s Slice) Idle() bool { return s.Quantum == NoTimeslice }

// Scheduler is a weighted-credit, utility-aware SMP scheduler core.
type Scheduler struct {
	cfg  Config
	topo Topology
	host Host
	ord  Ordering

	g        globalState
	settleMu sync.Mutex // one settle pass at a time, deferred park/unpark included

	tasks  *arena[Task]
	groups *arena[Group]
	procs  []atomic.Pointer[Processor]

	siblings []CPUMask // threads sharing a core, per cpu
	coreMap  []CPUMask // processors sharing a socket, per cpu

	counters counters
	statusCh chan StatusEvent // channel for status events
	started  atomic.Bool
}

// New creates a scheduler and brings every processor of topo online.
func New(cfg Config, topo Topology, host Host) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := topo.validate(); err != nil {
		return nil, err
	}
	if host == nil {
		return nil, fmt.Errorf("%w: nil host", ErrInvalidConfig)
	}
	ord, ok := NewOrdering(cfg.Ordering)
	if !ok {
		return nil, fmt.Errorf("%w: unknown ordering %q", ErrInvalidConfig, cfg.Ordering)
	}

	n := topo.NumCPUs()
	s := &Scheduler{
		cfg:      cfg,
		topo:     topo,
		host:     host,
		ord:      ord,
		tasks:    newArena[Task](cfg.MaxTasks + n),
		groups:   newArena[Group](cfg.MaxGroups),
		procs:    make([]atomic.Pointer[Processor], n),
		siblings: make([]CPUMask, n),
		coreMap:  make([]CPUMask, n),
	}
	if cfg.EventBuffer > 0 {
		s.statusCh = make(chan StatusEvent, cfg.EventBuffer) // buffered channel for status events
	}
	s.g.init()
	for cpu := 0; cpu < n; cpu++ {
		s.siblings[cpu] = topo.Siblings(cpu)
		s.coreMap[cpu] = topo.CoreMap(cpu)
	}
	for cpu := 0; cpu < n; cpu++ {
		if err := s.AddProcessor(cpu); err != nil {
			return nil, err
		}
	}

	logrus.Infof("sched: %d processors online, ordering=%s, tick=%v, acct=%v, quantum=%v",
		n, ord.Name(), cfg.Tick(), cfg.AcctPeriod(), cfg.Quantum())
	return s, nil
}

// Config returns the configuration the scheduler runs with.
func (s *Scheduler) Config() Config { return s.cfg }

// Topology returns the processor layout.
func (s *Scheduler) Topology() Topology { return s.topo }

// Ordering returns the active run queue ordering.
func (s *Scheduler) Ordering() Ordering { return s.ord }

// Events exposes read-only stream (optional consumers). Nil when event_buffer is 0.
func (s *Scheduler) Events() <-chan StatusEvent { return s.statusCh }

// Start arms the per-processor tick timers and the master accounting timer.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for cpu := range s.procs {
		if p := s.proc(cpu); p != nil {
			s.armTicker(p, true)
		}
	}
	s.g.mu.Lock()
	s.armMasterLocked()
	s.g.mu.Unlock()
}

// Stop cancels every timer armed by Start.
func (s *Scheduler) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	for cpu := range s.procs {
		if p := s.proc(cpu); p != nil {
			p.mu.Lock()
			if p.ticker != nil {
				p.ticker.Stop()
				p.ticker = nil
			}
			p.mu.Unlock()
		}
	}
	s.g.mu.Lock()
	if s.g.masterTicker != nil {
		s.g.masterTicker.Stop()
		s.g.masterTicker = nil
	}
	s.g.mu.Unlock()
}

// SuspendTick stops processor cpu's tick until ResumeTick, for a processor that is about
// to sit idle. Settle keeps running on the master.
func (s *Scheduler) SuspendTick(cpu int) error {
	p := s.proc(cpu)
	if p == nil {
		return fmt.Errorf("suspend tick %d: %w", cpu, ErrUnknownProcessor)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tickOff = true
	if p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
	}
	return nil
}

// ResumeTick restarts a suspended tick, aligned to the tick period.
func (s *Scheduler) ResumeTick(cpu int) error {
	p := s.proc(cpu)
	if p == nil {
		return fmt.Errorf("resume tick %d: %w", cpu, ErrUnknownProcessor)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tickOff {
		p.tickOff = false
		s.armTickerLocked(p, true)
	}
	return nil
}

// armTicker schedules p's next tick. The first tick is aligned to the tick period.
func (s *Scheduler) armTicker(p *Processor, align bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.armTickerLocked(p, align)
}

func (s *Scheduler) armTickerLocked(p *Processor, align bool) {
	if !s.started.Load() || p.tickOff {
		return
	}
	tick := s.cfg.Tick()
	d := tick
	if align {
		d = tick - s.host.Now()%tick
	}
	p.ticker = s.host.AfterFunc(p.ID, d, func() {
		if !s.started.Load() || s.proc(p.ID) != p {
			return
		}
		s.Tick(p.ID)
		s.armTicker(p, false)
	})
}

// armMasterLocked schedules the next settle pass on the master processor.
func (s *Scheduler) armMasterLocked() {
	if !s.started.Load() || s.g.master < 0 {
		return
	}
	master := s.g.master
	s.g.masterTicker = s.host.AfterFunc(master, s.cfg.AcctPeriod(), func() {
		if !s.started.Load() {
			return
		}
		s.Settle(s.host.Now())
		s.g.mu.Lock()
		if s.g.master == master {
			s.armMasterLocked()
		}
		s.g.mu.Unlock()
	})
}

// Decide picks the task processor cpu runs next and for how long. It is the hot path,
// entered on slice expiry, on block, wake or yield of the running task, and whenever the
// processor was signalled.
func (s *Scheduler) Decide(cpu int, now time.Duration) Slice {
	p := s.proc(cpu)
	if p == nil {
		bug("decide on offline processor %d", cpu)
	}
	s.count(CntSchedule)

	p.mu.Lock()
	prev := p.curr
	prev.running = false
	moved := -1

	// 1) requeue the outgoing task if it can still run
	if !prev.idle {
		s.burn(prev, now)
		if prev.Runnable() {
			if prev.testAndClearFlag(FlagMigrating) {
				moved = s.migrateLocked(p, prev)
			}
			if moved < 0 {
				p.runq.Insert(prev)
			}
		}
		prev.clearFlag(FlagYield)
	}

	// 2) select, 3) dequeue
	next := s.ord.pick(s, p.runq, prev, now)
	stolen := false
	// Nothing local worth running: look for more urgent work on busy peers.
	if s.cfg.LoadBalance && (next == nil || next.Priority() <= PriOver) {
		if t := s.loadBalance(p, next); t != nil {
			next, stolen = t, true
		}
	}
	if next == nil {
		next = p.idle
	} else {
		if !stolen {
			p.runq.Remove(next)
		}
		next.startTime = now
		next.schedTime = now
		next.everRan = true
		next.stats.Scheduled.Add(1)
	}
	next.running = true
	p.curr = next
	p.current.Store(next)
	p.mu.Unlock()

	// 4) idle bookkeeping; idlers get tickled when work shows up
	setMaskBit(&s.g.idlers, cpu, next.idle)

	if stolen {
		logrus.Debugf("[cpu %d] stole %v", cpu, next.ID)
		s.emit(StatusEvent{Time: now, Kind: StatusMigrate, CPU: cpu, TaskID: next.ID, Credit: next.Credit()})
	}
	if moved >= 0 {
		logrus.Debugf("[cpu %d] %v migrated to cpu %d", cpu, prev.ID, moved)
		s.emit(StatusEvent{Time: now, Kind: StatusMigrate, CPU: moved, TaskID: prev.ID, Credit: prev.Credit()})
		s.tickle(moved, prev, now)
	}

	// 5) hand out the slice
	if next.idle {
		logrus.Tracef("[cpu %d] %v idle", cpu, now)
		s.emit(StatusEvent{Time: now, Kind: StatusIdle, CPU: cpu, TaskID: next.ID})
		return Slice{Task: next.ID, Quantum: NoTimeslice}
	}
	logrus.Tracef("[cpu %d] %v dispatch %v credit=%d utility=%.1f", cpu, now, next.ID, next.Credit(), next.Utility())
	s.emit(StatusEvent{Time: now, Kind: StatusDispatch, CPU: cpu, TaskID: next.ID, Credit: next.Credit(), Utility: next.Utility()})
	return Slice{Task: next.ID, Quantum: s.cfg.Quantum()}
}

// migrateLocked moves t from p to the processor PickProcessor prefers, if it can take the
// target's lock without waiting. It returns the target, or -1 when t stays on p.
func (s *Scheduler) migrateLocked(p *Processor, t *Task) int {
	target := s.pickProcessor(t, true)
	if target < 0 || target == p.ID {
		return -1
	}
	tp := s.proc(target)
	if tp == nil {
		return -1
	}
	if !tp.mu.TryLock() {
		s.count(CntMigrateTrylockFailed)
		return -1
	}
	t.processor.Store(int32(target))
	tp.runq.Insert(t)
	tp.mu.Unlock()
	t.stats.MigrateQ.Add(1)
	s.count(CntMigrateQueued)
	return target
}

// Wake makes a task runnable, queues it on its processor and tickles whoever should
// pick it up.
//
// The runnable flag only changes under the lock of the task's processor, the lock its
// queue is guarded by, so a concurrent Sleep can never leave a blocked task queued.
func (s *Scheduler) Wake(id TaskID) error {
	t := s.tasks.get(uint64(id))
	if t == nil {
		return fmt.Errorf("wake %v: %w", id, ErrUnknownTask)
	}
	if t.idle {
		bug("wake of idle task %v", id)
	}
	p := s.lockTaskProcessor(t)
	if p != nil {
		t.runnable.Store(true)
		if s.wakeNoop(p, t) {
			return nil
		}
	}
	if p == nil || !t.Affinity().Has(p.ID) {
		// Not queued anywhere, so it may safely change processor.
		cpu := s.pickProcessor(t, true)
		if cpu < 0 {
			// Its processors went offline; it stays asleep until one is back.
			if p != nil {
				t.runnable.Store(false)
				p.mu.Unlock()
			}
			return fmt.Errorf("wake %v: affinity %v: %w", id, t.Affinity(), ErrAffinity)
		}
		t.processor.Store(int32(cpu))
		t.clearFlag(FlagMigrating)
		if p != nil {
			p.mu.Unlock()
		}
		if p = s.lockTaskProcessor(t); p == nil {
			return fmt.Errorf("wake %v: %w", id, ErrAffinity)
		}
		t.runnable.Store(true)
		if s.wakeNoop(p, t) {
			return nil
		}
	}
	s.count(CntWakeRunnable)

	// Waking tasks get a temporary boost so latency-sensitive work preempts CPU hogs.
	// Accounting resets it once the task is seen consuming CPU. Tasks of capped groups
	// coming back from parking are not boosted.
	if t.Priority() == PriUnder && !t.hasFlag(FlagParked) {
		t.setPriority(PriBoost)
	}
	s.refreshUtility(t)
	p.runq.Insert(t)
	p.mu.Unlock()

	now := s.host.Now()
	s.emit(StatusEvent{Time: now, Kind: StatusEnqueue, CPU: p.ID, TaskID: t.ID, Credit: t.Credit()})
	s.tickle(p.ID, t, now)
	return nil
}

// wakeNoop unlocks p and reports true when t is already running or queued on p.
func (s *Scheduler) wakeNoop(p *Processor, t *Task) bool {
	switch {
	case p.curr == t:
		s.count(CntWakeRunning)
	case t.onRunq:
		s.count(CntWakeOnRunq)
	default:
		return false
	}
	p.mu.Unlock()
	return true
}

// Sleep marks a task blocked. A running task is descheduled through its processor's next
// decision; a queued one leaves the queue now.
func (s *Scheduler) Sleep(id TaskID) error {
	t := s.tasks.get(uint64(id))
	if t == nil {
		return fmt.Errorf("sleep %v: %w", id, ErrUnknownTask)
	}
	if t.idle {
		bug("sleep of idle task %v", id)
	}
	s.count(CntTaskSleep)

	p := s.lockTaskProcessor(t)
	if p == nil {
		t.runnable.Store(false)
		return nil
	}
	t.runnable.Store(false)
	if p.curr == t {
		p.mu.Unlock()
		s.host.Notify(NewCPUMask(p.ID))
		return nil
	}
	if t.onRunq {
		p.runq.Remove(t)
	}
	p.mu.Unlock()
	return nil
}

// Yield asks for the task to give way to its peers on its next reinsertion.
func (s *Scheduler) Yield(id TaskID) error {
	t := s.tasks.get(uint64(id))
	if t == nil {
		return fmt.Errorf("yield %v: %w", id, ErrUnknownTask)
	}
	if !s.cfg.DefaultYield {
		t.setFlag(FlagYield)
	}
	if p := s.proc(t.Processor()); p != nil && p.current.Load() == t {
		s.host.Notify(NewCPUMask(p.ID))
	}
	return nil
}

// Tick runs the per-tick accounting of processor cpu: charge the running task, bring it
// into the active set, look for a better processor, and resort the queue once per
// settle epoch.
func (s *Scheduler) Tick(cpu int) {
	p := s.proc(cpu)
	if p == nil {
		return
	}
	now := s.host.Now()

	p.mu.Lock()
	p.tick++
	cur := p.curr
	if !cur.idle {
		// A boosted task seen here is consuming real CPU; it is no longer boosted.
		if cur.Priority() == PriBoost {
			cur.setPriority(PriUnder)
		}
		s.burn(cur, now)
	}
	p.mu.Unlock()

	if !cur.idle {
		s.taskAcct(p, cur)
	}
	s.sortRunq(p)
}

// sortRunq resorts p's queue if a settle pass ran since the last resort.
func (s *Scheduler) sortRunq(p *Processor) {
	epoch := s.g.sortEpoch.Load()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sortLast == epoch {
		return
	}
	p.sortLast = epoch
	s.ord.resort(p.runq)
}
