package sched

import (
	"fmt"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
	"github.com/sirupsen/logrus"
)

// AddProcessor brings processor cpu online with its idle task running. It adds one
// processor's worth of credit to the pool; the first processor online becomes master.
func (s *Scheduler) AddProcessor(cpu int) error {
	if cpu < 0 || cpu >= len(s.procs) {
		return fmt.Errorf("add processor %d: %w", cpu, ErrUnknownProcessor)
	}

	s.g.mu.Lock()
	defer s.g.mu.Unlock()

	if s.proc(cpu) != nil {
		return nil
	}
	_, idle, err := s.tasks.alloc(func(h uint64) *Task {
		return newTask(TaskID(h), NoGroup, NewCPUMask(cpu), cpu, true)
	})
	if err != nil {
		return fmt.Errorf("add processor %d: idle task: %w", cpu, err)
	}
	p := newProcessor(cpu, idle, s.ord, len(s.procs), s.g.sortEpoch.Load())

	s.g.credit += s.cfg.CreditsPerAcct()
	s.g.ncpus++
	setMaskBit(&s.g.online, cpu, true)
	// Start off idling...
	setMaskBit(&s.g.idlers, cpu, true)
	s.procs[cpu].Store(p)

	if s.g.ncpus == 1 {
		s.g.master = cpu
		s.armMasterLocked()
	}
	if s.started.Load() {
		// armTicker takes p.mu only; the global lock may be held.
		s.armTicker(p, true)
	}
	logrus.Infof("sched: processor %d online (ncpus=%d, master=%d)", cpu, s.g.ncpus, s.g.master)
	return nil
}

// RemoveProcessor takes an idle processor with an empty queue offline. If it was the
// master, the accounting timer moves to the first remaining processor.
func (s *Scheduler) RemoveProcessor(cpu int) error {
	p := s.proc(cpu)
	if p == nil {
		return fmt.Errorf("remove processor %d: %w", cpu, ErrUnknownProcessor)
	}

	s.g.mu.Lock()
	defer s.g.mu.Unlock()

	p.mu.Lock()
	busy := p.runq.Len() > 0 || !p.curr.idle
	if !busy && p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
	}
	p.mu.Unlock()
	if busy {
		return fmt.Errorf("remove processor %d: %w", cpu, ErrProcessorBusy)
	}

	s.g.credit -= s.cfg.CreditsPerAcct()
	s.g.ncpus--
	setMaskBit(&s.g.idlers, cpu, false)
	setMaskBit(&s.g.online, cpu, false)
	s.procs[cpu].Store(nil)
	s.tasks.release(uint64(p.idle.ID))

	if s.g.master == cpu {
		if s.g.masterTicker != nil {
			s.g.masterTicker.Stop()
			s.g.masterTicker = nil
		}
		s.g.master = -1
		if s.g.ncpus > 0 {
			s.g.master = s.g.online.Load().First()
			s.armMasterLocked()
		}
	}
	logrus.Infof("sched: processor %d offline (ncpus=%d, master=%d)", cpu, s.g.ncpus, s.g.master)
	return nil
}

// AddGroup registers a group. A zero weight selects the configured default weight;
// cap is a percentage of one processor, 0 meaning uncapped.
func (s *Scheduler) AddGroup(weight, cap uint32, opts ...GroupOption) (GroupID, error) {
	if weight == 0 {
		weight = uint32(s.cfg.DefaultWeight)
	}

	s.g.mu.Lock()
	defer s.g.mu.Unlock()

	h, _, err := s.groups.alloc(func(h uint64) *Group {
		g := &Group{
			ID:          GroupID(h),
			weight:      weight,
			cap:         cap,
			activeTasks: doublylinkedlist.New(),
		}
		g.tier.Store(int32(s.cfg.WorstTier()))
		g.serviceLeft.Store(s.cfg.Utility.ServiceBudgetUS)
		for _, opt := range opts {
			opt(g)
		}
		if g.Tier() < 0 || g.Tier() > s.cfg.WorstTier() {
			g.tier.Store(int32(s.cfg.WorstTier()))
		}
		return g
	})
	if err != nil {
		return NoGroup, fmt.Errorf("add group: %w", err)
	}
	s.count(CntGroupInit)
	return GroupID(h), nil
}

// SetGroupParams changes a group's weight and cap, keeping the global weight total in
// step with the group's active tasks.
func (s *Scheduler) SetGroupParams(id GroupID, p GroupParams) error {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()

	g := s.groups.get(uint64(id))
	if g == nil {
		return fmt.Errorf("set group %v: %w", id, ErrUnknownGroup)
	}
	if p.Weight != 0 {
		if g.onActive {
			s.g.weight -= int64(g.weight) * int64(g.activeCount)
			s.g.weight += int64(p.Weight) * int64(g.activeCount)
		}
		g.weight = p.Weight
	}
	if p.Cap != nil {
		g.cap = *p.Cap
	}
	return nil
}

// SetGroupTier moves a group to service tier t.
func (s *Scheduler) SetGroupTier(id GroupID, t ServiceTier) error {
	g := s.groups.get(uint64(id))
	if g == nil {
		return fmt.Errorf("set group %v tier: %w", id, ErrUnknownGroup)
	}
	if t < 0 || t > s.cfg.WorstTier() {
		return fmt.Errorf("set group %v tier %d: %w", id, t, ErrInvalidConfig)
	}
	g.tier.Store(int32(t))
	g.serviceLeft.Store(s.cfg.Utility.ServiceBudgetUS)
	return nil
}

// GroupInfo is a copy of a group's settings and accounting state.
type GroupInfo struct {
	ID          GroupID
	Weight      uint32
	Cap         uint32
	Tier        ServiceTier
	Tasks       int
	ActiveTasks int
	Active      bool
}

// Group returns a copy of a group's state.
func (s *Scheduler) Group(id GroupID) (GroupInfo, error) {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()

	g := s.groups.get(uint64(id))
	if g == nil {
		return GroupInfo{}, fmt.Errorf("group %v: %w", id, ErrUnknownGroup)
	}
	return g.infoLocked(), nil
}

func (g *Group) infoLocked() GroupInfo {
	return GroupInfo{
		ID:          g.ID,
		Weight:      g.weight,
		Cap:         g.cap,
		Tier:        g.Tier(),
		Tasks:       g.tasks,
		ActiveTasks: g.activeCount,
		Active:      g.onActive,
	}
}

// RemoveGroup destroys a group that has no tasks left.
func (s *Scheduler) RemoveGroup(id GroupID) error {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()

	g := s.groups.get(uint64(id))
	if g == nil {
		return fmt.Errorf("remove group %v: %w", id, ErrUnknownGroup)
	}
	if g.tasks > 0 || g.onActive {
		return fmt.Errorf("remove group %v: %w", id, ErrGroupBusy)
	}
	s.groups.release(uint64(id))
	s.count(CntGroupDestroy)
	return nil
}

// AddTask creates a blocked task in group, allowed on the processors in affinity (all
// processors when affinity is empty), and places it with PickProcessor. Wake makes it
// runnable.
func (s *Scheduler) AddTask(group GroupID, affinity CPUMask) (TaskID, error) {
	if affinity.Empty() {
		affinity = CPURange(len(s.procs))
	}

	s.g.mu.Lock()
	g := s.groups.get(uint64(group))
	if g == nil {
		s.g.mu.Unlock()
		return NoTask, fmt.Errorf("add task: %w", ErrUnknownGroup)
	}
	usable := s.g.online.Load().And(affinity)
	if usable.Empty() {
		s.g.mu.Unlock()
		return NoTask, fmt.Errorf("add task: %v: %w", affinity, ErrAffinity)
	}
	h, t, err := s.tasks.alloc(func(h uint64) *Task {
		return newTask(TaskID(h), group, affinity, usable.First(), false)
	})
	if err != nil {
		s.g.mu.Unlock()
		return NoTask, fmt.Errorf("add task: %w", err)
	}
	g.tasks++
	s.g.mu.Unlock()

	if cpu := s.pickProcessor(t, true); cpu >= 0 {
		t.processor.Store(int32(cpu))
	}
	s.count(CntTaskInit)
	return TaskID(h), nil
}

// RemoveTask destroys a task that is not running. A queued task leaves its queue and an
// active one leaves the active lists first.
func (s *Scheduler) RemoveTask(id TaskID) error {
	t := s.tasks.get(uint64(id))
	if t == nil || t.idle {
		return fmt.Errorf("remove task %v: %w", id, ErrUnknownTask)
	}

	if p := s.lockTaskProcessor(t); p != nil {
		if p.curr == t {
			p.mu.Unlock()
			return fmt.Errorf("remove task %v: %w", id, ErrTaskRunning)
		}
		t.runnable.Store(false)
		if t.onRunq {
			p.runq.Remove(t)
		}
		p.mu.Unlock()
	}

	s.g.mu.Lock()
	defer s.g.mu.Unlock()

	g := s.groups.get(uint64(t.Group))
	if g == nil {
		bug("remove task %v: group %v vanished", id, t.Group)
	}
	if t.active.Load() {
		s.acctStopLocked(t, g)
	}
	g.tasks--
	s.tasks.release(uint64(id))
	s.count(CntTaskDestroy)
	return nil
}

// SetAffinity restricts a task to the processors in mask. A running task outside the new
// mask is moved at its processor's next decision; a queued one is moved now.
func (s *Scheduler) SetAffinity(id TaskID, mask CPUMask) error {
	t := s.tasks.get(uint64(id))
	if t == nil || t.idle {
		return fmt.Errorf("set affinity %v: %w", id, ErrUnknownTask)
	}
	if s.g.online.Load().And(mask).Empty() {
		return fmt.Errorf("set affinity %v: %v: %w", id, mask, ErrAffinity)
	}
	aff := mask.Clone()
	t.affinity.Store(&aff)

	p := s.lockTaskProcessor(t)
	if p == nil || mask.Has(p.ID) {
		if p != nil {
			p.mu.Unlock()
		}
		return nil
	}
	if p.curr == t {
		t.setFlag(FlagMigrating)
		p.mu.Unlock()
		s.host.Notify(NewCPUMask(p.ID))
		return nil
	}
	requeue := t.onRunq
	if requeue {
		p.runq.Remove(t)
	}
	p.mu.Unlock()
	if requeue {
		return s.Wake(id)
	}
	return nil
}

// Task returns the task behind id, or nil.
func (s *Scheduler) Task(id TaskID) *Task { return s.tasks.get(uint64(id)) }

// Current returns the task processor cpu is running.
func (s *Scheduler) Current(cpu int) TaskID {
	p := s.proc(cpu)
	if p == nil {
		return NoTask
	}
	return p.current.Load().ID
}

// Online returns the set of online processors.
func (s *Scheduler) Online() CPUMask { return s.g.online.Load().Clone() }

// Idlers returns the set of processors currently running their idle task.
func (s *Scheduler) Idlers() CPUMask { return s.g.idlers.Load().Clone() }
