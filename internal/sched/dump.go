package sched

import (
	"fmt"
	"io"
	"strings"
)

// Snapshot is a point-in-time copy of the scheduler's state for diagnostics. It is not
// taken atomically across processors.
type Snapshot struct {
	NCPUs       int
	Master      int
	Online      string
	Idlers      string
	Weight      int64
	Credit      int64
	Balance     int64
	SortEpoch   uint32
	Ordering    string
	Tick        string
	Quantum     string
	PerTslice   int64
	PerAcct     int64
	Counters    map[string]uint64
	Processors  []ProcessorInfo
	Groups      []GroupInfo
	ActiveTasks []TaskInfo
}

// ProcessorInfo describes one online processor.
type ProcessorInfo struct {
	ID       int
	Tick     uint64
	SortLast uint32
	IdleBias int
	Siblings string
	CoreMap  string
	Current  TaskInfo
	Queue    []TaskInfo
}

// TaskInfo is a copy of one task's scheduling state.
type TaskInfo struct {
	ID          TaskID
	Group       GroupID
	Processor   int
	Priority    Priority
	Credit      int64
	Utility     float64
	AvgTimeUS   int64
	DelayUS     int64
	Flags       uint32
	Affinity    string
	Idle        bool
	CreditLast  int64
	CreditIncr  int64
	StateActive uint32
	StateIdle   uint32
	MigrateQ    uint32
	MigrateR    uint32
	Scheduled   uint64
}

func (t *Task) info() TaskInfo {
	return TaskInfo{
		ID:          t.ID,
		Group:       t.Group,
		Processor:   t.Processor(),
		Priority:    t.Priority(),
		Credit:      t.Credit(),
		Utility:     t.Utility(),
		AvgTimeUS:   t.avgTime.Load(),
		DelayUS:     t.delay.Load(),
		Flags:       t.Flags(),
		Affinity:    t.Affinity().String(),
		Idle:        t.idle,
		CreditLast:  t.stats.CreditLast.Load(),
		CreditIncr:  t.stats.CreditIncr.Load(),
		StateActive: t.stats.StateActive.Load(),
		StateIdle:   t.stats.StateIdle.Load(),
		MigrateQ:    t.stats.MigrateQ.Load(),
		MigrateR:    t.stats.MigrateR.Load(),
		Scheduled:   t.stats.Scheduled.Load(),
	}
}

// Info returns a copy of the task's scheduling state.
func (s *Scheduler) Info(id TaskID) (TaskInfo, error) {
	t := s.tasks.get(uint64(id))
	if t == nil {
		return TaskInfo{}, fmt.Errorf("task %v: %w", id, ErrUnknownTask)
	}
	return t.info(), nil
}

// Snapshot copies the global, per-processor and per-group state.
func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		Ordering:  s.ord.Name(),
		Tick:      s.cfg.Tick().String(),
		Quantum:   s.cfg.Quantum().String(),
		PerTslice: s.cfg.CreditsPerTslice(),
		PerAcct:   s.cfg.CreditsPerAcct(),
		Counters:  make(map[string]uint64, numCounters),
		Online:    s.g.online.Load().String(),
		Idlers:    s.g.idlers.Load().String(),
		SortEpoch: s.g.sortEpoch.Load(),
	}
	for c := Counter(0); c < numCounters; c++ {
		snap.Counters[c.String()] = s.Count(c)
	}

	s.g.mu.Lock()
	snap.NCPUs = s.g.ncpus
	snap.Master = s.g.master
	snap.Weight = s.g.weight
	snap.Credit = s.g.credit
	snap.Balance = s.g.balance
	for _, gid := range s.g.activeGroupIDs() {
		g := s.groups.get(uint64(gid))
		if g == nil {
			continue
		}
		for _, tid := range g.activeIDs() {
			if t := s.tasks.get(uint64(tid)); t != nil {
				snap.ActiveTasks = append(snap.ActiveTasks, t.info())
			}
		}
	}
	s.groups.each(func(g *Group) {
		snap.Groups = append(snap.Groups, g.infoLocked())
	})
	s.g.mu.Unlock()

	for cpu := range s.procs {
		p := s.proc(cpu)
		if p == nil {
			continue
		}
		pi := ProcessorInfo{
			ID:       p.ID,
			IdleBias: int(p.idleBias.Load()),
			Siblings: s.siblings[cpu].String(),
			CoreMap:  s.coreMap[cpu].String(),
		}
		p.mu.Lock()
		pi.Tick = p.tick
		pi.SortLast = p.sortLast
		pi.Current = p.curr.info()
		for _, t := range p.runq.Tasks() {
			pi.Queue = append(pi.Queue, t.info())
		}
		p.mu.Unlock()
		snap.Processors = append(snap.Processors, pi)
	}
	return snap
}

func (ti TaskInfo) line() string {
	if ti.Idle {
		return fmt.Sprintf("[idle.%d] pri=%v", ti.Processor, ti.Priority)
	}
	var flags []string
	if ti.Flags&FlagParked != 0 {
		flags = append(flags, "parked")
	}
	if ti.Flags&FlagYield != 0 {
		flags = append(flags, "yield")
	}
	if ti.Flags&FlagMigrating != 0 {
		flags = append(flags, "migrating")
	}
	return fmt.Sprintf("[%v.%v] pri=%v flags=%s cpu=%d credit=%d utility=%.1f avg=%dus affinity={%s} "+
		"(%d+%d) {a/i=%d/%d m=%d+%d sched=%d}",
		ti.Group, ti.ID, ti.Priority, strings.Join(flags, "|"), ti.Processor, ti.Credit, ti.Utility,
		ti.AvgTimeUS, ti.Affinity, ti.CreditLast, ti.CreditIncr,
		ti.StateActive, ti.StateIdle, ti.MigrateQ, ti.MigrateR, ti.Scheduled)
}

// WriteText renders the snapshot as a console dump.
func (snap Snapshot) WriteText(w io.Writer) error {
	var b strings.Builder

	fmt.Fprintf(&b, "info:\n")
	fmt.Fprintf(&b, "\tncpus              = %d\n", snap.NCPUs)
	fmt.Fprintf(&b, "\tmaster             = %d\n", snap.Master)
	fmt.Fprintf(&b, "\tonline             = %s\n", snap.Online)
	fmt.Fprintf(&b, "\tidlers             = %s\n", snap.Idlers)
	fmt.Fprintf(&b, "\tcredit             = %d\n", snap.Credit)
	fmt.Fprintf(&b, "\tcredit balance     = %d\n", snap.Balance)
	fmt.Fprintf(&b, "\tweight             = %d\n", snap.Weight)
	fmt.Fprintf(&b, "\tsort epoch         = %d\n", snap.SortEpoch)
	fmt.Fprintf(&b, "\tordering           = %s\n", snap.Ordering)
	fmt.Fprintf(&b, "\ttick               = %s\n", snap.Tick)
	fmt.Fprintf(&b, "\tquantum            = %s\n", snap.Quantum)
	fmt.Fprintf(&b, "\tcredits per tslice = %d\n", snap.PerTslice)
	fmt.Fprintf(&b, "\tcredits per acct   = %d\n", snap.PerAcct)

	fmt.Fprintf(&b, "stats:\n")
	for c := Counter(0); c < numCounters; c++ {
		fmt.Fprintf(&b, "\t%-24s = %d\n", c, snap.Counters[c.String()])
	}

	fmt.Fprintf(&b, "processors:\n")
	for _, p := range snap.Processors {
		fmt.Fprintf(&b, "CPU[%02d] tick=%d sort=%d, sibling={%s}, core={%s}, idle_bias=%d\n",
			p.ID, p.Tick, p.SortLast, p.Siblings, p.CoreMap, p.IdleBias)
		fmt.Fprintf(&b, "\trun: %s\n", p.Current.line())
		for i, t := range p.Queue {
			fmt.Fprintf(&b, "\t%3d: %s\n", i+1, t.line())
		}
	}

	fmt.Fprintf(&b, "groups:\n")
	for _, g := range snap.Groups {
		fmt.Fprintf(&b, "\t%v weight=%d cap=%d tier=%d tasks=%d active=%d\n",
			g.ID, g.Weight, g.Cap, g.Tier, g.Tasks, g.ActiveTasks)
	}

	fmt.Fprintf(&b, "active tasks:\n")
	for i, t := range snap.ActiveTasks {
		fmt.Fprintf(&b, "\t%3d: %s\n", i+1, t.line())
	}

	_, err := io.WriteString(w, b.String())
	return err
}
