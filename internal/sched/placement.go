package sched

import (
	"time"

	"github.com/sirupsen/logrus"
)

// PickProcessor returns the processor t should run on, updating the idle-bias cursors
// of the processors it passes over.
func (s *Scheduler) PickProcessor(id TaskID) (int, error) {
	t := s.tasks.get(uint64(id))
	if t == nil {
		return -1, ErrUnknownTask
	}
	cpu := s.pickProcessor(t, true)
	if cpu < 0 {
		return -1, ErrAffinity
	}
	return cpu, nil
}

// pickProcessor picks from the online processors in t's affinity, preferring t's current
// processor, then looks for an idle processor within those constraints. It returns -1
// when processors going offline left no online processor in t's affinity.
//
// Not all idle processors are equal. The one with the most idling neighbours in its
// grouping wins, which spreads work across distinct cores first and avoids running two
// tasks on sibling threads while whole cores or sockets idle. With SMTPowerSavings the
// comparison is reversed to consolidate work instead.
func (s *Scheduler) pickProcessor(t *Task, commit bool) int {
	online := *s.g.online.Load()
	cpus := online.And(t.Affinity())
	if cpus.Empty() {
		return -1
	}
	cpu := t.Processor()
	if !cpus.Has(cpu) {
		cpu = cpus.Cycle(cpu)
	}

	idlers := online.And(*s.g.idlers.Load())
	idlers.Set(cpu)
	cpus = cpus.And(idlers)
	cpus.Clear(cpu)

	for !cpus.Empty() {
		nxt := cpus.Cycle(cpu)

		var cpuIdlers, nxtIdlers CPUMask
		migrateFactor := 1
		if s.coreMap[nxt].Has(cpu) {
			// Same socket: compare how busy the threads of each core are.
			cpuIdlers = idlers.And(s.siblings[cpu])
			nxtIdlers = idlers.And(s.siblings[nxt])
		} else {
			// Different sockets: compare the cores, and only move for twice the idleness.
			migrateFactor = 2
			cpuIdlers = idlers.And(s.coreMap[cpu])
			nxtIdlers = idlers.And(s.coreMap[nxt])
		}

		weightCPU, weightNxt := cpuIdlers.Weight(), nxtIdlers.Weight()
		if (s.cfg.SMTPowerSavings && weightCPU > weightNxt) ||
			(!s.cfg.SMTPowerSavings && weightCPU*migrateFactor < weightNxt) {
			nxtIdlers = cpus.And(nxtIdlers)
			bias := len(s.procs) - 1
			np := s.proc(nxt)
			if np != nil {
				bias = int(np.idleBias.Load())
			}
			cpu = nxtIdlers.Cycle(bias)
			if commit && np != nil {
				np.idleBias.Store(int32(cpu))
			}
			cpus = cpus.AndNot(s.siblings[cpu])
		} else {
			cpus = cpus.AndNot(nxtIdlers)
		}
	}
	return cpu
}

// tickle signals the processors that should react to t becoming runnable on cpu: cpu
// itself if t outranks what it runs, and idle processors in t's affinity if cpu is busy.
func (s *Scheduler) tickle(cpu int, t *Task, now time.Duration) {
	p := s.proc(cpu)
	if p == nil {
		return
	}
	cur := p.current.Load()
	mask := NewCPUMask()

	if s.ord.Outranks(t, cur) {
		switch cur.Priority() {
		case PriIdle:
			s.count(CntTickleLocalIdler)
		case PriOver:
			s.count(CntTickleLocalOver)
		case PriUnder:
			s.count(CntTickleLocalUnder)
		default:
			s.count(CntTickleLocalOther)
		}
		mask.Set(cpu)
	}

	// cpu now has at least two runnable tasks: let idlers know there is work around.
	if !cur.idle {
		idlers := *s.g.idlers.Load()
		if idlers.Empty() {
			s.count(CntTickleIdlersNone)
		} else {
			aff := t.Affinity()
			idleMask := idlers.And(aff)
			if !idleMask.Empty() {
				s.count(CntTickleIdlersSome)
				if s.cfg.TickleOneIdle {
					next := idleMask.Cycle(int(p.lastTickle.Load()))
					p.lastTickle.Store(int32(next))
					mask.Set(next)
				} else {
					mask = mask.Or(idleMask)
				}
			}
			mask = mask.And(aff)
		}
	}

	if mask.Empty() {
		return
	}
	logrus.Tracef("[cpu %d] tickle %v for %v", cpu, mask, t.ID)
	s.host.Notify(mask)
	s.emit(StatusEvent{Time: now, Kind: StatusTickle, CPU: cpu, TaskID: t.ID, Mask: mask.String()})
}

// loadBalance looks at the busy peers of p, starting with its neighbour, for a queued
// task of strictly higher priority than local (nil meaning p would idle) that may run on
// p. A found task is taken off the peer's queue and handed over to p. Requires p's lock.
//
// Peer locks are only tried: two processors balancing against each other must not
// deadlock.
func (s *Scheduler) loadBalance(p *Processor, local *Task) *Task {
	pri := PriIdle
	if local != nil {
		pri = local.Priority()
	}
	switch pri {
	case PriIdle:
		s.count(CntLoadBalanceIdle)
	case PriOver:
		s.count(CntLoadBalanceOver)
	default:
		s.count(CntLoadBalanceOther)
	}

	workers := s.g.online.Load().AndNot(*s.g.idlers.Load())
	workers.Clear(p.ID)
	peer := p.ID
	for !workers.Empty() {
		peer = workers.Cycle(peer)
		workers.Clear(peer)

		pp := s.proc(peer)
		if pp == nil {
			continue
		}
		if !pp.mu.TryLock() {
			s.count(CntStealTrylockFailed)
			continue
		}
		t := s.stealFrom(pp, p.ID, pri)
		pp.mu.Unlock()
		if t != nil {
			return t
		}
	}
	return nil
}

// stealFrom takes the first task queued on peer that outranks pri and may run on cpu.
// Requires peer's lock.
func (s *Scheduler) stealFrom(peer *Processor, cpu int, pri Priority) *Task {
	// An idle peer is about to pick up its own work.
	if peer.curr.idle {
		s.count(CntStealPeerIdle)
		return nil
	}
	for _, t := range peer.runq.Tasks() {
		if t.Priority() <= pri || !t.Affinity().Has(cpu) {
			continue
		}
		peer.runq.Remove(t)
		t.processor.Store(int32(cpu))
		t.stats.MigrateQ.Add(1)
		s.count(CntMigrateQueued)
		return t
	}
	s.count(CntStealPeerIdle)
	return nil
}
