package sched

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Utility scores a moving-average run length against a tier. A task keeping within the
// tier's time limit gets the tier's full ui; past the limit the score falls linearly with
// avgUS and never drops below 1.
func Utility(u UtilityConfig, tier TierConfig, avgUS int64) float64 {
	if avgUS < tier.TimeLimitUS {
		return float64(tier.UI)
	}
	v := float64(u.TMax) - float64(tier.Alpha)*float64(avgUS)/float64(u.Duration)
	if v < 1 {
		v = 1
	}
	return v
}

func (s *Scheduler) tierOf(t *Task) TierConfig {
	tiers := s.cfg.Utility.Tiers
	idx := int(s.cfg.WorstTier())
	if g := s.groups.get(uint64(t.Group)); g != nil {
		idx = int(g.Tier())
	}
	if idx < 0 {
		idx = 0
	} else if idx >= len(tiers) {
		idx = len(tiers) - 1
	}
	return tiers[idx]
}

func (s *Scheduler) refreshUtility(t *Task) {
	t.setUtility(Utility(s.cfg.Utility, s.tierOf(t), t.avgTime.Load()))
}

func toUS(d time.Duration) int64 { return int64(d / time.Microsecond) }

// updateAndPick runs the utility pass over q and returns the queued task with the highest
// utility, the first one seen on ties. prev is the task that was running until now; it may
// or may not be in q.
func (s *Scheduler) updateAndPick(q *RunQueue, prev *Task, now time.Duration) *Task {
	partial := s.cfg.Utility.Partial
	duration := s.cfg.Utility.Duration

	if !prev.idle {
		var ran int64
		if prev.everRan {
			ran = toUS(now - prev.schedTime)
		}
		avg := prev.avgTime.Load()
		avg = avg + ran - avg/partial
		if avg < 0 {
			avg = duration
		}
		prev.avgTime.Store(avg)
		prev.delay.Store(0)
		s.chargeService(prev, ran, now)
		s.refreshUtility(prev)
	}

	var top *Task
	it := q.Iterator()
	for it.Next() {
		t := it.Task()
		if t != prev {
			avg := t.avgTime.Load()
			avg -= avg / partial
			if avg < 0 {
				avg = duration
			}
			t.avgTime.Store(avg)
			t.delay.Store(toUS(now - t.schedTime))
			s.refreshUtility(t)
		}
		if top == nil || t.Utility() > top.Utility() {
			top = t
		}
	}
	return top
}

// chargeService bills ran us of service to t's group.
func (s *Scheduler) chargeService(t *Task, ran int64, now time.Duration) {
	g := s.groups.get(uint64(t.Group))
	if g == nil {
		return
	}
	if g.consumeService(ran, s.cfg.Utility.ServiceBudgetUS, s.cfg.WorstTier()) {
		logrus.Debugf("[cpu %d] group %v demoted to tier %d", t.Processor(), g.ID, g.Tier())
		s.emit(StatusEvent{Time: now, Kind: StatusDemote, CPU: t.Processor(), TaskID: t.ID})
	}
}
