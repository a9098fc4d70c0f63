package sched

import (
	"time"

	"github.com/sirupsen/logrus"
)

// burn charges t for the time it ran since its charge-from timestamp. The timestamp only
// advances by the time the charged credits stand for, so rounding never loses or
// double-charges run time. Requires t's processor lock.
func (s *Scheduler) burn(t *Task, now time.Duration) {
	delta := now - t.startTime
	if delta <= 0 {
		return
	}
	ms := int64(time.Millisecond)
	cpm := int64(s.cfg.CreditsPerMsec)
	credits := (int64(delta)*cpm + ms/2) / ms
	t.credit.Add(-credits)
	t.startTime += time.Duration(credits * ms / cpm)
}

// taskAcct is the tick-time accounting of p's running task t.
func (s *Scheduler) taskAcct(p *Processor, t *Task) {
	if !t.active.Load() {
		s.acctStart(t)
		return
	}
	// Been active a while: see whether another processor would serve it better.
	if cpu := s.pickProcessor(t, false); cpu >= 0 && cpu != p.ID {
		t.stats.MigrateR.Add(1)
		s.count(CntMigrateRunning)
		t.setFlag(FlagMigrating)
		s.host.Notify(NewCPUMask(p.ID))
	}
}

// acctStart puts t, and its group if needed, on the active lists.
func (s *Scheduler) acctStart(t *Task) {
	s.g.mu.Lock()
	defer s.g.mu.Unlock()

	if t.active.Load() {
		return
	}
	g := s.groups.get(uint64(t.Group))
	if g == nil {
		bug("task %v has no group %v", t.ID, t.Group)
	}
	t.stats.StateActive.Add(1)
	s.count(CntAcctTaskActive)

	g.addActive(t.ID)
	t.active.Store(true)
	s.g.weight += int64(g.weight)
	if !g.onActive {
		s.g.activeGroups.Prepend(g.ID)
		g.onActive = true
	}
}

// acctStopLocked takes t off the active lists. Requires the global lock.
func (s *Scheduler) acctStopLocked(t *Task, g *Group) {
	if !t.active.Load() {
		bug("acct stop: task %v not active", t.ID)
	}
	if s.g.weight < int64(g.weight) {
		bug("acct stop: total weight %d below group %v weight %d", s.g.weight, g.ID, g.weight)
	}
	t.stats.StateIdle.Add(1)
	s.count(CntAcctTaskIdle)

	if !g.removeActive(t.ID) {
		bug("acct stop: task %v missing from group %v active list", t.ID, g.ID)
	}
	t.active.Store(false)
	s.g.weight -= int64(g.weight)
	if g.activeCount == 0 {
		s.g.removeActiveGroup(g.ID)
		g.onActive = false
	}
}

// Settle runs one accounting period: it shares the credit pool among active groups by
// weight, hands each group's share to its active tasks and recomputes their tiers.
func (s *Scheduler) Settle(now time.Duration) {
	s.settleMu.Lock()
	defer s.settleMu.Unlock()

	var parks, unparks []*Task
	perAcct := s.cfg.CreditsPerAcct()
	perTslice := s.cfg.CreditsPerTslice()

	s.g.mu.Lock()

	weightTotal := s.g.weight
	creditTotal := s.g.credit

	// Converge balance towards 0 when it drops negative
	if s.g.balance < 0 {
		creditTotal -= s.g.balance
		s.count(CntAcctBalance)
	}

	if weightTotal == 0 {
		s.g.balance = 0
		s.g.mu.Unlock()
		s.count(CntAcctNoWork)
		return
	}
	s.count(CntAcctRun)

	weightLeft := weightTotal
	var balance int64

	for _, gid := range s.g.activeGroupIDs() {
		g := s.groups.get(uint64(gid))
		if g == nil {
			bug("settle: active group %v vanished", gid)
		}
		n := int64(g.activeCount)
		w := int64(g.weight)
		if n == 0 || n != int64(g.activeTasks.Size()) {
			bug("settle: group %v active count %d, list %d", gid, n, g.activeTasks.Size())
		}
		if w == 0 {
			bug("settle: group %v has zero weight", gid)
		}
		if w*n > weightLeft {
			bug("settle: group %v weight %d exceeds weight left %d", gid, w*n, weightLeft)
		}
		weightLeft -= w * n

		// A group can use at most enough credit to run all its active tasks for one
		// period. It may earn more only while the system balance is negative.
		peak := n * perAcct
		if s.g.balance < 0 {
			peak += (-s.g.balance*w*n + weightTotal - 1) / weightTotal
		}

		var capCredits, capPerTask int64
		if g.cap != 0 {
			capCredits = (int64(g.cap)*perAcct + 99) / 100
			if capCredits < peak {
				peak = capCredits
			}
			capPerTask = (capCredits + n - 1) / n
		}

		fair := (creditTotal*w*n + weightTotal - 1) / weightTotal

		if fair < peak {
			// Needy groups go to the back so the others get a chance at spare
			// credit in later periods.
			if s.g.removeActiveGroup(gid) {
				s.g.activeGroups.Append(gid)
			}
			s.count(CntAcctReorder)
		} else {
			if weightLeft != 0 {
				// Give other groups a chance at unused credits
				creditTotal += ((fair-peak)*weightTotal + weightLeft - 1) / weightLeft
			}
			fair = peak
		}

		share := (fair + n - 1) / n
		if capCredits > 0 && share*n > capCredits {
			share = capCredits / n
		}

		for _, tid := range g.activeIDs() {
			t := s.tasks.get(uint64(tid))
			if t == nil || t.Group != gid {
				bug("settle: active task %v does not belong to group %v", tid, gid)
			}

			credit := t.credit.Add(share)
			if credit < 0 {
				t.setPriority(PriOver)

				// Park running tasks of capped-out groups
				if g.cap != 0 && credit < -capPerTask && !t.hasFlag(FlagParked) {
					s.count(CntTaskPark)
					t.setFlag(FlagParked)
					parks = append(parks, t)
				}

				// Lower bound on credits
				if credit < -perAcct {
					s.count(CntAcctMinCredit)
					credit = -perAcct
					t.credit.Store(credit)
				}
			} else {
				t.setPriority(PriUnder)

				if t.hasFlag(FlagParked) {
					s.count(CntTaskUnpark)
					unparks = append(unparks, t)
				}

				// Upper bound on credits means the task stops earning. It keeps half
				// so it starts a little ahead when it becomes active again.
				if credit > perTslice {
					s.acctStopLocked(t, g)
					credit /= 2
					t.credit.Store(credit)
				}
			}

			t.stats.CreditLast.Store(credit)
			t.stats.CreditIncr.Store(share)
			balance += credit
		}
	}

	s.g.balance = balance
	pool := creditTotal
	s.g.mu.Unlock()

	// Every processor resorts its queue against the committed result.
	s.g.sortEpoch.Add(1)

	for _, t := range parks {
		logrus.Debugf("[tick %v] park %v credit=%d", now, t.ID, t.Credit())
		s.host.Pause(t.ID)
		s.emit(StatusEvent{Time: now, Kind: StatusPark, CPU: t.Processor(), TaskID: t.ID, Credit: t.Credit()})
	}
	for _, t := range unparks {
		logrus.Debugf("[tick %v] unpark %v credit=%d", now, t.ID, t.Credit())
		// The flag stays set across Unpause so the resulting wake is not boosted.
		s.host.Unpause(t.ID)
		t.clearFlag(FlagParked)
		s.emit(StatusEvent{Time: now, Kind: StatusUnpark, CPU: t.Processor(), TaskID: t.ID, Credit: t.Credit()})
	}

	logrus.Debugf("[tick %v] settle: weight=%d pool=%d balance=%d", now, weightTotal, pool, balance)
	s.emit(StatusEvent{Time: now, Kind: StatusSettle, Credit: balance})
}
