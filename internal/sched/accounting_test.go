package sched

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// activeTasks adds n tasks to g and puts them on the active lists without running them.
func activeTasks(t *testing.T, s *Scheduler, g GroupID, n int) []*Task {
	t.Helper()
	out := make([]*Task, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.AddTask(g, CPUMask{})
		require.NoError(t, err)
		task := s.Task(id)
		s.acctStart(task)
		out = append(out, task)
	}
	return out
}

func TestSettle_TwoGroupsWeighted_SplitsPoolByWeight(t *testing.T) {
	// GIVEN one processor (pool 300), groups of weight 100 and 50 with one active task each
	s, _ := newTestScheduler(t, testConfig(), FlatTopology(1))
	require.Equal(t, int64(300), s.cfg.CreditsPerAcct())
	a := activeTasks(t, s, mustGroup(t, s, 100, 0), 1)[0]
	b := activeTasks(t, s, mustGroup(t, s, 50, 0), 1)[0]

	// WHEN one accounting period settles
	s.Settle(0)

	// THEN A gets 200 and B gets 100, both in the under tier
	assert.Equal(t, int64(200), a.Credit())
	assert.Equal(t, int64(100), b.Credit())
	assert.Equal(t, PriUnder, a.Priority())
	assert.Equal(t, PriUnder, b.Priority())
	assert.Equal(t, int64(300), s.Snapshot().Balance)
	assert.Equal(t, uint64(1), s.Count(CntAcctRun))
}

func TestSettle_NoCaps_ConservesPoolWithinRounding(t *testing.T) {
	weightSets := [][]uint32{
		{100, 50, 30},
		{256, 256, 256, 256},
		{1, 2, 3, 5, 7, 11},
		{1000, 1},
		{77},
	}
	for _, weights := range weightSets {
		t.Run(fmt.Sprint(weights), func(t *testing.T) {
			s, _ := newTestScheduler(t, testConfig(), FlatTopology(1))
			var tasks []*Task
			for _, w := range weights {
				tasks = append(tasks, activeTasks(t, s, mustGroup(t, s, w, 0), 1)...)
			}

			s.Settle(0)

			var credited int64
			for _, task := range tasks {
				credited += task.stats.CreditIncr.Load()
			}
			pool := s.cfg.CreditsPerAcct()
			assert.GreaterOrEqual(t, credited, pool-int64(len(weights)))
			assert.LessOrEqual(t, credited, pool+int64(len(weights)))
		})
	}
}

func TestSettle_EqualTaskCounts_LargerWeightGetsAtLeastAsMuch(t *testing.T) {
	weights := []uint32{1, 7, 50, 100, 256, 999}
	for _, w1 := range weights {
		for _, w2 := range weights {
			s, _ := newTestScheduler(t, testConfig(), FlatTopology(2))
			t1 := activeTasks(t, s, mustGroup(t, s, w1, 0), 2)
			t2 := activeTasks(t, s, mustGroup(t, s, w2, 0), 2)

			s.Settle(0)

			got1 := t1[0].stats.CreditIncr.Load()
			got2 := t2[0].stats.CreditIncr.Load()
			if w1 >= w2 {
				assert.GreaterOrEqual(t, got1, got2, "weights %d vs %d", w1, w2)
			} else {
				assert.LessOrEqual(t, got1, got2, "weights %d vs %d", w1, w2)
			}
		}
	}
}

func TestSettle_Cap_BoundsGroupCreditForAnyTaskCount(t *testing.T) {
	for _, capPct := range []uint32{1, 10, 33, 50, 100, 150, 350} {
		for n := 1; n <= 8; n++ {
			s, _ := newTestScheduler(t, testConfig(), FlatTopology(4))
			tasks := activeTasks(t, s, mustGroup(t, s, 256, capPct), n)

			s.Settle(0)

			var sum int64
			for _, task := range tasks {
				sum += task.stats.CreditIncr.Load()
			}
			capCredits := (int64(capPct)*s.cfg.CreditsPerAcct() + 99) / 100
			assert.LessOrEqual(t, sum, capCredits, "cap %d%% with %d tasks", capPct, n)
		}
	}
}

func TestSettle_SurplusGroup_DonatesToLaterGroups(t *testing.T) {
	// GIVEN 2 processors (pool 600), B with two tasks activated first, then A with one:
	// the active list is [A, B]
	s, _ := newTestScheduler(t, testConfig(), FlatTopology(2))
	gA := mustGroup(t, s, 300, 0)
	gB := mustGroup(t, s, 100, 0)
	b := activeTasks(t, s, gB, 2)
	a := activeTasks(t, s, gA, 1)[0]
	require.Equal(t, []GroupID{gA, gB}, s.g.activeGroupIDs())

	s.Settle(0)

	// THEN A is held to one processor's worth and B gets the rest
	assert.Equal(t, int64(300), a.Credit())
	assert.Equal(t, int64(150), b[0].Credit())
	assert.Equal(t, int64(150), b[1].Credit())
	assert.Equal(t, []GroupID{gA, gB}, s.g.activeGroupIDs())
}

func TestSettle_NeedyGroup_MovesToTail(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(), FlatTopology(2))
	gA := mustGroup(t, s, 300, 0)
	gB := mustGroup(t, s, 100, 0)
	activeTasks(t, s, gA, 1)
	activeTasks(t, s, gB, 2)
	require.Equal(t, []GroupID{gB, gA}, s.g.activeGroupIDs())

	s.Settle(0)

	assert.Equal(t, []GroupID{gA, gB}, s.g.activeGroupIDs())
	assert.Equal(t, uint64(1), s.Count(CntAcctReorder))
}

func TestSettle_CreditNeverBelowFloor(t *testing.T) {
	// GIVEN a capped task that burns far more than it earns every period
	s, _ := newTestScheduler(t, testConfig(), FlatTopology(1))
	task := activeTasks(t, s, mustGroup(t, s, 256, 1), 1)[0]
	floor := -s.cfg.CreditsPerAcct()

	for i := 0; i < 20; i++ {
		task.credit.Add(-5000)
		s.Settle(time.Duration(i) * s.cfg.AcctPeriod())
		assert.GreaterOrEqual(t, task.Credit(), floor, "period %d", i)
		assert.Equal(t, PriOver, task.Priority())
	}
	assert.NotZero(t, s.Count(CntAcctMinCredit))
}

func TestSettle_FloorIsOnePeriodQuota_NotOneTimeslice(t *testing.T) {
	// GIVEN a timeslice shorter than the accounting period
	cfg := testConfig()
	cfg.TicksPerTslice = 1
	s, _ := newTestScheduler(t, cfg, FlatTopology(1))
	require.Less(t, s.cfg.CreditsPerTslice(), s.cfg.CreditsPerAcct())
	task := activeTasks(t, s, mustGroup(t, s, 256, 0), 1)[0]

	// WHEN the task is far in debt
	task.credit.Store(-5000)
	s.Settle(0)

	// THEN it is clamped to one period's worth of credit
	assert.Equal(t, -s.cfg.CreditsPerAcct(), task.Credit())
}

func TestSettle_CappedGroup_ParksAndUnparks(t *testing.T) {
	s, h := newTestScheduler(t, testConfig(), FlatTopology(1))
	task := activeTasks(t, s, mustGroup(t, s, 256, 10), 1)[0]

	// WHEN the task is deep in debt
	task.credit.Store(-1000)
	s.Settle(0)

	// THEN it is parked through the host
	assert.True(t, task.hasFlag(FlagParked))
	assert.Equal(t, []TaskID{task.ID}, h.paused)

	// WHEN a later period brings it back to a positive balance
	task.credit.Store(100)
	s.Settle(s.cfg.AcctPeriod())

	// THEN it is unparked and the flag is gone
	assert.False(t, task.hasFlag(FlagParked))
	assert.Equal(t, []TaskID{task.ID}, h.unpaused)
	assert.Equal(t, uint64(1), s.Count(CntTaskPark))
	assert.Equal(t, uint64(1), s.Count(CntTaskUnpark))
}

func TestSettle_RichTask_LeavesActiveListWithHalfCredit(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(), FlatTopology(1))
	g := mustGroup(t, s, 256, 0)
	task := activeTasks(t, s, g, 1)[0]
	task.credit.Store(200)

	// 200 + 300 > credits per tslice
	s.Settle(0)

	assert.Equal(t, int64(250), task.Credit())
	assert.False(t, task.active.Load())
	info, err := s.Group(g)
	require.NoError(t, err)
	assert.False(t, info.Active)
	assert.Equal(t, int64(0), s.Snapshot().Weight)
}

func TestSettle_NoActiveWeight_ResetsBalance(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(), FlatTopology(1))
	s.g.balance = -42

	s.Settle(0)

	assert.Equal(t, int64(0), s.g.balance)
	assert.Equal(t, uint64(1), s.Count(CntAcctNoWork))
	assert.Equal(t, uint32(0), s.g.sortEpoch.Load())
}

func TestSettle_BumpsSortEpoch(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(), FlatTopology(1))
	activeTasks(t, s, mustGroup(t, s, 256, 0), 1)
	s.Settle(0)
	s.Settle(0)
	assert.Equal(t, uint32(2), s.g.sortEpoch.Load())
}

func TestBurn_RoundsToNearestAndKeepsRemainder(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(), FlatTopology(1))
	task := newTask(1, 1, NewCPUMask(0), 0, false)

	// 1.04ms at 10 credits/ms rounds to 10 credits, charged up to 1ms
	s.burn(task, 1040*time.Microsecond)
	assert.Equal(t, int64(-10), task.Credit())
	assert.Equal(t, time.Millisecond, task.startTime)

	// the carried 40us is charged with the next slice
	s.burn(task, 2*time.Millisecond)
	assert.Equal(t, int64(-20), task.Credit())
	assert.Equal(t, 2*time.Millisecond, task.startTime)

	// 60us rounds up to one credit
	s.burn(task, 2060*time.Microsecond)
	assert.Equal(t, int64(-21), task.Credit())
	assert.Equal(t, 2100*time.Microsecond, task.startTime)

	// time going backwards is ignored
	s.burn(task, time.Millisecond)
	assert.Equal(t, int64(-21), task.Credit())
}

func TestSetGroupParams_ActiveGroup_AdjustsTotalWeight(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(), FlatTopology(1))
	g := mustGroup(t, s, 100, 0)
	activeTasks(t, s, g, 2)
	require.Equal(t, int64(200), s.g.weight)

	capPct := uint32(50)
	require.NoError(t, s.SetGroupParams(g, GroupParams{Weight: 300, Cap: &capPct}))

	assert.Equal(t, int64(600), s.g.weight)
	info, err := s.Group(g)
	require.NoError(t, err)
	assert.Equal(t, uint32(300), info.Weight)
	assert.Equal(t, uint32(50), info.Cap)
	assert.Equal(t, 2, info.ActiveTasks)

	// zero weight and nil cap keep the current values
	require.NoError(t, s.SetGroupParams(g, GroupParams{}))
	info, _ = s.Group(g)
	assert.Equal(t, uint32(300), info.Weight)
	assert.Equal(t, uint32(50), info.Cap)
}
