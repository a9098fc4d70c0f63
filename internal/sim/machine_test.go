package sim

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vdisched/internal/job"
	"vdisched/internal/sched"
)

func newMachine(t *testing.T, cfg sched.Config, topo sched.Topology) *Machine {
	t.Helper()
	m := NewMachine(topo.NumCPUs(), 1)
	s, err := sched.New(cfg, topo, m)
	require.NoError(t, err)
	m.Attach(s)
	return m
}

func spawn(t *testing.T, m *Machine, name string, g sched.GroupID, spec job.Spec) sched.TaskID {
	t.Helper()
	b, err := job.New(spec)
	require.NoError(t, err)
	id, err := m.Spawn(name, g, sched.CPUMask{}, b, 0)
	require.NoError(t, err)
	return id
}

func group(t *testing.T, m *Machine, name string, weight, cap uint32) sched.GroupID {
	t.Helper()
	id, err := m.Scheduler().AddGroup(weight, cap)
	require.NoError(t, err)
	m.NameGroup(id, name)
	return id
}

func priorityConfig() sched.Config {
	cfg := sched.DefaultConfig()
	cfg.Ordering = sched.OrderingPriority
	return cfg
}

func TestMachine_SoloHogOwnsTheProcessor(t *testing.T) {
	m := newMachine(t, sched.DefaultConfig(), sched.FlatTopology(1))
	spawn(t, m, "hog", group(t, m, "g", 0, 0), job.Spec{Kind: "hog"})

	require.NoError(t, m.Run(context.Background(), time.Second))

	r := m.Report()
	assert.Equal(t, time.Second, r.Horizon)
	assert.InDelta(t, 1.0, r.CPUs[0].Util, 0.01)
	require.Len(t, r.Tasks, 1)
	assert.InDelta(t, 1.0, r.Tasks[0].Share, 0.001)
}

func TestMachine_CPUSharesFollowWeights(t *testing.T) {
	// GIVEN two hogs in groups weighted 2:1 on one processor
	m := newMachine(t, priorityConfig(), sched.FlatTopology(1))
	spawn(t, m, "heavy", group(t, m, "heavy", 256, 0), job.Spec{Kind: "hog"})
	spawn(t, m, "light", group(t, m, "light", 128, 0), job.Spec{Kind: "hog"})

	// WHEN they compete for three seconds
	require.NoError(t, m.Run(context.Background(), 3*time.Second))

	// THEN the heavy group gets about two thirds
	r := m.Report()
	heavy, ok := r.Group("heavy")
	require.True(t, ok)
	light, ok := r.Group("light")
	require.True(t, ok)
	assert.InDelta(t, 2.0/3, heavy.Share, 0.08)
	assert.InDelta(t, 1.0/3, light.Share, 0.08)
	assert.InDelta(t, 1.0, heavy.Share+light.Share, 0.001)
}

func TestMachine_CapParksTheGroup(t *testing.T) {
	m := newMachine(t, priorityConfig(), sched.FlatTopology(1))
	spawn(t, m, "capped", group(t, m, "capped", 0, 25), job.Spec{Kind: "hog"})

	require.NoError(t, m.Run(context.Background(), 3*time.Second))

	r := m.Report()
	assert.Less(t, r.CPUs[0].Util, 0.6, "a 25%% cap must leave the processor idle most of the time")
	assert.Greater(t, r.CPUs[0].Util, 0.05)
	assert.Positive(t, r.Tasks[0].Parks)
	assert.Positive(t, m.Scheduler().Count(sched.CntTaskPark))
	assert.Positive(t, m.Scheduler().Count(sched.CntTaskUnpark))
}

func TestMachine_WakingTaskPreemptsHog(t *testing.T) {
	// GIVEN a hog and a task that runs 1ms every 5ms
	m := newMachine(t, priorityConfig(), sched.FlatTopology(1))
	g := group(t, m, "g", 0, 0)
	spawn(t, m, "hog", g, job.Spec{Kind: "hog"})
	spawn(t, m, "io", g, job.Spec{Kind: "bursty", RunUS: 1000, SleepUS: 4000})

	require.NoError(t, m.Run(context.Background(), 2*time.Second))

	// THEN the bursty task gets close to its demand of a fifth
	r := m.Report()
	require.Len(t, r.Tasks, 2)
	io := r.Tasks[1]
	assert.Equal(t, "bursty", io.Behavior)
	assert.Greater(t, io.Share, 0.08)
	assert.Greater(t, io.Wakeups, 100)
	assert.InDelta(t, 1.0, r.CPUs[0].Util, 0.01, "the hog fills the gaps")
}

func TestMachine_IdleProcessorTakesQueuedWork(t *testing.T) {
	m := newMachine(t, sched.DefaultConfig(), sched.FlatTopology(2))
	g := group(t, m, "g", 0, 0)
	spawn(t, m, "a", g, job.Spec{Kind: "hog"})
	spawn(t, m, "b", g, job.Spec{Kind: "hog"})

	require.NoError(t, m.Run(context.Background(), time.Second))

	r := m.Report()
	for _, c := range r.CPUs {
		assert.Greater(t, c.Util, 0.9, "cpu %d", c.ID)
	}
}

func TestMachine_ExitingTaskLeavesScheduler(t *testing.T) {
	m := newMachine(t, sched.DefaultConfig(), sched.FlatTopology(1))
	id := spawn(t, m, "short", group(t, m, "g", 0, 0), job.Spec{Kind: "hog", RunUS: 20_000, Bursts: 2})

	require.NoError(t, m.Run(context.Background(), 200*time.Millisecond))

	r := m.Report()
	assert.True(t, r.Tasks[0].Exited)
	assert.Equal(t, 40*time.Millisecond, r.Tasks[0].CPU)
	_, err := m.Scheduler().Info(id)
	assert.ErrorIs(t, err, sched.ErrUnknownTask)
	assert.Equal(t, uint64(1), m.Scheduler().Count(sched.CntTaskDestroy))
}

func TestMachine_CancelledContextStopsRun(t *testing.T) {
	m := newMachine(t, sched.DefaultConfig(), sched.FlatTopology(1))
	spawn(t, m, "hog", group(t, m, "g", 0, 0), job.Spec{Kind: "hog"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Run(ctx, time.Hour), context.Canceled)
	assert.Less(t, m.Now(), time.Hour)
}

func TestMachine_RunPacedFollowsTheClock(t *testing.T) {
	m := newMachine(t, sched.DefaultConfig(), sched.FlatTopology(1))
	spawn(t, m, "hog", group(t, m, "g", 0, 0), job.Spec{Kind: "hog"})

	clock := NewTickClock(4)
	clock.Start(time.Millisecond)
	defer clock.Stop()

	// 10 ticks of 10ms each
	require.NoError(t, m.RunPaced(context.Background(), 100*time.Millisecond, clock, 10*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, m.Now())
	assert.GreaterOrEqual(t, clock.Count(), int64(10))
}

func TestMachine_FinishLogsNextDueEvent(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()
	level := logrus.GetLevel()
	logrus.SetLevel(logrus.DebugLevel)
	defer logrus.SetLevel(level)

	m := newMachine(t, sched.DefaultConfig(), sched.FlatTopology(1))
	spawn(t, m, "hog", group(t, m, "g", 0, 0), job.Spec{Kind: "hog"})
	require.NoError(t, m.Run(context.Background(), 25*time.Millisecond))

	// the hog's slice end is still queued past the horizon
	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.DebugLevel, last.Level)
	assert.Contains(t, last.Message, "next due")
}
