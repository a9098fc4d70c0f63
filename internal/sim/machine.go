// internal/sim/machine.go

package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"vdisched/internal/job"
	"vdisched/internal/sched"
)

// taskState is the machine's view of one simulated task.
type taskState struct {
	id       sched.TaskID
	name     string
	group    sched.GroupID
	behavior job.Behavior
	burst    *job.Burst

	sleeping bool // blocked by its own behaviour
	paused   int  // nested Pause count
	exited   bool

	cpu     time.Duration // CPU time received
	wakeups int
	parks   int
}

func (t *taskState) blocked() bool { return t.sleeping || t.paused > 0 || t.exited }

// cpuState is what one simulated processor is doing.
type cpuState struct {
	running *taskState // nil while idle
	since   time.Duration
	expiry  *event
	busy    time.Duration
	pending bool // a reschedule is queued or in progress
}

// timer adapts a queued event to sched.Timer.
type timer struct {
	q  *eventQueue
	ev *event
}

func (t *timer) Stop() bool { return t.q.cancel(t.ev) }

// Machine is a discrete-event model of a multiprocessor running tasks under a
// sched.Scheduler. It serves as the scheduler's Host: virtual clock, timers, processor
// signalling and pausing all go through its event queue.
//
// A Machine is driven from a single goroutine. Only Now and the event queue are safe to
// touch from elsewhere.
type Machine struct {
	now   atomic.Int64
	q     *eventQueue
	s     *sched.Scheduler
	rng   *rand.Rand
	cpus  []cpuState
	tasks map[sched.TaskID]*taskState
	order []*taskState
	names map[sched.GroupID]string

	onStep func() // after every event
	steps  uint64
}

// NewMachine creates a machine with ncpus processors. seed fixes every random choice
// made by task behaviours.
func NewMachine(ncpus int, seed int64) *Machine {
	return &Machine{
		q:     newEventQueue(),
		rng:   rand.New(rand.NewSource(seed)),
		cpus:  make([]cpuState, ncpus),
		tasks: make(map[sched.TaskID]*taskState),
		names: make(map[sched.GroupID]string),
	}
}

// Attach binds the scheduler the machine drives. It must be called before Run.
func (m *Machine) Attach(s *sched.Scheduler) { m.s = s }

// Scheduler returns the attached scheduler.
func (m *Machine) Scheduler() *sched.Scheduler { return m.s }

// OnStep installs fn to run after every processed event.
func (m *Machine) OnStep(fn func()) { m.onStep = fn }

// Now implements sched.Clock.
func (m *Machine) Now() time.Duration { return time.Duration(m.now.Load()) }

// AfterFunc implements sched.Timers.
func (m *Machine) AfterFunc(cpu int, d time.Duration, fn func()) sched.Timer {
	if d < 0 {
		d = 0
	}
	return &timer{q: m.q, ev: m.q.push(m.Now()+d, cpu, fn)}
}

// Notify implements sched.Signaler. Signals to a processor coalesce into a single
// pending reschedule.
func (m *Machine) Notify(cpus sched.CPUMask) {
	now := m.Now()
	for _, cpu := range cpus.CPUs() {
		if cpu < 0 || cpu >= len(m.cpus) {
			continue
		}
		c := &m.cpus[cpu]
		if c.pending {
			continue
		}
		c.pending = true
		cpu := cpu
		m.q.push(now, cpu, func() { m.reschedule(cpu) })
	}
}

// Pause implements sched.Pauser by blocking the task until the matching Unpause.
func (m *Machine) Pause(id sched.TaskID) {
	t := m.tasks[id]
	if t == nil || t.exited {
		return
	}
	t.paused++
	t.parks++
	if t.paused == 1 && !t.sleeping {
		if err := m.s.Sleep(id); err != nil {
			logrus.Warnf("[%v] pause %s: %v", m.Now(), t.name, err)
		}
	}
}

// Unpause implements sched.Pauser.
func (m *Machine) Unpause(id sched.TaskID) {
	t := m.tasks[id]
	if t == nil || t.paused == 0 {
		return
	}
	t.paused--
	if !t.blocked() {
		m.wake(t)
	}
}

// NameGroup records a display name for a group.
func (m *Machine) NameGroup(id sched.GroupID, name string) { m.names[id] = name }

// Spawn adds a task to the scheduler and makes it runnable at start.
func (m *Machine) Spawn(name string, group sched.GroupID, affinity sched.CPUMask, b job.Behavior, start time.Duration) (sched.TaskID, error) {
	if m.s == nil {
		return sched.NoTask, fmt.Errorf("spawn %s: machine has no scheduler", name)
	}
	id, err := m.s.AddTask(group, affinity)
	if err != nil {
		return sched.NoTask, fmt.Errorf("spawn %s: %w", name, err)
	}
	t := &taskState{id: id, name: name, group: group, behavior: b, sleeping: true}
	t.burst = job.NewBurst(b.Next(m.rng))
	m.tasks[id] = t
	m.order = append(m.order, t)

	m.q.push(m.Now()+start, -1, func() {
		t.sleeping = false
		if !t.blocked() {
			m.wake(t)
		}
	})
	return id, nil
}

// Run starts the scheduler and processes events until the virtual clock reaches horizon
// or ctx is cancelled.
func (m *Machine) Run(ctx context.Context, horizon time.Duration) error {
	m.start()
	defer m.finish(horizon)
	return m.advance(ctx, horizon)
}

// RunPaced is Run with the virtual clock tied to clock: every tick lets the machine move
// step further, so the simulation proceeds at wall-clock speed times step/interval.
func (m *Machine) RunPaced(ctx context.Context, horizon time.Duration, clock *TickClock, step time.Duration) error {
	m.start()
	defer m.finish(horizon)

	limit := m.Now()
	for limit < horizon {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-clock.Ch:
			if !ok {
				return nil
			}
		}
		limit += step
		if limit > horizon {
			limit = horizon
		}
		if err := m.advance(ctx, limit); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) start() {
	if m.s == nil {
		logrus.Panicf("sim: run without a scheduler")
	}
	m.s.Start()
	// every processor makes an initial decision
	m.Notify(m.s.Online())
}

// advance runs every event due at or before limit, then moves the clock to limit.
func (m *Machine) advance(ctx context.Context, limit time.Duration) error {
	for {
		if m.steps%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		ev, ok := m.q.popUntil(limit)
		if !ok {
			break
		}
		if ev.key.at > m.Now() {
			m.now.Store(int64(ev.key.at))
		}
		m.steps++
		ev.fn()
		if m.onStep != nil {
			m.onStep()
		}
	}
	if limit > m.Now() {
		m.now.Store(int64(limit))
	}
	return nil
}

// finish stops the scheduler and charges running tasks up to the horizon.
func (m *Machine) finish(horizon time.Duration) {
	m.s.Stop()
	end := m.Now()
	if end > horizon {
		end = horizon
	}
	for i := range m.cpus {
		c := &m.cpus[i]
		if c.running != nil && end > c.since {
			ran := end - c.since
			c.running.cpu += ran
			c.busy += ran
			c.since = end
		}
	}
	if m.onStep != nil {
		m.onStep()
	}
	if at, ok := m.q.next(); ok {
		logrus.Debugf("sim: %d events processed, %d left (next due %v), clock %v", m.steps, m.q.len(), at, m.Now())
		return
	}
	logrus.Debugf("sim: %d events processed, none left, clock %v", m.steps, m.Now())
}

func (m *Machine) wake(t *taskState) {
	t.wakeups++
	if err := m.s.Wake(t.id); err != nil {
		logrus.Warnf("[%v] wake %s: %v", m.Now(), t.name, err)
	}
}

// reschedule charges the outgoing task, lets the scheduler decide, and arms the end of
// the new slice: the quantum or the end of the burst, whichever comes first.
func (m *Machine) reschedule(cpu int) {
	c := &m.cpus[cpu]
	c.pending = true
	defer func() { c.pending = false }()

	now := m.Now()
	if c.expiry != nil {
		m.q.cancel(c.expiry)
		c.expiry = nil
	}

	var exiting *taskState
	if t := c.running; t != nil {
		ran := now - c.since
		t.cpu += ran
		c.busy += ran
		if t.burst.Consume(ran) {
			exiting = m.endBurst(t, now)
		}
	}

	slice := m.s.Decide(cpu, now)
	c.running = nil

	if exiting != nil {
		if err := m.s.RemoveTask(exiting.id); err != nil {
			logrus.Warnf("[%v] exit %s: %v", now, exiting.name, err)
		}
	}
	if slice.Idle() {
		return
	}

	t := m.tasks[slice.Task]
	if t == nil {
		logrus.Panicf("sim: cpu %d dispatched unknown task %v", cpu, slice.Task)
	}
	c.running, c.since = t, now
	d := slice.Quantum
	if r := t.burst.Remaining(); r < d {
		d = r
	}
	c.expiry = m.q.push(now+d, cpu, func() {
		c.expiry = nil
		m.reschedule(cpu)
	})
}

// endBurst applies what t does after a finished burst. It returns t if the task leaves.
func (m *Machine) endBurst(t *taskState, now time.Duration) *taskState {
	phase := t.burst.Phase
	switch phase.Then {
	case job.ThenExit:
		t.exited = true
		if err := m.s.Sleep(t.id); err != nil {
			logrus.Warnf("[%v] exit %s: %v", now, t.name, err)
		}
		return t
	case job.ThenSleep:
		t.sleeping = true
		if err := m.s.Sleep(t.id); err != nil {
			logrus.Warnf("[%v] sleep %s: %v", now, t.name, err)
		}
		m.q.push(now+phase.Pause, -1, func() {
			t.sleeping = false
			if !t.blocked() {
				m.wake(t)
			}
		})
	case job.ThenYield:
		if err := m.s.Yield(t.id); err != nil {
			logrus.Warnf("[%v] yield %s: %v", now, t.name, err)
		}
	}
	t.burst = job.NewBurst(t.behavior.Next(m.rng))
	return nil
}
