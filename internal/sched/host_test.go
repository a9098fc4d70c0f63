package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeHost is a manually driven Host. Timers never fire on their own.
type fakeHost struct {
	mu       sync.Mutex
	now      time.Duration
	timers   []*fakeTimer
	notified []CPUMask
	paused   []TaskID
	unpaused []TaskID
}

type fakeTimer struct {
	cpu     int
	at      time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (h *fakeHost) Now() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *fakeHost) advance(d time.Duration) {
	h.mu.Lock()
	h.now += d
	h.mu.Unlock()
}

func (h *fakeHost) AfterFunc(cpu int, d time.Duration, fn func()) Timer {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := &fakeTimer{cpu: cpu, at: h.now + d, fn: fn}
	h.timers = append(h.timers, t)
	return t
}

func (h *fakeHost) Notify(cpus CPUMask) {
	h.mu.Lock()
	h.notified = append(h.notified, cpus.Clone())
	h.mu.Unlock()
}

func (h *fakeHost) Pause(id TaskID) {
	h.mu.Lock()
	h.paused = append(h.paused, id)
	h.mu.Unlock()
}

func (h *fakeHost) Unpause(id TaskID) {
	h.mu.Lock()
	h.unpaused = append(h.unpaused, id)
	h.mu.Unlock()
}

// lastNotify returns the most recent Notify argument, or an empty mask.
func (h *fakeHost) lastNotify() CPUMask {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.notified) == 0 {
		return NewCPUMask()
	}
	return h.notified[len(h.notified)-1]
}

func (h *fakeHost) resetNotify() {
	h.mu.Lock()
	h.notified = nil
	h.mu.Unlock()
}

// pending returns the live timers.
func (h *fakeHost) pending() []*fakeTimer {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*fakeTimer
	for _, t := range h.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// testConfig is the default config with the event stream off.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EventBuffer = 0
	return cfg
}

func newTestScheduler(t *testing.T, cfg Config, topo Topology) (*Scheduler, *fakeHost) {
	t.Helper()
	h := &fakeHost{}
	s, err := New(cfg, topo, h)
	require.NoError(t, err)
	return s, h
}

// mustTask adds a task to group and wakes it.
func mustTask(t *testing.T, s *Scheduler, g GroupID, affinity CPUMask) TaskID {
	t.Helper()
	id, err := s.AddTask(g, affinity)
	require.NoError(t, err)
	require.NoError(t, s.Wake(id))
	return id
}

func mustGroup(t *testing.T, s *Scheduler, weight, cap uint32, opts ...GroupOption) GroupID {
	t.Helper()
	id, err := s.AddGroup(weight, cap, opts...)
	require.NoError(t, err)
	return id
}
