package sched

import "time"

// Clock is a monotonic clock measured from an arbitrary origin.
type Clock interface {
	Now() time.Duration
}

// Timer is a pending callback armed through Timers.
type Timer interface {
	// Stop cancels the callback and reports whether it was still pending.
	Stop() bool
}

// Timers runs fn once, on processor cpu's control path, after d has elapsed.
type Timers interface {
	AfterFunc(cpu int, d time.Duration, fn func()) Timer
}

// Signaler asks each processor in cpus to re-enter Decide at its next opportunity.
// It must not block and must not call back into the scheduler synchronously.
type Signaler interface {
	Notify(cpus CPUMask)
}

// Pauser suspends and resumes tasks of capped-out groups. Pause is expected to end in a
// Sleep of the task and Unpause in a Wake, the way any other blocking would.
type Pauser interface {
	Pause(id TaskID)
	Unpause(id TaskID)
}

// Host bundles everything the scheduler consumes from its environment.
type Host interface {
	Clock
	Timers
	Signaler
	Pauser
}
