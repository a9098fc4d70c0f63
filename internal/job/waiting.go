package job

import (
	"time"
)

// Burst tracks the CPU time a task still has to consume before its current phase ends.
// Preemption charges what actually ran and keeps the rest for the next slice.
type Burst struct {
	Phase     Phase
	remaining time.Duration
}

// NewBurst starts a burst for phase p.
func NewBurst(p Phase) *Burst {
	return &Burst{Phase: p, remaining: p.Run}
}

// Remaining is the CPU time left in the burst.
func (b *Burst) Remaining() time.Duration { return b.remaining }

// Consume charges ran against the burst and reports whether it is finished.
func (b *Burst) Consume(ran time.Duration) bool {
	if ran > 0 {
		b.remaining -= ran
	}
	if b.remaining < 0 {
		b.remaining = 0
	}
	return b.remaining == 0
}

// Done reports whether nothing is left to run.
func (b *Burst) Done() bool { return b.remaining == 0 }
