// internal/sched/schedulerEvent.go

package sched

import (
	"time"
)

// StatusKind represents the type of scheduler event
type StatusKind int

const (
	StatusIdle StatusKind = iota
	StatusEnqueue
	StatusDispatch
	StatusTickle
	StatusPark
	StatusUnpark
	StatusSettle
	StatusMigrate
	StatusDemote
)

// StatusEvent is emitted on key scheduling actions
type StatusEvent struct {
	Time    time.Duration
	Kind    StatusKind
	CPU     int
	TaskID  TaskID
	Credit  int64
	Utility float64
	Mask    string // processors signalled, for StatusTickle
}

func (sk StatusKind) String() string {
	switch sk {
	case StatusIdle:
		return "Idle"
	case StatusEnqueue:
		return "Enqueued"
	case StatusDispatch:
		return "Dispatch"
	case StatusTickle:
		return "Tickle"
	case StatusPark:
		return "Park"
	case StatusUnpark:
		return "Unpark"
	case StatusSettle:
		return "Settle"
	case StatusMigrate:
		return "Migrate"
	case StatusDemote:
		return "Demote"
	default:
		return "Unknown"
	}
}

// emit hands ev to the event stream without ever blocking the caller.
func (s *Scheduler) emit(ev StatusEvent) {
	if s.statusCh == nil {
		return
	}
	select {
	case s.statusCh <- ev:
	default:
		s.count(CntEventDropped)
	}
}
