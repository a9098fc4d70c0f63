package sched

import (
	"errors"

	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidConfig    = errors.New("invalid scheduler config")
	ErrNoProcessors     = errors.New("topology has no processors")
	ErrNoSpace          = errors.New("no space left for allocation")
	ErrUnknownGroup     = errors.New("unknown group")
	ErrUnknownTask      = errors.New("unknown task")
	ErrUnknownProcessor = errors.New("unknown processor")
	ErrGroupBusy        = errors.New("group still has tasks")
	ErrProcessorBusy    = errors.New("processor still has work")
	ErrAffinity         = errors.New("affinity has no online processor")
	ErrTaskRunning      = errors.New("task is running")
)

// bug reports a broken scheduler invariant. It never returns.
func bug(format string, args ...any) {
	logrus.Panicf("sched: BUG: "+format, args...)
}
