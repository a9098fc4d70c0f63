package sched

import "sync/atomic"

// Counter names one system-wide perf counter.
type Counter int

const (
	CntSchedule Counter = iota
	CntAcctRun
	CntAcctNoWork
	CntAcctBalance
	CntAcctReorder
	CntAcctMinCredit
	CntAcctTaskActive
	CntAcctTaskIdle
	CntTaskPark
	CntTaskUnpark
	CntTickleLocalIdler
	CntTickleLocalOver
	CntTickleLocalUnder
	CntTickleLocalOther
	CntTickleIdlersNone
	CntTickleIdlersSome
	CntMigrateRunning
	CntMigrateQueued
	CntMigrateTrylockFailed
	CntLoadBalanceIdle
	CntLoadBalanceOver
	CntLoadBalanceOther
	CntStealPeerIdle
	CntStealTrylockFailed
	CntWakeRunning
	CntWakeOnRunq
	CntWakeRunnable
	CntTaskSleep
	CntTaskInit
	CntTaskDestroy
	CntGroupInit
	CntGroupDestroy
	CntEventDropped
	numCounters
)

var counterNames = [numCounters]string{
	CntSchedule:             "schedule",
	CntAcctRun:              "acct_run",
	CntAcctNoWork:           "acct_no_work",
	CntAcctBalance:          "acct_balance",
	CntAcctReorder:          "acct_reorder",
	CntAcctMinCredit:        "acct_min_credit",
	CntAcctTaskActive:       "acct_task_active",
	CntAcctTaskIdle:         "acct_task_idle",
	CntTaskPark:             "task_park",
	CntTaskUnpark:           "task_unpark",
	CntTickleLocalIdler:     "tickle_local_idler",
	CntTickleLocalOver:      "tickle_local_over",
	CntTickleLocalUnder:     "tickle_local_under",
	CntTickleLocalOther:     "tickle_local_other",
	CntTickleIdlersNone:     "tickle_idlers_none",
	CntTickleIdlersSome:     "tickle_idlers_some",
	CntMigrateRunning:       "migrate_running",
	CntMigrateQueued:        "migrate_queued",
	CntMigrateTrylockFailed: "migrate_trylock_failed",
	CntLoadBalanceIdle:      "load_balance_idle",
	CntLoadBalanceOver:      "load_balance_over",
	CntLoadBalanceOther:     "load_balance_other",
	CntStealPeerIdle:        "steal_peer_idle",
	CntStealTrylockFailed:   "steal_trylock_failed",
	CntWakeRunning:          "wake_running",
	CntWakeOnRunq:           "wake_onrunq",
	CntWakeRunnable:         "wake_runnable",
	CntTaskSleep:            "task_sleep",
	CntTaskInit:             "task_init",
	CntTaskDestroy:          "task_destroy",
	CntGroupInit:            "group_init",
	CntGroupDestroy:         "group_destroy",
	CntEventDropped:         "event_dropped",
}

func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return "unknown"
	}
	return counterNames[c]
}

type counters [numCounters]atomic.Uint64

func (s *Scheduler) count(c Counter) { s.counters[c].Add(1) }

// Count returns the current value of c.
func (s *Scheduler) Count(c Counter) uint64 { return s.counters[c].Load() }
