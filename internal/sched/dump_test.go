package sched

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_ReflectsQueuesAndActiveTasks(t *testing.T) {
	// GIVEN cpu 0 running a, b queued behind it and active
	s, _ := newTestScheduler(t, testConfig(), FlatTopology(2))
	g := mustGroup(t, s, 128, 50)
	a := mustTask(t, s, g, NewCPUMask(0))
	b := mustTask(t, s, g, NewCPUMask(0))
	s.Decide(0, 0)
	s.acctStart(s.Task(b))

	snap := s.Snapshot()

	require.Len(t, snap.Processors, 2)
	p0 := snap.Processors[0]
	assert.Equal(t, a, p0.Current.ID)
	require.Len(t, p0.Queue, 1)
	assert.Equal(t, b, p0.Queue[0].ID)
	assert.True(t, snap.Processors[1].Current.Idle)
	assert.Equal(t, "1", snap.Idlers)
	assert.Equal(t, "0-1", snap.Online)

	require.Len(t, snap.ActiveTasks, 1)
	assert.Equal(t, b, snap.ActiveTasks[0].ID)
	assert.Equal(t, uint32(1), snap.ActiveTasks[0].StateActive)
	assert.Equal(t, int64(128), snap.Weight)
	require.Len(t, snap.Groups, 1)
	assert.Equal(t, uint32(50), snap.Groups[0].Cap)
	assert.Equal(t, uint64(1), snap.Counters["acct_task_active"])
}

func TestSnapshot_WriteText(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(), FlatTopology(1))
	id := mustTask(t, s, mustGroup(t, s, 0, 0), CPUMask{})
	s.Decide(0, 0)

	var buf bytes.Buffer
	require.NoError(t, s.Snapshot().WriteText(&buf))
	out := buf.String()

	assert.Contains(t, out, "ncpus              = 1")
	assert.Contains(t, out, "credits per acct   = 300")
	assert.Contains(t, out, "CPU[00]")
	assert.Contains(t, out, "run: ["+s.Task(id).Group.String()+"."+id.String()+"]")
	assert.Contains(t, out, "schedule")
}

func TestInfo_UnknownTask(t *testing.T) {
	s, _ := newTestScheduler(t, testConfig(), FlatTopology(1))
	_, err := s.Info(TaskID(3))
	assert.ErrorIs(t, err, ErrUnknownTask)
}
