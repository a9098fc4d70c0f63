package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vdisched/internal/sched"
	"vdisched/internal/sim"
)

func TestDefaultsCommand_PrintsLoadableConfig(t *testing.T) {
	var out bytes.Buffer
	defaultsCmd.SetOut(&out)
	require.NoError(t, defaultsCmd.RunE(defaultsCmd, nil))

	var cfg sched.Config
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &cfg))
	assert.Equal(t, sched.DefaultConfig(), cfg)
}

func TestRunCommand_Flags(t *testing.T) {
	for _, name := range []string{"config", "workload", "horizon", "seed", "log", "csv", "realtime", "dump-every"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), name)
	}
}

func TestNewDumpCron(t *testing.T) {
	m := sim.NewMachine(1, 1)
	s, err := sched.New(sched.DefaultConfig(), sched.FlatTopology(1), m)
	require.NoError(t, err)

	c, err := newDumpCron("@every 1h", s)
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)

	_, err = newDumpCron("every now and then", s)
	assert.ErrorContains(t, err, "--dump-every")
}

func TestRunRealtime_InvalidDumpSpecReturnsError(t *testing.T) {
	m := sim.NewMachine(1, 1)
	s, err := sched.New(sched.DefaultConfig(), sched.FlatTopology(1), m)
	require.NoError(t, err)
	m.Attach(s)

	dumpEvery = "bogus"
	defer func() { dumpEvery = "" }()

	err = runRealtime(context.Background(), m, sched.DefaultConfig(), time.Millisecond)
	assert.ErrorContains(t, err, "bogus")
	assert.Zero(t, m.Now(), "the run must not start")
}
