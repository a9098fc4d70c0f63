package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/viant/afs"

	"vdisched/internal/sched"
	"vdisched/internal/sim"
)

var (
	configPath   string        // scheduler config, YAML
	workloadURL  string        // workload, any afs URL
	horizon      time.Duration // overrides the workload's horizon_ms
	seed         int64         // overrides the workload's seed
	logLevel     string        // log verbosity
	traceURL     string        // CSV event trace destination
	realtime     bool          // pace virtual time against the wall clock
	realtimeStep time.Duration // virtual time per realtime tick
	dumpEvery    string        // cron spec for periodic state dumps in realtime mode
	dumpAtEnd    bool          // print the scheduler state after the run
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "ticksched",
	Short: "Credit and utility scheduler running on a simulated multiprocessor",
}

// runCmd runs a workload to its horizon and prints who got the processors
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a workload",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if workloadURL == "" {
			logrus.Fatalf("No workload given (--workload)")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		cfg, err := sched.Load(configPath)
		if err != nil {
			logrus.Fatalf("config: %v", err)
		}
		fs := afs.New()
		w, err := sim.LoadWorkload(ctx, fs, workloadURL)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if cmd.Flags().Changed("seed") {
			w.Seed = seed
		}
		end := w.Horizon()
		if horizon > 0 {
			end = horizon
		}
		if traceURL != "" && cfg.EventBuffer == 0 {
			cfg.EventBuffer = sched.DefaultConfig().EventBuffer
		}

		m := sim.NewMachine(w.Topology.NumCPUs(), w.Seed)
		s, err := sched.New(cfg, w.Topology, m)
		if err != nil {
			logrus.Fatalf("scheduler: %v", err)
		}
		m.Attach(s)

		var trace *sim.Trace
		if traceURL != "" {
			if trace, err = sim.NewTrace(s); err != nil {
				logrus.Fatalf("%v", err)
			}
			m.OnStep(trace.Drain)
		}
		if err := w.Setup(m); err != nil {
			logrus.Fatalf("workload: %v", err)
		}

		start := time.Now()
		if realtime {
			err = runRealtime(ctx, m, cfg, end)
		} else {
			err = m.Run(ctx, end)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			logrus.Fatalf("run: %v", err)
		}
		logrus.Infof("Simulated %v in %v", m.Now(), time.Since(start))

		if trace != nil {
			if err := trace.Save(ctx, fs, traceURL); err != nil {
				logrus.Errorf("%v", err)
			}
		}
		if err := m.Report().WriteText(os.Stdout); err != nil {
			logrus.Errorf("report: %v", err)
		}
		if dumpAtEnd {
			if err := s.Snapshot().WriteText(os.Stdout); err != nil {
				logrus.Errorf("dump: %v", err)
			}
		}
	},
}

// runRealtime paces the machine with a TickClock ticking once per scheduler tick of cfg
// and dumps the scheduler state on the --dump-every schedule.
func runRealtime(ctx context.Context, m *sim.Machine, cfg sched.Config, end time.Duration) error {
	interval := cfg.Tick()
	step := realtimeStep
	if step <= 0 {
		step = interval
	}

	if dumpEvery != "" {
		c, err := newDumpCron(dumpEvery, m.Scheduler())
		if err != nil {
			return err
		}
		c.Start()
		defer c.Stop()
	}

	clock := sim.NewTickClock(1)
	clock.Start(interval)
	defer func() {
		clock.Stop()
		if n := clock.Missed(); n > 0 {
			logrus.Warnf("realtime: fell behind by %d ticks", n)
		}
	}()
	return m.RunPaced(ctx, end, clock, step)
}

// newDumpCron returns a stopped cron that writes a snapshot of s to stderr on spec.
func newDumpCron(spec string, s *sched.Scheduler) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := s.Snapshot().WriteText(os.Stderr); err != nil {
			logrus.Warnf("dump: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid --dump-every %q: %w", spec, err)
	}
	return c, nil
}

// defaultsCmd prints the default scheduler config as YAML
var defaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Print the default scheduler configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(sched.DefaultConfig())
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "Scheduler config file (YAML); defaults when empty")
	runCmd.Flags().StringVar(&workloadURL, "workload", "", "Workload file or URL (YAML)")
	runCmd.Flags().DurationVar(&horizon, "horizon", 0, "Virtual time to simulate; the workload's horizon_ms when 0")
	runCmd.Flags().Int64Var(&seed, "seed", 1, "Seed for task behaviours; overrides the workload's seed when set")
	runCmd.Flags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().StringVar(&traceURL, "csv", "", "Write a CSV event trace to this file or URL")
	runCmd.Flags().BoolVar(&realtime, "realtime", false, "Pace the simulation against the wall clock")
	runCmd.Flags().DurationVar(&realtimeStep, "realtime-step", 0, "Virtual time per wall-clock tick in realtime mode; one scheduler tick when 0")
	runCmd.Flags().StringVar(&dumpEvery, "dump-every", "", "Cron spec for state dumps to stderr in realtime mode, e.g. \"@every 5s\"")
	runCmd.Flags().BoolVar(&dumpAtEnd, "dump", false, "Print the scheduler state after the run")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(defaultsCmd)
}
