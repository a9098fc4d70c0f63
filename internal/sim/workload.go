package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/sirupsen/logrus"
	"github.com/viant/afs"

	"vdisched/internal/job"
	"vdisched/internal/sched"
)

// Workload describes a machine and the tasks to run on it.
type Workload struct {
	Topology  sched.Topology `yaml:"topology"`
	HorizonMS int            `yaml:"horizon_ms"`
	Seed      int64          `yaml:"seed"`
	Groups    []GroupSpec    `yaml:"groups"`
}

// GroupSpec is one group and its tasks.
type GroupSpec struct {
	Name   string     `yaml:"name"`
	Weight uint32     `yaml:"weight"` // 0 = scheduler default
	Cap    uint32     `yaml:"cap"`    // percent of one processor, 0 = none
	Tier   *int       `yaml:"tier"`   // nil = worst tier
	Pinned bool       `yaml:"pinned"` // tier never demoted
	Tasks  []TaskSpec `yaml:"tasks"`
}

// TaskSpec is one kind of task; Count copies of it are spawned.
type TaskSpec struct {
	Name     string   `yaml:"name"`
	Count    int      `yaml:"count"`
	Affinity []int    `yaml:"affinity"` // empty = every processor
	StartMS  int      `yaml:"start_ms"`
	Behavior job.Spec `yaml:"behavior"`
}

// Horizon is how long the workload runs in virtual time.
func (w *Workload) Horizon() time.Duration { return time.Duration(w.HorizonMS) * time.Millisecond }

// LoadWorkload reads a workload from any URL fs understands: a local path, file://,
// mem:// and the cloud schemes registered with afs.
func LoadWorkload(ctx context.Context, fs afs.Service, url string) (*Workload, error) {
	data, err := fs.DownloadWithURL(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("read workload %s: %w", url, err)
	}
	return ParseWorkload(data)
}

// ParseWorkload decodes and validates a YAML workload.
func ParseWorkload(data []byte) (*Workload, error) {
	w := &Workload{Topology: sched.FlatTopology(1), HorizonMS: 1000, Seed: 1}
	if err := yaml.Unmarshal(data, w); err != nil {
		return nil, fmt.Errorf("parse workload: %w", err)
	}
	if err := w.validate(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Workload) validate() error {
	n := w.Topology.NumCPUs()
	if n == 0 {
		return fmt.Errorf("workload: topology %+v has no processors", w.Topology)
	}
	if w.HorizonMS <= 0 {
		return fmt.Errorf("workload: horizon_ms must be positive, got %d", w.HorizonMS)
	}
	if len(w.Groups) == 0 {
		return fmt.Errorf("workload: no groups")
	}
	seen := make(map[string]bool)
	for gi, g := range w.Groups {
		if g.Name == "" {
			return fmt.Errorf("workload: group %d has no name", gi)
		}
		if seen[g.Name] {
			return fmt.Errorf("workload: duplicate group %q", g.Name)
		}
		seen[g.Name] = true
		for ti, t := range g.Tasks {
			if t.Count < 0 {
				return fmt.Errorf("workload: group %s task %d: negative count", g.Name, ti)
			}
			for _, cpu := range t.Affinity {
				if cpu < 0 || cpu >= n {
					return fmt.Errorf("workload: group %s task %d: cpu %d outside 0-%d", g.Name, ti, cpu, n-1)
				}
			}
			if _, err := job.New(t.Behavior); err != nil {
				return fmt.Errorf("workload: group %s task %d: %w", g.Name, ti, err)
			}
		}
	}
	return nil
}

// Setup creates the workload's groups in the machine's scheduler and spawns its tasks.
func (w *Workload) Setup(m *Machine) error {
	s := m.Scheduler()
	for _, g := range w.Groups {
		var opts []sched.GroupOption
		if g.Tier != nil {
			opts = append(opts, sched.WithServiceTier(sched.ServiceTier(*g.Tier)))
		}
		if g.Pinned {
			opts = append(opts, sched.WithPinnedTier())
		}
		gid, err := s.AddGroup(g.Weight, g.Cap, opts...)
		if err != nil {
			return fmt.Errorf("group %s: %w", g.Name, err)
		}
		m.NameGroup(gid, g.Name)

		for _, t := range g.Tasks {
			count := t.Count
			if count == 0 {
				count = 1
			}
			name := t.Name
			if name == "" {
				name = t.Behavior.Kind
			}
			for i := 0; i < count; i++ {
				b, err := job.New(t.Behavior)
				if err != nil {
					return err
				}
				label := fmt.Sprintf("%s/%s-%d", g.Name, name, i)
				start := time.Duration(t.StartMS) * time.Millisecond
				if _, err := m.Spawn(label, gid, sched.NewCPUMask(t.Affinity...), b, start); err != nil {
					return err
				}
			}
		}
	}
	logrus.Infof("sim: %d groups, %d tasks on %d processors", len(w.Groups), len(m.order), w.Topology.NumCPUs())
	return nil
}
