package sim

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
)

// Report summarises who got the processors during a run.
type Report struct {
	RunID   string
	Horizon time.Duration
	CPUs    []CPUReport
	Tasks   []TaskReport
	Groups  []GroupReport
}

// CPUReport is the busy time of one processor.
type CPUReport struct {
	ID   int
	Busy time.Duration
	Util float64 // busy / horizon
}

// TaskReport is what one task received.
type TaskReport struct {
	Name     string
	Group    string
	Behavior string
	CPU      time.Duration
	Share    float64 // of the total busy time
	Wakeups  int
	Parks    int
	Exited   bool
}

// GroupReport aggregates the tasks of a group.
type GroupReport struct {
	Name  string
	Tasks int
	CPU   time.Duration
	Share float64 // of the total busy time
}

// Report builds the summary of what the machine has run so far.
func (m *Machine) Report() Report {
	r := Report{RunID: uuid.New().String(), Horizon: m.Now()}

	var total time.Duration
	for i, c := range m.cpus {
		cr := CPUReport{ID: i, Busy: c.busy}
		if r.Horizon > 0 {
			cr.Util = float64(c.busy) / float64(r.Horizon)
		}
		r.CPUs = append(r.CPUs, cr)
		total += c.busy
	}

	groups := make(map[string]*GroupReport)
	var names []string
	for _, t := range m.order {
		gname := m.names[t.group]
		if gname == "" {
			gname = t.group.String()
		}
		tr := TaskReport{
			Name:     t.name,
			Group:    gname,
			Behavior: t.behavior.Name(),
			CPU:      t.cpu,
			Wakeups:  t.wakeups,
			Parks:    t.parks,
			Exited:   t.exited,
		}
		if total > 0 {
			tr.Share = float64(t.cpu) / float64(total)
		}
		r.Tasks = append(r.Tasks, tr)

		g := groups[gname]
		if g == nil {
			g = &GroupReport{Name: gname}
			groups[gname] = g
			names = append(names, gname)
		}
		g.Tasks++
		g.CPU += t.cpu
	}
	sort.Strings(names)
	for _, n := range names {
		g := groups[n]
		if total > 0 {
			g.Share = float64(g.CPU) / float64(total)
		}
		r.Groups = append(r.Groups, *g)
	}
	return r
}

// Group returns the report of the named group.
func (r Report) Group(name string) (GroupReport, bool) {
	for _, g := range r.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return GroupReport{}, false
}

// WriteText prints the report as aligned tables.
func (r Report) WriteText(out io.Writer) error {
	fmt.Fprintf(out, "run %s, %v of virtual time\n\n", r.RunID, r.Horizon)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CPU\tBUSY\tUTIL")
	for _, c := range r.CPUs {
		fmt.Fprintf(w, "%d\t%v\t%.1f%%\n", c.ID, c.Busy, 100*c.Util)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "GROUP\tTASKS\tCPU\tSHARE")
	for _, g := range r.Groups {
		fmt.Fprintf(w, "%s\t%d\t%v\t%.1f%%\n", g.Name, g.Tasks, g.CPU, 100*g.Share)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "TASK\tKIND\tCPU\tSHARE\tWAKEUPS\tPARKS\tEXITED")
	for _, t := range r.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%v\t%.1f%%\t%d\t%d\t%v\n", t.Name, t.Behavior, t.CPU, 100*t.Share, t.Wakeups, t.Parks, t.Exited)
	}
	return w.Flush()
}
