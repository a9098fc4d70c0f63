package job

import (
	"fmt"
	"math/rand"
	"time"
)

// Then says what a task does once a burst has run to completion.
type Then int

const (
	ThenContinue Then = iota // start the next burst straight away
	ThenSleep                // block for Phase.Pause
	ThenYield                // give way, then continue
	ThenExit                 // leave the system
)

func (t Then) String() string {
	switch t {
	case ThenContinue:
		return "continue"
	case ThenSleep:
		return "sleep"
	case ThenYield:
		return "yield"
	case ThenExit:
		return "exit"
	default:
		return fmt.Sprintf("then(%d)", int(t))
	}
}

// Phase is one unit of simulated work: run for Run of CPU time, then do Then.
type Phase struct {
	Run   time.Duration
	Then  Then
	Pause time.Duration // with ThenSleep
}

// Behavior generates the phases of a simulated task.
type Behavior interface {
	Name() string
	Next(rng *rand.Rand) Phase
}

// Spec is the YAML form of a behaviour.
type Spec struct {
	Kind    string  `yaml:"kind"`     // hog | bursty | yielder
	RunUS   int64   `yaml:"run_us"`   // burst length
	SleepUS int64   `yaml:"sleep_us"` // bursty only
	Jitter  float64 `yaml:"jitter"`   // relative, 0..1
	Bursts  int     `yaml:"bursts"`   // exit after this many bursts, 0 = never
}

// New builds the behaviour described by spec.
func New(spec Spec) (Behavior, error) {
	if spec.Jitter < 0 || spec.Jitter > 1 {
		return nil, fmt.Errorf("job %s: jitter %v outside [0,1]", spec.Kind, spec.Jitter)
	}
	run := time.Duration(spec.RunUS) * time.Microsecond
	switch spec.Kind {
	case "hog", "":
		if run <= 0 {
			run = 100 * time.Millisecond
		}
		return &Hog{Slice: run, limit: limit{max: spec.Bursts}}, nil
	case "bursty":
		if run <= 0 || spec.SleepUS <= 0 {
			return nil, fmt.Errorf("job bursty: run_us and sleep_us must be positive")
		}
		return &Bursty{
			Run:    run,
			Sleep:  time.Duration(spec.SleepUS) * time.Microsecond,
			Jitter: spec.Jitter,
			limit:  limit{max: spec.Bursts},
		}, nil
	case "yielder":
		if run <= 0 {
			return nil, fmt.Errorf("job yielder: run_us must be positive")
		}
		return &Yielder{Run: run, Jitter: spec.Jitter, limit: limit{max: spec.Bursts}}, nil
	default:
		return nil, fmt.Errorf("job: unknown kind %q", spec.Kind)
	}
}

// limit ends a behaviour after a number of bursts.
type limit struct {
	max  int
	done int
}

func (l *limit) last() bool {
	l.done++
	return l.max > 0 && l.done >= l.max
}

// Hog never blocks. Slice only splits its work into bursts.
type Hog struct {
	Slice time.Duration
	limit
}

func (h *Hog) Name() string { return "hog" }

func (h *Hog) Next(*rand.Rand) Phase {
	if h.last() {
		return Phase{Run: h.Slice, Then: ThenExit}
	}
	return Phase{Run: h.Slice, Then: ThenContinue}
}

// Bursty alternates short CPU bursts and sleeps, both jittered.
type Bursty struct {
	Run    time.Duration
	Sleep  time.Duration
	Jitter float64
	limit
}

func (b *Bursty) Name() string { return "bursty" }

func (b *Bursty) Next(rng *rand.Rand) Phase {
	p := Phase{Run: jitter(rng, b.Run, b.Jitter), Then: ThenSleep, Pause: jitter(rng, b.Sleep, b.Jitter)}
	if b.last() {
		p.Then = ThenExit
	}
	return p
}

// Yielder runs short bursts and yields between them.
type Yielder struct {
	Run    time.Duration
	Jitter float64
	limit
}

func (y *Yielder) Name() string { return "yielder" }

func (y *Yielder) Next(rng *rand.Rand) Phase {
	p := Phase{Run: jitter(rng, y.Run, y.Jitter), Then: ThenYield}
	if y.last() {
		p.Then = ThenExit
	}
	return p
}

// jitter spreads d uniformly over d*(1±j), never below one microsecond.
func jitter(rng *rand.Rand, d time.Duration, j float64) time.Duration {
	if j == 0 || rng == nil {
		return d
	}
	f := 1 + j*(2*rng.Float64()-1)
	out := time.Duration(float64(d) * f)
	if out < time.Microsecond {
		out = time.Microsecond
	}
	return out
}
