package sim

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"golang.org/x/time/rate"

	"vdisched/internal/sched"
)

// Trace records the scheduler's status events as CSV.
type Trace struct {
	s       *sched.Scheduler
	buf     bytes.Buffer
	w       *csv.Writer
	rows    int
	dropped uint64
	limiter *rate.Limiter // dropped-event warnings
}

var traceHeader = []string{"time_us", "event", "cpu", "task", "credit", "utility", "mask"}

// NewTrace starts a trace of s's event stream. The scheduler must have been created
// with a non-zero event buffer.
func NewTrace(s *sched.Scheduler) (*Trace, error) {
	if s.Events() == nil {
		return nil, fmt.Errorf("trace: scheduler has no event stream (event_buffer is 0)")
	}
	t := &Trace{s: s, limiter: rate.NewLimiter(rate.Limit(1), 1)}
	t.w = csv.NewWriter(&t.buf)
	if err := t.w.Write(traceHeader); err != nil {
		return nil, err
	}
	return t, nil
}

// Drain moves every event waiting on the stream into the trace without blocking.
func (t *Trace) Drain() {
	ch := t.s.Events()
	for {
		select {
		case ev := <-ch:
			t.record(ev)
		default:
			t.checkDropped()
			return
		}
	}
}

func (t *Trace) record(ev sched.StatusEvent) {
	rec := []string{
		strconv.FormatInt(int64(ev.Time/time.Microsecond), 10),
		ev.Kind.String(),
		strconv.Itoa(ev.CPU),
		ev.TaskID.String(),
		strconv.FormatInt(ev.Credit, 10),
		strconv.FormatFloat(ev.Utility, 'f', 1, 64),
		ev.Mask,
	}
	if err := t.w.Write(rec); err != nil {
		logrus.Errorf("trace: %v", err)
		return
	}
	t.rows++
}

// checkDropped warns, at most once a second, when the stream overflowed.
func (t *Trace) checkDropped() {
	n := t.s.Count(sched.CntEventDropped)
	if n <= t.dropped || !t.limiter.Allow() {
		return
	}
	logrus.Warnf("trace: %d events dropped so far, raise event_buffer", n)
	t.dropped = n
}

// Rows is the number of events recorded.
func (t *Trace) Rows() int { return t.rows }

// Bytes returns the CSV written so far.
func (t *Trace) Bytes() []byte {
	t.w.Flush()
	return t.buf.Bytes()
}

// Save uploads the trace to url through fs.
func (t *Trace) Save(ctx context.Context, fs afs.Service, url string) error {
	t.w.Flush()
	if err := t.w.Error(); err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	if err := fs.Upload(ctx, url, file.DefaultFileOsMode, bytes.NewReader(t.buf.Bytes())); err != nil {
		return fmt.Errorf("save trace %s: %w", url, err)
	}
	logrus.Infof("trace: %d events written to %s", t.rows, url)
	return nil
}
