package telemetry

import (
	"sync/atomic"
	"time"

	"threadline/pkg/state/logger"
	"threadline/pkg/timeutil"
)

var slowThreshold atomic.Int64

// SetSlowThreshold sets the duration above which finished traces are logged.
// Zero disables slow-op logging.
func SetSlowThreshold(d time.Duration) { slowThreshold.Store(int64(d)) }

type Step struct {
	Name     string
	Duration time.Duration
}

// Trace times one operation and its named steps.
type Trace struct {
	Name     string
	Start    time.Time
	Steps    []Step
	lastMark time.Time
	done     bool
}

// Track starts a new trace.
func Track(name string) *Trace {
	now := timeutil.Now()
	return &Trace{Name: name, Start: now, lastMark: now}
}

// Mark records the elapsed duration since last mark.
func (tr *Trace) Mark(label string) {
	now := timeutil.Now()
	d := now.Sub(tr.lastMark)
	tr.Steps = append(tr.Steps, Step{Name: label, Duration: d})
	tr.lastMark = now
	opStepSeconds.WithLabelValues(tr.Name, label).Observe(d.Seconds())
}

// Finish records the total duration. Safe to call multiple times or via defer.
func (tr *Trace) Finish() {
	if tr == nil || tr.done {
		return
	}
	tr.done = true
	total := timeutil.Now().Sub(tr.Start)
	opSeconds.WithLabelValues(tr.Name).Observe(total.Seconds())

	if limit := time.Duration(slowThreshold.Load()); limit > 0 && total > limit {
		steps := make([]any, 0, 2*len(tr.Steps)+4)
		steps = append(steps, "op", tr.Name, "total_ms", total.Milliseconds())
		for _, s := range tr.Steps {
			steps = append(steps, "step_"+s.Name+"_ms", s.Duration.Milliseconds())
		}
		logger.Warn("slow_operation", steps...)
	}
}
