// Package bandwidth supplies throughput observations to the predictors.
//
// Two sources exist: a live Meter that measures completed fetches, and a
// deterministic Trace replayed through a Shaper so that the link the fetchers
// see actually follows the trace. Both are exposed as a Feed.
package bandwidth

import (
	"sync/atomic"
	"time"
)

// Sample is one throughput observation in bits per second.
type Sample struct {
	Rate float64
	At   time.Time
}

// Feed yields throughput samples in arrival order. ok is false when no new
// observation is available.
type Feed interface {
	Next() (Sample, bool)
}

// Replay feeds trace samples and applies each one to the shaper, so the
// predictors and the link stay in step.
type Replay struct {
	trace  *Trace
	shaper *Shaper
	count  atomic.Uint64
	now    func() time.Time
}

// NewReplay creates a replay feed starting from the first trace sample, so a
// trace shared between runs replays the same sequence each time. shaper may be
// nil for pure simulation.
func NewReplay(trace *Trace, shaper *Shaper) *Replay {
	trace.Reset()
	return &Replay{trace: trace, shaper: shaper, now: time.Now}
}

// Next always yields a sample: traces wrap.
func (r *Replay) Next() (Sample, bool) {
	rate := r.trace.Next()
	if r.shaper != nil {
		r.shaper.SetRate(rate)
	}
	r.count.Add(1)
	return Sample{Rate: rate, At: r.now()}, true
}

// Samples returns how many samples have been replayed.
func (r *Replay) Samples() uint64 {
	return r.count.Load()
}
