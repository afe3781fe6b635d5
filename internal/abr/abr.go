// Package abr chooses a representation level per object for the next fetch.
//
// A Policy sees the predicted throughput, each object's ladder, its buffer
// occupancy and its viewport weight, and returns one level per object. All
// policies share two rules:
//
//   - without a throughput prediction every object gets the lowest level;
//   - a level above the lowest is never chosen if fetching one frame at that
//     level, under worst-case latency, would drain the object's buffer below
//     its reserve.
package abr

import (
	"fmt"
	"math"
	"time"

	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

// Representation is one rung of an object's quality ladder.
type Representation struct {
	Bitrate float64 // bits per second at the playback frame rate
	Utility float64 // optional; 0 derives utility from the bitrate
}

// ObjectState is everything a policy knows about one object at decision time.
type ObjectState struct {
	ID        types.ObjectID
	Ladder    []Representation // ascending bitrate
	Occupancy types.Occupancy
	Weight    float64 // viewport weight, 1 when unknown
}

// Input is a decision request.
type Input struct {
	Throughput    float64 // predicted bits per second
	HasThroughput bool
	Objects       []ObjectState
	FPS           float64
}

// Policy decides levels; the result is index-aligned with in.Objects.
type Policy interface {
	Decide(in Input) []types.Level
}

// PolicyType names a policy family.
type PolicyType string

const (
	PolicyQueueing      PolicyType = "queueing"
	PolicyMultiQueueing PolicyType = "multi_queueing"
	PolicyKnapsack      PolicyType = "knapsack"
)

// Valid reports whether t names a known policy.
func (t PolicyType) Valid() bool {
	switch t {
	case PolicyQueueing, PolicyMultiQueueing, PolicyKnapsack:
		return true
	}
	return false
}

// Config parameterises the policies. Zero fields take defaults.
type Config struct {
	Policy        PolicyType
	SafetyFactor  float64       // fraction of predicted throughput treated as usable
	FetchLatency  time.Duration // fixed per-fetch latency added to transfer time
	ReserveFrames int           // frames that must remain buffered after a fetch
	BudgetSteps   int           // knapsack budget discretisation
	Utility       UtilityType
}

const defaultFPS = 30.0

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		Policy:        PolicyQueueing,
		SafetyFactor:  0.9,
		FetchLatency:  20 * time.Millisecond,
		ReserveFrames: 1,
		BudgetSteps:   200,
		Utility:       UtilityLog,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Policy == "" {
		c.Policy = def.Policy
	}
	if c.SafetyFactor <= 0 || c.SafetyFactor > 1 {
		c.SafetyFactor = def.SafetyFactor
	}
	if c.FetchLatency < 0 {
		c.FetchLatency = 0
	}
	if c.ReserveFrames <= 0 {
		c.ReserveFrames = def.ReserveFrames
	}
	if c.BudgetSteps <= 0 {
		c.BudgetSteps = def.BudgetSteps
	}
	if c.Utility == "" {
		c.Utility = def.Utility
	}
	return c
}

// New builds the policy named by cfg.Policy.
func New(cfg Config) (Policy, error) {
	cfg = cfg.withDefaults()

	utility, err := NewUtility(cfg.Utility)
	if err != nil {
		return nil, err
	}

	m := model{
		safety:  cfg.SafetyFactor,
		latency: cfg.FetchLatency,
		reserve: cfg.ReserveFrames,
	}
	switch cfg.Policy {
	case PolicyQueueing:
		return &Queueing{model: m}, nil
	case PolicyMultiQueueing:
		return &MultiQueueing{model: m}, nil
	case PolicyKnapsack:
		return &Knapsack{model: m, steps: cfg.BudgetSteps, utility: utility}, nil
	default:
		return nil, fmt.Errorf("abr: unknown policy %q", cfg.Policy)
	}
}

// ValidateLadder checks that a ladder is non-empty and strictly ascending.
func ValidateLadder(ladder []Representation) error {
	if len(ladder) == 0 {
		return fmt.Errorf("abr: empty ladder")
	}
	for i, r := range ladder {
		if r.Bitrate <= 0 || !finite(r.Bitrate) {
			return fmt.Errorf("abr: level %d has invalid bitrate %g", i, r.Bitrate)
		}
		if i > 0 && r.Bitrate <= ladder[i-1].Bitrate {
			return fmt.Errorf("abr: level %d bitrate %g not above level %d", i, r.Bitrate, i-1)
		}
	}
	return nil
}

// model holds the buffer-stability arithmetic shared by every policy.
type model struct {
	safety  float64
	latency time.Duration
	reserve int
}

// usable reports whether in carries a throughput estimate the policies can
// spend. Non-finite estimates fall back to the lowest levels.
func usable(in Input) bool {
	return in.HasThroughput && finite(in.Throughput) && in.Throughput > 0
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// budget is the usable share of the predicted throughput.
func (m model) budget(in Input) float64 {
	return in.Throughput * m.safety
}

func fps(in Input) float64 {
	if in.FPS <= 0 {
		return defaultFPS
	}
	return in.FPS
}

// fetchTime is the worst-case time to fetch frameBits over a link of rate bps.
func (m model) fetchTime(frameBits, bps float64) float64 {
	if bps <= 0 {
		return math.Inf(1)
	}
	return frameBits/bps + m.latency.Seconds()
}

// safe reports whether the frames played back during a fetch of the given
// duration leave at least the reserve in the buffer.
func (m model) safe(occ types.Occupancy, fetchSeconds, fps float64) bool {
	drained := fetchSeconds * fps
	return drained <= float64(occ.Buffered-m.reserve)
}

func lowest(n int) []types.Level {
	return make([]types.Level, n)
}
