package abr

import (
	"math"
	"math/rand"
	"testing"
	"testing/quick"
	"time"

	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

func ladder(bitrates ...float64) []Representation {
	out := make([]Representation, len(bitrates))
	for i, b := range bitrates {
		out[i] = Representation{Bitrate: b}
	}
	return out
}

func object(id types.ObjectID, buffered int, l []Representation) ObjectState {
	return ObjectState{
		ID:        id,
		Ladder:    l,
		Occupancy: types.Occupancy{Buffered: buffered, Capacity: 64},
		Weight:    1,
	}
}

func mustPolicy(t *testing.T, cfg Config) Policy {
	t.Helper()
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New(%+v) failed: %v", cfg, err)
	}
	return p
}

func TestNoThroughputSelectsLowest(t *testing.T) {
	for _, typ := range []PolicyType{PolicyQueueing, PolicyMultiQueueing, PolicyKnapsack} {
		t.Run(string(typ), func(t *testing.T) {
			p := mustPolicy(t, Config{Policy: typ})
			in := Input{
				Objects: []ObjectState{
					object(0, 30, ladder(1e6, 2e6, 4e6)),
					object(1, 30, ladder(1e6, 2e6, 4e6)),
				},
				FPS: 30,
			}
			for i, l := range p.Decide(in) {
				if l != 0 {
					t.Errorf("object %d: level %d, want 0", i, l)
				}
			}
		})
	}
}

func TestNonFiniteThroughputSelectsLowest(t *testing.T) {
	estimates := map[string]float64{
		"nan":               math.NaN(),
		"positive infinity": math.Inf(1),
		"negative infinity": math.Inf(-1),
	}
	for _, typ := range []PolicyType{PolicyQueueing, PolicyMultiQueueing, PolicyKnapsack} {
		for name, throughput := range estimates {
			t.Run(string(typ)+"/"+name, func(t *testing.T) {
				p := mustPolicy(t, Config{Policy: typ})
				in := Input{
					Throughput:    throughput,
					HasThroughput: true,
					Objects: []ObjectState{
						object(0, 30, ladder(1e6, 2e6, 4e6)),
						object(1, 30, ladder(1e6, 2e6, 4e6)),
					},
					FPS: 30,
				}
				for i, l := range p.Decide(in) {
					if l != 0 {
						t.Errorf("object %d: level %d, want 0", i, l)
					}
				}
			})
		}
	}
}

func TestZeroReserveTakesDefault(t *testing.T) {
	tests := []struct {
		name    string
		reserve int
		want    int
	}{
		{"zero", 0, DefaultConfig().ReserveFrames},
		{"negative", -3, DefaultConfig().ReserveFrames},
		{"explicit", 4, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Config{ReserveFrames: tt.reserve}.withDefaults().ReserveFrames
			if got != tt.want {
				t.Errorf("ReserveFrames = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestQueueingEmptyBufferSelectsLowest(t *testing.T) {
	p := mustPolicy(t, Config{Policy: PolicyQueueing})
	in := Input{
		Throughput:    100e6,
		HasThroughput: true,
		Objects:       []ObjectState{object(0, 0, ladder(1e6, 2e6, 4e6))},
		FPS:           30,
	}
	if got := p.Decide(in); got[0] != 0 {
		t.Errorf("empty buffer: level %d, want 0", got[0])
	}
}

func TestQueueingPicksHighestWithinBudget(t *testing.T) {
	p := mustPolicy(t, Config{Policy: PolicyQueueing, SafetyFactor: 0.9, FetchLatency: 20 * time.Millisecond})

	tests := []struct {
		name       string
		throughput float64
		buffered   int
		want       types.Level
	}{
		{"ample bandwidth", 5e6, 10, 2},
		{"budget between levels", 3e6, 10, 1},
		{"budget below level 1", 1.5e6, 10, 0},
		// Any upgrade costs over a frame of playback once 20ms latency is added.
		{"one frame above reserve", 5e6, 2, 0},
		{"two frames above reserve", 5e6, 3, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Input{
				Throughput:    tt.throughput,
				HasThroughput: true,
				Objects:       []ObjectState{object(0, tt.buffered, ladder(1e6, 2e6, 4e6))},
				FPS:           30,
			}
			if got := p.Decide(in)[0]; got != tt.want {
				t.Errorf("level %d, want %d", got, tt.want)
			}
		})
	}
}

func TestQueueingSplitsBudgetEvenly(t *testing.T) {
	p := mustPolicy(t, Config{Policy: PolicyQueueing, SafetyFactor: 1})
	in := Input{
		Throughput:    4e6,
		HasThroughput: true,
		Objects: []ObjectState{
			object(0, 30, ladder(1e6, 2e6, 4e6)),
			object(1, 30, ladder(1e6, 2e6, 4e6)),
		},
		FPS: 30,
	}
	got := p.Decide(in)
	if got[0] != 1 || got[1] != 1 {
		t.Errorf("levels %v, want [1 1]", got)
	}
}

func TestMultiQueueingDowngradesLowPriorityFirst(t *testing.T) {
	p := mustPolicy(t, Config{Policy: PolicyMultiQueueing, SafetyFactor: 1})

	t.Run("viewport weight", func(t *testing.T) {
		hidden := object(0, 50, ladder(1e6, 2e6, 4e6))
		hidden.Weight = 0.2
		visible := object(1, 50, ladder(1e6, 2e6, 4e6))

		got := p.Decide(Input{
			Throughput:    5e6,
			HasThroughput: true,
			Objects:       []ObjectState{hidden, visible},
			FPS:           30,
		})
		if got[0] != 0 || got[1] != 2 {
			t.Errorf("levels %v, want [0 2]", got)
		}
	})

	t.Run("urgency breaks weight ties", func(t *testing.T) {
		rich := object(0, 50, ladder(1e6, 2e6, 4e6))
		starving := object(1, 20, ladder(1e6, 2e6, 4e6))

		got := p.Decide(Input{
			Throughput:    5e6,
			HasThroughput: true,
			Objects:       []ObjectState{rich, starving},
			FPS:           30,
		})
		if got[0] != 0 || got[1] != 2 {
			t.Errorf("levels %v, want [0 2]", got)
		}
	})
}

func TestKnapsackMaximisesUtility(t *testing.T) {
	p := mustPolicy(t, Config{Policy: PolicyKnapsack, SafetyFactor: 1})

	a := object(0, 50, []Representation{{1e6, 1}, {2e6, 2}, {4e6, 10}})
	b := object(1, 50, []Representation{{1e6, 1}, {2e6, 5}, {4e6, 6}})

	got := p.Decide(Input{
		Throughput:    6.1e6,
		HasThroughput: true,
		Objects:       []ObjectState{a, b},
		FPS:           30,
	})
	if got[0] != 2 || got[1] != 1 {
		t.Errorf("levels %v, want [2 1]", got)
	}
}

func TestKnapsackNeverExceedsBudget(t *testing.T) {
	p := mustPolicy(t, Config{Policy: PolicyKnapsack, SafetyFactor: 1, Utility: UtilityLinear})

	f := func(seed int64) bool {
		r := rand.New(rand.NewSource(seed))
		objects := make([]ObjectState, 2)
		var floor float64
		for i := range objects {
			n := 1 + r.Intn(5)
			bitrates := make([]float64, n)
			acc := 0.0
			for l := range bitrates {
				acc += 1e5 + r.Float64()*2e6
				bitrates[l] = acc
			}
			objects[i] = object(types.ObjectID(i), 200, ladder(bitrates...))
			objects[i].Weight = 0.1 + r.Float64()
			floor += bitrates[0]
		}
		throughput := 1e5 + r.Float64()*1.5e7

		levels := p.Decide(Input{Throughput: throughput, HasThroughput: true, Objects: objects, FPS: 30})

		var total float64
		for i, l := range levels {
			total += objects[i].Ladder[l].Bitrate
		}
		if floor > throughput {
			// Nothing fits: only the lowest levels may be chosen.
			return levels[0] == 0 && levels[1] == 0
		}
		return total <= throughput
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 500}); err != nil {
		t.Error(err)
	}
}

func TestUtilities(t *testing.T) {
	l := []Representation{{Bitrate: 1e6}, {Bitrate: 3e6, Utility: 42}, {Bitrate: 7e6}}

	logU, _ := NewUtility(UtilityLog)
	linU, _ := NewUtility(UtilityLinear)

	if got := linU(l, 2); got != 7 {
		t.Errorf("linear utility = %g, want 7", got)
	}
	if got := logU(l, 1); got != 42 {
		t.Errorf("explicit utility should win, got %g", got)
	}
	if !(logU(l, 0) < logU(l, 2)) {
		t.Error("log utility must increase with bitrate")
	}
	if _, err := NewUtility("cubic"); err == nil {
		t.Error("expected error for unknown utility")
	}
}

func TestValidateLadder(t *testing.T) {
	if err := ValidateLadder(ladder(1, 2, 3)); err != nil {
		t.Errorf("valid ladder rejected: %v", err)
	}
	for name, l := range map[string][]Representation{
		"empty":      nil,
		"descending": ladder(2, 1),
		"zero":       ladder(0, 1),
	} {
		if err := ValidateLadder(l); err == nil {
			t.Errorf("%s ladder accepted", name)
		}
	}
}
