package abr

import (
	"math"

	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

// Knapsack picks exactly one level per object to maximise total weighted
// utility under the aggregate budget (multiple-choice knapsack).
//
// The budget is split into steps units and every cost is rounded up to whole
// units, so a selection that fits in units also fits in bits per second.
// Levels whose single-frame fetch would drain the buffer are excluded before
// the search, and the result goes through the same aggregate check as
// MultiQueueing.
type Knapsack struct {
	model
	steps   int
	utility UtilityFunc
}

func (p *Knapsack) Decide(in Input) []types.Level {
	n := len(in.Objects)
	levels := lowest(n)
	if !usable(in) || n == 0 {
		return levels
	}

	budget := p.budget(in)
	if !finite(budget) || budget <= 0 {
		return levels
	}
	f := fps(in)
	unit := budget / float64(p.steps)

	type option struct {
		level int
		cost  int
		value float64
	}
	options := make([][]option, n)
	base := 0
	for i, obj := range in.Objects {
		for l, r := range obj.Ladder {
			units := math.Ceil(r.Bitrate / unit)
			if units > float64(p.steps) {
				break
			}
			if l > 0 && !p.safe(obj.Occupancy, p.fetchTime(r.Bitrate/f, budget), f) {
				break
			}
			options[i] = append(options[i], option{
				level: l,
				cost:  int(units),
				value: obj.Weight * p.utility(obj.Ladder, l),
			})
		}
		if len(options[i]) == 0 {
			// Even the lowest level is over budget.
			return levels
		}
		base += options[i][0].cost
	}
	if base > p.steps {
		return levels
	}

	// best[b]: max value of the objects so far with total cost ≤ b.
	neg := math.Inf(-1)
	best := make([]float64, p.steps+1)
	choice := make([][]int, n)
	for i := range options {
		next := make([]float64, p.steps+1)
		choice[i] = make([]int, p.steps+1)
		for b := 0; b <= p.steps; b++ {
			next[b] = neg
			choice[i][b] = -1
			for k, o := range options[i] {
				if o.cost > b || best[b-o.cost] == neg {
					continue
				}
				if v := best[b-o.cost] + o.value; v > next[b] {
					next[b] = v
					choice[i][b] = k
				}
			}
		}
		best = next
	}

	b := p.steps
	for i := n - 1; i >= 0; i-- {
		k := choice[i][b]
		if k < 0 {
			return lowest(n)
		}
		levels[i] = types.Level(options[i][k].level)
		b -= options[i][k].cost
	}

	p.downgrade(in, levels, priority(in.Objects), budget, f)
	return levels
}
