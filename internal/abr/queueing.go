package abr

import (
	"sort"

	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

// Queueing treats each object's buffer as a queue served at the playback
// frame rate and fed at the rate its fetches complete.
//
// A level is a candidate when the queue is stable at that bitrate
// (bitrate ≤ budget, i.e. frames arrive at least as fast as they are played)
// and one worst-case fetch leaves the reserve in the buffer. The highest
// candidate wins, which is the one closest to the budget without exceeding
// it. With several objects the budget is split evenly.
type Queueing struct {
	model
}

func (p *Queueing) Decide(in Input) []types.Level {
	levels := lowest(len(in.Objects))
	if !usable(in) || len(in.Objects) == 0 {
		return levels
	}

	share := p.budget(in) / float64(len(in.Objects))
	f := fps(in)
	for i, obj := range in.Objects {
		levels[i] = p.pick(obj, share, share, f)
	}
	return levels
}

// pick returns the highest level within budget that a fetch over link can
// deliver without draining the buffer below the reserve.
func (m model) pick(obj ObjectState, budget, link, fps float64) types.Level {
	best := 0
	for l := 1; l < len(obj.Ladder); l++ {
		bitrate := obj.Ladder[l].Bitrate
		if bitrate > budget {
			break
		}
		// Fetch time grows with the level, so the first unsafe level ends the scan.
		if !m.safe(obj.Occupancy, m.fetchTime(bitrate/fps, link), fps) {
			break
		}
		best = l
	}
	return types.Level(best)
}

// MultiQueueing runs the queueing model per object against the whole budget,
// then settles contention by priority.
//
// Priority is viewport weight, then urgency (fewer buffered frames first).
// While the aggregate bitrate exceeds the budget, or the frames of one
// playback instant cannot be fetched before some object drains below its
// reserve, the lowest-priority object that is not already at the bottom is
// downgraded one level.
type MultiQueueing struct {
	model
}

func (p *MultiQueueing) Decide(in Input) []types.Level {
	levels := lowest(len(in.Objects))
	if !usable(in) || len(in.Objects) == 0 {
		return levels
	}

	budget := p.budget(in)
	f := fps(in)
	for i, obj := range in.Objects {
		levels[i] = p.pick(obj, budget, budget, f)
	}

	p.downgrade(in, levels, priority(in.Objects), budget, f)
	return levels
}

// downgrade lowers levels from the back of order until they fit.
func (m model) downgrade(in Input, levels []types.Level, order []int, budget, fps float64) {
	for !m.fits(in, levels, budget, fps) {
		victim := -1
		for k := len(order) - 1; k >= 0; k-- {
			if levels[order[k]] > 0 {
				victim = order[k]
				break
			}
		}
		if victim < 0 {
			return
		}
		levels[victim]--
	}
}

// fits reports whether levels respect the aggregate budget and whether every
// upgraded object survives the worst-case fetch of a whole playback instant.
func (m model) fits(in Input, levels []types.Level, budget, fps float64) bool {
	var total float64
	for i, obj := range in.Objects {
		total += obj.Ladder[levels[i]].Bitrate
	}
	if total > budget {
		return false
	}

	fetch := m.fetchTime(total/fps, budget)
	for i, obj := range in.Objects {
		if levels[i] > 0 && !m.safe(obj.Occupancy, fetch, fps) {
			return false
		}
	}
	return true
}

// priority orders object indices from most to least important.
func priority(objects []ObjectState) []int {
	order := make([]int, len(objects))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		oa, ob := objects[order[a]], objects[order[b]]
		if oa.Weight != ob.Weight {
			return oa.Weight > ob.Weight
		}
		if oa.Occupancy.Buffered != ob.Occupancy.Buffered {
			return oa.Occupancy.Buffered < ob.Occupancy.Buffered
		}
		return oa.ID < ob.ID
	})
	return order
}
