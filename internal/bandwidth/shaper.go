package bandwidth

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/nus-vv-streams/vvtk-sub001/internal/fetch"
	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

const (
	// shaperBurst is the token bucket depth in bytes. Payloads larger than this
	// are waited for in chunks so a rate change applies mid-frame.
	shaperBurst = 16 * 1024

	// minShapedRate keeps an outage sample (0 bps) from parking a fetch
	// forever; 8 kbps lets a burst-sized chunk through in 16s.
	minShapedRate = 8000.0

	// maxShapedRate caps the link at 100 Gbps so the stored rate stays finite.
	maxShapedRate = 100e9
)

// Shaper throttles a fetcher so that bytes come out no faster than the current
// link rate. The rate is normally driven by a Replay over a network trace.
type Shaper struct {
	next    fetch.Fetcher
	limiter *rate.Limiter
	rateBps atomic.Uint64
}

// NewShaper wraps next with an initial link rate in bits per second.
func NewShaper(next fetch.Fetcher, initialBps float64) *Shaper {
	s := &Shaper{
		next:    next,
		limiter: rate.NewLimiter(bytesPerSecond(initialBps), shaperBurst),
	}
	s.rateBps.Store(uint64(clampRate(initialBps)))
	return s
}

// SetRate changes the link rate. Waits already reserved keep their schedule.
func (s *Shaper) SetRate(bps float64) {
	s.limiter.SetLimit(bytesPerSecond(bps))
	s.rateBps.Store(uint64(clampRate(bps)))
}

// Rate returns the current link rate in bits per second.
func (s *Shaper) Rate() float64 {
	return float64(s.rateBps.Load())
}

// Fetch retrieves the payload and then releases it at link speed.
func (s *Shaper) Fetch(ctx context.Context, req types.FetchRequest) ([]byte, error) {
	data, err := s.next.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	for remaining := len(data); remaining > 0; {
		n := remaining
		if n > shaperBurst {
			n = shaperBurst
		}
		if err := s.limiter.WaitN(ctx, n); err != nil {
			return nil, fmt.Errorf("bandwidth: shaped fetch interrupted: %w", err)
		}
		remaining -= n
	}
	return data, nil
}

func clampRate(bps float64) float64 {
	switch {
	case math.IsNaN(bps) || bps < minShapedRate:
		return minShapedRate
	case bps > maxShapedRate:
		return maxShapedRate
	}
	return bps
}

func bytesPerSecond(bps float64) rate.Limit {
	return rate.Limit(clampRate(bps) / 8)
}
