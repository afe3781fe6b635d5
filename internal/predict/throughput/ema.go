package throughput

import (
	"math"
	"sync"
)

// EMA is a fixed-factor exponential moving average seeded by the first sample:
// s_n = α·x_n + (1−α)·s_{n−1}.
type EMA struct {
	mu    sync.Mutex
	alpha float64
	value float64
	seen  bool
}

func NewEMA(alpha float64) *EMA {
	return &EMA{alpha: alpha}
}

func (p *EMA) Add(sample float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.seen {
		p.value = sample
		p.seen = true
		return
	}
	p.value = p.alpha*sample + (1-p.alpha)*p.value
}

func (p *EMA) Predict() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.seen
}

// GAEMA is an EMA whose factor follows the relative trend of the input.
//
// With g = (x_n − s_{n−1}) / s_{n−1}:
//
//	α_n = clamp(α_base + gain·|g|·k, α_min, α_max), k = 2 if g < 0 else 1
//
// Drops are weighted double so the estimate falls quickly when the link
// degrades and climbs cautiously when it recovers.
type GAEMA struct {
	mu    sync.Mutex
	base  float64
	cfg   GAEMAConfig
	value float64
	alpha float64
	seen  bool
}

func NewGAEMA(base float64, cfg GAEMAConfig) *GAEMA {
	return &GAEMA{base: base, cfg: cfg, alpha: base}
}

func (p *GAEMA) Add(sample float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.seen {
		p.value = sample
		p.seen = true
		return
	}

	p.alpha = p.nextAlpha(sample)
	p.value = p.alpha*sample + (1-p.alpha)*p.value
}

func (p *GAEMA) nextAlpha(sample float64) float64 {
	if p.value <= 0 {
		return p.cfg.AlphaMax
	}
	g := (sample - p.value) / p.value
	k := 1.0
	if g < 0 {
		k = 2.0
	}
	a := p.base + p.cfg.Gain*math.Abs(g)*k
	return math.Min(math.Max(a, p.cfg.AlphaMin), p.cfg.AlphaMax)
}

func (p *GAEMA) Predict() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.seen
}

// Alpha returns the factor applied to the latest sample.
func (p *GAEMA) Alpha() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alpha
}

// LPEMA is a first-order low-pass filter expressed as an EMA with
// α = 1 − exp(−2π·f_c·Δt). Samples above SpikeRatio × estimate are clipped
// before filtering.
type LPEMA struct {
	mu    sync.Mutex
	alpha float64
	spike float64
	value float64
	seen  bool
}

func NewLPEMA(cfg LPEMAConfig) *LPEMA {
	dt := cfg.SampleInterval.Seconds()
	return &LPEMA{
		alpha: 1 - math.Exp(-2*math.Pi*cfg.CutoffHz*dt),
		spike: cfg.SpikeRatio,
	}
}

func (p *LPEMA) Add(sample float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.seen {
		p.value = sample
		p.seen = true
		return
	}
	if bound := p.spike * p.value; p.value > 0 && sample > bound {
		sample = bound
	}
	p.value = p.alpha*sample + (1-p.alpha)*p.value
}

func (p *LPEMA) Predict() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.seen
}

// Alpha returns the fixed smoothing factor derived from the cutoff.
func (p *LPEMA) Alpha() float64 {
	return p.alpha
}
