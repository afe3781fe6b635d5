// Package throughput smooths bandwidth samples into a single estimate for the
// next bitrate decision.
//
// Every predictor is safe for concurrent use: the feed goroutine adds samples
// while the scheduler tick reads predictions. Predict reports ok=false until
// the first sample arrives; callers fall back to the lowest level in that case.
package throughput

import (
	"fmt"
	"time"
)

// Predictor is the capability shared by all throughput predictors.
type Predictor interface {
	Add(sample float64)
	Predict() (float64, bool)
}

// Type names a predictor variant.
type Type string

const (
	TypeLast    Type = "last"
	TypeAverage Type = "average"
	TypeEMA     Type = "ema"
	TypeGAEMA   Type = "gaema"
	TypeLPEMA   Type = "lpema"
)

// Valid reports whether t names a known predictor.
func (t Type) Valid() bool {
	switch t {
	case TypeLast, TypeAverage, TypeEMA, TypeGAEMA, TypeLPEMA:
		return true
	}
	return false
}

// GAEMAConfig bounds the adaptive smoothing factor.
type GAEMAConfig struct {
	AlphaMin float64
	AlphaMax float64
	Gain     float64 // α boost per unit of relative trend
}

// LPEMAConfig describes the low-pass filter.
type LPEMAConfig struct {
	CutoffHz       float64
	SampleInterval time.Duration
	SpikeRatio     float64 // samples above SpikeRatio × estimate are clipped
}

// Config selects and parameterises a predictor. Zero fields take defaults.
type Config struct {
	Type   Type
	Window int     // average window
	Alpha  float64 // EMA factor, and the GAEMA base factor
	GAEMA  GAEMAConfig
	LPEMA  LPEMAConfig
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		Type:   TypeEMA,
		Window: 3,
		Alpha:  0.3,
		GAEMA: GAEMAConfig{
			AlphaMin: 0.1,
			AlphaMax: 0.9,
			Gain:     1.0,
		},
		LPEMA: LPEMAConfig{
			CutoffHz:       0.05,
			SampleInterval: time.Second,
			SpikeRatio:     2.0,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Type == "" {
		c.Type = def.Type
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = def.Alpha
	}
	if c.GAEMA.AlphaMin <= 0 {
		c.GAEMA.AlphaMin = def.GAEMA.AlphaMin
	}
	if c.GAEMA.AlphaMax <= 0 || c.GAEMA.AlphaMax > 1 {
		c.GAEMA.AlphaMax = def.GAEMA.AlphaMax
	}
	if c.GAEMA.AlphaMin > c.GAEMA.AlphaMax {
		c.GAEMA.AlphaMin = c.GAEMA.AlphaMax
	}
	if c.GAEMA.Gain <= 0 {
		c.GAEMA.Gain = def.GAEMA.Gain
	}
	if c.LPEMA.CutoffHz <= 0 {
		c.LPEMA.CutoffHz = def.LPEMA.CutoffHz
	}
	if c.LPEMA.SampleInterval <= 0 {
		c.LPEMA.SampleInterval = def.LPEMA.SampleInterval
	}
	if c.LPEMA.SpikeRatio <= 1 {
		c.LPEMA.SpikeRatio = def.LPEMA.SpikeRatio
	}
	return c
}

// New builds the predictor named by cfg.Type.
func New(cfg Config) (Predictor, error) {
	cfg = cfg.withDefaults()

	switch cfg.Type {
	case TypeLast:
		return NewLast(), nil
	case TypeAverage:
		return NewAverage(cfg.Window), nil
	case TypeEMA:
		return NewEMA(cfg.Alpha), nil
	case TypeGAEMA:
		return NewGAEMA(cfg.Alpha, cfg.GAEMA), nil
	case TypeLPEMA:
		return NewLPEMA(cfg.LPEMA), nil
	default:
		return nil, fmt.Errorf("throughput: unknown predictor type %q", cfg.Type)
	}
}
