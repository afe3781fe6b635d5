package vvtk

import (
	"github.com/nus-vv-streams/vvtk-sub001/internal/bandwidth"
	"github.com/nus-vv-streams/vvtk-sub001/internal/config"
	"github.com/nus-vv-streams/vvtk-sub001/internal/core"
	"github.com/nus-vv-streams/vvtk-sub001/internal/fetch"
	"github.com/nus-vv-streams/vvtk-sub001/internal/playback"
	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

// Re-exported so callers do not import internal packages.
type (
	Engine       = core.Engine
	Stats        = core.Stats
	Option       = core.Option
	Config       = config.Config
	Pose         = types.Pose
	Vec3         = types.Vec3
	FrameRequest = types.FrameRequest
	FetchRequest = types.FetchRequest
	DecodedFrame = types.DecodedFrame
	Instant      = playback.Instant
	Renderer     = playback.Renderer
	RendererFunc = playback.RendererFunc
	Fetcher      = fetch.Fetcher
	FetcherFunc  = fetch.Func
	Trace        = bandwidth.Trace
)

var ErrAlreadyRunning = core.ErrAlreadyRunning

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseConfig validates a YAML configuration document.
func ParseConfig(data []byte) (*Config, error) {
	return config.Parse(data)
}

// New builds an engine from a validated configuration.
func New(cfg *Config, opts ...Option) (*Engine, error) {
	return core.New(cfg, opts...)
}

// NewFromFile loads the configuration at path and builds an engine.
func NewFromFile(path string, opts ...Option) (*Engine, error) {
	return core.NewFromFile(path, opts...)
}

// LoadTrace reads a bandwidth trace: one bits-per-second sample per line.
func LoadTrace(path string) (*Trace, error) {
	return bandwidth.LoadTrace(path)
}

// WithFetcher replaces the file source at the bottom of the fetch chain.
func WithFetcher(f Fetcher) Option { return core.WithFetcher(f) }

// WithRenderer receives every presented Instant.
func WithRenderer(r Renderer) Option { return core.WithRenderer(r) }

// WithTrace replays t instead of the configured trace file.
func WithTrace(t *Trace) Option { return core.WithTrace(t) }
