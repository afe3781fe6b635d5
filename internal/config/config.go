package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nus-vv-streams/vvtk-sub001/internal/abr"
	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

// Config represents the complete engine configuration
type Config struct {
	SessionID        string           `yaml:"session_id"`
	ShutdownTimeoutS int              `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Decoder          DecoderConfig    `yaml:"decoder"`
	ABR              ABRConfig        `yaml:"abr"`
	Throughput       ThroughputConfig `yaml:"throughput"`
	Viewport         ViewportConfig   `yaml:"viewport"`
	Buffer           BufferConfig     `yaml:"buffer"`
	Playback         PlaybackConfig   `yaml:"playback"`
	Scheduler        SchedulerConfig  `yaml:"scheduler"`
	Network          NetworkConfig    `yaml:"network"`
	Source           SourceConfig     `yaml:"source"`
	Fetch            FetchConfig      `yaml:"fetch"`
	Objects          []ObjectConfig   `yaml:"objects"`
	MQTT             MQTTConfig       `yaml:"mqtt"`
}

// DecoderConfig selects the frame decoder
type DecoderConfig struct {
	Type      string `yaml:"type"`       // noop, gst
	Pipeline  string `yaml:"pipeline"`   // gst launch fragment between appsrc and appsink
	TimeoutMs int    `yaml:"timeout_ms"` // per-frame gst decode deadline (default: 10000)
}

// ABRConfig contains quality selection settings
type ABRConfig struct {
	Policy         string  `yaml:"policy"`        // queueing, multi_queueing, knapsack
	SafetyFactor   float64 `yaml:"safety_factor"` // fraction of predicted throughput spent (default: 0.9)
	FetchLatencyMs int     `yaml:"fetch_latency_ms"`
	ReserveFrames  int     `yaml:"reserve_frames"` // minimum 1; 0 takes the default
	BudgetSteps    int     `yaml:"budget_steps"`   // knapsack discretisation
	Utility        string  `yaml:"utility"`        // log, linear
}

// ThroughputConfig selects the bandwidth predictor
type ThroughputConfig struct {
	Predictor string      `yaml:"predictor"` // last, average, ema, gaema, lpema
	Window    int         `yaml:"window"`    // average window in samples
	Alpha     float64     `yaml:"alpha"`
	GAEMA     GAEMAConfig `yaml:"gaema"`
	LPEMA     LPEMAConfig `yaml:"lpema"`
}

type GAEMAConfig struct {
	AlphaMin float64 `yaml:"alpha_min"`
	AlphaMax float64 `yaml:"alpha_max"`
	Gain     float64 `yaml:"gain"`
}

type LPEMAConfig struct {
	CutoffHz         float64 `yaml:"cutoff_hz"`
	SampleIntervalMs int     `yaml:"sample_interval_ms"`
	SpikeRatio       float64 `yaml:"spike_ratio"`
}

// ViewportConfig selects the viewport predictor
type ViewportConfig struct {
	Predictor string  `yaml:"predictor"` // last
	FOVDeg    float64 `yaml:"fov_deg"`
	History   int     `yaml:"history"`
}

// BufferConfig contains playback buffer and cache sizing
type BufferConfig struct {
	Capacity        int    `yaml:"capacity"`          // frames per object (default: 30)
	LowWatermark    int    `yaml:"low_watermark"`     // default: capacity/4
	RetentionFrames uint64 `yaml:"retention_frames"`  // cache entries kept behind playback
	CacheMaxEntries int    `yaml:"cache_max_entries"` // default: 4 * capacity * len(objects)
}

// PlaybackConfig contains presentation settings
type PlaybackConfig struct {
	FPS             float64 `yaml:"fps"`
	ToleratePartial bool    `yaml:"tolerate_partial"` // present instants with missing objects
}

// SchedulerConfig contains fetch scheduling settings
type SchedulerConfig struct {
	TickMs               int `yaml:"tick_ms"`
	Workers              int `yaml:"workers"`
	MaxInflightPerObject int `yaml:"max_inflight_per_object"`
	MaxAttempts          int `yaml:"max_attempts"`
}

// NetworkConfig describes the emulated link
type NetworkConfig struct {
	TracePath      string  `yaml:"trace_path"`       // one bits-per-second sample per line; empty measures the real link
	InitialRateBps float64 `yaml:"initial_rate_bps"` // shaper rate before the first trace sample
	SampleMs       int     `yaml:"sample_ms"`        // feed period (default: 1000)
}

// SourceConfig locates the encoded frames
type SourceConfig struct {
	Root         string `yaml:"root"`
	PathTemplate string `yaml:"path_template"` // placeholders: {object}, {level}, {offset}
}

// FetchConfig contains per-call retry settings
type FetchConfig struct {
	MaxRetries      int `yaml:"max_retries"`
	RetryDelayMs    int `yaml:"retry_delay_ms"`
	MaxRetryDelayMs int `yaml:"max_retry_delay_ms"`
}

// ObjectConfig defines one point-cloud object in the scene
type ObjectConfig struct {
	ID         types.ObjectID `yaml:"id"`
	FrameCount uint64         `yaml:"frame_count"` // 0 streams until shutdown
	Position   []float64      `yaml:"position"`    // [x, y, z]
	Levels     []LevelConfig  `yaml:"levels"`      // ascending bitrate
}

// LevelConfig is one representation of an object
type LevelConfig struct {
	BitrateBps float64 `yaml:"bitrate_bps"`
	Utility    float64 `yaml:"utility,omitempty"`
}

// MQTTConfig contains stats publishing settings
type MQTTConfig struct {
	Broker    string `yaml:"broker"` // empty disables publishing
	Topic     string `yaml:"topic"`
	IntervalS int    `yaml:"interval_s"`
	QoS       byte   `yaml:"qos"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Ladder converts the configured levels to ABR representations
func (o ObjectConfig) Ladder() []abr.Representation {
	out := make([]abr.Representation, len(o.Levels))
	for i, l := range o.Levels {
		out[i] = abr.Representation{Bitrate: l.BitrateBps, Utility: l.Utility}
	}
	return out
}

// Vec returns the object's position (origin when unset)
func (o ObjectConfig) Vec() types.Vec3 {
	var v types.Vec3
	if len(o.Position) == 3 {
		v = types.Vec3{X: o.Position[0], Y: o.Position[1], Z: o.Position[2]}
	}
	return v
}

// FetchLatency returns the per-fetch latency the policy budgets for
func (a ABRConfig) FetchLatency() time.Duration { return ms(a.FetchLatencyMs) }

// SampleInterval returns the expected spacing of throughput samples
func (l LPEMAConfig) SampleInterval() time.Duration { return ms(l.SampleIntervalMs) }

// Tick returns the scheduling cadence
func (s SchedulerConfig) Tick() time.Duration { return ms(s.TickMs) }

// SamplePeriod returns how often the throughput feed is sampled
func (n NetworkConfig) SamplePeriod() time.Duration { return ms(n.SampleMs) }

// Timeout returns the per-frame decode deadline
func (d DecoderConfig) Timeout() time.Duration { return ms(d.TimeoutMs) }

func (f FetchConfig) RetryDelay() time.Duration    { return ms(f.RetryDelayMs) }
func (f FetchConfig) MaxRetryDelay() time.Duration { return ms(f.MaxRetryDelayMs) }

// Interval returns the stats publishing period
func (m MQTTConfig) Interval() time.Duration { return time.Duration(m.IntervalS) * time.Second }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
