package config

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/nus-vv-streams/vvtk-sub001/internal/abr"
	"github.com/nus-vv-streams/vvtk-sub001/internal/decoder"
	"github.com/nus-vv-streams/vvtk-sub001/internal/fetch"
	"github.com/nus-vv-streams/vvtk-sub001/internal/predict/throughput"
	"github.com/nus-vv-streams/vvtk-sub001/internal/predict/viewport"
	"github.com/nus-vv-streams/vvtk-sub001/internal/scheduler"
	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

var sessionIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

const (
	defaultShutdownTimeoutS = 5
	defaultInitialRateBps   = 10e6
	defaultSampleMs         = 1000
	defaultMQTTIntervalS    = 5
)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if !sessionIDPattern.MatchString(cfg.SessionID) {
		return fmt.Errorf("session_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = defaultShutdownTimeoutS
	}

	if cfg.Source.Root == "" {
		return fmt.Errorf("source.root is required")
	}

	if err := validateDecoder(&cfg.Decoder); err != nil {
		return err
	}
	if err := validateABR(&cfg.ABR); err != nil {
		return err
	}
	if err := validateThroughput(&cfg.Throughput); err != nil {
		return err
	}
	if err := validateViewport(&cfg.Viewport); err != nil {
		return err
	}

	if err := ValidateObjects(cfg.Objects); err != nil {
		return fmt.Errorf("object validation failed: %w", err)
	}

	if err := validateBuffer(&cfg.Buffer, len(cfg.Objects)); err != nil {
		return err
	}

	if cfg.Playback.FPS < 0 {
		return fmt.Errorf("playback.fps must be > 0")
	}
	if cfg.Playback.FPS == 0 {
		cfg.Playback.FPS = scheduler.DefaultConfig().FPS
	}

	sched := scheduler.DefaultConfig()
	if cfg.Scheduler.TickMs <= 0 {
		cfg.Scheduler.TickMs = int(sched.Tick.Milliseconds())
	}
	if cfg.Scheduler.Workers <= 0 {
		cfg.Scheduler.Workers = sched.Workers
	}
	if cfg.Scheduler.MaxInflightPerObject <= 0 {
		cfg.Scheduler.MaxInflightPerObject = sched.MaxInflightPerObject
	}
	if cfg.Scheduler.MaxAttempts <= 0 {
		cfg.Scheduler.MaxAttempts = sched.MaxAttempts
	}

	if cfg.Network.InitialRateBps < 0 {
		return fmt.Errorf("network.initial_rate_bps must be >= 0")
	}
	if cfg.Network.InitialRateBps == 0 {
		cfg.Network.InitialRateBps = defaultInitialRateBps
	}
	if cfg.Network.SampleMs <= 0 {
		cfg.Network.SampleMs = defaultSampleMs
	}

	retry := fetch.DefaultRetryConfig()
	if cfg.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0")
	}
	if cfg.Fetch.MaxRetries == 0 {
		cfg.Fetch.MaxRetries = retry.MaxRetries
	}
	if cfg.Fetch.RetryDelayMs <= 0 {
		cfg.Fetch.RetryDelayMs = int(retry.RetryDelay.Milliseconds())
	}
	if cfg.Fetch.MaxRetryDelayMs <= 0 {
		cfg.Fetch.MaxRetryDelayMs = int(retry.MaxRetryDelay.Milliseconds())
	}
	if cfg.Fetch.MaxRetryDelayMs < cfg.Fetch.RetryDelayMs {
		return fmt.Errorf("fetch.max_retry_delay_ms must be >= fetch.retry_delay_ms")
	}

	// MQTT is optional: no broker means stats are only served locally
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topic == "" {
			cfg.MQTT.Topic = fmt.Sprintf("vvtk/stats/%s", cfg.SessionID)
		}
		if cfg.MQTT.IntervalS <= 0 {
			cfg.MQTT.IntervalS = defaultMQTTIntervalS
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	return nil
}

func validateDecoder(d *DecoderConfig) error {
	if d.Type == "" {
		d.Type = string(decoder.TypeNoop)
	}
	if !decoder.Type(d.Type).Valid() {
		return fmt.Errorf("decoder.type: unknown decoder '%s' (must be 'noop' or 'gst')", d.Type)
	}
	if decoder.Type(d.Type) == decoder.TypeGst && d.Pipeline == "" {
		return fmt.Errorf("decoder.pipeline is required for the gst decoder")
	}
	if d.TimeoutMs < 0 {
		return fmt.Errorf("decoder.timeout_ms must be >= 0")
	}
	if d.TimeoutMs == 0 {
		d.TimeoutMs = int(decoder.DefaultTimeout.Milliseconds())
	}
	return nil
}

func validateABR(a *ABRConfig) error {
	def := abr.DefaultConfig()
	if a.Policy == "" {
		a.Policy = string(def.Policy)
	}
	if !abr.PolicyType(a.Policy).Valid() {
		return fmt.Errorf("abr.policy: unknown policy '%s' (must be 'queueing', 'multi_queueing' or 'knapsack')", a.Policy)
	}
	if a.Utility == "" {
		a.Utility = string(def.Utility)
	}
	if !abr.UtilityType(a.Utility).Valid() {
		return fmt.Errorf("abr.utility: unknown utility '%s' (must be 'log' or 'linear')", a.Utility)
	}
	if a.SafetyFactor < 0 || a.SafetyFactor > 1 {
		return fmt.Errorf("abr.safety_factor must be in (0, 1], got %g", a.SafetyFactor)
	}
	if a.SafetyFactor == 0 {
		a.SafetyFactor = def.SafetyFactor
	}
	if a.FetchLatencyMs < 0 {
		return fmt.Errorf("abr.fetch_latency_ms must be >= 0")
	}
	if a.FetchLatencyMs == 0 {
		a.FetchLatencyMs = int(def.FetchLatency.Milliseconds())
	}
	if a.ReserveFrames < 0 {
		return fmt.Errorf("abr.reserve_frames must be >= 0")
	}
	if a.ReserveFrames == 0 {
		a.ReserveFrames = def.ReserveFrames
	}
	if a.BudgetSteps <= 0 {
		a.BudgetSteps = def.BudgetSteps
	}
	return nil
}

func validateThroughput(t *ThroughputConfig) error {
	def := throughput.DefaultConfig()
	if t.Predictor == "" {
		t.Predictor = string(def.Type)
	}
	if !throughput.Type(t.Predictor).Valid() {
		return fmt.Errorf("throughput.predictor: unknown predictor '%s'", t.Predictor)
	}
	if t.Alpha < 0 || t.Alpha > 1 {
		return fmt.Errorf("throughput.alpha must be in (0, 1], got %g", t.Alpha)
	}
	if t.Alpha == 0 {
		t.Alpha = def.Alpha
	}
	if t.Window <= 0 {
		t.Window = def.Window
	}

	if t.GAEMA.AlphaMin <= 0 {
		t.GAEMA.AlphaMin = def.GAEMA.AlphaMin
	}
	if t.GAEMA.AlphaMax <= 0 {
		t.GAEMA.AlphaMax = def.GAEMA.AlphaMax
	}
	if t.GAEMA.AlphaMax > 1 || t.GAEMA.AlphaMin > t.GAEMA.AlphaMax {
		return fmt.Errorf("throughput.gaema: need 0 < alpha_min <= alpha_max <= 1, got %g..%g",
			t.GAEMA.AlphaMin, t.GAEMA.AlphaMax)
	}
	if t.GAEMA.Gain <= 0 {
		t.GAEMA.Gain = def.GAEMA.Gain
	}

	if t.LPEMA.CutoffHz <= 0 {
		t.LPEMA.CutoffHz = def.LPEMA.CutoffHz
	}
	if t.LPEMA.SampleIntervalMs <= 0 {
		t.LPEMA.SampleIntervalMs = int(def.LPEMA.SampleInterval.Milliseconds())
	}
	if t.LPEMA.SpikeRatio == 0 {
		t.LPEMA.SpikeRatio = def.LPEMA.SpikeRatio
	}
	if t.LPEMA.SpikeRatio <= 1 {
		return fmt.Errorf("throughput.lpema.spike_ratio must be > 1, got %g", t.LPEMA.SpikeRatio)
	}
	return nil
}

func validateViewport(v *ViewportConfig) error {
	if v.Predictor == "" {
		v.Predictor = string(viewport.TypeLast)
	}
	if !viewport.Type(v.Predictor).Valid() {
		return fmt.Errorf("viewport.predictor: unknown predictor '%s' (must be 'last')", v.Predictor)
	}
	if v.FOVDeg < 0 || v.FOVDeg > 360 {
		return fmt.Errorf("viewport.fov_deg must be in (0, 360], got %g", v.FOVDeg)
	}
	if v.FOVDeg == 0 {
		v.FOVDeg = viewport.DefaultFOV
	}
	if v.History <= 0 {
		v.History = viewport.DefaultHistory
	}
	return nil
}

func validateBuffer(b *BufferConfig, objects int) error {
	if b.Capacity < 0 {
		return fmt.Errorf("buffer.capacity must be >= 1")
	}
	if b.Capacity == 0 {
		b.Capacity = scheduler.DefaultConfig().BufferCapacity
	}
	if b.LowWatermark <= 0 {
		b.LowWatermark = b.Capacity / 4
	}
	if b.LowWatermark >= b.Capacity {
		return fmt.Errorf("buffer.low_watermark (%d) must be below buffer.capacity (%d)", b.LowWatermark, b.Capacity)
	}
	if b.RetentionFrames == 0 {
		b.RetentionFrames = uint64(b.Capacity)
	}
	if b.CacheMaxEntries <= 0 {
		b.CacheMaxEntries = 4 * b.Capacity * objects
	}
	return nil
}

// ValidateObjects checks object ids, positions and ladders
func ValidateObjects(objects []ObjectConfig) error {
	if len(objects) == 0 {
		return fmt.Errorf("at least one object is required")
	}

	seen := make(map[types.ObjectID]bool, len(objects))
	for i, o := range objects {
		if seen[o.ID] {
			return fmt.Errorf("object %d: duplicate id %d", i, o.ID)
		}
		seen[o.ID] = true

		if len(o.Position) != 0 && len(o.Position) != 3 {
			return fmt.Errorf("object %d: position must be [x,y,z], got %v", o.ID, o.Position)
		}
		if err := abr.ValidateLadder(o.Ladder()); err != nil {
			return fmt.Errorf("object %d: %w", o.ID, err)
		}
	}
	return nil
}
