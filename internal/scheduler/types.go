package scheduler

import (
	"errors"
	"time"

	"github.com/nus-vv-streams/vvtk-sub001/internal/abr"
	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

var (
	ErrAlreadyRunning = errors.New("scheduler: already running")
	ErrNoObjects      = errors.New("scheduler: no objects configured")
	ErrUnknownObject  = errors.New("scheduler: unknown object")
	ErrDuplicateID    = errors.New("scheduler: duplicate object id")
	// ErrGaveUp is attached to skip markers for offsets whose fetch kept
	// failing after MaxAttempts tries.
	ErrGaveUp = errors.New("scheduler: fetch attempts exhausted")
)

// Config controls the scheduling loop. Zero fields take defaults.
type Config struct {
	// Tick is the decision-and-issue cadence (default: 10ms)
	Tick time.Duration

	// Workers bounds concurrent fetch+decode jobs across all objects (default: 8)
	Workers int

	// MaxInflightPerObject bounds concurrent jobs for one object (default: 4)
	MaxInflightPerObject int

	// BufferCapacity is the capacity of each object's playback buffer (default: 30)
	BufferCapacity int

	// LowWatermark triggers an immediate decision when an object's buffered
	// frame count is at or below it (default: BufferCapacity/4)
	LowWatermark int

	// DecisionInterval refreshes the decision even when every buffer is
	// healthy, so quality can climb after startup (default: 1s)
	DecisionInterval time.Duration

	// MaxAttempts bounds fetch attempts per offset before a skip marker is
	// delivered instead (default: 5)
	MaxAttempts int

	// TolerateSkew releases each object independently instead of aligning
	// offsets across objects
	TolerateSkew bool

	// FPS is the playback frame rate handed to the ABR policy (default: 30)
	FPS float64

	// FOV is the horizontal field of view (degrees) used for viewport weights
	FOV float64
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		Tick:                 10 * time.Millisecond,
		Workers:              8,
		MaxInflightPerObject: 4,
		BufferCapacity:       30,
		DecisionInterval:     time.Second,
		MaxAttempts:          5,
		FPS:                  30,
		FOV:                  90,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Tick <= 0 {
		c.Tick = def.Tick
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxInflightPerObject <= 0 {
		c.MaxInflightPerObject = def.MaxInflightPerObject
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = def.BufferCapacity
	}
	if c.LowWatermark <= 0 {
		c.LowWatermark = c.BufferCapacity / 4
	}
	if c.DecisionInterval <= 0 {
		c.DecisionInterval = def.DecisionInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.FPS <= 0 {
		c.FPS = def.FPS
	}
	if c.FOV <= 0 {
		c.FOV = def.FOV
	}
	return c
}

// Object describes one streamed object.
type Object struct {
	ID types.ObjectID
	// Ladder lists the available representations, lowest bitrate first
	Ladder []abr.Representation
	// FrameCount is the number of frames in the stream; 0 means unbounded
	FrameCount uint64
	// Position anchors the object in world space for viewport weighting
	Position types.Vec3
}

// Stats is a snapshot of scheduler activity.
type Stats struct {
	Ticks     uint64 `json:"ticks"`
	Decisions uint64 `json:"decisions"`
	// Issued counts fetch jobs started by the tick loop
	Issued uint64 `json:"issued"`
	// CacheHits counts offsets served from the cache without a fetch
	CacheHits uint64 `json:"cache_hits"`
	Completed uint64 `json:"completed"`
	// Stale counts completions discarded because their epoch was superseded
	Stale uint64 `json:"stale"`
	// Retries counts offsets re-queued after a transient failure
	Retries uint64 `json:"retries"`
	// Skipped counts skip markers (decode failures, exhausted attempts)
	Skipped uint64 `json:"skipped"`
	Released  uint64 `json:"released"`
	InFlight  int    `json:"in_flight"`
	// OnDemand counts fetches performed by Request
	OnDemand uint64 `json:"on_demand"`

	Objects []ObjectStats `json:"objects"`
}

// ObjectStats is the per-object part of Stats.
type ObjectStats struct {
	ID          types.ObjectID `json:"id"`
	Level       types.Level    `json:"level"`
	Epoch       uint64         `json:"epoch"`
	NextOffset  uint64         `json:"next_offset"`
	NextRelease uint64         `json:"next_release"`
	Delivered   uint64         `json:"delivered"`
	Buffered    int            `json:"buffered"`
	InFlight    int            `json:"in_flight"`
	Retrying    int            `json:"retrying"`
	Weight      float64        `json:"weight"`
	Ended       bool           `json:"ended"`
}
