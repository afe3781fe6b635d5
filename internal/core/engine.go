// Package core wires the prefetch engine together.
//
// An Engine owns one session: the fetch chain (source → retries → shaped link
// → throughput meter), the predictors, the ABR policy, the decoder, the
// frame cache, the fetch scheduler and the playback consumer. Run drives the
// throughput feed, the scheduler and the player until every stream has been
// played or the context is cancelled; Shutdown waits for all of it to stop.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nus-vv-streams/vvtk-sub001/internal/abr"
	"github.com/nus-vv-streams/vvtk-sub001/internal/bandwidth"
	"github.com/nus-vv-streams/vvtk-sub001/internal/cache"
	"github.com/nus-vv-streams/vvtk-sub001/internal/config"
	"github.com/nus-vv-streams/vvtk-sub001/internal/decoder"
	"github.com/nus-vv-streams/vvtk-sub001/internal/emitter"
	"github.com/nus-vv-streams/vvtk-sub001/internal/fetch"
	"github.com/nus-vv-streams/vvtk-sub001/internal/playback"
	"github.com/nus-vv-streams/vvtk-sub001/internal/predict/throughput"
	"github.com/nus-vv-streams/vvtk-sub001/internal/predict/viewport"
	"github.com/nus-vv-streams/vvtk-sub001/internal/scheduler"
	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

var ErrAlreadyRunning = errors.New("core: engine is already running")

// Engine is the main session orchestrator
type Engine struct {
	cfg *config.Config

	// Core components
	cache      *cache.Cache
	throughput throughput.Predictor
	viewport   viewport.Predictor
	decoder    decoder.Decoder
	scheduler  *scheduler.Scheduler
	player     *playback.Player
	publisher  StatsPublisher

	// Fetch chain; shaper and replay are nil without a trace
	source   fetch.Fetcher
	retrying *fetch.Retrying
	shaper   *bandwidth.Shaper
	meter    *bandwidth.Meter
	trace    *bandwidth.Trace
	replay   *bandwidth.Replay
	feed     bandwidth.Feed
	renderer playback.Renderer

	server *http.Server

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc
}

// Option customises engine construction
type Option func(*Engine)

// WithFetcher replaces the file source at the bottom of the fetch chain
func WithFetcher(f fetch.Fetcher) Option {
	return func(e *Engine) { e.source = f }
}

// WithRenderer hands presented instants to r instead of discarding them
func WithRenderer(r playback.Renderer) Option {
	return func(e *Engine) { e.renderer = r }
}

// WithTrace replays trace instead of loading network.trace_path
func WithTrace(t *bandwidth.Trace) Option {
	return func(e *Engine) { e.trace = t }
}

// WithPublisher replaces the MQTT stats emitter
func WithPublisher(p StatsPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// NewFromFile loads the configuration at path and builds an engine
func NewFromFile(path string, opts ...Option) (*Engine, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return New(cfg, opts...)
}

// New builds every component from a validated configuration
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}

	slog.Info("configuration loaded",
		"session_id", cfg.SessionID,
		"objects", len(cfg.Objects),
		"policy", cfg.ABR.Policy,
		"throughput_predictor", cfg.Throughput.Predictor,
		"decoder", cfg.Decoder.Type,
	)

	var err error
	if e.cache, err = cache.New(cfg.Buffer.CacheMaxEntries, cfg.Buffer.RetentionFrames); err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	e.throughput, err = throughput.New(throughput.Config{
		Type:   throughput.Type(cfg.Throughput.Predictor),
		Window: cfg.Throughput.Window,
		Alpha:  cfg.Throughput.Alpha,
		GAEMA: throughput.GAEMAConfig{
			AlphaMin: cfg.Throughput.GAEMA.AlphaMin,
			AlphaMax: cfg.Throughput.GAEMA.AlphaMax,
			Gain:     cfg.Throughput.GAEMA.Gain,
		},
		LPEMA: throughput.LPEMAConfig{
			CutoffHz:       cfg.Throughput.LPEMA.CutoffHz,
			SampleInterval: cfg.Throughput.LPEMA.SampleInterval(),
			SpikeRatio:     cfg.Throughput.LPEMA.SpikeRatio,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create throughput predictor: %w", err)
	}

	if e.viewport, err = viewport.New(viewport.Type(cfg.Viewport.Predictor), cfg.Viewport.History); err != nil {
		return nil, fmt.Errorf("failed to create viewport predictor: %w", err)
	}

	policy, err := abr.New(abr.Config{
		Policy:        abr.PolicyType(cfg.ABR.Policy),
		SafetyFactor:  cfg.ABR.SafetyFactor,
		FetchLatency:  cfg.ABR.FetchLatency(),
		ReserveFrames: cfg.ABR.ReserveFrames,
		BudgetSteps:   cfg.ABR.BudgetSteps,
		Utility:       abr.UtilityType(cfg.ABR.Utility),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create abr policy: %w", err)
	}

	if e.decoder, err = decoder.New(decoder.Config{
		Type:     decoder.Type(cfg.Decoder.Type),
		Pipeline: cfg.Decoder.Pipeline,
		Timeout:  cfg.Decoder.Timeout(),
	}); err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := e.initializeFetchChain(); err != nil {
		return nil, err
	}

	objects := make([]scheduler.Object, len(cfg.Objects))
	for i, o := range cfg.Objects {
		objects[i] = scheduler.Object{
			ID:         o.ID,
			Ladder:     o.Ladder(),
			FrameCount: o.FrameCount,
			Position:   o.Vec(),
		}
	}

	e.scheduler, err = scheduler.New(scheduler.Config{
		Tick:                 cfg.Scheduler.Tick(),
		Workers:              cfg.Scheduler.Workers,
		MaxInflightPerObject: cfg.Scheduler.MaxInflightPerObject,
		BufferCapacity:       cfg.Buffer.Capacity,
		LowWatermark:         cfg.Buffer.LowWatermark,
		MaxAttempts:          cfg.Scheduler.MaxAttempts,
		TolerateSkew:         cfg.Playback.ToleratePartial,
		FPS:                  cfg.Playback.FPS,
		FOV:                  cfg.Viewport.FOVDeg,
	}, objects, scheduler.Deps{
		Fetcher:    e.meter,
		Decoder:    e.decoder,
		Cache:      e.cache,
		Policy:     policy,
		Throughput: e.throughput,
		Viewport:   e.viewport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	streams := make([]playback.Stream, 0, len(objects))
	for _, o := range e.scheduler.Objects() {
		buf, _ := e.scheduler.Buffer(o.ID)
		streams = append(streams, playback.Stream{Object: o.ID, Buffer: buf})
	}
	e.player, err = playback.New(playback.Config{
		FPS:          cfg.Playback.FPS,
		TolerateSkew: cfg.Playback.ToleratePartial,
	}, streams, e.cache, e.renderer)
	if err != nil {
		return nil, fmt.Errorf("failed to create player: %w", err)
	}

	if e.publisher == nil && cfg.MQTT.Broker != "" {
		e.publisher = emitter.NewMQTTEmitter(cfg.MQTT, cfg.SessionID)
	}

	return e, nil
}

// initializeFetchChain stacks the fetchers: the meter sees what the shaped
// link delivered, and retries happen below the shaper so a failed attempt
// does not consume link budget.
func (e *Engine) initializeFetchChain() error {
	if e.source == nil {
		files, err := fetch.NewFileFetcher(e.cfg.Source.Root, e.cfg.Source.PathTemplate)
		if err != nil {
			return fmt.Errorf("failed to create file fetcher: %w", err)
		}
		e.source = files
	}

	e.retrying = fetch.NewRetrying(e.source, fetch.RetryConfig{
		MaxRetries:    e.cfg.Fetch.MaxRetries,
		RetryDelay:    e.cfg.Fetch.RetryDelay(),
		MaxRetryDelay: e.cfg.Fetch.MaxRetryDelay(),
	})

	if e.trace == nil && e.cfg.Network.TracePath != "" {
		trace, err := bandwidth.LoadTrace(e.cfg.Network.TracePath)
		if err != nil {
			return fmt.Errorf("failed to load network trace: %w", err)
		}
		e.trace = trace
	}

	var link fetch.Fetcher = e.retrying
	if e.trace != nil {
		e.shaper = bandwidth.NewShaper(e.retrying, e.cfg.Network.InitialRateBps)
		e.replay = bandwidth.NewReplay(e.trace, e.shaper)
		link = e.shaper
		slog.Info("network trace loaded", "samples", e.trace.Len(), "path", e.cfg.Network.TracePath)
	}

	e.meter = bandwidth.NewMeter(link)
	if e.replay != nil {
		e.feed = e.replay
	} else {
		e.feed = e.meter
	}
	return nil
}

// Run starts the engine and blocks until every stream has been played or
// ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.isRunning = true
	e.started = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancelCtx = cancel
	e.mu.Unlock()

	slog.Info("engine starting", "session_id", e.cfg.SessionID)

	// Stats publishing is best effort: a missing broker must not stop playback
	if e.publisher != nil {
		if err := e.publisher.Connect(ctx); err != nil {
			slog.Warn("stats publisher unavailable, continuing without it", "error", err)
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.publisher.Run(ctx, func() any { return e.Stats() })
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runFeed(ctx)
	}()

	schedErr := make(chan error, 1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		schedErr <- e.scheduler.Run(ctx)
	}()

	playerDone := make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(playerDone)
		if err := e.player.Run(ctx); err != nil {
			slog.Error("playback failed", "error", err)
		}
	}()

	slog.Info("engine running",
		"objects", len(e.cfg.Objects),
		"fps", e.cfg.Playback.FPS,
		"trace", e.trace != nil,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("engine run loop exiting")
			return nil

		case <-playerDone:
			slog.Info("engine: every stream played")
			return nil

		case err := <-schedErr:
			if err != nil {
				return fmt.Errorf("scheduler failed: %w", err)
			}
			// Every stream is fetched; let playback drain the buffers.
			schedErr = nil
		}
	}
}

// runFeed samples the throughput feed into the predictor once per period.
// The first sample is taken immediately so the first decision can use it.
func (e *Engine) runFeed(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Network.SamplePeriod())
	defer ticker.Stop()

	for {
		e.sampleFeed()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) sampleFeed() {
	s, ok := e.feed.Next()
	if !ok {
		return
	}
	e.throughput.Add(s.Rate)
	predicted, _ := e.throughput.Predict()
	slog.Debug("throughput sample", "observed_bps", s.Rate, "predicted_bps", predicted)
}

// ObservePose records the viewer's camera pose for this tick
func (e *Engine) ObservePose(p types.Pose) {
	e.viewport.Add(&p)
}

// MissPose records a tick without a pose observation
func (e *Engine) MissPose() {
	e.viewport.Add(nil)
}

// Request fetches one frame on demand, sharing in-flight work and the cache
// with the scheduler
func (e *Engine) Request(ctx context.Context, fr types.FrameRequest) (*types.DecodedFrame, error) {
	return e.scheduler.Request(ctx, fr)
}

// Shutdown performs graceful shutdown of all components
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.isRunning {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancelCtx
	server := e.server
	e.mu.Unlock()

	slog.Info("shutting down engine")

	// 1. Stop feed, scheduler, player and publisher loops
	cancel()

	// 2. Wait for goroutines to finish (scheduler workers are drained inside Run)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out waiting for goroutines: %w", ctx.Err())
	}

	// 3. Disconnect MQTT and stop the stats server
	if e.publisher != nil {
		e.publisher.Disconnect()
	}
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("failed to stop stats server", "error", err)
		}
	}

	e.mu.Lock()
	uptime := time.Since(e.started)
	e.isRunning = false
	e.mu.Unlock()

	st := e.player.Stats()
	slog.Info("engine shutdown complete",
		"uptime", uptime,
		"presented", st.Presented,
		"stalls", st.Stalls,
		"gaps", st.Gaps,
	)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (e *Engine) ShutdownTimeout() time.Duration {
	if t := e.cfg.ShutdownTimeout(); t > 0 {
		return t
	}
	return 5 * time.Second
}
