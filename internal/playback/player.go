// Package playback is the consumer end of the pipeline.
//
// A Player pulls one Instant per tick at the target frame rate from the
// per-object playback buffers and hands it to a Renderer. It reports stalls
// (ticks with nothing to present), gaps (skip markers released in place of
// frames that could not be fetched or decoded) and presentation smoothness,
// and it takes ownership of consumed frames by removing them from the cache.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/nus-vv-streams/vvtk-sub001/internal/boundedbuf"
	"github.com/nus-vv-streams/vvtk-sub001/internal/cache"
	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

var ErrNoStreams = errors.New("playback: no streams")

// Instant is what the renderer sees for one playback tick.
type Instant struct {
	Seq uint64
	// Deliveries holds one entry per object present, in stream order.
	// Skipped entries carry the error instead of a frame.
	Deliveries []types.Delivery
	// Partial is set when some unfinished object had nothing to deliver
	Partial bool
	At      time.Time
}

// Frames returns the decoded frames of the instant, skipping gaps.
func (i Instant) Frames() []*types.DecodedFrame {
	out := make([]*types.DecodedFrame, 0, len(i.Deliveries))
	for _, d := range i.Deliveries {
		if d.Frame != nil {
			out = append(out, d.Frame)
		}
	}
	return out
}

// Renderer consumes instants. The engine never formats or displays frames.
type Renderer interface {
	Render(ctx context.Context, in Instant) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, in Instant) error

func (f RendererFunc) Render(ctx context.Context, in Instant) error { return f(ctx, in) }

// Discard is a Renderer that drops every instant.
var Discard Renderer = RendererFunc(func(context.Context, Instant) error { return nil })

// Stream is one object's playback buffer.
type Stream struct {
	Object types.ObjectID
	Buffer *boundedbuf.Buffer[types.Delivery]
}

// Config controls the player. Zero fields take defaults.
type Config struct {
	FPS float64 // target presentation rate (default: 30)
	// TolerateSkew presents whatever objects are ready instead of waiting for
	// every object of the instant
	TolerateSkew bool
	// SmoothnessWindow is the number of presentation timestamps kept for
	// Smoothness (default: 300)
	SmoothnessWindow int
}

// Stats is a snapshot of playback activity.
type Stats struct {
	Presented uint64 `json:"presented"`
	Frames    uint64 `json:"frames"`
	Gaps      uint64 `json:"gaps"`
	Partial   uint64 `json:"partial"`
	// Stalls counts rebuffering episodes, StallTime their total duration
	Stalls       uint64        `json:"stalls"`
	StallTime    time.Duration `json:"stall_time_ns"`
	Stalling     bool          `json:"stalling"`
	RenderErrors uint64        `json:"render_errors"`
	Position     uint64        `json:"position"`
	Smoothness   Smoothness    `json:"smoothness"`
}

// Player pulls instants from the playback buffers.
type Player struct {
	cfg      Config
	streams  []Stream
	cache    *cache.Cache
	renderer Renderer
	now      func() time.Time

	held map[types.ObjectID]types.Delivery
	done map[types.ObjectID]bool

	mu         sync.Mutex
	stats      Stats
	stallStart time.Time
	times      *deque.Deque[time.Time]
}

// New creates a player. c may be nil when nothing needs evicting.
func New(cfg Config, streams []Stream, c *cache.Cache, r Renderer) (*Player, error) {
	if len(streams) == 0 {
		return nil, ErrNoStreams
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.SmoothnessWindow <= 1 {
		cfg.SmoothnessWindow = 300
	}
	if r == nil {
		r = Discard
	}
	for _, s := range streams {
		if s.Buffer == nil {
			return nil, fmt.Errorf("playback: object %d has no buffer", s.Object)
		}
	}

	return &Player{
		cfg:      cfg,
		streams:  streams,
		cache:    c,
		renderer: r,
		now:      time.Now,
		held:     make(map[types.ObjectID]types.Delivery),
		done:     make(map[types.ObjectID]bool),
		times:    deque.New[time.Time](cfg.SmoothnessWindow),
	}, nil
}

// Run presents one instant per tick until every stream has ended or ctx is
// done. Both are normal termination.
func (p *Player) Run(ctx context.Context) error {
	interval := time.Duration(float64(time.Second) / p.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("playback: started", "fps", p.cfg.FPS, "streams", len(p.streams), "barrier", !p.cfg.TolerateSkew)

	for {
		select {
		case <-ctx.Done():
			st := p.Stats()
			slog.Info("playback: stopped", "presented", st.Presented, "stalls", st.Stalls, "gaps", st.Gaps)
			return nil

		case <-ticker.C:
			if ended := p.Step(ctx); ended {
				st := p.Stats()
				slog.Info("playback: all streams ended",
					"presented", st.Presented,
					"stalls", st.Stalls,
					"stall_time", st.StallTime,
					"gaps", st.Gaps,
					"fps_mean", st.Smoothness.FPSMean,
					"smooth", st.Smoothness.Smooth,
				)
				return nil
			}
		}
	}
}

// Step runs one playback tick and reports whether every stream has ended.
// Run calls it on every tick; it is exported for callers that drive their
// own clock.
func (p *Player) Step(ctx context.Context) bool {
	active := 0
	for _, s := range p.streams {
		if p.done[s.Object] {
			continue
		}
		if _, ok := p.held[s.Object]; !ok {
			if d, ok := s.Buffer.TryRecv(); ok {
				p.held[s.Object] = d
			} else if s.Buffer.Drained() || s.Buffer.Closed() {
				p.done[s.Object] = true
				slog.Debug("playback: stream ended", "object", s.Object)
				continue
			}
		}
		active++
	}

	if active == 0 && len(p.held) == 0 {
		return true
	}

	ready := len(p.held)
	switch {
	case ready == 0:
		p.stall()
		return false
	case ready < active && !p.cfg.TolerateSkew:
		// Barrier: hold what arrived until the rest of the instant is here.
		p.stall()
		return false
	}

	in := Instant{Partial: ready < active, At: p.now()}
	for _, s := range p.streams {
		if d, ok := p.held[s.Object]; ok {
			in.Deliveries = append(in.Deliveries, d)
			delete(p.held, s.Object)
		}
	}
	p.present(ctx, in)
	return false
}

func (p *Player) stall() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stats.Stalling {
		return
	}
	p.stats.Stalling = true
	p.stats.Stalls++
	p.stallStart = p.now()
	slog.Warn("playback: stalled", "position", p.stats.Position, "stalls", p.stats.Stalls)
}

func (p *Player) present(ctx context.Context, in Instant) {
	p.mu.Lock()
	if p.stats.Stalling {
		stalled := in.At.Sub(p.stallStart)
		p.stats.StallTime += stalled
		p.stats.Stalling = false
		slog.Info("playback: resumed", "stalled_for", stalled)
	}
	p.stats.Presented++
	in.Seq = p.stats.Presented
	if in.Partial {
		p.stats.Partial++
	}
	p.times.PushBack(in.At)
	for p.times.Len() > p.cfg.SmoothnessWindow {
		p.times.PopFront()
	}
	p.mu.Unlock()

	for _, d := range in.Deliveries {
		p.consume(d)
	}

	if err := p.renderer.Render(ctx, in); err != nil {
		p.mu.Lock()
		p.stats.RenderErrors++
		p.mu.Unlock()
		slog.Warn("playback: render failed", "seq", in.Seq, "error", err)
	}
}

// consume takes ownership of a delivered frame and moves the cache's
// retention window forward.
func (p *Player) consume(d types.Delivery) {
	p.mu.Lock()
	if d.Skipped() {
		p.stats.Gaps++
	} else {
		p.stats.Frames++
	}
	if d.Offset+1 > p.stats.Position {
		p.stats.Position = d.Offset + 1
	}
	p.mu.Unlock()

	if d.Skipped() {
		slog.Warn("playback: gap", "object", d.Object, "offset", d.Offset, "error", d.Err)
	}
	if p.cache != nil {
		if !d.Skipped() {
			p.cache.Remove(cache.KeyFromMetadata(types.Metadata{Object: d.Object, Offset: d.Offset}))
		}
		p.cache.Advance(d.Object, d.Offset)
	}
}

// Stats returns a snapshot of playback activity.
func (p *Player) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.stats
	if st.Stalling {
		st.StallTime += p.now().Sub(p.stallStart)
	}
	times := make([]time.Time, p.times.Len())
	for i := range times {
		times[i] = p.times.At(i)
	}
	st.Smoothness = CalculateSmoothness(times, p.cfg.FPS)
	return st
}
