// Package scheduler drives the prefetch loop.
//
// Each tick the scheduler:
//
//  1. reads every object's occupancy from its playback buffer;
//  2. asks the ABR policy for levels when no decision exists yet, when a
//     buffer is at or below the low watermark, or when the last decision is
//     older than DecisionInterval;
//  3. issues one fetch job per free slot, retries first, while the object's
//     slack allows another frame;
//  4. hands each job to a bounded worker pool that fetches and decodes;
//  5. on completion stores the frame in the cache and releases every offset
//     that is now ready, in order, into the object's playback buffer.
//
// Ordering:
//   - First-time offsets are issued in strictly increasing order per object.
//   - Release is in offset order per object. Unless TolerateSkew is set, an
//     offset is released for all objects together (barrier), so playback
//     never sees an instant with only some objects present.
//
// Cancellation is cooperative. Every object carries an epoch that is bumped
// when a new decision changes its level. A completion whose epoch no longer
// matches is stale: its frame is not cached and the offset is fetched again.
//
// Failures never silently drop an offset. A failed fetch is retried on a
// later tick; after MaxAttempts, or on a decode failure, a skip marker is
// released in the offset's place.
//
// Backpressure: the slack used to gate new offsets is the buffer's free space
// minus offsets already issued but not yet pushed, and the releaser's
// blocking Push is what finally throttles the loop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"

	"github.com/nus-vv-streams/vvtk-sub001/internal/abr"
	"github.com/nus-vv-streams/vvtk-sub001/internal/boundedbuf"
	"github.com/nus-vv-streams/vvtk-sub001/internal/cache"
	"github.com/nus-vv-streams/vvtk-sub001/internal/decoder"
	"github.com/nus-vv-streams/vvtk-sub001/internal/fetch"
	"github.com/nus-vv-streams/vvtk-sub001/internal/predict/throughput"
	"github.com/nus-vv-streams/vvtk-sub001/internal/predict/viewport"
	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

// Deps are the collaborators of the scheduler. Viewport may be nil, in which
// case every object weighs the same.
type Deps struct {
	Fetcher    fetch.Fetcher
	Decoder    decoder.Decoder
	Cache      *cache.Cache
	Policy     abr.Policy
	Throughput throughput.Predictor
	Viewport   viewport.Predictor
}

type objectState struct {
	obj     Object
	buf     *boundedbuf.Buffer[types.Delivery]
	pending chan types.Delivery
	// delivered counts deliveries pushed into buf; it is also the next
	// offset the releaser will push
	delivered atomic.Uint64

	level       types.Level
	epoch       uint64
	weight      float64
	nextOffset  uint64
	nextRelease uint64
	inflight    map[uint64]struct{}
	retry       *deque.Deque[uint64]
	attempts    map[uint64]int
	ready       map[uint64]types.Delivery
	ended       bool
}

// flight is a fetch in progress that other callers may wait on.
type flight struct {
	done  chan struct{}
	frame *types.DecodedFrame
	err   error
}

type result struct {
	req   types.FetchRequest
	frame *types.DecodedFrame
	err   error
}

// Scheduler is the prefetch loop. Create with New, start with Run.
type Scheduler struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	objects []*objectState
	byID    map[types.ObjectID]*objectState

	sem       chan struct{}
	results   chan result
	workers   sync.WaitGroup
	releasers sync.WaitGroup
	running   atomic.Bool

	mu           sync.Mutex
	decided      bool
	lastDecision time.Time
	pose         *types.Pose
	flights      map[cache.Key]*flight

	ticks     atomic.Uint64
	decisions atomic.Uint64
	issued    atomic.Uint64
	cacheHits atomic.Uint64
	completed atomic.Uint64
	stale     atomic.Uint64
	retries   atomic.Uint64
	skipped   atomic.Uint64
	released  atomic.Uint64
	onDemand  atomic.Uint64
}

// New validates the objects and creates one playback buffer per object.
func New(cfg Config, objects []Object, deps Deps) (*Scheduler, error) {
	cfg = cfg.withDefaults()

	if len(objects) == 0 {
		return nil, ErrNoObjects
	}
	if deps.Fetcher == nil || deps.Decoder == nil || deps.Cache == nil || deps.Policy == nil || deps.Throughput == nil {
		return nil, fmt.Errorf("scheduler: fetcher, decoder, cache, policy and throughput predictor are required")
	}

	s := &Scheduler{
		cfg:     cfg,
		deps:    deps,
		now:     time.Now,
		byID:    make(map[types.ObjectID]*objectState, len(objects)),
		sem:     make(chan struct{}, cfg.Workers),
		results: make(chan result, cfg.Workers),
		flights: make(map[cache.Key]*flight),
	}

	for _, obj := range objects {
		if _, dup := s.byID[obj.ID]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateID, obj.ID)
		}
		if err := abr.ValidateLadder(obj.Ladder); err != nil {
			return nil, fmt.Errorf("scheduler: object %d: %w", obj.ID, err)
		}

		buf, err := boundedbuf.New[types.Delivery](cfg.BufferCapacity)
		if err != nil {
			return nil, fmt.Errorf("scheduler: object %d: %w", obj.ID, err)
		}
		st := &objectState{
			obj:      obj,
			buf:      buf,
			pending:  make(chan types.Delivery, 2*cfg.BufferCapacity+cfg.MaxInflightPerObject),
			weight:   1,
			inflight: make(map[uint64]struct{}),
			retry:    deque.New[uint64](),
			attempts: make(map[uint64]int),
			ready:    make(map[uint64]types.Delivery),
		}
		s.objects = append(s.objects, st)
		s.byID[obj.ID] = st
	}
	return s, nil
}

// Buffer returns the playback buffer of an object.
func (s *Scheduler) Buffer(id types.ObjectID) (*boundedbuf.Buffer[types.Delivery], bool) {
	st, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return st.buf, true
}

// Objects returns the configured objects in configuration order.
func (s *Scheduler) Objects() []Object {
	out := make([]Object, len(s.objects))
	for i, st := range s.objects {
		out[i] = st.obj
	}
	return out
}

// Run ticks until ctx is cancelled or every bounded object has been released
// in full. Cancellation is a graceful shutdown: in-flight jobs are waited
// for, buffers are closed and Run returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, st := range s.objects {
		s.releasers.Add(1)
		go s.releaser(ctx, st)
	}

	slog.Info("scheduler: started",
		"objects", len(s.objects),
		"workers", s.cfg.Workers,
		"buffer_capacity", s.cfg.BufferCapacity,
		"low_watermark", s.cfg.LowWatermark,
		"tick", s.cfg.Tick,
		"barrier", !s.cfg.TolerateSkew,
	)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			cancel()
			s.workers.Wait()
			s.releasers.Wait()
			for _, st := range s.objects {
				st.buf.Close()
			}
			slog.Info("scheduler: stopped", "released", s.released.Load())
			return nil

		case <-ticker.C:
			s.tick(ctx)

		case res := <-s.results:
			s.complete(ctx, res)
		}

		if s.allEnded() {
			slog.Info("scheduler: all objects released, draining", "released", s.released.Load())
			s.releasers.Wait()
			return nil
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.ticks.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.needsDecisionLocked(now) {
		s.decideLocked(now)
	}

	for _, st := range s.issueOrderLocked() {
		s.issueLocked(ctx, st)
	}

	// Cache hits may have made offsets ready without any completion.
	s.releaseLocked()
}

func (s *Scheduler) needsDecisionLocked(now time.Time) bool {
	if !s.decided || now.Sub(s.lastDecision) >= s.cfg.DecisionInterval {
		return true
	}
	for _, st := range s.objects {
		if !st.ended && st.buf.Len() <= s.cfg.LowWatermark {
			return true
		}
	}
	return false
}

func (s *Scheduler) decideLocked(now time.Time) {
	tp, hasTP := s.deps.Throughput.Predict()

	var pose types.Pose
	hasPose := false
	if s.deps.Viewport != nil {
		pose, hasPose = s.deps.Viewport.Predict()
	}

	anchors := make([]viewport.Object, len(s.objects))
	for i, st := range s.objects {
		anchors[i] = viewport.Object{ID: st.obj.ID, Position: st.obj.Position}
	}
	weights := viewport.Weights(pose, hasPose, anchors, s.cfg.FOV)

	in := abr.Input{
		Throughput:    tp,
		HasThroughput: hasTP,
		FPS:           s.cfg.FPS,
		Objects:       make([]abr.ObjectState, len(s.objects)),
	}
	for i, st := range s.objects {
		in.Objects[i] = abr.ObjectState{
			ID:        st.obj.ID,
			Ladder:    st.obj.Ladder,
			Occupancy: types.Occupancy{Buffered: st.buf.Len(), Capacity: st.buf.Cap()},
			Weight:    weights[i],
		}
	}

	levels := s.deps.Policy.Decide(in)

	for i, st := range s.objects {
		st.weight = weights[i]

		var level types.Level
		if i < len(levels) {
			level = levels[i]
		}
		if level < 0 {
			level = 0
		}
		if top := types.Level(len(st.obj.Ladder) - 1); level > top {
			level = top
		}

		if s.decided && level != st.level {
			st.epoch++
			slog.Debug("scheduler: level changed",
				"object", st.obj.ID,
				"from", st.level,
				"to", level,
				"epoch", st.epoch,
				"throughput_bps", tp,
			)
		}
		st.level = level
	}

	if hasPose {
		s.pose = &pose
	}
	s.decided = true
	s.lastDecision = now
	s.decisions.Add(1)
}

// issueOrderLocked visits the most visible objects first so they win worker
// slots when the pool is saturated.
func (s *Scheduler) issueOrderLocked() []*objectState {
	order := make([]*objectState, len(s.objects))
	copy(order, s.objects)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].weight > order[j].weight
	})
	return order
}

// slackLocked is the number of new offsets the object may still issue.
func (s *Scheduler) slackLocked(st *objectState) int {
	outstanding := int(st.nextOffset - st.delivered.Load())
	return st.buf.Slack() - outstanding
}

func (s *Scheduler) issueLocked(ctx context.Context, st *objectState) {
	for !st.ended && len(st.inflight) < s.cfg.MaxInflightPerObject {
		// Retried offsets are already counted as outstanding, so they bypass
		// the slack check; gating them could starve the consumer forever.
		fromRetry := st.retry.Len() > 0
		var offset uint64
		switch {
		case fromRetry:
			offset = st.retry.PopFront()
		case s.slackLocked(st) <= 0:
			return
		case st.obj.FrameCount > 0 && st.nextOffset >= st.obj.FrameCount:
			return
		default:
			offset = st.nextOffset
			st.nextOffset++
		}

		undo := func() {
			if fromRetry {
				st.retry.PushFront(offset)
			} else {
				st.nextOffset--
			}
		}

		key := cache.Key{Object: st.obj.ID, Offset: offset}
		if _, busy := s.flights[key]; busy {
			// An on-demand Request is fetching this offset; pick it up from
			// the cache on a later tick.
			undo()
			return
		}
		if frame, hit := s.deps.Cache.Get(key); hit {
			st.ready[offset] = types.Delivery{Object: st.obj.ID, Offset: offset, Frame: frame}
			s.cacheHits.Add(1)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			undo()
			return
		}
		s.startLocked(ctx, st, offset)
	}
}

func (s *Scheduler) startLocked(ctx context.Context, st *objectState, offset uint64) {
	req := types.FetchRequest{
		Object:    st.obj.ID,
		Offset:    offset,
		Level:     st.level,
		Occupancy: types.Occupancy{Buffered: st.buf.Len(), Capacity: st.buf.Cap()},
		Epoch:     st.epoch,
		TraceID:   uuid.NewString(),
		IssuedAt:  s.now(),
	}
	if s.pose != nil {
		p := *s.pose
		req.Pose = &p
	}

	st.inflight[offset] = struct{}{}
	s.flights[cache.KeyFromRequest(req)] = &flight{done: make(chan struct{})}
	s.issued.Add(1)

	slog.Debug("scheduler: fetch issued",
		"object", req.Object,
		"offset", req.Offset,
		"level", req.Level,
		"epoch", req.Epoch,
		"buffered", req.Occupancy.Buffered,
		"trace_id", req.TraceID,
	)

	s.workers.Add(1)
	go s.work(ctx, req)
}

// work runs one fetch+decode job. The worker slot is held until the result
// has been handed to the loop.
func (s *Scheduler) work(ctx context.Context, req types.FetchRequest) {
	defer s.workers.Done()
	defer func() { <-s.sem }()

	frame, err := s.fetchDecode(ctx, req)
	select {
	case s.results <- result{req: req, frame: frame, err: err}:
	case <-ctx.Done():
	}
}

func (s *Scheduler) fetchDecode(ctx context.Context, req types.FetchRequest) (*types.DecodedFrame, error) {
	data, err := s.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("scheduler: fetch object %d offset %d: %w", req.Object, req.Offset, err)
	}

	f, err := s.deps.Decoder.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("scheduler: decode object %d offset %d: %w", req.Object, req.Offset, err)
	}

	return &types.DecodedFrame{
		Object:    req.Object,
		Offset:    req.Offset,
		Level:     req.Level,
		Payload:   f.Payload,
		Points:    f.Points,
		Size:      len(data),
		DecodedAt: s.now(),
	}, nil
}

func (s *Scheduler) allEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.objects {
		if !st.ended {
			return false
		}
	}
	return true
}
