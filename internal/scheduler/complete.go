package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nus-vv-streams/vvtk-sub001/internal/boundedbuf"
	"github.com/nus-vv-streams/vvtk-sub001/internal/cache"
	"github.com/nus-vv-streams/vvtk-sub001/internal/decoder"
	"github.com/nus-vv-streams/vvtk-sub001/internal/fetch"
	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

// complete records a finished job. ctx is the Run context: a cancellation
// error is only treated as shutdown when ctx itself is done, otherwise it
// counts as a failed attempt like any other transient error.
func (s *Scheduler) complete(ctx context.Context, res result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := res.req
	st := s.byID[req.Object]
	delete(st.inflight, req.Offset)
	s.completed.Add(1)

	// Waiters on this flight get the frame even when it is stale: the data
	// is valid, it just was fetched under an outdated decision.
	key := cache.KeyFromRequest(req)
	if f, ok := s.flights[key]; ok {
		delete(s.flights, key)
		f.frame, f.err = res.frame, res.err
		close(f.done)
	}

	switch {
	case req.Epoch != st.epoch:
		s.stale.Add(1)
		st.retry.PushBack(req.Offset)
		slog.Debug("scheduler: stale result dropped",
			"object", req.Object,
			"offset", req.Offset,
			"epoch", req.Epoch,
			"current_epoch", st.epoch,
		)
		return

	case res.err == nil:
		s.deps.Cache.Put(key, res.frame)
		st.ready[req.Offset] = types.Delivery{Object: req.Object, Offset: req.Offset, Frame: res.frame}
		delete(st.attempts, req.Offset)

	case errors.Is(res.err, context.Canceled) && ctx.Err() != nil:
		// Shutdown in progress.
		return

	default:
		if kind, ok := decoder.KindOf(res.err); ok {
			slog.Warn("scheduler: decode failed, skipping frame",
				"object", req.Object,
				"offset", req.Offset,
				"kind", kind.String(),
				"error", res.err,
			)
			s.skipLocked(st, req.Offset, res.err)
			break
		}

		st.attempts[req.Offset]++
		attempt := st.attempts[req.Offset]
		if attempt >= s.cfg.MaxAttempts {
			slog.Warn("scheduler: giving up on frame",
				"object", req.Object,
				"offset", req.Offset,
				"attempts", attempt,
				"error", res.err,
			)
			s.skipLocked(st, req.Offset, fmt.Errorf("%w: %v", ErrGaveUp, res.err))
			break
		}

		st.retry.PushBack(req.Offset)
		s.retries.Add(1)
		slog.Warn("scheduler: fetch failed, will retry",
			"object", req.Object,
			"offset", req.Offset,
			"attempt", attempt,
			"category", fetch.Classify(res.err).String(),
			"error", res.err,
		)
	}

	s.releaseLocked()
}

func (s *Scheduler) skipLocked(st *objectState, offset uint64, err error) {
	st.ready[offset] = types.Delivery{Object: st.obj.ID, Offset: offset, Err: err}
	delete(st.attempts, offset)
	s.skipped.Add(1)
}

// releaseLocked moves every ready offset that may be delivered into the
// pending queues of the releasers.
func (s *Scheduler) releaseLocked() {
	if s.cfg.TolerateSkew || len(s.objects) == 1 {
		for _, st := range s.objects {
			for !st.ended {
				d, ok := st.ready[st.nextRelease]
				if !ok {
					break
				}
				s.emitLocked(st, d)
			}
		}
		return
	}

	// Barrier: unfinished objects share nextRelease and advance together.
	for {
		active := 0
		for _, st := range s.objects {
			if st.ended {
				continue
			}
			active++
			if _, ok := st.ready[st.nextRelease]; !ok {
				return
			}
		}
		if active == 0 {
			return
		}
		for _, st := range s.objects {
			if !st.ended {
				s.emitLocked(st, st.ready[st.nextRelease])
			}
		}
	}
}

// emitLocked hands d to the object's releaser. pending is sized above the
// slack bound, so the send does not wait for the consumer in practice, and
// the releaser never takes s.mu.
func (s *Scheduler) emitLocked(st *objectState, d types.Delivery) {
	delete(st.ready, st.nextRelease)
	st.pending <- d
	st.nextRelease++
	s.released.Add(1)

	if st.obj.FrameCount > 0 && st.nextRelease >= st.obj.FrameCount {
		st.ended = true
		close(st.pending)
		slog.Info("scheduler: object fully released",
			"object", st.obj.ID,
			"frames", st.obj.FrameCount,
		)
	}
}

// releaser pushes released deliveries into the object's playback buffer. The
// blocking Push is the backpressure that throttles the whole loop.
func (s *Scheduler) releaser(ctx context.Context, st *objectState) {
	defer s.releasers.Done()

	for {
		select {
		case d, ok := <-st.pending:
			if !ok {
				st.buf.Finish()
				return
			}
			if err := st.buf.Push(ctx, d); err != nil {
				if !errors.Is(err, boundedbuf.ErrClosed) && ctx.Err() == nil {
					slog.Warn("scheduler: push failed", "object", st.obj.ID, "offset", d.Offset, "error", err)
				}
				return
			}
			st.delivered.Add(1)

		case <-ctx.Done():
			return
		}
	}
}

// Request fetches one frame on demand (seek, explicit prefetch).
//
// The cache is consulted first. Concurrent requests for the same
// (object, offset), including one the tick loop already has in flight, share
// a single fetch. A fetched frame is cached, so the tick loop later serves
// that offset without fetching it again.
func (s *Scheduler) Request(ctx context.Context, fr types.FrameRequest) (*types.DecodedFrame, error) {
	st, ok := s.byID[fr.Object]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownObject, fr.Object)
	}
	key := cache.KeyFromFrameRequest(fr)

	s.mu.Lock()
	if frame, hit := s.deps.Cache.Get(key); hit {
		s.mu.Unlock()
		return frame, nil
	}
	if f, busy := s.flights[key]; busy {
		s.mu.Unlock()
		select {
		case <-f.done:
			return f.frame, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	s.flights[key] = f
	req := types.FetchRequest{
		Object:    fr.Object,
		Offset:    fr.Offset,
		Level:     st.level,
		Pose:      fr.Pose,
		Occupancy: types.Occupancy{Buffered: st.buf.Len(), Capacity: st.buf.Cap()},
		Epoch:     st.epoch,
		TraceID:   uuid.NewString(),
		IssuedAt:  s.now(),
	}
	s.mu.Unlock()

	var (
		frame *types.DecodedFrame
		err   error
	)
	select {
	case s.sem <- struct{}{}:
		frame, err = s.fetchDecode(ctx, req)
		<-s.sem
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.onDemand.Add(1)

	s.mu.Lock()
	if err == nil {
		s.deps.Cache.Put(key, frame)
	}
	delete(s.flights, key)
	s.mu.Unlock()

	f.frame, f.err = frame, err
	close(f.done)

	if err != nil {
		slog.Debug("scheduler: on-demand fetch failed", "object", fr.Object, "offset", fr.Offset, "error", err)
	}
	return frame, err
}

// Stats returns a snapshot of the scheduler.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Ticks:     s.ticks.Load(),
		Decisions: s.decisions.Load(),
		Issued:    s.issued.Load(),
		CacheHits: s.cacheHits.Load(),
		Completed: s.completed.Load(),
		Stale:     s.stale.Load(),
		Retries:   s.retries.Load(),
		Skipped:   s.skipped.Load(),
		Released:  s.released.Load(),
		OnDemand:  s.onDemand.Load(),
		Objects:   make([]ObjectStats, len(s.objects)),
	}
	for i, st := range s.objects {
		stats.InFlight += len(st.inflight)
		stats.Objects[i] = ObjectStats{
			ID:          st.obj.ID,
			Level:       st.level,
			Epoch:       st.epoch,
			NextOffset:  st.nextOffset,
			NextRelease: st.nextRelease,
			Delivered:   st.delivered.Load(),
			Buffered:    st.buf.Len(),
			InFlight:    len(st.inflight),
			Retrying:    st.retry.Len(),
			Weight:      st.weight,
			Ended:       st.ended,
		}
	}
	return stats
}
