package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nus-vv-streams/vvtk-sub001/internal/abr"
	"github.com/nus-vv-streams/vvtk-sub001/internal/boundedbuf"
	"github.com/nus-vv-streams/vvtk-sub001/internal/cache"
	"github.com/nus-vv-streams/vvtk-sub001/internal/decoder"
	"github.com/nus-vv-streams/vvtk-sub001/internal/fetch"
	"github.com/nus-vv-streams/vvtk-sub001/internal/predict/throughput"
	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

type policyFunc func(abr.Input) []types.Level

func (f policyFunc) Decide(in abr.Input) []types.Level { return f(in) }

// failingDecoder rejects payloads equal to "bad".
type failingDecoder struct{ decoder.Noop }

func (d failingDecoder) Decode(data []byte) (*decoder.Frame, error) {
	if string(data) == "bad" {
		return nil, &decoder.Error{Kind: decoder.KindMalformed, Err: errors.New("bad payload")}
	}
	return d.Noop.Decode(data)
}

func payload(req types.FetchRequest) []byte {
	return []byte(fmt.Sprintf("%d/%d", req.Object, req.Offset))
}

// countingFetcher records how often each (object, offset) was fetched.
type countingFetcher struct {
	mu    sync.Mutex
	calls map[cache.Key]int
	total atomic.Int64
	fn    func(ctx context.Context, req types.FetchRequest, attempt int) ([]byte, error)
}

func newCountingFetcher(fn func(ctx context.Context, req types.FetchRequest, attempt int) ([]byte, error)) *countingFetcher {
	if fn == nil {
		fn = func(ctx context.Context, req types.FetchRequest, attempt int) ([]byte, error) {
			return payload(req), nil
		}
	}
	return &countingFetcher{calls: make(map[cache.Key]int), fn: fn}
}

func (f *countingFetcher) Fetch(ctx context.Context, req types.FetchRequest) ([]byte, error) {
	f.mu.Lock()
	key := cache.KeyFromRequest(req)
	f.calls[key]++
	attempt := f.calls[key]
	f.mu.Unlock()
	f.total.Add(1)
	return f.fn(ctx, req, attempt)
}

func (f *countingFetcher) Calls(obj types.ObjectID, off uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[cache.Key{Object: obj, Offset: off}]
}

func objects(frameCount uint64, ids ...types.ObjectID) []Object {
	out := make([]Object, len(ids))
	for i, id := range ids {
		out[i] = Object{
			ID:         id,
			Ladder:     []abr.Representation{{Bitrate: 1e6}, {Bitrate: 2e6}},
			FrameCount: frameCount,
		}
	}
	return out
}

type fixture struct {
	sched   *Scheduler
	cache   *cache.Cache
	fetcher *countingFetcher
}

func newFixture(t *testing.T, cfg Config, objs []Object, f *countingFetcher, dec decoder.Decoder) *fixture {
	t.Helper()

	c, err := cache.New(1024, 64)
	if err != nil {
		t.Fatal(err)
	}
	policy, err := abr.New(abr.Config{Policy: abr.PolicyQueueing})
	if err != nil {
		t.Fatal(err)
	}
	if f == nil {
		f = newCountingFetcher(nil)
	}
	if dec == nil {
		dec = decoder.NewNoop()
	}
	if cfg.Tick == 0 {
		cfg.Tick = time.Millisecond
	}

	s, err := New(cfg, objs, Deps{
		Fetcher:    f,
		Decoder:    dec,
		Cache:      c,
		Policy:     policy,
		Throughput: throughput.NewLast(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &fixture{sched: s, cache: c, fetcher: f}
}

func (fx *fixture) run(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		errc <- fx.sched.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
	return cancel, errc
}

func drain(t *testing.T, buf *boundedbuf.Buffer[types.Delivery], n int) []types.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	out := make([]types.Delivery, 0, n)
	for len(out) < n {
		d, err := buf.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv after %d deliveries: %v", len(out), err)
		}
		out = append(out, d)
	}
	return out
}

func TestNewValidation(t *testing.T) {
	c, _ := cache.New(8, 1)
	policy, _ := abr.New(abr.Config{})
	deps := Deps{
		Fetcher:    newCountingFetcher(nil),
		Decoder:    decoder.NewNoop(),
		Cache:      c,
		Policy:     policy,
		Throughput: throughput.NewLast(),
	}

	if _, err := New(Config{}, nil, deps); !errors.Is(err, ErrNoObjects) {
		t.Errorf("expected ErrNoObjects, got %v", err)
	}
	if _, err := New(Config{}, objects(1, 1, 1), deps); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
	bad := objects(1, 1)
	bad[0].Ladder = []abr.Representation{{Bitrate: 2e6}, {Bitrate: 1e6}}
	if _, err := New(Config{}, bad, deps); err == nil {
		t.Error("expected error for descending ladder")
	}
	if _, err := New(Config{}, objects(1, 1), Deps{}); err == nil {
		t.Error("expected error for missing deps")
	}
}

func TestRequestSameFrameTwiceFetchesOnce(t *testing.T) {
	fx := newFixture(t, Config{}, objects(0, 1), nil, nil)
	req := types.FrameRequest{Object: 1, Offset: 42}

	first, err := fx.sched.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("first Request failed: %v", err)
	}

	// Same identity, different pose: still the same cache key.
	req.Pose = &types.Pose{Yaw: 30}
	second, err := fx.sched.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("second Request failed: %v", err)
	}

	if got := fx.fetcher.Calls(1, 42); got != 1 {
		t.Errorf("fetched %d times, want 1", got)
	}
	if first != second {
		t.Error("second request should be served from the cache")
	}
	if hits := fx.cache.Stats().Hits; hits != 1 {
		t.Errorf("cache hits = %d, want 1", hits)
	}
}

func TestRequestDeduplicatesConcurrentCallers(t *testing.T) {
	gate := make(chan struct{})
	f := newCountingFetcher(func(ctx context.Context, req types.FetchRequest, attempt int) ([]byte, error) {
		<-gate
		return payload(req), nil
	})
	fx := newFixture(t, Config{}, objects(0, 1), f, nil)

	const callers = 5
	var wg sync.WaitGroup
	frames := make([]*types.DecodedFrame, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			frame, err := fx.sched.Request(context.Background(), types.FrameRequest{Object: 1, Offset: 7})
			if err != nil {
				t.Errorf("Request failed: %v", err)
			}
			frames[i] = frame
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := fx.fetcher.Calls(1, 7); got != 1 {
		t.Errorf("fetched %d times, want 1", got)
	}
	for i := 1; i < callers; i++ {
		if frames[i] != frames[0] {
			t.Errorf("caller %d got a different frame", i)
		}
	}
}

func TestRequestUnknownObject(t *testing.T) {
	fx := newFixture(t, Config{}, objects(0, 1), nil, nil)
	if _, err := fx.sched.Request(context.Background(), types.FrameRequest{Object: 9}); !errors.Is(err, ErrUnknownObject) {
		t.Errorf("expected ErrUnknownObject, got %v", err)
	}
}

func TestRunDeliversInOrderAndFinishes(t *testing.T) {
	// Later offsets complete first.
	f := newCountingFetcher(func(ctx context.Context, req types.FetchRequest, attempt int) ([]byte, error) {
		time.Sleep(time.Duration(10-req.Offset%10) * time.Millisecond)
		return payload(req), nil
	})
	fx := newFixture(t, Config{BufferCapacity: 8, MaxInflightPerObject: 4}, objects(20, 1), f, nil)
	_, done := fx.run(t)

	buf, _ := fx.sched.Buffer(1)
	got := drain(t, buf, 20)
	for i, d := range got {
		if d.Offset != uint64(i) || d.Skipped() {
			t.Fatalf("delivery %d: offset %d skipped=%v", i, d.Offset, d.Skipped())
		}
		if string(d.Frame.Payload) != fmt.Sprintf("1/%d", i) {
			t.Errorf("delivery %d: payload %q", i, d.Frame.Payload)
		}
	}

	if _, err := buf.Recv(context.Background()); !errors.Is(err, boundedbuf.ErrClosed) {
		t.Errorf("expected end of stream, got %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the stream ended")
	}
}

func TestCachedOffsetsAreNotFetched(t *testing.T) {
	fx := newFixture(t, Config{}, objects(5, 1), nil, nil)
	for off := uint64(0); off < 5; off++ {
		fx.cache.Put(cache.Key{Object: 1, Offset: off}, &types.DecodedFrame{Object: 1, Offset: off})
	}
	fx.run(t)

	buf, _ := fx.sched.Buffer(1)
	drain(t, buf, 5)

	if n := fx.fetcher.total.Load(); n != 0 {
		t.Errorf("fetched %d frames, want 0", n)
	}
	if hits := fx.sched.Stats().CacheHits; hits != 5 {
		t.Errorf("CacheHits = %d, want 5", hits)
	}
}

func TestTickServesOnDemandFrameFromCache(t *testing.T) {
	fx := newFixture(t, Config{}, objects(3, 1), nil, nil)
	if _, err := fx.sched.Request(context.Background(), types.FrameRequest{Object: 1, Offset: 1}); err != nil {
		t.Fatal(err)
	}
	fx.run(t)

	buf, _ := fx.sched.Buffer(1)
	drain(t, buf, 3)
	if got := fx.fetcher.Calls(1, 1); got != 1 {
		t.Errorf("offset 1 fetched %d times, want 1", got)
	}
}

func TestBackpressureBoundsIssue(t *testing.T) {
	fx := newFixture(t, Config{BufferCapacity: 5}, objects(100, 1), nil, nil)
	fx.run(t)

	buf, _ := fx.sched.Buffer(1)
	deadline := time.Now().Add(2 * time.Second)
	for buf.Len() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)

	if buf.Slack() != 0 {
		t.Errorf("Slack() = %d, want 0", buf.Slack())
	}
	// The length counter may lag by one.
	if issued := fx.sched.Stats().Issued; issued > 6 {
		t.Errorf("issued %d fetches with no consumer, want at most 6", issued)
	}

	drain(t, buf, 1)
	time.Sleep(30 * time.Millisecond)
	if issued := fx.sched.Stats().Issued; issued > 7 {
		t.Errorf("one receive allowed %d fetches in total", issued)
	}
}

func TestBarrierAlignsObjects(t *testing.T) {
	gate := make(chan struct{})
	f := newCountingFetcher(func(ctx context.Context, req types.FetchRequest, attempt int) ([]byte, error) {
		if req.Object == 2 && req.Offset == 0 {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return payload(req), nil
	})
	fx := newFixture(t, Config{}, objects(3, 1, 2), f, nil)
	fx.run(t)

	bufA, _ := fx.sched.Buffer(1)
	time.Sleep(50 * time.Millisecond)
	if bufA.Len() != 0 {
		t.Fatalf("object 1 received %d frames before object 2 was ready", bufA.Len())
	}

	close(gate)
	bufB, _ := fx.sched.Buffer(2)
	a := drain(t, bufA, 3)
	b := drain(t, bufB, 3)
	for i := range a {
		if a[i].Offset != b[i].Offset {
			t.Errorf("instant %d misaligned: %d vs %d", i, a[i].Offset, b[i].Offset)
		}
	}
}

func TestTolerateSkewReleasesIndependently(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newCountingFetcher(func(ctx context.Context, req types.FetchRequest, attempt int) ([]byte, error) {
		if req.Object == 2 {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return payload(req), nil
	})
	fx := newFixture(t, Config{TolerateSkew: true}, objects(3, 1, 2), f, nil)
	fx.run(t)

	bufA, _ := fx.sched.Buffer(1)
	got := drain(t, bufA, 3)
	if got[2].Offset != 2 {
		t.Errorf("unexpected deliveries %+v", got)
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	f := newCountingFetcher(func(ctx context.Context, req types.FetchRequest, attempt int) ([]byte, error) {
		if req.Offset == 3 && attempt <= 2 {
			return nil, errors.New("connection reset by peer")
		}
		return payload(req), nil
	})
	fx := newFixture(t, Config{}, objects(6, 1), f, nil)
	fx.run(t)

	buf, _ := fx.sched.Buffer(1)
	for i, d := range drain(t, buf, 6) {
		if d.Offset != uint64(i) || d.Skipped() {
			t.Errorf("delivery %d: offset %d err %v", i, d.Offset, d.Err)
		}
	}
	if got := f.Calls(1, 3); got != 3 {
		t.Errorf("offset 3 fetched %d times, want 3", got)
	}
	if r := fx.sched.Stats().Retries; r != 2 {
		t.Errorf("Retries = %d, want 2", r)
	}
}

func TestFetcherCancellationIsRetried(t *testing.T) {
	f := newCountingFetcher(func(ctx context.Context, req types.FetchRequest, attempt int) ([]byte, error) {
		if req.Offset == 1 && attempt == 1 {
			// An inner request cancelled by the fetcher, not by the scheduler.
			return nil, fmt.Errorf("get frame: %w", context.Canceled)
		}
		return payload(req), nil
	})
	fx := newFixture(t, Config{}, objects(3, 1, 2), f, nil)
	fx.run(t)

	for _, id := range []types.ObjectID{1, 2} {
		buf, _ := fx.sched.Buffer(id)
		for i, d := range drain(t, buf, 3) {
			if d.Offset != uint64(i) || d.Skipped() {
				t.Errorf("object %d delivery %d: offset %d err %v", id, i, d.Offset, d.Err)
			}
		}
	}
	if got := f.Calls(1, 1); got != 2 {
		t.Errorf("object 1 offset 1 fetched %d times, want 2", got)
	}
	if r := fx.sched.Stats().Retries; r != 1 {
		t.Errorf("Retries = %d, want 1", r)
	}
}

func TestCancellationAfterShutdownIsNotRetried(t *testing.T) {
	fx := newFixture(t, Config{}, objects(0, 1), nil, nil)
	s := fx.sched
	st := s.byID[1]

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st.inflight[2] = struct{}{}
	s.complete(ctx, result{
		req: types.FetchRequest{Object: 1, Offset: 2},
		err: context.Canceled,
	})

	if st.retry.Len() != 0 {
		t.Errorf("retry len %d, want 0", st.retry.Len())
	}
	if st.attempts[2] != 0 {
		t.Errorf("attempts = %d, want 0", st.attempts[2])
	}
}

func TestPersistentFailureBecomesSkipMarker(t *testing.T) {
	f := newCountingFetcher(func(ctx context.Context, req types.FetchRequest, attempt int) ([]byte, error) {
		if req.Offset == 1 {
			return nil, fetch.ErrNotFound
		}
		return payload(req), nil
	})
	fx := newFixture(t, Config{MaxAttempts: 3}, objects(3, 1), f, nil)
	fx.run(t)

	buf, _ := fx.sched.Buffer(1)
	got := drain(t, buf, 3)
	if !got[1].Skipped() || !errors.Is(got[1].Err, ErrGaveUp) {
		t.Fatalf("offset 1: expected skip marker with ErrGaveUp, got %+v", got[1])
	}
	if got[0].Skipped() || got[2].Skipped() {
		t.Error("neighbouring offsets must be delivered")
	}
	if n := f.Calls(1, 1); n != 3 {
		t.Errorf("offset 1 attempted %d times, want 3", n)
	}
}

func TestDecodeFailureBecomesSkipMarker(t *testing.T) {
	f := newCountingFetcher(func(ctx context.Context, req types.FetchRequest, attempt int) ([]byte, error) {
		if req.Offset == 2 {
			return []byte("bad"), nil
		}
		return payload(req), nil
	})
	fx := newFixture(t, Config{}, objects(4, 1), f, failingDecoder{})
	fx.run(t)

	buf, _ := fx.sched.Buffer(1)
	got := drain(t, buf, 4)
	if kind, ok := decoder.KindOf(got[2].Err); !ok || kind != decoder.KindMalformed {
		t.Errorf("offset 2: expected malformed skip marker, got %v", got[2].Err)
	}
	if n := f.Calls(1, 2); n != 1 {
		t.Errorf("decode failures must not be retried, fetched %d times", n)
	}
	if fx.cache.Contains(cache.Key{Object: 1, Offset: 2}) {
		t.Error("failed frame must not be cached")
	}
}

func TestStaleResultIsDropped(t *testing.T) {
	fx := newFixture(t, Config{}, objects(0, 1), nil, nil)
	s := fx.sched
	st := s.byID[1]

	st.epoch = 1
	st.inflight[3] = struct{}{}
	s.complete(context.Background(), result{
		req:   types.FetchRequest{Object: 1, Offset: 3, Epoch: 0},
		frame: &types.DecodedFrame{Object: 1, Offset: 3},
	})

	if fx.cache.Contains(cache.Key{Object: 1, Offset: 3}) {
		t.Error("stale frame must not be cached")
	}
	if st.retry.Len() != 1 || st.retry.Front() != 3 {
		t.Errorf("stale offset should be re-queued, retry len %d", st.retry.Len())
	}
	if _, ok := st.ready[3]; ok {
		t.Error("stale frame must not become ready")
	}
	if s.Stats().Stale != 1 {
		t.Errorf("Stale = %d, want 1", s.Stats().Stale)
	}
}

func TestDecisionBumpsEpochOnlyOnLevelChange(t *testing.T) {
	fx := newFixture(t, Config{}, objects(0, 1), nil, nil)
	s := fx.sched

	var next types.Level
	s.deps.Policy = policyFunc(func(in abr.Input) []types.Level {
		return []types.Level{next}
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.byID[1]
	now := time.Now()

	s.decideLocked(now)
	if st.epoch != 0 {
		t.Fatalf("first decision must not bump the epoch, got %d", st.epoch)
	}

	next = 1
	s.decideLocked(now)
	if st.epoch != 1 || st.level != 1 {
		t.Fatalf("level change: epoch %d level %d", st.epoch, st.level)
	}

	s.decideLocked(now)
	if st.epoch != 1 {
		t.Errorf("unchanged level bumped epoch to %d", st.epoch)
	}

	next = 7 // out of range, clamped to the top level
	s.decideLocked(now)
	if st.level != 1 || st.epoch != 1 {
		t.Errorf("clamped level: epoch %d level %d", st.epoch, st.level)
	}
}

func TestRunTwiceFails(t *testing.T) {
	fx := newFixture(t, Config{}, objects(0, 1), nil, nil)
	fx.run(t)
	time.Sleep(5 * time.Millisecond)
	if err := fx.sched.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestShutdownClosesBuffers(t *testing.T) {
	fx := newFixture(t, Config{}, objects(0, 1), nil, nil)
	cancel, done := fx.run(t)

	buf, _ := fx.sched.Buffer(1)
	drain(t, buf, 3)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v on shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if !buf.Closed() {
		t.Error("buffers must be closed on shutdown")
	}
}
