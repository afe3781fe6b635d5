package bandwidth

import (
	"context"
	"sync"
	"time"

	"github.com/nus-vv-streams/vvtk-sub001/internal/fetch"
	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

// Meter wraps a fetcher and measures the throughput of the fetches that pass
// through it.
//
// Concurrent fetches share the link, so the rate is bytes over busy wall time
// (time during which at least one fetch was in flight), not the sum of
// per-fetch rates.
type Meter struct {
	next fetch.Fetcher
	now  func() time.Time

	mu        sync.Mutex
	active    int
	busyStart time.Time
	busy      time.Duration
	bytes     int64
	total     int64
}

// NewMeter wraps next.
func NewMeter(next fetch.Fetcher) *Meter {
	return &Meter{next: next, now: time.Now}
}

// Fetch forwards to the wrapped fetcher and accounts the bytes received.
func (m *Meter) Fetch(ctx context.Context, req types.FetchRequest) ([]byte, error) {
	m.begin()
	data, err := m.next.Fetch(ctx, req)
	m.end(len(data))
	return data, err
}

func (m *Meter) begin() {
	m.mu.Lock()
	if m.active == 0 {
		m.busyStart = m.now()
	}
	m.active++
	m.mu.Unlock()
}

func (m *Meter) end(n int) {
	m.mu.Lock()
	m.active--
	m.bytes += int64(n)
	m.total += int64(n)
	if m.active == 0 {
		m.busy += m.now().Sub(m.busyStart)
	}
	m.mu.Unlock()
}

// Next returns the rate observed since the previous call and resets the
// window. ok is false when nothing was transferred.
func (m *Meter) Next() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	busy := m.busy
	if m.active > 0 {
		busy += now.Sub(m.busyStart)
		m.busyStart = now
	}
	bytes := m.bytes
	m.busy = 0
	m.bytes = 0

	if bytes == 0 || busy <= 0 {
		return Sample{}, false
	}
	return Sample{Rate: float64(bytes*8) / busy.Seconds(), At: now}, true
}

// TotalBytes returns every byte the meter has seen.
func (m *Meter) TotalBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}
