package throughput

import (
	"sync"

	"github.com/gammazero/deque"
)

// Last predicts the most recent sample.
type Last struct {
	mu   sync.Mutex
	last float64
	seen bool
}

func NewLast() *Last { return &Last{} }

func (p *Last) Add(sample float64) {
	p.mu.Lock()
	p.last = sample
	p.seen = true
	p.mu.Unlock()
}

func (p *Last) Predict() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.seen
}

// Average predicts the arithmetic mean of up to the last size samples.
type Average struct {
	mu      sync.Mutex
	size    int
	samples *deque.Deque[float64]
}

// NewAverage creates a trailing-window mean. size < 1 is treated as 1.
func NewAverage(size int) *Average {
	if size < 1 {
		size = 1
	}
	return &Average{size: size, samples: deque.New[float64](size)}
}

func (p *Average) Add(sample float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.samples.PushBack(sample)
	for p.samples.Len() > p.size {
		p.samples.PopFront()
	}
}

func (p *Average) Predict() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.samples.Len()
	if n == 0 {
		return 0, false
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += p.samples.At(i)
	}
	return sum / float64(n), true
}
