package bandwidth

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrEmptyTrace     = errors.New("bandwidth: trace has no samples")
	ErrMalformedTrace = errors.New("bandwidth: malformed trace")
)

// Trace replays a fixed sequence of rate samples, wrapping to the start after
// the last one. Given the same samples every run observes the same sequence.
type Trace struct {
	mu      sync.Mutex
	samples []float64
	index   int
}

// NewTrace creates a trace over a copy of samples.
func NewTrace(samples []float64) (*Trace, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyTrace
	}
	for i, s := range samples {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("%w: sample %d is not finite (%g)", ErrMalformedTrace, i, s)
		}
		if s < 0 {
			return nil, fmt.Errorf("%w: sample %d is negative (%g)", ErrMalformedTrace, i, s)
		}
	}
	return &Trace{samples: append([]float64(nil), samples...)}, nil
}

// ParseTrace reads one floating point sample per line. Surrounding whitespace
// is trimmed; an empty or unparsable line aborts the load.
func ParseTrace(r io.Reader) (*Trace, error) {
	var samples []float64

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			return nil, fmt.Errorf("%w: line %d is empty", ErrMalformedTrace, line)
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedTrace, line, err)
		}
		samples = append(samples, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("bandwidth: failed to read trace: %w", err)
	}

	return NewTrace(samples)
}

// LoadTrace parses the trace file at path.
func LoadTrace(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bandwidth: failed to open trace: %w", err)
	}
	defer f.Close()

	t, err := ParseTrace(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Next returns the current sample and advances, wrapping at the end.
func (t *Trace) Next() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := t.samples[t.index]
	t.index = (t.index + 1) % len(t.samples)
	return v
}

// Len returns the number of samples in one period of the trace.
func (t *Trace) Len() int {
	return len(t.samples)
}

// Reset rewinds the trace to its first sample.
func (t *Trace) Reset() {
	t.mu.Lock()
	t.index = 0
	t.mu.Unlock()
}
