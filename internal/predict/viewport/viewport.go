// Package viewport predicts the camera pose used to prioritise objects.
//
// Camera tracking can skip ticks. A missing observation (Add(nil)) never
// erases history: the last known pose keeps driving prioritisation until a
// fresh one arrives.
package viewport

import (
	"fmt"
	"sync"

	"github.com/gammazero/deque"

	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

// Predictor is the capability shared by viewport predictors.
type Predictor interface {
	Add(pose *types.Pose)
	Predict() (types.Pose, bool)
}

// Type names a predictor variant.
type Type string

const (
	TypeLast Type = "last"
)

// Valid reports whether t names a known predictor.
func (t Type) Valid() bool {
	return t == TypeLast
}

// DefaultHistory is the number of poses retained when none is configured.
const DefaultHistory = 32

// New builds the predictor named by typ.
func New(typ Type, history int) (Predictor, error) {
	switch typ {
	case TypeLast, "":
		return NewLast(history), nil
	default:
		return nil, fmt.Errorf("viewport: unknown predictor type %q", typ)
	}
}

// Last predicts that the camera stays where it was last observed.
type Last struct {
	mu      sync.Mutex
	size    int
	history *deque.Deque[types.Pose]
	missed  uint64
}

// NewLast keeps up to size observed poses.
func NewLast(size int) *Last {
	if size <= 0 {
		size = DefaultHistory
	}
	return &Last{size: size, history: deque.New[types.Pose](0, size)}
}

// Add records an observation. nil counts as a missed tick.
func (p *Last) Add(pose *types.Pose) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pose == nil {
		p.missed++
		return
	}
	p.history.PushBack(*pose)
	for p.history.Len() > p.size {
		p.history.PopFront()
	}
}

// Predict returns the most recent observed pose.
func (p *Last) Predict() (types.Pose, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.history.Len() == 0 {
		return types.Pose{}, false
	}
	return p.history.Back(), true
}

// History returns the retained poses, oldest first.
func (p *Last) History() []types.Pose {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.Pose, p.history.Len())
	for i := range out {
		out[i] = p.history.At(i)
	}
	return out
}

// Missed returns the number of ticks without an observation.
func (p *Last) Missed() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.missed
}
