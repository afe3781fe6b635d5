// Package fetch defines the boundary to the external byte source.
//
// The core never does network transport itself: a Fetcher returns the encoded
// bytes of one frame at one representation. Implementations here are a
// file-system fetcher used for local playback and simulation, and a retrying
// wrapper with exponential backoff.
package fetch

import (
	"context"
	"errors"

	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

var (
	ErrNotFound     = errors.New("fetch: frame not found")
	ErrEmptyPayload = errors.New("fetch: empty payload")
)

// Fetcher returns the encoded bytes for one frame at the requested level.
//
// Implementations must be safe for concurrent use: the scheduler runs several
// fetch workers at once.
type Fetcher interface {
	Fetch(ctx context.Context, req types.FetchRequest) ([]byte, error)
}

// Func adapts a plain function to the Fetcher interface.
type Func func(ctx context.Context, req types.FetchRequest) ([]byte, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, req types.FetchRequest) ([]byte, error) {
	return f(ctx, req)
}
