package core

import (
	"context"

	"github.com/nus-vv-streams/vvtk-sub001/internal/emitter"
)

// StatsPublisher ships engine stats snapshots to an external sink
type StatsPublisher interface {
	// Connect establishes connection to the sink
	Connect(ctx context.Context) error
	// Run publishes snapshot() periodically until ctx is done
	Run(ctx context.Context, snapshot emitter.SnapshotFunc) error
	// Disconnect closes the connection
	Disconnect()
	// Stats returns publisher statistics
	Stats() emitter.Stats
}
