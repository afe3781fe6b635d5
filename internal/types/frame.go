package types

import "time"

// ObjectID identifies an independently encoded object (or tile) of a volumetric stream.
type ObjectID uint16

// Level is a discrete quality/representation index. 0 is always the lowest quality.
type Level int

// Metadata is the identity record exchanged at the cache/decoder boundary.
type Metadata struct {
	Object ObjectID
	Offset uint64
}

// Occupancy is a read-only snapshot of one object's playback buffer.
type Occupancy struct {
	// Buffered is the approximate number of frames ready for playback
	Buffered int
	// Capacity is the bounded buffer capacity for this object
	Capacity int
}

// Slack returns the free capacity of the snapshot (never negative).
func (o Occupancy) Slack() int {
	if s := o.Capacity - o.Buffered; s > 0 {
		return s
	}
	return 0
}

// FrameRequest identifies one frame of one streamed object.
// Created by the scheduler each tick and consumed immediately to build a FetchRequest.
type FrameRequest struct {
	// Object is the streamed object/tile
	Object ObjectID
	// Offset is the frame counter from stream start (strictly increasing per object)
	Offset uint64
	// Pose is the predicted camera pose at request time (optional)
	Pose *Pose
}

// FetchRequest is an in-flight request for a frame at a chosen quality.
type FetchRequest struct {
	Object ObjectID
	Offset uint64
	// Level is the representation chosen by the ABR policy
	Level Level
	// Pose is the predicted camera pose stamped at issue time (optional)
	Pose *Pose
	// Occupancy is copied at issue time and never mutated afterwards
	Occupancy Occupancy
	// Epoch is the object's decision generation; a completion whose epoch
	// no longer matches is stale and gets discarded
	Epoch uint64
	// TraceID is a unique identifier for tracing one request across fetch and decode
	TraceID string
	// IssuedAt is when the scheduler issued the request
	IssuedAt time.Time
}

// DecodedFrame is the in-memory payload produced by a decoder.
// Owned by the cache until consumed by playback or evicted.
type DecodedFrame struct {
	Object ObjectID
	Offset uint64
	Level  Level
	// Payload contains the decoded point-cloud bytes
	Payload []byte
	// Points is the number of points, when the decoder knows it (0 = unknown)
	Points int
	// Size is the encoded size in bytes that was fetched for this frame
	Size int
	// DecodedAt is when the decoder produced the frame
	DecodedAt time.Time
}

// Delivery is one entry in an object's playback buffer.
// Err is non-nil when the offset was skipped (decode failure); Frame is then nil.
type Delivery struct {
	Object ObjectID
	Offset uint64
	Frame  *DecodedFrame
	Err    error
}

// Skipped reports whether the delivery is a gap marker.
func (d Delivery) Skipped() bool {
	return d.Err != nil
}
