// Package decoder dispatches fetched bytes to a named decoder.
//
// The set of decoders is closed and chosen at configuration time: a noop
// passthrough for payloads that are already in their in-memory form, and a
// GStreamer-backed decoder that runs an external codec pipeline. Failures are
// always returned as *Error tagged with a Kind, never as panics.
package decoder

import (
	"errors"
	"fmt"
	"time"
)

// Frame is a decoded point-cloud payload.
type Frame struct {
	Payload []byte
	// Points is the point count when known (0 = unknown)
	Points int
}

// Decoder converts the encoded bytes of one frame into a Frame.
type Decoder interface {
	Decode(data []byte) (*Frame, error)
	// DecodeFolder decodes every regular file in a directory, writing
	// <name>.decoded next to each input.
	DecodeFolder(path string) error
}

// Type names a decoder implementation.
type Type string

const (
	TypeNoop Type = "noop"
	TypeGst  Type = "gst"
)

// Valid reports whether t names a known decoder.
func (t Type) Valid() bool {
	return t == TypeNoop || t == TypeGst
}

// Config selects a decoder.
type Config struct {
	Type Type
	// Pipeline is the GStreamer launch fragment placed between appsrc and
	// appsink (gst only), e.g. "dracodec ! application/x-pointcloud".
	Pipeline string
	// Timeout bounds one gst Decode call (0 = DefaultTimeout).
	Timeout time.Duration
}

// New builds the decoder named by cfg.Type.
func New(cfg Config) (Decoder, error) {
	switch cfg.Type {
	case TypeNoop, "":
		return NewNoop(), nil
	case TypeGst:
		return NewGst(cfg.Pipeline, cfg.Timeout)
	default:
		return nil, fmt.Errorf("decoder: unknown type %q", cfg.Type)
	}
}

// Kind classifies decode failures.
type Kind int

const (
	// KindEmpty indicates an empty payload
	KindEmpty Kind = iota
	// KindMalformed indicates a payload the decoder could not make sense of
	KindMalformed
	// KindCodec indicates a failure inside the external codec
	KindCodec
	// KindIO indicates a file system failure (folder mode)
	KindIO
)

// String returns a human-readable string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindMalformed:
		return "malformed"
	case KindCodec:
		return "codec"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is a tagged decode failure.
type Error struct {
	Kind Kind
	// Path is the input file in folder mode, empty otherwise
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("decoder: %s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("decoder: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var errEmpty = errors.New("empty payload")

// KindOf returns the Kind of a decode error, and false if err is not one.
func KindOf(err error) (Kind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return 0, false
}
