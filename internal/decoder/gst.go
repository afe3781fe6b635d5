package decoder

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// DefaultTimeout bounds a gst decode when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// pollInterval is how long each sink pull waits before the bus is checked.
const pollInterval = 50 * time.Millisecond

var gstInit sync.Once

// Gst decodes each frame by running it through a GStreamer pipeline:
//
//	appsrc name=src ! <pipeline> ! appsink name=sink
//
// One pipeline is built per Decode call, so concurrent calls do not share
// element state.
type Gst struct {
	launch  string
	timeout time.Duration
}

// NewGst validates the pipeline fragment. GStreamer itself is initialised on
// first use. A zero timeout takes DefaultTimeout.
func NewGst(pipeline string, timeout time.Duration) (*Gst, error) {
	pipeline = strings.TrimSpace(pipeline)
	if pipeline == "" {
		return nil, fmt.Errorf("decoder: gst decoder requires a pipeline")
	}
	if strings.Contains(pipeline, "appsrc") || strings.Contains(pipeline, "appsink") {
		return nil, fmt.Errorf("decoder: gst pipeline must not contain appsrc/appsink (added automatically)")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gst{
		launch:  fmt.Sprintf("appsrc name=src format=bytes ! %s ! appsink name=sink sync=false", pipeline),
		timeout: timeout,
	}, nil
}

// Launch returns the full launch line.
func (g *Gst) Launch() string {
	return g.launch
}

// Decode pushes data through the pipeline and concatenates every sample the
// sink produces until end of stream. An error posted on the pipeline bus, or
// no end of stream within the timeout, fails the frame as KindCodec.
func (g *Gst) Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, &Error{Kind: KindEmpty, Err: errEmpty}
	}

	gstInit.Do(func() { gst.Init(nil) })

	pipeline, err := gst.NewPipelineFromString(g.launch)
	if err != nil {
		return nil, &Error{Kind: KindCodec, Err: fmt.Errorf("create pipeline: %w", err)}
	}
	defer pipeline.SetState(gst.StateNull)

	srcElem, err := pipeline.GetElementByName("src")
	if err != nil {
		return nil, &Error{Kind: KindCodec, Err: fmt.Errorf("find appsrc: %w", err)}
	}
	sinkElem, err := pipeline.GetElementByName("sink")
	if err != nil {
		return nil, &Error{Kind: KindCodec, Err: fmt.Errorf("find appsink: %w", err)}
	}
	src := app.SrcFromElement(srcElem)
	sink := app.SinkFromElement(sinkElem)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, &Error{Kind: KindCodec, Err: fmt.Errorf("start pipeline: %w", err)}
	}

	if ret := src.PushBuffer(gst.NewBufferFromBytes(data)); ret != gst.FlowOK {
		return nil, &Error{Kind: KindMalformed, Err: fmt.Errorf("push buffer: flow %v", ret)}
	}
	src.EndStream()

	out, err := collect(&gstStream{sink: sink, bus: pipeline.GetPipelineBus()}, time.Now().Add(g.timeout), time.Now)
	if err != nil {
		return nil, err
	}

	slog.Debug("decoder: gst frame decoded", "in_bytes", len(data), "out_bytes", len(out))
	return &Frame{Payload: out, Points: sniffPoints(out)}, nil
}

// sampleStream is the output side of a running pipeline.
type sampleStream interface {
	// pull waits up to one poll interval for a sample; ok is false when none
	// arrived.
	pull() (data []byte, ok bool)
	// failure returns an error posted by the pipeline, if any.
	failure() error
	eos() bool
}

// collect drains stream until end of stream, a pipeline error, or deadline.
func collect(stream sampleStream, deadline time.Time, now func() time.Time) ([]byte, error) {
	var out []byte
	for {
		data, ok := stream.pull()
		if ok {
			out = append(out, data...)
		}
		if err := stream.failure(); err != nil {
			return nil, &Error{Kind: KindCodec, Err: err}
		}
		if !ok && stream.eos() {
			break
		}
		if now().After(deadline) {
			return nil, &Error{Kind: KindCodec, Err: errors.New("pipeline did not reach end of stream before the decode deadline")}
		}
	}

	if len(out) == 0 {
		return nil, &Error{Kind: KindMalformed, Err: errors.New("pipeline produced no output")}
	}
	return out, nil
}

type gstStream struct {
	sink *app.Sink
	bus  *gst.Bus
}

func (s *gstStream) pull() ([]byte, bool) {
	sample := s.sink.TryPullSample(pollInterval)
	if sample == nil {
		return nil, false
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, true
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := append([]byte(nil), mapInfo.Bytes()...)
	buffer.Unmap()
	return data, true
}

func (s *gstStream) failure() error {
	msg := s.bus.TimedPopFiltered(0, gst.MessageError)
	if msg == nil {
		return nil
	}
	gerr := msg.ParseError()
	slog.Warn("decoder: gst pipeline error",
		"error", gerr.Error(),
		"debug", gerr.DebugString(),
	)
	return fmt.Errorf("pipeline error: %w", gerr)
}

func (s *gstStream) eos() bool {
	return s.sink.IsEOS()
}

func (g *Gst) DecodeFolder(path string) error {
	return decodeFolder(g, path)
}
