package decoder

import (
	"errors"
	"testing"
	"time"
)

// scriptedStream yields chunks, then reports err (if set) or end of stream
// (if atEnd). With neither it stalls like a pipeline whose element died.
type scriptedStream struct {
	chunks [][]byte
	err    error
	atEnd  bool
	pulls  int
}

func (s *scriptedStream) pull() ([]byte, bool) {
	s.pulls++
	if len(s.chunks) == 0 {
		return nil, false
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, true
}

func (s *scriptedStream) failure() error {
	if len(s.chunks) > 0 {
		return nil
	}
	return s.err
}

func (s *scriptedStream) eos() bool {
	return s.atEnd && len(s.chunks) == 0
}

// stepClock advances by pollInterval on every reading.
func stepClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(pollInterval)
		return t
	}
}

func TestCollect(t *testing.T) {
	start := time.Unix(0, 0)
	deadline := start.Add(time.Second)

	tests := []struct {
		name     string
		stream   *scriptedStream
		want     string
		wantKind Kind
		wantErr  bool
	}{
		{
			name:   "concatenates until end of stream",
			stream: &scriptedStream{chunks: [][]byte{[]byte("ply\n"), []byte("end_header\n")}, atEnd: true},
			want:   "ply\nend_header\n",
		},
		{
			name:     "bus error fails as codec",
			stream:   &scriptedStream{chunks: [][]byte{[]byte("partial")}, err: errors.New("internal data stream error")},
			wantKind: KindCodec,
			wantErr:  true,
		},
		{
			name:     "stalled pipeline hits the deadline",
			stream:   &scriptedStream{},
			wantKind: KindCodec,
			wantErr:  true,
		},
		{
			name:     "no output",
			stream:   &scriptedStream{atEnd: true},
			wantKind: KindMalformed,
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := collect(tt.stream, deadline, stepClock(start))
			if tt.wantErr {
				kind, ok := KindOf(err)
				if !ok || kind != tt.wantKind {
					t.Fatalf("expected %v error, got %v", tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("collect failed: %v", err)
			}
			if string(out) != tt.want {
				t.Errorf("got %q, want %q", out, tt.want)
			}
		})
	}
}

func TestCollectStopsPullingAtDeadline(t *testing.T) {
	start := time.Unix(0, 0)
	s := &scriptedStream{}
	if _, err := collect(s, start.Add(time.Second), stepClock(start)); err == nil {
		t.Fatal("expected deadline error")
	}
	if limit := int(time.Second/pollInterval) + 1; s.pulls > limit {
		t.Errorf("pulled %d times, want at most %d", s.pulls, limit)
	}
}

func TestNewGstDefaultsTimeout(t *testing.T) {
	g, err := NewGst("identity", 0)
	if err != nil {
		t.Fatal(err)
	}
	if g.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", g.timeout, DefaultTimeout)
	}
}
