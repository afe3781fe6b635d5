package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nus-vv-streams/vvtk-sub001/internal/config"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

// fakeClient implements the parts of mqtt.Client the emitter uses.
type fakeClient struct {
	mqtt.Client

	connectErr error
	publishErr error

	mu       sync.Mutex
	opts     *mqtt.ClientOptions
	messages []message
	closed   bool
}

type message struct {
	topic   string
	qos     byte
	payload []byte
}

func (c *fakeClient) Connect() mqtt.Token { return doneToken(c.connectErr) }
func (c *fakeClient) IsConnected() bool { return true }
func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr == nil {
		c.messages = append(c.messages, message{topic: topic, qos: qos, payload: payload.([]byte)})
	}
	return doneToken(c.publishErr)
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func newTestEmitter(t *testing.T, fake *fakeClient) *MQTTEmitter {
	t.Helper()
	e := NewMQTTEmitter(config.MQTTConfig{
		Broker:    "localhost:1883",
		Topic:     "vvtk/stats/test",
		IntervalS: 1,
		QoS:       1,
	}, "session-1")
	e.newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		fake.opts = opts
		return fake
	}
	return e
}

func TestConnectAndPublish(t *testing.T) {
	fake := &fakeClient{}
	e := newTestEmitter(t, fake)

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if fake.opts.ClientID != "session-1" || fake.opts.Servers[0].String() != "tcp://localhost:1883" {
		t.Errorf("unexpected client options: id=%s servers=%v", fake.opts.ClientID, fake.opts.Servers)
	}

	if err := e.PublishSnapshot(map[string]int{"presented": 3}); err != nil {
		t.Fatalf("PublishSnapshot: %v", err)
	}

	msg := fake.messages[0]
	if msg.topic != "vvtk/stats/test" || msg.qos != 1 {
		t.Errorf("published to %s qos %d", msg.topic, msg.qos)
	}
	var decoded map[string]int
	if err := json.Unmarshal(msg.payload, &decoded); err != nil || decoded["presented"] != 3 {
		t.Errorf("payload %s (%v)", msg.payload, err)
	}

	st := e.Stats()
	if !st.Connected || st.Published != 1 || st.Errors != 0 || st.LastPublishAt.IsZero() {
		t.Errorf("unexpected stats %+v", st)
	}

	e.Disconnect()
	if !fake.closed || e.Stats().Connected {
		t.Error("Disconnect did not close the client")
	}
}

func TestConnectFailure(t *testing.T) {
	fake := &fakeClient{connectErr: errors.New("connection refused")}
	e := newTestEmitter(t, fake)
	if err := e.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if e.Stats().Connected {
		t.Error("emitter reports connected after failure")
	}
}

func TestPublishErrors(t *testing.T) {
	e := newTestEmitter(t, &fakeClient{})
	if err := e.Publish([]byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	fake := &fakeClient{publishErr: errors.New("broker gone")}
	e = newTestEmitter(t, fake)
	if err := e.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.Publish([]byte("{}")); err == nil {
		t.Error("expected publish error")
	}
	if err := e.PublishSnapshot(func() {}); err == nil {
		t.Error("expected marshal error")
	}
	if got := e.Stats().Errors; got != 2 {
		t.Errorf("Errors = %d, want 2", got)
	}
}

func TestRunPublishesPeriodically(t *testing.T) {
	fake := &fakeClient{}
	e := newTestEmitter(t, fake)
	if err := e.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()

	calls := 0
	err := e.Run(ctx, func() any {
		calls++
		return map[string]int{"tick": calls}
	})
	if calls < 2 {
		t.Errorf("snapshot taken %d times", calls)
	}
	if err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if n := fake.count(); n < 2 {
		t.Errorf("published %d snapshots in 2.5s at 1s interval, want >= 2", n)
	}
}

func TestBrokerURL(t *testing.T) {
	tests := map[string]string{
		"localhost:1883":      "tcp://localhost:1883",
		"tcp://broker:1883":   "tcp://broker:1883",
		"ssl://broker:8883":   "ssl://broker:8883",
		"ws://broker:80/mqtt": "ws://broker:80/mqtt",
	}
	for in, want := range tests {
		if got := brokerURL(in); got != want {
			t.Errorf("brokerURL(%q) = %q, want %q", in, got, want)
		}
	}
}
