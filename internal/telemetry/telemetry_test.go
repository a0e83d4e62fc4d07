package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/heystack-tag/internal/tag"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
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

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient implements the parts of mqtt.Client the publisher uses.
type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	connected    bool
	connectToken *fakeToken
	publishToken *fakeToken
	messages     []published
	disconnects  int
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Connect() mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectToken == nil {
		f.connected = true
		return doneToken(nil)
	}
	if f.connectToken.err == nil {
		f.connected = true
	}
	return f.connectToken
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{topic, qos, retained, payload.([]byte)})
	if f.publishToken != nil {
		return f.publishToken
	}
	return doneToken(nil)
}

func testConfig() Config {
	return Config{Topic: "heystack/tag", Timeout: 20 * time.Millisecond}
}

func TestPublishBeforeConnect(t *testing.T) {
	c := newClient(&fakeClient{}, testConfig())
	if err := c.Publish(Status{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestConnectAndPublish(t *testing.T) {
	fake := &fakeClient{}
	c := newClient(fake, testConfig())
	stamp := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return stamp }

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	err := c.Publish(Status{
		Snapshot: tag.Snapshot{Mode: "broadcasting", Address: "C6:05:04:03:02:01", Battery: "full", KeyCount: 2},
		Event:    "mode",
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(fake.messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(fake.messages))
	}
	m := fake.messages[0]
	if m.topic != "heystack/tag/status" || m.qos != 1 || !m.retained {
		t.Errorf("message = %s qos %d retained %v", m.topic, m.qos, m.retained)
	}

	var got map[string]any
	if err := json.Unmarshal(m.payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got["mode"] != "broadcasting" || got["event"] != "mode" || got["key_count"] != float64(2) {
		t.Errorf("payload = %v", got)
	}
	if got["timestamp"] != "2026-10-15T12:00:00Z" {
		t.Errorf("timestamp = %v", got["timestamp"])
	}
}

func TestConnectError(t *testing.T) {
	boom := errors.New("refused")
	c := newClient(&fakeClient{connectToken: doneToken(boom)}, testConfig())
	if err := c.Connect(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Connect() error = %v, want %v", err, boom)
	}
}

func TestConnectHonoursContext(t *testing.T) {
	c := newClient(&fakeClient{connectToken: pendingToken()}, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Connect(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect() error = %v, want deadline exceeded", err)
	}
}

func TestPublishTimeout(t *testing.T) {
	fake := &fakeClient{publishToken: pendingToken()}
	c := newClient(fake, testConfig())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.Publish(Status{Event: "boot"}); err == nil {
		t.Error("Publish() should time out")
	}
}

func TestClose(t *testing.T) {
	fake := &fakeClient{}
	c := newClient(fake, testConfig())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	c.Close()
	c.Close()

	if c.IsConnected() {
		t.Error("still connected after Close")
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Connect() after Close error = %v, want ErrStopped", err)
	}
	if fake.disconnects != 2 {
		t.Errorf("disconnects = %d, want 2", fake.disconnects)
	}
}
