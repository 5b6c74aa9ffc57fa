package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mkhub/internal/eventbus"
	logx "mkhub/pkg/logx"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	msgs         []message
	fail         error
	disconnected bool
	got          chan string
}

func (f *fakeClient) Connect() mqtt.Token { return doneToken{} }

func (f *fakeClient) Publish(topic string, qos byte, _ bool, payload any) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, message{topic: topic, qos: qos, payload: payload.([]byte)})
	select {
	case f.got <- topic:
	default:
	}
	return doneToken{err: f.fail}
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func TestTopic(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"notify.sent":          "mkhub/notify/sent",
		"subscription.expired": "mkhub/subscription/expired",
	}
	for in, want := range tests {
		if got := Topic("mkhub/", in); got != want {
			t.Errorf("Topic(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBridgeForwardsEvents(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{got: make(chan string, 64)}
	b := newBridge(Config{TopicPrefix: "hub", QoS: 1}, fc, logx.Nop())
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, bus) }()

	// Publish until the bridge has subscribed.
	deadline := time.After(2 * time.Second)
	for sent := false; !sent; {
		bus.Publish(eventbus.Event{Type: eventbus.NotifySent, Data: map[string]int{"total": 2}})
		select {
		case <-fc.got:
			sent = true
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("bridge never published")
		}
	}

	fc.mu.Lock()
	m := fc.msgs[0]
	fc.fail = errors.New("not connected")
	fc.mu.Unlock()
	if m.topic != "hub/notify/sent" || m.qos != 1 {
		t.Fatalf("unexpected message: %+v", m)
	}
	var ev struct {
		Type string         `json:"type"`
		Data map[string]int `json:"data"`
	}
	if err := json.Unmarshal(m.payload, &ev); err != nil || ev.Data["total"] != 2 {
		t.Fatalf("payload %s: %v", m.payload, err)
	}

	bus.Publish(eventbus.Event{Type: eventbus.ScheduleMerged})
	for topic := ""; topic != "hub/schedule/merged"; {
		select {
		case topic = <-fc.got:
		case <-time.After(2 * time.Second):
			t.Fatal("second event not published")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	pub, failed := b.Stats()
	if pub < 1 || failed < 1 {
		t.Fatalf("stats = %d/%d", pub, failed)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if !fc.disconnected {
		t.Fatal("client not disconnected")
	}
}

func TestNewRequiresBroker(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("empty broker accepted")
	}
	b, err := New(Config{Broker: "tcp://127.0.0.1:1883"}, logx.Nop())
	if err != nil || b.cfg.TopicPrefix != DefaultTopicPrefix {
		t.Fatalf("New: %+v %v", b, err)
	}
}
