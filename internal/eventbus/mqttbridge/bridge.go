// Package mqttbridge forwards hub events to an MQTT broker.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mkhub/internal/eventbus"
	logx "mkhub/pkg/logx"
)

const (
	DefaultTopicPrefix = "mkhub"
	publishTimeout     = 5 * time.Second
)

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// client is the subset of mqtt.Client the bridge uses.
type client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Disconnect(quiesce uint)
}

type Bridge struct {
	cfg    Config
	client client
	log    logx.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Bridge, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "mqtt"))
	if cfg.ClientID == "" {
		cfg.ClientID = "mkhub"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("connected to mqtt broker", logx.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", logx.Err(err))
	})
	return newBridge(cfg, mqtt.NewClient(opts), log), nil
}

func newBridge(cfg Config, c client, log logx.Logger) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	return &Bridge{cfg: cfg, client: c, log: log}
}

// Topic maps "notify.sent" to "<prefix>/notify/sent".
func Topic(prefix, eventType string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + strings.ReplaceAll(eventType, ".", "/")
}

// Run subscribes to bus and publishes until ctx is done. The broker being
// unreachable never fails Run; events are dropped and counted instead.
func (b *Bridge) Run(ctx context.Context, bus eventbus.Bus) error {
	// With connect retry enabled the token only completes once connected.
	b.client.Connect()
	defer b.client.Disconnect(250)

	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			b.forward(ev)
		}
	}
}

func (b *Bridge) forward(ev eventbus.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.failed.Add(1)
		b.log.Warn("mqtt event not serializable", logx.String("type", ev.Type), logx.Err(err))
		return
	}
	tok := b.client.Publish(Topic(b.cfg.TopicPrefix, ev.Type), b.cfg.QoS, false, payload)
	if !tok.WaitTimeout(publishTimeout) {
		b.failed.Add(1)
		b.log.Debug("mqtt publish timed out", logx.String("type", ev.Type))
		return
	}
	if err := tok.Error(); err != nil {
		b.failed.Add(1)
		b.log.Warn("mqtt publish failed", logx.String("type", ev.Type), logx.Err(err))
		return
	}
	b.published.Add(1)
}

// Stats reports published and failed counts.
func (b *Bridge) Stats() (published, failed uint64) {
	return b.published.Load(), b.failed.Load()
}
