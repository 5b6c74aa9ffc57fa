package push

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"mkhub/internal/storage"
)

// Sender delivers one encrypted payload to one subscription.
type Sender interface {
	Send(ctx context.Context, sub storage.Subscription, payload []byte) error
}

// WebPushSender signs requests with VAPID and posts them to the subscription endpoint.
type WebPushSender struct {
	cfg    Config
	client *http.Client
}

func NewWebPushSender(cfg Config, hc *http.Client) (*WebPushSender, error) {
	if strings.TrimSpace(cfg.PublicKey) == "" || strings.TrimSpace(cfg.PrivateKey) == "" {
		return nil, ErrNotConfigured
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &WebPushSender{cfg: cfg, client: hc}, nil
}

func (s *WebPushSender) PublicKey() string { return s.cfg.PublicKey }

func (s *WebPushSender) Send(ctx context.Context, sub storage.Subscription, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	opts := &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.cfg.Subject,
		TTL:             int(s.cfg.TTL / time.Second),
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey,
	}
	if s.cfg.Urgency != "" {
		opts.Urgency = webpush.Urgency(s.cfg.Urgency)
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{Auth: sub.Keys.Auth, P256dh: sub.Keys.P256dh},
	}, opts)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &DeliveryError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// GenerateKeys returns a fresh VAPID key pair.
func GenerateKeys() (privateKey, publicKey string, err error) {
	return webpush.GenerateVAPIDKeys()
}
