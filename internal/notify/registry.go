package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"mkhub/internal/storage"
	logx "mkhub/pkg/logx"
)

var ErrInvalidSubscription = errors.New("invalid push subscription")

// Registry owns subscription lifecycle on top of storage.
type Registry struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

func NewRegistry(store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, log: log.With(logx.String("comp", "subscriptions")), now: time.Now}
}

// ValidateSubscription checks that endpoint is an absolute https URL and that
// both keys are present. Anything the server may push to goes through it.
func ValidateSubscription(endpoint string, keys storage.Keys) error {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: endpoint must be an absolute URL", ErrInvalidSubscription)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: endpoint must use https", ErrInvalidSubscription)
	}
	if strings.TrimSpace(keys.P256dh) == "" || strings.TrimSpace(keys.Auth) == "" {
		return fmt.Errorf("%w: keys.p256dh and keys.auth are required", ErrInvalidSubscription)
	}
	return nil
}

// Subscribe stores or reactivates the subscription for endpoint.
func (r *Registry) Subscribe(ctx context.Context, endpoint string, keys storage.Keys, prefs storage.Preferences) (storage.Subscription, error) {
	endpoint = strings.TrimSpace(endpoint)
	if err := ValidateSubscription(endpoint, keys); err != nil {
		return storage.Subscription{}, err
	}
	now := r.now()
	sub, err := r.store.UpsertSubscription(ctx, storage.Subscription{
		ID:          uuid.NewString(),
		Endpoint:    endpoint,
		Keys:        keys,
		Preferences: prefs,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return storage.Subscription{}, err
	}
	r.log.Info("push subscription saved", logx.String("sub", sub.ID),
		logx.Bool("lounge", prefs.LoungeQueue), logx.Bool("sq", prefs.SQQueue))
	return sub, nil
}

func (r *Registry) Unsubscribe(ctx context.Context, endpoint string) error {
	if err := r.store.DeactivateEndpoint(ctx, strings.TrimSpace(endpoint), r.now()); err != nil {
		return err
	}
	r.log.Info("push subscription removed")
	return nil
}

func (r *Registry) UpdatePreferences(ctx context.Context, endpoint string, prefs storage.Preferences) (storage.Subscription, error) {
	return r.store.UpdatePreferences(ctx, strings.TrimSpace(endpoint), prefs, r.now())
}

// Status reports whether endpoint has an active subscription.
func (r *Registry) Status(ctx context.Context, endpoint string) (storage.Subscription, bool, error) {
	sub, err := r.store.GetSubscription(ctx, strings.TrimSpace(endpoint))
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Subscription{}, false, nil
	}
	if err != nil {
		return storage.Subscription{}, false, err
	}
	return sub, sub.Active, nil
}

// Get returns the stored subscription for endpoint, active or not.
func (r *Registry) Get(ctx context.Context, endpoint string) (storage.Subscription, error) {
	return r.store.GetSubscription(ctx, strings.TrimSpace(endpoint))
}

func (r *Registry) ListEligible(ctx context.Context, t storage.NotificationType) ([]storage.Subscription, error) {
	return r.store.ListEligible(ctx, t)
}

func (r *Registry) Deactivate(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return r.store.DeactivateSubscriptions(ctx, ids, at)
}
