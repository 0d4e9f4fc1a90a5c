// Package registry owns device subscriptions: registration keyed by endpoint,
// deactivation, and the active set used for fan-out. Rows are never deleted here.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/propush/internal/db"
	"github.com/lalithlochan/propush/internal/metrics"
)

// ErrInvalidSubscription is returned for endpoints or keys that can never be delivered to.
var ErrInvalidSubscription = errors.New("invalid subscription")

const maxDeviceField = 100

// Store is the persistence the registry needs.
type Store interface {
	UpsertSubscription(ctx context.Context, sub *db.DeviceSubscription) (bool, error)
	DeactivateSubscription(ctx context.Context, userID uuid.UUID, endpoint string) (bool, error)
	DeactivateSubscriptionByID(ctx context.Context, id uuid.UUID) (bool, error)
	TouchSubscription(ctx context.Context, id uuid.UUID) error
	ListActiveSubscriptions(ctx context.Context, userID uuid.UUID) ([]*db.DeviceSubscription, error)
}

type Registry struct {
	store  Store
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// Register binds endpoint to userID. A known endpoint keeps its id and is
// reactivated; updated reports which case happened.
func (r *Registry) Register(ctx context.Context, userID uuid.UUID, endpoint string, keys db.SubscriptionKeys, device db.DeviceInfo) (uuid.UUID, bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	if err := validate(endpoint, keys); err != nil {
		return uuid.Nil, false, err
	}

	sub := &db.DeviceSubscription{
		UserID:     userID,
		Endpoint:   endpoint,
		P256dh:     strings.TrimSpace(keys.P256dh),
		Auth:       strings.TrimSpace(keys.Auth),
		DeviceType: clip(device.DeviceType),
		DeviceName: clip(device.DeviceName),
		Browser:    clip(device.Browser),
	}

	updated, err := r.store.UpsertSubscription(ctx, sub)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("register subscription: %w", err)
	}

	metrics.RecordSubscriptionRegistered(updated)
	r.logger.Info("subscription registered",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("user_id", userID.String()),
		zap.Bool("updated", updated),
	)
	return sub.ID, updated, nil
}

// Deactivate turns off the user's subscription for endpoint. Unknown or already
// inactive endpoints are not an error.
func (r *Registry) Deactivate(ctx context.Context, userID uuid.UUID, endpoint string) error {
	changed, err := r.store.DeactivateSubscription(ctx, userID, strings.TrimSpace(endpoint))
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	if changed {
		metrics.RecordSubscriptionDeactivated("unsubscribe")
		r.logger.Info("subscription deactivated",
			zap.String("user_id", userID.String()),
			zap.String("cause", "unsubscribe"),
		)
	}
	return nil
}

// DeactivateByID turns off a subscription whose endpoint the provider reported gone.
func (r *Registry) DeactivateByID(ctx context.Context, id uuid.UUID) error {
	changed, err := r.store.DeactivateSubscriptionByID(ctx, id)
	if err != nil {
		return fmt.Errorf("deactivate subscription %s: %w", id, err)
	}
	if changed {
		metrics.RecordSubscriptionDeactivated("expired")
		r.logger.Info("subscription deactivated",
			zap.String("subscription_id", id.String()),
			zap.String("cause", "expired"),
		)
	}
	return nil
}

// ActiveSubscriptionsFor returns only active subscriptions.
func (r *Registry) ActiveSubscriptionsFor(ctx context.Context, userID uuid.UUID) ([]*db.DeviceSubscription, error) {
	subs, err := r.store.ListActiveSubscriptions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	return subs, nil
}

// Touch records a successful delivery. Best-effort: failures are logged only.
func (r *Registry) Touch(ctx context.Context, id uuid.UUID) {
	if err := r.store.TouchSubscription(ctx, id); err != nil {
		r.logger.Warn("failed to touch subscription",
			zap.String("subscription_id", id.String()),
			zap.Error(err),
		)
	}
}

// validate accepts absolute http(s) URLs with both encryption keys, or SNS
// platform endpoint ARNs, which carry no keys.
func validate(endpoint string, keys db.SubscriptionKeys) error {
	if endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidSubscription)
	}
	if strings.HasPrefix(endpoint, "arn:aws:sns:") {
		return nil
	}

	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: endpoint must be an absolute URL", ErrInvalidSubscription)
	}
	if strings.TrimSpace(keys.P256dh) == "" || strings.TrimSpace(keys.Auth) == "" {
		return fmt.Errorf("%w: keys.p256dh and keys.auth are required", ErrInvalidSubscription)
	}
	return nil
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxDeviceField {
		return string(r[:maxDeviceField])
	}
	return s
}
