package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/propush/internal/db"
)

// WebPushConfig holds VAPID credentials and message options.
type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subscriber is the VAPID contact, an email or https URL.
	Subscriber string
	TTL        time.Duration
	HTTPClient *http.Client
}

// WebPushSender delivers to standard Web Push endpoints. Payload encryption and
// VAPID signing are done by webpush-go.
type WebPushSender struct {
	cfg    WebPushConfig
	client *http.Client
	logger *zap.Logger
}

// NewWebPushSender requires both VAPID keys.
func NewWebPushSender(cfg WebPushConfig, logger *zap.Logger) (*WebPushSender, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, errors.New("webpush: VAPID key pair is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	// webpush-go adds the mailto: scheme itself
	cfg.Subscriber = strings.TrimPrefix(cfg.Subscriber, "mailto:")

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &WebPushSender{cfg: cfg, client: client, logger: logger}, nil
}

func (s *WebPushSender) Name() string { return "webpush" }

// Supports accepts any absolute http(s) URL.
func (s *WebPushSender) Supports(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

// Send posts the encrypted payload. 2xx is success, 410 Gone is expired,
// anything else is other.
func (s *WebPushSender) Send(ctx context.Context, sub *db.DeviceSubscription, payload *Payload) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		return failed(FailureOther, 0, fmt.Errorf("marshal payload: %w", err))
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.cfg.Subscriber,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		TTL:             int(s.cfg.TTL.Seconds()),
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return failed(FailureOther, 0, fmt.Errorf("webpush request failed: %w", err))
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return succeeded(resp.StatusCode)
	case resp.StatusCode == http.StatusGone:
		s.logger.Info("webpush endpoint gone",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("endpoint", ShortEndpoint(sub.Endpoint)),
		)
		return failed(FailureExpired, resp.StatusCode, fmt.Errorf("endpoint gone: %d", resp.StatusCode))
	default:
		return failed(FailureOther, resp.StatusCode,
			fmt.Errorf("webpush returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview)))
	}
}
