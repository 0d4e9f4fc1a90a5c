package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/propush/internal/db"
)

const DefaultFCMSendURL = "https://fcm.googleapis.com/fcm/send"

var fcmHosts = map[string]bool{
	"fcm.googleapis.com":     true,
	"android.googleapis.com": true,
}

// Error codes FCM uses for tokens that will never work again.
var fcmExpiredErrors = map[string]bool{
	"NotRegistered":       true,
	"InvalidRegistration": true,
	"MismatchSenderId":    true,
}

// FCMConfig holds the legacy server credential.
type FCMConfig struct {
	ServerKey  string
	SendURL    string
	TTL        time.Duration
	HTTPClient *http.Client
}

// FCMSender delivers to Firebase endpoints through the FCM HTTP send API using
// the registration token embedded in the endpoint.
type FCMSender struct {
	cfg    FCMConfig
	client *http.Client
	logger *zap.Logger
}

// NewFCMSender requires a server key. Without one the Router falls back to
// WebPushSender for FCM endpoints.
func NewFCMSender(cfg FCMConfig, logger *zap.Logger) (*FCMSender, error) {
	if cfg.ServerKey == "" {
		return nil, errors.New("fcm: server key is required")
	}
	if cfg.SendURL == "" {
		cfg.SendURL = DefaultFCMSendURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &FCMSender{cfg: cfg, client: client, logger: logger}, nil
}

func (s *FCMSender) Name() string { return "fcm" }

func (s *FCMSender) Supports(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	return fcmHosts[strings.ToLower(u.Hostname())]
}

type fcmNotification struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	Icon        string `json:"icon,omitempty"`
	Image       string `json:"image,omitempty"`
	ClickAction string `json:"click_action,omitempty"`
}

type fcmRequest struct {
	To           string            `json:"to"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	TimeToLive   int               `json:"time_to_live,omitempty"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

func (s *FCMSender) Send(ctx context.Context, sub *db.DeviceSubscription, payload *Payload) Result {
	token := registrationToken(sub.Endpoint)
	if token == "" {
		return failed(FailureOther, 0, errors.New("fcm: endpoint has no registration token"))
	}

	reqBody, err := json.Marshal(fcmRequest{
		To: token,
		Notification: fcmNotification{
			Title:       payload.Title,
			Body:        payload.Body,
			Icon:        payload.Icon,
			Image:       payload.Image,
			ClickAction: payload.URL,
		},
		Data:       payload.flatData(),
		TimeToLive: int(s.cfg.TTL.Seconds()),
	})
	if err != nil {
		return failed(FailureOther, 0, fmt.Errorf("marshal fcm request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.SendURL, bytes.NewReader(reqBody))
	if err != nil {
		return failed(FailureOther, 0, fmt.Errorf("failed to create fcm request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+s.cfg.ServerKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return failed(FailureOther, 0, fmt.Errorf("fcm request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failed(FailureOther, resp.StatusCode,
			fmt.Errorf("fcm returned non-2xx status: %d, body: %s", resp.StatusCode, string(respBody)))
	}

	var out fcmResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return failed(FailureOther, resp.StatusCode, fmt.Errorf("decode fcm response: %w", err))
	}

	if out.Failure == 0 && out.Success > 0 {
		return succeeded(resp.StatusCode)
	}

	var code string
	if len(out.Results) > 0 {
		code = out.Results[0].Error
	}
	if fcmExpiredErrors[code] {
		s.logger.Info("fcm token unregistered",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("fcm_error", code),
		)
		return failed(FailureExpired, resp.StatusCode, fmt.Errorf("fcm: %s", code))
	}
	return failed(FailureOther, resp.StatusCode, fmt.Errorf("fcm delivery failed: %q", code))
}

// registrationToken is the last path segment of an FCM endpoint.
func registrationToken(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	path := strings.TrimRight(u.Path, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	token := path[i+1:]
	if token == "send" {
		return ""
	}
	return token
}
