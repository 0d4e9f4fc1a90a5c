package delivery

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/propush/internal/db"
)

func newTestWebPushSender(t *testing.T) *WebPushSender {
	t.Helper()
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate vapid keys: %v", err)
	}
	s, err := NewWebPushSender(WebPushConfig{
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		Subscriber:      "ops@propush.test",
		TTL:             time.Hour,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	return s
}

// browserKeys returns subscription keys shaped like a browser's PushSubscription.
func browserKeys(t *testing.T) (p256dh, auth string) {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate p256dh: %v", err)
	}
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generate auth: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		base64.RawURLEncoding.EncodeToString(secret)
}

func testSubscription(t *testing.T, endpoint string) *db.DeviceSubscription {
	p256dh, auth := browserKeys(t)
	return &db.DeviceSubscription{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Endpoint: endpoint,
		P256dh:   p256dh,
		Auth:     auth,
		IsActive: true,
	}
}

func testPayload() *Payload {
	return NewPayload(uuid.New(), &db.OutboundMessage{
		Title:    "Price drop",
		Body:     "A saved listing is now 5% cheaper",
		Category: db.CategoryPriceChanges,
	})
}

func TestNewWebPushSender_RequiresKeys(t *testing.T) {
	if _, err := NewWebPushSender(WebPushConfig{VAPIDPublicKey: "pub"}, zap.NewNop()); err == nil {
		t.Fatal("expected error without private key")
	}
}

func TestWebPushSender_Supports(t *testing.T) {
	s := newTestWebPushSender(t)
	tests := []struct {
		endpoint string
		want     bool
	}{
		{"https://updates.push.services.mozilla.com/wpush/v2/abc", true},
		{"https://fcm.googleapis.com/fcm/send/token", true},
		{"http://localhost:8080/push/1", true},
		{"arn:aws:sns:us-east-1:123456789012:endpoint/GCM/app/id", false},
		{"not a url", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := s.Supports(tt.endpoint); got != tt.want {
			t.Errorf("Supports(%q) = %v, want %v", tt.endpoint, got, tt.want)
		}
	}
}

func TestWebPushSender_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		wantSuccess bool
		wantFailure FailureKind
	}{
		{"created", http.StatusCreated, true, FailureNone},
		{"ok", http.StatusOK, true, FailureNone},
		{"gone", http.StatusGone, false, FailureExpired},
		{"not found", http.StatusNotFound, false, FailureOther},
		{"payload too large", http.StatusRequestEntityTooLarge, false, FailureOther},
		{"rate limited", http.StatusTooManyRequests, false, FailureOther},
		{"server error", http.StatusInternalServerError, false, FailureOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotTTL, gotAuth, gotEncoding string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotTTL = r.Header.Get("TTL")
				gotAuth = r.Header.Get("Authorization")
				gotEncoding = r.Header.Get("Content-Encoding")
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			s := newTestWebPushSender(t)
			res := s.Send(context.Background(), testSubscription(t, srv.URL+"/push/abc"), testPayload())

			if res.Success != tt.wantSuccess {
				t.Fatalf("success = %v, want %v (err: %v)", res.Success, tt.wantSuccess, res.Err)
			}
			if res.Failure != tt.wantFailure {
				t.Fatalf("failure = %q, want %q", res.Failure, tt.wantFailure)
			}
			if res.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.status)
			}
			if !tt.wantSuccess && res.Err == nil {
				t.Fatal("failed result should retain the error")
			}
			if gotTTL != "3600" {
				t.Errorf("TTL header = %q, want 3600", gotTTL)
			}
			if !strings.HasPrefix(gotAuth, "vapid ") {
				t.Errorf("Authorization header = %q, want vapid scheme", gotAuth)
			}
			if gotEncoding != "aes128gcm" {
				t.Errorf("Content-Encoding = %q, want aes128gcm", gotEncoding)
			}
		})
	}
}

func TestWebPushSender_NetworkErrorIsOther(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL + "/push/abc"
	srv.Close()

	s := newTestWebPushSender(t)
	res := s.Send(context.Background(), testSubscription(t, endpoint), testPayload())

	if res.Success || res.Failure != FailureOther || res.Err == nil {
		t.Fatalf("expected other failure with error, got %+v", res)
	}
}
