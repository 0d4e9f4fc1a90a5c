package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/propush/internal/redis"
)

func TestCallerMiddleware(t *testing.T) {
	userID := uuid.New()

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantCaller bool
	}{
		{"anonymous", "", http.StatusOK, false},
		{"valid id", userID.String(), http.StatusOK, true},
		{"padded id", "  " + userID.String() + " ", http.StatusOK, true},
		{"malformed id", "user-1", http.StatusUnauthorized, false},
		{"nil uuid", uuid.Nil.String(), http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotCaller uuid.UUID
			var gotOK bool
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotCaller, gotOK = CallerFrom(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodPost, "/v1/push", nil)
			if tt.header != "" {
				req.Header.Set(CallerHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			CallerMiddleware(zap.NewNop())(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if gotOK != tt.wantCaller {
				t.Errorf("expected caller present=%v, got %v", tt.wantCaller, gotOK)
			}
			if tt.wantCaller && gotCaller != userID {
				t.Errorf("expected caller %s, got %s", userID, gotCaller)
			}
		})
	}
}

func TestCallerKeyFunc(t *testing.T) {
	userID := uuid.New()

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(WithCaller(req.Context(), userID))
	if got := CallerKeyFunc(req); got != "user:"+userID.String() {
		t.Errorf("expected user key, got %q", got)
	}

	anon := httptest.NewRequest(http.MethodGet, "/test", nil)
	anon.RemoteAddr = "10.0.0.1:5555"
	if got := CallerKeyFunc(anon); got != "ip:10.0.0.1:5555" {
		t.Errorf("expected ip key, got %q", got)
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{"X-Forwarded-For", "1.2.3.4", "", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"X-Forwarded-For chain", "1.2.3.4, 10.0.0.1", "", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"X-Real-IP", "", "1.2.3.4", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"RemoteAddr fallback", "", "", "5.6.7.8:1234", "ip:5.6.7.8:1234"},
		{"Forwarded takes precedence", "1.1.1.1", "2.2.2.2", "3.3.3.3:1234", "ip:1.1.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			req.RemoteAddr = tt.remoteAddr

			result := IPKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestRateLimitMiddleware_NoLimiter(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	middleware := RateLimitMiddleware(nil, nil, CallerKeyFunc)
	wrapped := middleware(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_RejectsOverLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewFromAddr(mr.Addr(), zap.NewNop())
	t.Cleanup(func() { _ = client.Close() })

	limiter := redis.NewRateLimiter(client, zap.NewNop(), redis.RateLimitConfig{Limit: 2, Window: time.Minute})

	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})
	wrapped := RateLimitMiddleware(limiter, zap.NewNop(), CallerKeyFunc)(handler)

	caller := uuid.New()
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/push", nil)
		req = req.WithContext(WithCaller(req.Context(), caller))
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		rec := send()
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("expected limit header 2, got %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	rec := send()
	assertRejected(t, rec, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if calls != 2 {
		t.Errorf("expected 2 calls to reach the handler, got %d", calls)
	}
}
