package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/propush/internal/db"
)

// memStore mimics the endpoint-unique upsert of the postgres repository.
type memStore struct {
	mu         sync.Mutex
	byEndpoint map[string]*db.DeviceSubscription
	touched    []uuid.UUID
	err        error
}

func newMemStore() *memStore {
	return &memStore{byEndpoint: make(map[string]*db.DeviceSubscription)}
}

func (m *memStore) UpsertSubscription(ctx context.Context, sub *db.DeviceSubscription) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if existing, ok := m.byEndpoint[sub.Endpoint]; ok {
		sub.ID = existing.ID
		sub.IsActive = true
		cp := *sub
		m.byEndpoint[sub.Endpoint] = &cp
		return true, nil
	}
	sub.ID = uuid.New()
	sub.IsActive = true
	cp := *sub
	m.byEndpoint[sub.Endpoint] = &cp
	return false, nil
}

func (m *memStore) DeactivateSubscription(ctx context.Context, userID uuid.UUID, endpoint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.byEndpoint[endpoint]
	if !ok || sub.UserID != userID || !sub.IsActive {
		return false, nil
	}
	sub.IsActive = false
	return true, nil
}

func (m *memStore) DeactivateSubscriptionByID(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.byEndpoint {
		if sub.ID == id && sub.IsActive {
			sub.IsActive = false
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) TouchSubscription(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, id)
	return m.err
}

func (m *memStore) ListActiveSubscriptions(ctx context.Context, userID uuid.UUID) ([]*db.DeviceSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*db.DeviceSubscription
	for _, sub := range m.byEndpoint {
		if sub.UserID == userID && sub.IsActive {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

var testKeys = db.SubscriptionKeys{P256dh: "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA", Auth: "tBHItJI5svbpez7KI4CCXg"}

const mozEndpoint = "https://updates.push.services.mozilla.com/wpush/v2/gAAAAABk"

func TestRegister_SameEndpointReusesID(t *testing.T) {
	store := newMemStore()
	r := New(store, zap.NewNop())
	ctx := context.Background()
	user := uuid.New()

	id1, updated, err := r.Register(ctx, user, mozEndpoint, testKeys, db.DeviceInfo{Browser: "firefox"})
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	if updated {
		t.Fatal("first register should report updated=false")
	}

	id2, updated, err := r.Register(ctx, user, mozEndpoint, testKeys, db.DeviceInfo{Browser: "firefox", DeviceName: "laptop"})
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if !updated {
		t.Fatal("second register should report updated=true")
	}
	if id1 != id2 {
		t.Fatalf("id changed on re-registration: %s -> %s", id1, id2)
	}
	if len(store.byEndpoint) != 1 {
		t.Fatalf("rows = %d, want 1", len(store.byEndpoint))
	}
	if store.byEndpoint[mozEndpoint].DeviceName != "laptop" {
		t.Fatal("device info should be refreshed")
	}
}

func TestRegister_ReactivatesAndRebinds(t *testing.T) {
	store := newMemStore()
	r := New(store, zap.NewNop())
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	id, _, _ := r.Register(ctx, alice, mozEndpoint, testKeys, db.DeviceInfo{})
	if err := r.Deactivate(ctx, alice, mozEndpoint); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	id2, updated, err := r.Register(ctx, bob, mozEndpoint, testKeys, db.DeviceInfo{})
	if err != nil || !updated || id2 != id {
		t.Fatalf("re-register: id=%s updated=%v err=%v", id2, updated, err)
	}

	subs, _ := r.ActiveSubscriptionsFor(ctx, bob)
	if len(subs) != 1 {
		t.Fatalf("bob active subs = %d, want 1", len(subs))
	}
	subs, _ = r.ActiveSubscriptionsFor(ctx, alice)
	if len(subs) != 0 {
		t.Fatalf("alice active subs = %d, want 0", len(subs))
	}
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		keys     db.SubscriptionKeys
		wantErr  bool
	}{
		{"web push", mozEndpoint, testKeys, false},
		{"sns arn without keys", "arn:aws:sns:us-east-1:123:endpoint/APNS/app/1", db.SubscriptionKeys{}, false},
		{"empty endpoint", "  ", testKeys, true},
		{"relative url", "/push/1", testKeys, true},
		{"missing auth", mozEndpoint, db.SubscriptionKeys{P256dh: "x"}, true},
		{"missing p256dh", mozEndpoint, db.SubscriptionKeys{Auth: "x"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(newMemStore(), zap.NewNop())
			_, _, err := r.Register(context.Background(), uuid.New(), tt.endpoint, tt.keys, db.DeviceInfo{})
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSubscription) {
					t.Fatalf("err = %v, want ErrInvalidSubscription", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestRegister_ClipsDeviceInfo(t *testing.T) {
	store := newMemStore()
	r := New(store, zap.NewNop())

	long := strings.Repeat("x", 300)
	_, _, err := r.Register(context.Background(), uuid.New(), mozEndpoint, testKeys, db.DeviceInfo{DeviceName: "  " + long})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := len(store.byEndpoint[mozEndpoint].DeviceName); got != maxDeviceField {
		t.Fatalf("device_name length = %d, want %d", got, maxDeviceField)
	}
}

func TestRegister_StoreError(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection refused")
	r := New(store, zap.NewNop())

	_, _, err := r.Register(context.Background(), uuid.New(), mozEndpoint, testKeys, db.DeviceInfo{})
	if err == nil || !errors.Is(err, store.err) {
		t.Fatalf("err = %v, want wrapped store error", err)
	}
}

func TestDeactivate_Idempotent(t *testing.T) {
	store := newMemStore()
	r := New(store, zap.NewNop())
	ctx := context.Background()
	user := uuid.New()

	r.Register(ctx, user, mozEndpoint, testKeys, db.DeviceInfo{})

	for i := 0; i < 2; i++ {
		if err := r.Deactivate(ctx, user, mozEndpoint); err != nil {
			t.Fatalf("deactivate #%d: %v", i+1, err)
		}
	}
	if err := r.Deactivate(ctx, user, "https://never.registered/x"); err != nil {
		t.Fatalf("deactivate unknown endpoint: %v", err)
	}
	if store.byEndpoint[mozEndpoint].IsActive {
		t.Fatal("subscription should be inactive")
	}
}

func TestDeactivateByID_OnlyTarget(t *testing.T) {
	store := newMemStore()
	r := New(store, zap.NewNop())
	ctx := context.Background()
	user := uuid.New()

	gone, _, _ := r.Register(ctx, user, mozEndpoint, testKeys, db.DeviceInfo{})
	kept, _, _ := r.Register(ctx, user, "https://fcm.googleapis.com/fcm/send/tok", testKeys, db.DeviceInfo{})

	if err := r.DeactivateByID(ctx, gone); err != nil {
		t.Fatalf("deactivate by id: %v", err)
	}

	subs, _ := r.ActiveSubscriptionsFor(ctx, user)
	if len(subs) != 1 || subs[0].ID != kept {
		t.Fatalf("active subs = %+v, want only %s", subs, kept)
	}
}

func TestTouch_BestEffort(t *testing.T) {
	store := newMemStore()
	r := New(store, zap.NewNop())
	id := uuid.New()

	store.err = errors.New("timeout")
	r.Touch(context.Background(), id)

	if len(store.touched) != 1 || store.touched[0] != id {
		t.Fatalf("touched = %v", store.touched)
	}
}
