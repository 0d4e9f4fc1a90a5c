package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup by primary key or endpoint matches no row.
var ErrNotFound = errors.New("not found")

// DeviceSubscription is one registered push channel for one user.
// Endpoint is globally unique; re-registration updates the existing row.
type DeviceSubscription struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	Endpoint   string    `json:"endpoint"`
	P256dh     string    `json:"-"`
	Auth       string    `json:"-"`
	DeviceType string    `json:"device_type,omitempty"`
	DeviceName string    `json:"device_name,omitempty"`
	Browser    string    `json:"browser,omitempty"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SubscriptionKeys are the client-generated encryption keys of a web push subscription.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// DeviceInfo describes the device behind an endpoint. All fields are optional.
type DeviceInfo struct {
	DeviceType string `json:"device_type"`
	DeviceName string `json:"device_name"`
	Browser    string `json:"browser"`
}

// Category toggle names. Anything else is an unmapped custom type.
const (
	CategoryNewListings    = "new_listings"
	CategoryPriceChanges   = "price_changes"
	CategoryBookingUpdates = "booking_updates"
	CategoryMessages       = "messages"
	CategoryPromotions     = "promotions"
	CategorySystemAlerts   = "system_alerts"
)

// NotificationPreference holds one user's push settings.
type NotificationPreference struct {
	UserID            uuid.UUID `json:"user_id"`
	PushEnabled       bool      `json:"push_enabled"`
	NewListings       bool      `json:"new_listings"`
	PriceChanges      bool      `json:"price_changes"`
	BookingUpdates    bool      `json:"booking_updates"`
	Messages          bool      `json:"messages"`
	Promotions        bool      `json:"promotions"`
	SystemAlerts      bool      `json:"system_alerts"`
	QuietHoursEnabled bool      `json:"quiet_hours_enabled"`
	QuietStartTime    *string   `json:"quiet_start_time,omitempty"`
	QuietEndTime      *string   `json:"quiet_end_time,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DefaultPreference is what an absent preference row means: everything allowed.
func DefaultPreference(userID uuid.UUID) *NotificationPreference {
	return &NotificationPreference{
		UserID:         userID,
		PushEnabled:    true,
		NewListings:    true,
		PriceChanges:   true,
		BookingUpdates: true,
		Messages:       true,
		Promotions:     true,
		SystemAlerts:   true,
	}
}

// CategoryEnabled reports the toggle for a category. The second result is false
// when the category is not one of the known toggles.
func (p *NotificationPreference) CategoryEnabled(category string) (enabled bool, known bool) {
	switch category {
	case CategoryNewListings:
		return p.NewListings, true
	case CategoryPriceChanges:
		return p.PriceChanges, true
	case CategoryBookingUpdates:
		return p.BookingUpdates, true
	case CategoryMessages:
		return p.Messages, true
	case CategoryPromotions:
		return p.Promotions, true
	case CategorySystemAlerts:
		return p.SystemAlerts, true
	default:
		return false, false
	}
}

// OutboundMessage is the payload handed to the dispatcher. It is not stored on its own;
// history rows carry a denormalized copy.
type OutboundMessage struct {
	Title     string            `json:"title" validate:"required,max=255"`
	Body      string            `json:"body" validate:"required"`
	Icon      string            `json:"icon,omitempty"`
	Image     string            `json:"image,omitempty"`
	ActionURL string            `json:"action_url,omitempty"`
	Category  string            `json:"type,omitempty" validate:"max=64"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	RelatedID *string           `json:"related_id,omitempty"`
}

// NotificationHistory is the audit row for one (recipient, dispatch attempt).
type NotificationHistory struct {
	ID               uuid.UUID       `json:"id"`
	UserID           uuid.UUID       `json:"user_id"`
	Title            string          `json:"title"`
	Body             string          `json:"body"`
	Icon             *string         `json:"icon,omitempty"`
	Image            *string         `json:"image,omitempty"`
	ActionURL        *string         `json:"action_url,omitempty"`
	NotificationType *string         `json:"notification_type,omitempty"`
	RelatedID        *string         `json:"related_id,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	IsSent           bool            `json:"is_sent"`
	SentAt           *time.Time      `json:"sent_at,omitempty"`
	IsRead           bool            `json:"is_read"`
	ReadAt           *time.Time      `json:"read_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ActivityLog is an analytics entry; writes to it are best-effort.
type ActivityLog struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Action    string          `json:"action"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TypeCount is one row of the history aggregation used by analytics.
type TypeCount struct {
	NotificationType string
	Total            int
	Sent             int
	Read             int
}
