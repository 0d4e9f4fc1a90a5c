// Package interaction records what users do with delivered notifications and
// aggregates the history into delivery analytics.
package interaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/propush/internal/db"
)

// ErrInvalidInteraction is returned for an interaction type that is not a
// lowercase slug such as "clicked" or "snoozed".
var ErrInvalidInteraction = errors.New("invalid interaction type")

const (
	TypeDelivered = "delivered"
	TypeDisplayed = "displayed"
	TypeClicked   = "clicked"
	TypeDismissed = "dismissed"
)

// Types are the interactions clients report today. The set is open: any slug
// is logged as notification_<type>, and only TypeClicked changes history state.
var Types = []string{TypeDelivered, TypeDisplayed, TypeClicked, TypeDismissed}

var typePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// Store is the history and activity persistence used by Tracker and Analytics.
type Store interface {
	MarkHistoryRead(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	CreateActivityLog(ctx context.Context, a *db.ActivityLog) error
	HistoryTypeCounts(ctx context.Context, since time.Time, userID *uuid.UUID) ([]db.TypeCount, error)
}

type Tracker struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewTracker(store Store, logger *zap.Logger) *Tracker {
	return &Tracker{store: store, logger: logger, now: time.Now}
}

// Track records an interaction. Only "clicked" with a history id marks the
// record read, and only once. The activity log write is best-effort.
func (t *Tracker) Track(ctx context.Context, historyID, userID *uuid.UUID, interactionType string, metadata map[string]any) error {
	if !validType(interactionType) {
		return fmt.Errorf("%w: %q", ErrInvalidInteraction, interactionType)
	}

	if historyID != nil && interactionType == TypeClicked {
		changed, err := t.store.MarkHistoryRead(ctx, *historyID, t.now().UTC())
		if err != nil {
			return fmt.Errorf("mark notification read: %w", err)
		}
		if changed {
			t.logger.Debug("notification marked read", zap.String("history_id", historyID.String()))
		}
	}

	if userID != nil {
		t.logActivity(ctx, *userID, historyID, interactionType, metadata)
	}
	return nil
}

// logActivity never fails the caller.
func (t *Tracker) logActivity(ctx context.Context, userID uuid.UUID, historyID *uuid.UUID, interactionType string, metadata map[string]any) {
	fields := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		fields[k] = v
	}
	if historyID != nil {
		fields["notification_id"] = historyID.String()
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		t.logger.Warn("dropping activity metadata", zap.Error(err))
		raw = nil
	}

	entry := &db.ActivityLog{
		UserID:   userID,
		Action:   "notification_" + interactionType,
		Metadata: raw,
	}
	if err := t.store.CreateActivityLog(ctx, entry); err != nil {
		t.logger.Warn("failed to write activity log",
			zap.String("user_id", userID.String()),
			zap.String("action", entry.Action),
			zap.Error(err),
		)
	}
}

func validType(s string) bool {
	return typePattern.MatchString(s)
}
