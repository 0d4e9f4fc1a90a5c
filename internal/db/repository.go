package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository implements the durable store contracts for subscriptions, preferences,
// notification history and the activity log.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new push store repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const subscriptionColumns = `
	id, user_id, endpoint, p256dh, auth,
	device_type, device_name, browser, is_active,
	created_at, updated_at
`

func scanSubscription(row pgx.Row) (*DeviceSubscription, error) {
	var sub DeviceSubscription
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.Endpoint,
		&sub.P256dh,
		&sub.Auth,
		&sub.DeviceType,
		&sub.DeviceName,
		&sub.Browser,
		&sub.IsActive,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpsertSubscription inserts a subscription or, when the endpoint is already known,
// rebinds it to sub.UserID, refreshes keys and device info and reactivates it.
// sub.ID, CreatedAt and UpdatedAt are overwritten with the stored values.
func (r *Repository) UpsertSubscription(ctx context.Context, sub *DeviceSubscription) (updated bool, err error) {
	query := `
		INSERT INTO push_subscriptions (
			id, user_id, endpoint, p256dh, auth,
			device_type, device_name, browser, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		ON CONFLICT (endpoint) DO UPDATE SET
			user_id     = EXCLUDED.user_id,
			p256dh      = EXCLUDED.p256dh,
			auth        = EXCLUDED.auth,
			device_type = EXCLUDED.device_type,
			device_name = EXCLUDED.device_name,
			browser     = EXCLUDED.browser,
			is_active   = TRUE,
			updated_at  = NOW()
		RETURNING id, created_at, updated_at, (xmax = 0) AS inserted
	`

	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}

	var inserted bool
	err = r.db.Pool().QueryRow(ctx, query,
		sub.ID,
		sub.UserID,
		sub.Endpoint,
		sub.P256dh,
		sub.Auth,
		sub.DeviceType,
		sub.DeviceName,
		sub.Browser,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt, &inserted)
	if err != nil {
		r.logger.Error("failed to upsert subscription",
			zap.Error(err),
			zap.String("user_id", sub.UserID.String()),
		)
		return false, fmt.Errorf("upsert subscription: %w", err)
	}

	sub.IsActive = true
	return !inserted, nil
}

// GetSubscriptionByEndpoint looks a subscription up by its unique endpoint.
func (r *Repository) GetSubscriptionByEndpoint(ctx context.Context, endpoint string) (*DeviceSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM push_subscriptions WHERE endpoint = $1`

	sub, err := scanSubscription(r.db.Pool().QueryRow(ctx, query, endpoint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}
	return sub, nil
}

// DeactivateSubscription marks the user's subscription for endpoint inactive.
// Absent or already inactive rows are not an error.
func (r *Repository) DeactivateSubscription(ctx context.Context, userID uuid.UUID, endpoint string) (bool, error) {
	query := `
		UPDATE push_subscriptions
		SET is_active = FALSE, updated_at = NOW()
		WHERE user_id = $1 AND endpoint = $2 AND is_active
	`

	result, err := r.db.Pool().Exec(ctx, query, userID, endpoint)
	if err != nil {
		return false, fmt.Errorf("deactivate subscription: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// DeactivateSubscriptionByID marks one subscription inactive by primary key.
func (r *Repository) DeactivateSubscriptionByID(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE push_subscriptions
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1 AND is_active
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("deactivate subscription %s: %w", id, err)
	}
	return result.RowsAffected() > 0, nil
}

// TouchSubscription bumps updated_at after a successful delivery.
func (r *Repository) TouchSubscription(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx, `UPDATE push_subscriptions SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch subscription %s: %w", id, err)
	}
	return nil
}

// ListActiveSubscriptions returns the user's active subscriptions, oldest first.
func (r *Repository) ListActiveSubscriptions(ctx context.Context, userID uuid.UUID) ([]*DeviceSubscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM push_subscriptions
		WHERE user_id = $1 AND is_active
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*DeviceSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return subs, nil
}

// GetPreference returns the user's preference row or ErrNotFound.
func (r *Repository) GetPreference(ctx context.Context, userID uuid.UUID) (*NotificationPreference, error) {
	query := `
		SELECT
			user_id, push_enabled, new_listings, price_changes, booking_updates,
			messages, promotions, system_alerts, quiet_hours_enabled,
			quiet_start_time, quiet_end_time, updated_at
		FROM notification_preferences
		WHERE user_id = $1
	`

	var p NotificationPreference
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&p.UserID,
		&p.PushEnabled,
		&p.NewListings,
		&p.PriceChanges,
		&p.BookingUpdates,
		&p.Messages,
		&p.Promotions,
		&p.SystemAlerts,
		&p.QuietHoursEnabled,
		&p.QuietStartTime,
		&p.QuietEndTime,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query preference: %w", err)
	}
	return &p, nil
}

// UpsertPreference writes the full preference row for p.UserID.
func (r *Repository) UpsertPreference(ctx context.Context, p *NotificationPreference) error {
	query := `
		INSERT INTO notification_preferences (
			user_id, push_enabled, new_listings, price_changes, booking_updates,
			messages, promotions, system_alerts, quiet_hours_enabled,
			quiet_start_time, quiet_end_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO UPDATE SET
			push_enabled        = EXCLUDED.push_enabled,
			new_listings        = EXCLUDED.new_listings,
			price_changes       = EXCLUDED.price_changes,
			booking_updates     = EXCLUDED.booking_updates,
			messages            = EXCLUDED.messages,
			promotions          = EXCLUDED.promotions,
			system_alerts       = EXCLUDED.system_alerts,
			quiet_hours_enabled = EXCLUDED.quiet_hours_enabled,
			quiet_start_time    = EXCLUDED.quiet_start_time,
			quiet_end_time      = EXCLUDED.quiet_end_time,
			updated_at          = NOW()
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		p.UserID,
		p.PushEnabled,
		p.NewListings,
		p.PriceChanges,
		p.BookingUpdates,
		p.Messages,
		p.Promotions,
		p.SystemAlerts,
		p.QuietHoursEnabled,
		p.QuietStartTime,
		p.QuietEndTime,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}

// CreateHistory inserts one history row. h.ID must be set by the caller so it can be
// embedded in the outgoing payload.
func (r *Repository) CreateHistory(ctx context.Context, h *NotificationHistory) error {
	query := `
		INSERT INTO notification_history (
			id, user_id, title, body, icon, image, action_url,
			notification_type, related_id, metadata, is_sent, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		h.ID,
		h.UserID,
		h.Title,
		h.Body,
		h.Icon,
		h.Image,
		h.ActionURL,
		h.NotificationType,
		h.RelatedID,
		h.Metadata,
		h.IsSent,
		h.SentAt,
	).Scan(&h.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create history record",
			zap.Error(err),
			zap.String("history_id", h.ID.String()),
			zap.String("user_id", h.UserID.String()),
		)
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// MarkHistoryRead flips is_read once. Returns false when the row was already read
// or does not exist; read_at is never cleared.
func (r *Repository) MarkHistoryRead(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE notification_history
		SET is_read = TRUE, read_at = $2
		WHERE id = $1 AND NOT is_read
	`

	result, err := r.db.Pool().Exec(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("mark history read: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ListHistory returns the user's most recent history rows.
func (r *Repository) ListHistory(ctx context.Context, userID uuid.UUID, limit int) ([]*NotificationHistory, error) {
	query := `
		SELECT
			id, user_id, title, body, icon, image, action_url,
			notification_type, related_id, metadata, is_sent, sent_at,
			is_read, read_at, created_at
		FROM notification_history
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var items []*NotificationHistory
	for rows.Next() {
		var h NotificationHistory
		err := rows.Scan(
			&h.ID,
			&h.UserID,
			&h.Title,
			&h.Body,
			&h.Icon,
			&h.Image,
			&h.ActionURL,
			&h.NotificationType,
			&h.RelatedID,
			&h.Metadata,
			&h.IsSent,
			&h.SentAt,
			&h.IsRead,
			&h.ReadAt,
			&h.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		items = append(items, &h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return items, nil
}

// CountUnread returns how many history rows of the user are still unread.
func (r *Repository) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM notification_history WHERE user_id = $1 AND NOT is_read`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// HistoryTypeCounts aggregates history rows created since the given time, grouped by
// notification type. userID narrows the aggregation to one user when non-nil.
func (r *Repository) HistoryTypeCounts(ctx context.Context, since time.Time, userID *uuid.UUID) ([]TypeCount, error) {
	query := `
		SELECT
			COALESCE(NULLIF(notification_type, ''), 'other') AS type,
			COUNT(*),
			COUNT(*) FILTER (WHERE is_sent),
			COUNT(*) FILTER (WHERE is_read)
		FROM notification_history
		WHERE created_at >= $1 AND ($2::uuid IS NULL OR user_id = $2)
		GROUP BY 1
		ORDER BY 1
	`

	rows, err := r.db.Pool().Query(ctx, query, since, userID)
	if err != nil {
		return nil, fmt.Errorf("query history stats: %w", err)
	}
	defer rows.Close()

	var counts []TypeCount
	for rows.Next() {
		var c TypeCount
		if err := rows.Scan(&c.NotificationType, &c.Total, &c.Sent, &c.Read); err != nil {
			return nil, fmt.Errorf("scan history stats: %w", err)
		}
		counts = append(counts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return counts, nil
}

// CreateActivityLog appends an analytics entry.
func (r *Repository) CreateActivityLog(ctx context.Context, a *ActivityLog) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	query := `
		INSERT INTO activity_log (id, user_id, action, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query, a.ID, a.UserID, a.Action, a.Metadata).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert activity log: %w", err)
	}
	return nil
}
