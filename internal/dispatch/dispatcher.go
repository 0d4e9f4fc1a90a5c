// Package dispatch fans one message out to every active device of one or many
// recipients. Delivery failures are counted, never returned; only a failed
// history write aborts a recipient.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/propush/internal/db"
	"github.com/lalithlochan/propush/internal/delivery"
	"github.com/lalithlochan/propush/internal/eligibility"
	"github.com/lalithlochan/propush/internal/metrics"
)

// ErrPersistence marks a store failure that aborted a recipient's dispatch.
var ErrPersistence = errors.New("persistence failure")

const (
	DefaultBatchSize = 10
	MaxBatchSize     = 100

	ReasonNoSubscriptions = "no_subscriptions"
)

// Store is the preference and history persistence used by the dispatcher.
type Store interface {
	GetPreference(ctx context.Context, userID uuid.UUID) (*db.NotificationPreference, error)
	CreateHistory(ctx context.Context, h *db.NotificationHistory) error
}

// Registry supplies active endpoints and absorbs delivery feedback.
type Registry interface {
	ActiveSubscriptionsFor(ctx context.Context, userID uuid.UUID) ([]*db.DeviceSubscription, error)
	DeactivateByID(ctx context.Context, id uuid.UUID) error
	Touch(ctx context.Context, id uuid.UUID)
}

// Deliverer sends to one endpoint. *delivery.Router implements it.
type Deliverer interface {
	Send(ctx context.Context, sub *db.DeviceSubscription, payload *delivery.Payload) delivery.Result
}

// Config carries the dispatcher's tunables.
type Config struct {
	// BatchSize bounds how many recipients SendBulk serves concurrently.
	BatchSize int
	// Location is the fixed zone quiet hours are compared in.
	Location *time.Location
}

// Dispatcher runs SendToUser and SendBulk against the store, the registry and a Deliverer.
type Dispatcher struct {
	store    Store
	registry Registry
	sender   Deliverer
	config   Config
	logger   *zap.Logger
	now      func() time.Time

	// afterBatch observes completed SendBulk batches.
	afterBatch func(size int)
}

// New builds a Dispatcher, clamping BatchSize to 1..MaxBatchSize and defaulting Location to UTC.
func New(store Store, registry Registry, sender Deliverer, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	return &Dispatcher{
		store:    store,
		registry: registry,
		sender:   sender,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Result is the outcome of SendToUser.
type Result struct {
	Sent      int        `json:"sent"`
	Failed    int        `json:"failed"`
	Blocked   string     `json:"blocked,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	HistoryID *uuid.UUID `json:"notification_id,omitempty"`
}

// BulkResult sums per-recipient outcomes of SendBulk.
type BulkResult struct {
	Recipients int `json:"recipients"`
	Batches    int `json:"batches"`
	Sent       int `json:"sent"`
	Blocked    int `json:"blocked"`
	Failed     int `json:"failed"`
}

// SendToUser delivers msg to every active device of userID. The error is
// non-nil only when the store failed, in which case Result reports one failed unit.
// Once started the dispatch runs to completion: cancellation of ctx is ignored.
func (d *Dispatcher) SendToUser(ctx context.Context, userID uuid.UUID, msg *db.OutboundMessage) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	defer func() { metrics.RecordDispatch("single", time.Since(start)) }()

	res, err := d.dispatch(ctx, userID, msg)
	if err != nil {
		return Result{Failed: 1}, err
	}
	return res, nil
}

// SendBulk delivers msg to each listed user, repeats included, exactly as
// separate SendToUser calls would. Recipients are served in sequential batches
// of Config.BatchSize, concurrently within a batch. Like SendToUser it ignores
// cancellation of ctx, so every recipient is attempted.
func (d *Dispatcher) SendBulk(ctx context.Context, userIDs []uuid.UUID, msg *db.OutboundMessage) BulkResult {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	defer func() { metrics.RecordDispatch("bulk", time.Since(start)) }()

	users := userIDs
	out := BulkResult{Recipients: len(users)}

	var mu sync.Mutex
	for lo := 0; lo < len(users); lo += d.config.BatchSize {
		hi := min(lo+d.config.BatchSize, len(users))
		batch := users[lo:hi]

		var g errgroup.Group
		for _, userID := range batch {
			g.Go(func() error {
				res, err := d.dispatch(ctx, userID, msg)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					out.Failed++
				case res.Blocked != "":
					out.Blocked++
				default:
					out.Sent += res.Sent
					out.Failed += res.Failed
				}
				return nil
			})
		}
		_ = g.Wait()

		out.Batches++
		if d.afterBatch != nil {
			d.afterBatch(len(batch))
		}
	}

	d.logger.Info("bulk dispatch complete",
		zap.Int("recipients", out.Recipients),
		zap.Int("batches", out.Batches),
		zap.Int("sent", out.Sent),
		zap.Int("blocked", out.Blocked),
		zap.Int("failed", out.Failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, userID uuid.UUID, msg *db.OutboundMessage) (Result, error) {
	prefs, err := d.store.GetPreference(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		prefs = nil
	} else if err != nil {
		d.logger.Error("failed to load preferences", zap.String("user_id", userID.String()), zap.Error(err))
		return Result{}, fmt.Errorf("%w: load preferences: %w", ErrPersistence, err)
	}

	now := d.now()
	if decision := eligibility.Evaluate(prefs, msg.Category, now.In(d.config.Location)); !decision.Allowed {
		metrics.RecordBlocked(string(decision.Reason))
		d.logger.Debug("push blocked by preferences",
			zap.String("user_id", userID.String()),
			zap.String("reason", string(decision.Reason)),
			zap.String("type", msg.Category),
		)
		return Result{Blocked: string(decision.Reason)}, nil
	}

	subs, err := d.registry.ActiveSubscriptionsFor(ctx, userID)
	if err != nil {
		d.logger.Error("failed to load subscriptions", zap.String("user_id", userID.String()), zap.Error(err))
		return Result{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if len(subs) == 0 {
		return Result{Reason: ReasonNoSubscriptions}, nil
	}

	history, err := newHistory(userID, msg, now)
	if err != nil {
		return Result{}, err
	}
	if err := d.store.CreateHistory(ctx, history); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	payload := delivery.NewPayload(history.ID, msg)
	res := Result{HistoryID: &history.ID}

	for _, sub := range subs {
		r := d.sender.Send(ctx, sub, payload)
		if r.Success {
			res.Sent++
			d.registry.Touch(ctx, sub.ID)
			continue
		}

		res.Failed++
		if r.Failure == delivery.FailureExpired {
			if err := d.registry.DeactivateByID(ctx, sub.ID); err != nil {
				d.logger.Error("failed to deactivate expired subscription",
					zap.String("subscription_id", sub.ID.String()),
					zap.Error(err),
				)
			}
		}
	}

	d.logger.Info("push dispatched",
		zap.String("user_id", userID.String()),
		zap.String("history_id", history.ID.String()),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func newHistory(userID uuid.UUID, msg *db.OutboundMessage, now time.Time) (*db.NotificationHistory, error) {
	sentAt := now.UTC()
	h := &db.NotificationHistory{
		ID:               uuid.New(),
		UserID:           userID,
		Title:            msg.Title,
		Body:             msg.Body,
		Icon:             optional(msg.Icon),
		Image:            optional(msg.Image),
		ActionURL:        optional(msg.ActionURL),
		NotificationType: optional(msg.Category),
		RelatedID:        msg.RelatedID,
		IsSent:           true,
		SentAt:           &sentAt,
	}
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		h.Metadata = raw
	}
	return h, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
