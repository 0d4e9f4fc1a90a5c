package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/propush/internal/circuitbreaker"
	"github.com/lalithlochan/propush/internal/db"
	"github.com/lalithlochan/propush/internal/dispatch"
	"github.com/lalithlochan/propush/internal/interaction"
	"github.com/lalithlochan/propush/internal/metrics"
	"github.com/lalithlochan/propush/internal/redis"
	"github.com/lalithlochan/propush/internal/registry"
)

// ErrUnauthenticated is returned when an action needs a caller identity and has none.
var ErrUnauthenticated = errors.New("authentication required")

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100

	// MaxBulkRecipients caps user_ids of one send_bulk request.
	MaxBulkRecipients = 10000

	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "X-Idempotency-Replayed"
)

// Registry is the subscription registry used by subscribe/unsubscribe.
type Registry interface {
	Register(ctx context.Context, userID uuid.UUID, endpoint string, keys db.SubscriptionKeys, device db.DeviceInfo) (uuid.UUID, bool, error)
	Deactivate(ctx context.Context, userID uuid.UUID, endpoint string) error
}

// Dispatcher delivers messages for the send actions.
type Dispatcher interface {
	SendToUser(ctx context.Context, userID uuid.UUID, msg *db.OutboundMessage) (dispatch.Result, error)
	SendBulk(ctx context.Context, userIDs []uuid.UUID, msg *db.OutboundMessage) dispatch.BulkResult
}

type Tracker interface {
	Track(ctx context.Context, historyID, userID *uuid.UUID, interactionType string, metadata map[string]any) error
}

type Analytics interface {
	Stats(ctx context.Context, userID *uuid.UUID) (*interaction.Stats, error)
}

// PreferenceStore reads and writes notification preferences.
type PreferenceStore interface {
	GetPreference(ctx context.Context, userID uuid.UUID) (*db.NotificationPreference, error)
	UpsertPreference(ctx context.Context, p *db.NotificationPreference) error
}

// HistoryStore lists a user's delivered notifications.
type HistoryStore interface {
	ListHistory(ctx context.Context, userID uuid.UUID, limit int) ([]*db.NotificationHistory, error)
	CountUnread(ctx context.Context, userID uuid.UUID) (int, error)
}

// Idempotency replays send responses keyed by Idempotency-Key.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, scope, key string) error
}

// BreakerStats exposes the per-host delivery breakers.
type BreakerStats interface {
	Stats() []circuitbreaker.Stats
}

// Services are the core components behind the action entry point.
type Services struct {
	Registry    Registry
	Dispatcher  Dispatcher
	Tracker     Tracker
	Analytics   Analytics
	Preferences PreferenceStore
	History     HistoryStore
}

// ErrorResponse is the uniform rejection envelope.
type ErrorResponse struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Fields  ValidationError `json:"fields,omitempty"`
}

func errorBody(msg string) ErrorResponse {
	return ErrorResponse{Success: false, Error: msg}
}

// Handler serves the push action endpoint.
type Handler struct {
	logger    *zap.Logger
	validator *Validator
	svc       Services
	actions   map[string]action

	idempotency    Idempotency // nil if Redis not configured
	vapidPublicKey string
	providers      []string
	breakers       BreakerStats
}

type actionRequest struct {
	caller *uuid.UUID
	body   []byte
}

type action struct {
	handle     func(ctx context.Context, req *actionRequest) (int, any)
	idempotent bool
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, validator *Validator, svc Services) *Handler {
	h := &Handler{
		logger:    logger,
		validator: validator,
		svc:       svc,
	}
	h.actions = map[string]action{
		"subscribe":          {handle: h.subscribe},
		"unsubscribe":        {handle: h.unsubscribe},
		"send_to_user":       {handle: h.sendToUser, idempotent: true},
		"send_bulk":          {handle: h.sendBulk, idempotent: true},
		"track_interaction":  {handle: h.trackInteraction},
		"get_stats":          {handle: h.getStats},
		"get_preferences":    {handle: h.getPreferences},
		"update_preferences": {handle: h.updatePreferences},
		"list_history":       {handle: h.listHistory},
	}
	return h
}

// WithIdempotency enables Idempotency-Key handling for send actions.
func (h *Handler) WithIdempotency(idem Idempotency) *Handler {
	h.idempotency = idem
	return h
}

// WithVAPIDPublicKey sets the key served to browsers that subscribe.
func (h *Handler) WithVAPIDPublicKey(key string) *Handler {
	h.vapidPublicKey = key
	return h
}

// WithProviders sets the provider names and breakers reported by GET /push/providers.
func (h *Handler) WithProviders(names []string, breakers BreakerStats) *Handler {
	h.providers = names
	h.breakers = breakers
	return h
}

// Routes registers the push endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/push", h.Push)
	r.Get("/push/vapid-public-key", h.VAPIDPublicKey)
	r.Get("/push/providers", h.Providers)
}

// Push handles POST /v1/push. The body names an action and carries its fields.
// Send actions honour the Idempotency-Key header.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("request body is unreadable or too large"))
		return
	}

	var envelope struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("malformed JSON body"))
		return
	}

	act, ok := h.actions[envelope.Action]
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("unknown action %q", envelope.Action)))
		return
	}

	req := &actionRequest{body: body}
	if caller, ok := CallerFrom(ctx); ok {
		req.caller = &caller
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	scope := ""
	if act.idempotent && key != "" && h.idempotency != nil {
		scope = idempotencyScope(envelope.Action, req.caller)

		cached, err := h.idempotency.CheckOrReserve(ctx, scope, key)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			metrics.RecordAction(envelope.Action, http.StatusConflict)
			writeJSON(w, http.StatusConflict, errorBody("a request with this idempotency key is in progress"))
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
			scope = ""
		case cached != nil:
			metrics.RecordIdempotencyHit()
			metrics.RecordAction(envelope.Action, cached.StatusCode)
			w.Header().Set(replayedHeader, "true")
			writeRaw(w, cached.StatusCode, cached.Body)
			return
		}
	}

	status, resp := act.handle(ctx, req)

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to encode response", zap.Error(err), zap.String("action", envelope.Action))
		status = http.StatusInternalServerError
		payload, _ = json.Marshal(errorBody("internal error"))
	}

	if scope != "" {
		h.finishIdempotent(context.WithoutCancel(ctx), scope, key, envelope.Action, status, payload)
	}

	metrics.RecordAction(envelope.Action, status)
	writeRaw(w, status, payload)
}

// finishIdempotent caches a completed response, or frees the key after a
// server failure so the client can retry.
func (h *Handler) finishIdempotent(ctx context.Context, scope, key, actionName string, status int, payload []byte) {
	if status >= http.StatusInternalServerError {
		if err := h.idempotency.Release(ctx, scope, key); err != nil {
			h.logger.Warn("failed to release idempotency key", zap.Error(err), zap.String("idempotency_key", key))
		}
		return
	}

	result := &redis.IdempotencyResult{
		Action:     actionName,
		StatusCode: status,
		Body:       payload,
	}
	if err := h.idempotency.Store(ctx, scope, key, result, redis.IdempotencyTTL); err != nil {
		h.logger.Warn("failed to store idempotency result", zap.Error(err), zap.String("idempotency_key", key))
	}
}

func idempotencyScope(actionName string, caller *uuid.UUID) string {
	who := "anonymous"
	if caller != nil {
		who = caller.String()
	}
	return who + ":" + actionName
}

// VAPIDPublicKey handles GET /v1/push/vapid-public-key.
func (h *Handler) VAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	if h.vapidPublicKey == "" {
		writeJSON(w, http.StatusNotFound, errorBody("web push is not configured"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"public_key": h.vapidPublicKey,
	})
}

// Providers handles GET /v1/push/providers.
func (h *Handler) Providers(w http.ResponseWriter, r *http.Request) {
	breakers := []circuitbreaker.Stats{}
	if h.breakers != nil {
		breakers = append(breakers, h.breakers.Stats()...)
	}
	providers := h.providers
	if providers == nil {
		providers = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"providers": providers,
		"breakers":  breakers,
	})
}

// decode unmarshals the action body into dst and validates it.
func (h *Handler) decode(req *actionRequest, dst any) error {
	if err := json.Unmarshal(req.body, dst); err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}
	return h.validator.Validate(dst)
}

func badRequest(err error) (int, any) {
	var ve ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, ErrorResponse{Error: "validation failed: " + ve.Error(), Fields: ve}
	}
	return http.StatusBadRequest, errorBody(err.Error())
}

func unauthenticated() (int, any) {
	return http.StatusUnauthorized, errorBody(ErrUnauthenticated.Error())
}

func internalError(msg string) (int, any) {
	return http.StatusInternalServerError, errorBody(msg)
}

type subscribeRequest struct {
	Subscription struct {
		Endpoint string              `json:"endpoint" validate:"required,max=2048"`
		Keys     db.SubscriptionKeys `json:"keys"`
	} `json:"subscription"`
	DeviceInfo db.DeviceInfo `json:"device_info"`
}

func (h *Handler) subscribe(ctx context.Context, req *actionRequest) (int, any) {
	if req.caller == nil {
		return unauthenticated()
	}

	var in subscribeRequest
	if err := h.decode(req, &in); err != nil {
		return badRequest(err)
	}

	id, updated, err := h.svc.Registry.Register(ctx, *req.caller, in.Subscription.Endpoint, in.Subscription.Keys, in.DeviceInfo)
	if errors.Is(err, registry.ErrInvalidSubscription) {
		return badRequest(err)
	}
	if err != nil {
		h.logger.Error("failed to register subscription",
			zap.Error(err),
			zap.String("user_id", req.caller.String()),
		)
		return internalError("failed to save subscription")
	}

	return http.StatusOK, map[string]any{
		"success":         true,
		"subscription_id": id,
		"updated":         updated,
	}
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint" validate:"required"`
}

func (h *Handler) unsubscribe(ctx context.Context, req *actionRequest) (int, any) {
	if req.caller == nil {
		return unauthenticated()
	}

	var in unsubscribeRequest
	if err := h.decode(req, &in); err != nil {
		return badRequest(err)
	}

	if err := h.svc.Registry.Deactivate(ctx, *req.caller, in.Endpoint); err != nil {
		h.logger.Error("failed to deactivate subscription",
			zap.Error(err),
			zap.String("user_id", req.caller.String()),
		)
		return internalError("failed to remove subscription")
	}
	return http.StatusOK, map[string]any{"success": true}
}

type sendToUserRequest struct {
	UserID       string              `json:"user_id" validate:"omitempty,uuid"`
	Notification *db.OutboundMessage `json:"notification" validate:"required"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	dispatch.Result
}

func (h *Handler) sendToUser(ctx context.Context, req *actionRequest) (int, any) {
	var in sendToUserRequest
	if err := h.decode(req, &in); err != nil {
		return badRequest(err)
	}

	var target uuid.UUID
	switch {
	case in.UserID != "":
		target = uuid.MustParse(in.UserID)
	case req.caller != nil:
		target = *req.caller
	default:
		return unauthenticated()
	}

	res, err := h.svc.Dispatcher.SendToUser(ctx, target, in.Notification)
	if err != nil {
		h.logger.Error("send to user failed",
			zap.Error(err),
			zap.String("user_id", target.String()),
		)
		return http.StatusInternalServerError, sendResponse{
			Error:  "failed to record notification",
			Result: res,
		}
	}
	return http.StatusOK, sendResponse{Success: true, Result: res}
}

type sendBulkRequest struct {
	UserIDs      []string            `json:"user_ids" validate:"required,min=1,max=10000,dive,uuid"`
	Notification *db.OutboundMessage `json:"notification" validate:"required"`
}

type bulkResponse struct {
	Success bool `json:"success"`
	dispatch.BulkResult
}

func (h *Handler) sendBulk(ctx context.Context, req *actionRequest) (int, any) {
	var in sendBulkRequest
	if err := h.decode(req, &in); err != nil {
		return badRequest(err)
	}

	ids := make([]uuid.UUID, 0, len(in.UserIDs))
	for _, s := range in.UserIDs {
		ids = append(ids, uuid.MustParse(s))
	}

	res := h.svc.Dispatcher.SendBulk(ctx, ids, in.Notification)
	h.logger.Info("bulk send completed",
		zap.Int("recipients", res.Recipients),
		zap.Int("sent", res.Sent),
		zap.Int("blocked", res.Blocked),
		zap.Int("failed", res.Failed),
	)
	return http.StatusOK, bulkResponse{Success: true, BulkResult: res}
}

type trackRequest struct {
	NotificationID  string         `json:"notification_id" validate:"omitempty,uuid"`
	// InteractionType is open-ended (delivered, displayed, clicked, dismissed, ...);
	// the tracker checks its shape.
	InteractionType string         `json:"interaction_type" validate:"required,max=32"`
	Metadata        map[string]any `json:"metadata"`
}

func (h *Handler) trackInteraction(ctx context.Context, req *actionRequest) (int, any) {
	var in trackRequest
	if err := h.decode(req, &in); err != nil {
		return badRequest(err)
	}

	var historyID *uuid.UUID
	if in.NotificationID != "" {
		id := uuid.MustParse(in.NotificationID)
		historyID = &id
	}

	err := h.svc.Tracker.Track(ctx, historyID, req.caller, in.InteractionType, in.Metadata)
	if errors.Is(err, interaction.ErrInvalidInteraction) {
		return badRequest(err)
	}
	if err != nil {
		h.logger.Error("failed to track interaction",
			zap.Error(err),
			zap.String("interaction_type", in.InteractionType),
		)
		return internalError("failed to track interaction")
	}
	return http.StatusOK, map[string]any{"success": true}
}

type statsRequest struct {
	UserID string `json:"user_id" validate:"omitempty,uuid"`
}

func (h *Handler) getStats(ctx context.Context, req *actionRequest) (int, any) {
	var in statsRequest
	if err := h.decode(req, &in); err != nil {
		return badRequest(err)
	}

	var userID *uuid.UUID
	if in.UserID != "" {
		id := uuid.MustParse(in.UserID)
		userID = &id
	}

	stats, err := h.svc.Analytics.Stats(ctx, userID)
	if err != nil {
		h.logger.Error("failed to compute stats", zap.Error(err))
		return internalError("failed to compute stats")
	}
	return http.StatusOK, map[string]any{"success": true, "stats": stats}
}

func (h *Handler) loadPreferences(ctx context.Context, userID uuid.UUID) (*db.NotificationPreference, error) {
	prefs, err := h.svc.Preferences.GetPreference(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return db.DefaultPreference(userID), nil
	}
	return prefs, err
}

func (h *Handler) getPreferences(ctx context.Context, req *actionRequest) (int, any) {
	if req.caller == nil {
		return unauthenticated()
	}

	prefs, err := h.loadPreferences(ctx, *req.caller)
	if err != nil {
		h.logger.Error("failed to load preferences", zap.Error(err), zap.String("user_id", req.caller.String()))
		return internalError("failed to load preferences")
	}
	return http.StatusOK, map[string]any{"success": true, "preferences": prefs}
}

// updatePreferencesRequest is a partial update; absent fields keep their value.
// An empty quiet time clears it.
type updatePreferencesRequest struct {
	PushEnabled       *bool   `json:"push_enabled"`
	NewListings       *bool   `json:"new_listings"`
	PriceChanges      *bool   `json:"price_changes"`
	BookingUpdates    *bool   `json:"booking_updates"`
	Messages          *bool   `json:"messages"`
	Promotions        *bool   `json:"promotions"`
	SystemAlerts      *bool   `json:"system_alerts"`
	QuietHoursEnabled *bool   `json:"quiet_hours_enabled"`
	QuietStartTime    *string `json:"quiet_start_time" validate:"omitempty,hhmm"`
	QuietEndTime      *string `json:"quiet_end_time" validate:"omitempty,hhmm"`
}

func (u *updatePreferencesRequest) apply(p *db.NotificationPreference) {
	set := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	set(&p.PushEnabled, u.PushEnabled)
	set(&p.NewListings, u.NewListings)
	set(&p.PriceChanges, u.PriceChanges)
	set(&p.BookingUpdates, u.BookingUpdates)
	set(&p.Messages, u.Messages)
	set(&p.Promotions, u.Promotions)
	set(&p.SystemAlerts, u.SystemAlerts)
	set(&p.QuietHoursEnabled, u.QuietHoursEnabled)

	clock := func(dst **string, src *string) {
		if src == nil {
			return
		}
		if v := strings.TrimSpace(*src); v != "" {
			*dst = &v
		} else {
			*dst = nil
		}
	}
	clock(&p.QuietStartTime, u.QuietStartTime)
	clock(&p.QuietEndTime, u.QuietEndTime)
}

func (h *Handler) updatePreferences(ctx context.Context, req *actionRequest) (int, any) {
	if req.caller == nil {
		return unauthenticated()
	}

	var in updatePreferencesRequest
	if err := h.decode(req, &in); err != nil {
		return badRequest(err)
	}

	prefs, err := h.loadPreferences(ctx, *req.caller)
	if err != nil {
		h.logger.Error("failed to load preferences", zap.Error(err), zap.String("user_id", req.caller.String()))
		return internalError("failed to load preferences")
	}

	in.apply(prefs)
	if err := h.svc.Preferences.UpsertPreference(ctx, prefs); err != nil {
		h.logger.Error("failed to save preferences", zap.Error(err), zap.String("user_id", req.caller.String()))
		return internalError("failed to save preferences")
	}

	h.logger.Info("preferences updated",
		zap.String("user_id", req.caller.String()),
		zap.Bool("push_enabled", prefs.PushEnabled),
		zap.Bool("quiet_hours_enabled", prefs.QuietHoursEnabled),
	)
	return http.StatusOK, map[string]any{"success": true, "preferences": prefs}
}

type listHistoryRequest struct {
	Limit int `json:"limit"`
}

func (h *Handler) listHistory(ctx context.Context, req *actionRequest) (int, any) {
	if req.caller == nil {
		return unauthenticated()
	}

	var in listHistoryRequest
	if err := h.decode(req, &in); err != nil {
		return badRequest(err)
	}

	limit := defaultHistoryLimit
	if in.Limit > 0 && in.Limit <= maxHistoryLimit {
		limit = in.Limit
	}

	items, err := h.svc.History.ListHistory(ctx, *req.caller, limit)
	if err != nil {
		h.logger.Error("failed to list history", zap.Error(err), zap.String("user_id", req.caller.String()))
		return internalError("failed to list notifications")
	}
	if items == nil {
		items = []*db.NotificationHistory{}
	}

	unread, err := h.svc.History.CountUnread(ctx, *req.caller)
	if err != nil {
		h.logger.Error("failed to count unread", zap.Error(err), zap.String("user_id", req.caller.String()))
		return internalError("failed to list notifications")
	}

	return http.StatusOK, map[string]any{
		"success":       true,
		"notifications": items,
		"unread_count":  unread,
		"limit":         limit,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
