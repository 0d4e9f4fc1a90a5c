package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/propush/internal/db"
	"github.com/lalithlochan/propush/internal/metrics"
)

const DefaultTimeout = 10 * time.Second

// Router picks a sender by endpoint shape. Senders are tried in registration
// order, so more specific ones (SNS, FCM) must come before WebPush.
type Router struct {
	senders []Sender
	timeout time.Duration
	logger  *zap.Logger
}

// NewRouter builds a router. timeout bounds each provider call; zero uses DefaultTimeout.
func NewRouter(timeout time.Duration, logger *zap.Logger, senders ...Sender) *Router {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Router{senders: senders, timeout: timeout, logger: logger}
}

// Select returns the first sender that supports endpoint, or nil.
func (r *Router) Select(endpoint string) Sender {
	for _, s := range r.senders {
		if s.Supports(endpoint) {
			return s
		}
	}
	return nil
}

// Providers lists registered sender names in selection order.
func (r *Router) Providers() []string {
	names := make([]string, len(r.senders))
	for i, s := range r.senders {
		names[i] = s.Name()
	}
	return names
}

// Send delivers payload to one subscription and never returns an error:
// every failure is a classified Result.
func (r *Router) Send(ctx context.Context, sub *db.DeviceSubscription, payload *Payload) Result {
	sender := r.Select(sub.Endpoint)
	if sender == nil {
		r.logger.Warn("no sender for endpoint",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("endpoint", ShortEndpoint(sub.Endpoint)),
		)
		res := failed(FailureOther, 0, ErrUnsupportedEndpoint)
		res.Provider = "none"
		metrics.RecordDelivery(res.Provider, res.Outcome(), 0)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	res := sender.Send(ctx, sub, payload)
	res.Provider = sender.Name()
	elapsed := time.Since(start)

	metrics.RecordDelivery(res.Provider, res.Outcome(), elapsed)

	if !res.Success {
		r.logger.Warn("push delivery failed",
			zap.String("provider", res.Provider),
			zap.String("subscription_id", sub.ID.String()),
			zap.String("failure", string(res.Failure)),
			zap.Int("status_code", res.StatusCode),
			zap.Duration("elapsed", elapsed),
			zap.Error(res.Err),
		)
	}
	return res
}
