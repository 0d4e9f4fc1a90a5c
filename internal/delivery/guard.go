package delivery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/propush/internal/circuitbreaker"
	"github.com/lalithlochan/propush/internal/db"
	"github.com/lalithlochan/propush/internal/metrics"
)

// ProtectedSender skips provider hosts whose breaker is open. An expired result
// counts as a healthy provider: the host answered, the device is gone.
type ProtectedSender struct {
	next     Sender
	breakers *circuitbreaker.Set
	logger   *zap.Logger
}

// NewProtectedSender wraps next with the per-host breakers in set.
func NewProtectedSender(next Sender, set *circuitbreaker.Set, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{next: next, breakers: set, logger: logger}
}

func (p *ProtectedSender) Name() string { return p.next.Name() }

func (p *ProtectedSender) Supports(endpoint string) bool { return p.next.Supports(endpoint) }

func (p *ProtectedSender) Send(ctx context.Context, sub *db.DeviceSubscription, payload *Payload) Result {
	host := EndpointHost(sub.Endpoint)
	cb := p.breakers.For(host)

	if !cb.Allow() {
		p.logger.Debug("provider breaker open, skipping delivery",
			zap.String("host", host),
			zap.String("subscription_id", sub.ID.String()),
		)
		return failed(FailureOther, 0, fmt.Errorf("%s: %w", host, circuitbreaker.ErrCircuitOpen))
	}

	res := p.next.Send(ctx, sub, payload)
	if res.Success || res.Failure == FailureExpired {
		cb.RecordSuccess()
	} else {
		cb.RecordFailure()
	}
	metrics.SetBreakerState(host, int(cb.GetState()))
	return res
}
