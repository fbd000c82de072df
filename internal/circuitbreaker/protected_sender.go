package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dstarikov/pushgate/internal/worker"
)

// ProtectedSender wraps a relay Sender with a CircuitBreaker. While the
// underlying transport is down, sends fail fast with ErrCircuitOpen, which
// the job queue treats like any other transport failure (backoff + retry).
type ProtectedSender struct {
	sender  worker.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender worker.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts the send through the breaker.
func (p *ProtectedSender) Send(ctx context.Context, payload worker.RelayPayload) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("channel", payload.Channel),
		)
		return fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, payload)
	if err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}
