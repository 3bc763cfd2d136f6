package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
)

// ProtectedTransport wraps a channel.Transport with a CircuitBreaker. While the
// circuit is open, Send fails fast with ErrCircuitOpen and the provider is not called.
type ProtectedTransport struct {
	transport channel.Transport
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

// NewProtectedTransport wraps transport with breaker.
func NewProtectedTransport(transport channel.Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		transport: transport,
		breaker:   breaker,
		logger:    logger,
	}
}

func (p *ProtectedTransport) Name() string {
	return p.transport.Name()
}

func (p *ProtectedTransport) Send(ctx context.Context, msg channel.EmailMessage) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("reference", msg.Reference),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	id, err := p.transport.Send(ctx, msg)
	if err != nil {
		p.breaker.RecordFailure()
		return "", err
	}

	p.breaker.RecordSuccess()
	return id, nil
}

// Breaker returns the underlying circuit breaker.
func (p *ProtectedTransport) Breaker() *CircuitBreaker {
	return p.breaker
}
