package eventbus

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/logger"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/metrics"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/tracing"
)

// Transport sends raw bytes on a subject. Implemented by *Client and *LocalBus.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Fallback receives messages the bus could not take, so local subscribers
// still see them while the broker is down.
type Fallback func(ctx context.Context, msg BusMessage)

// BreakerConfig configures the publish circuit breaker.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
	}
}

// Publisher is the entry point for upstream producers.
type Publisher struct {
	transport Transport
	breaker   *gobreaker.CircuitBreaker[struct{}]
	fallback  Fallback
	clock     model.Clock
	tracer    trace.Tracer
	logger    *logger.Logger
}

// NewPublisher creates a publisher over transport.
func NewPublisher(transport Transport, cfg BreakerConfig, clock model.Clock, log *logger.Logger) *Publisher {
	if clock == nil {
		clock = model.SystemClock{}
	}
	p := &Publisher{
		transport: transport,
		clock:     clock,
		tracer:    tracing.Tracer(),
		logger:    log.Component("publisher"),
	}
	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "event-publish",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("publish breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return p
}

// SetFallback sets the local path used while the bus is unavailable.
func (p *Publisher) SetFallback(fb Fallback) {
	p.fallback = fb
}

// BreakerState returns the breaker state for health reporting.
func (p *Publisher) BreakerState() string {
	return p.breaker.State().String()
}

// Publish enqueues an event for a conversation and returns once the bus has
// taken it. Only invalid input is reported; bus failures are logged and the
// event is handed to the fallback.
func (p *Publisher) Publish(ctx context.Context, conversationID string, eventType model.EventType, payload []byte, requiresAck bool) error {
	ctx, span := p.tracer.Start(ctx, "eventbus.Publish", trace.WithAttributes(
		attribute.String("conversation_id", conversationID),
		attribute.String("event_type", string(eventType)),
		attribute.Bool("requires_ack", requiresAck),
	))
	defer span.End()

	msg := BusMessage{
		ConversationID: conversationID,
		Type:           eventType,
		Payload:        payload,
		RequiresAck:    requiresAck,
		PublishedAt:    p.clock.Now().UTC(),
	}
	data, err := Encode(msg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	_, err = p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.transport.Publish(ctx, Subject(conversationID), data)
	})
	if err == nil {
		return nil
	}

	level := p.logger.Warn
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		level = p.logger.Debug
	}
	level("event bus publish failed",
		zap.String("conversation_id", conversationID),
		zap.String("type", string(eventType)),
		zap.Error(err),
	)
	metrics.PublishFailures.Inc()
	span.RecordError(err)

	if p.fallback != nil {
		p.fallback(ctx, msg)
	}
	return nil
}
