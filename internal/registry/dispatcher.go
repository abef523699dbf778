package registry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/logger"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/metrics"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/tracing"
)

// DeliveryTracker records ack-requiring deliveries.
type DeliveryTracker interface {
	TrackDelivery(messageID, connectionID string, event model.Event)
	Forget(messageID, connectionID string)
}

// DispatchResult reports the outcome of one fan-out.
type DispatchResult struct {
	Delivered int
	Failed    int
}

// Dispatcher fans events out to every Active connection of a conversation.
// Failures are isolated to the failing connection.
type Dispatcher struct {
	registry *Registry
	tracker  DeliveryTracker
	tracer   trace.Tracer
	logger   *logger.Logger
}

// NewDispatcher creates a dispatcher. tracker may be nil when no event
// requires acknowledgement.
func NewDispatcher(registry *Registry, tracker DeliveryTracker, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		tracker:  tracker,
		tracer:   tracing.Tracer(),
		logger:   log.Component("dispatcher"),
	}
}

// Dispatch delivers event to all connections that are Active now. Buffers
// with room are filled first; only connections with a full buffer are waited
// on, in parallel, each for at most the send timeout. Dispatch returns after
// every target has been resolved so per-connection order follows call order.
func (d *Dispatcher) Dispatch(ctx context.Context, event model.Event) DispatchResult {
	_, span := d.tracer.Start(ctx, "registry.Dispatch", trace.WithAttributes(
		attribute.String("conversation_id", event.ConversationID),
		attribute.Int64("event_id", int64(event.ID)),
		attribute.String("event_type", string(event.Type)),
	))
	defer span.End()

	start := time.Now()
	defer func() { metrics.DispatchDuration.Observe(time.Since(start).Seconds()) }()
	metrics.EventsDispatched.WithLabelValues(string(event.Type)).Inc()

	targets := d.registry.Connections(event.ConversationID, model.StateActive)
	if len(targets) == 0 {
		return DispatchResult{}
	}

	var res DispatchResult
	var slow []*Connection
	for _, conn := range targets {
		d.track(event, conn)
		switch err := conn.enqueue(event, 0); err {
		case nil:
			res.Delivered++
		case model.ErrDeliveryFailed:
			slow = append(slow, conn)
		default:
			d.fail(event, conn, err)
			res.Failed++
		}
	}

	if len(slow) > 0 {
		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		timeout := d.registry.cfg.SendTimeout
		for _, conn := range slow {
			wg.Add(1)
			go func(conn *Connection) {
				defer wg.Done()
				err := conn.enqueue(event, timeout)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					d.fail(event, conn, err)
					res.Failed++
					return
				}
				res.Delivered++
			}(conn)
		}
		wg.Wait()
	}

	span.SetAttributes(
		attribute.Int("delivered", res.Delivered),
		attribute.Int("failed", res.Failed),
	)
	return res
}

// DeliverTo sends event to a single connection, used for redelivery of
// unacknowledged events. The connection must still be Active.
func (d *Dispatcher) DeliverTo(connectionID string, event model.Event) error {
	conn, ok := d.registry.Get(connectionID)
	if !ok || conn.State() != model.StateActive {
		return model.ErrConnectionClosed
	}
	if err := conn.enqueue(event, d.registry.cfg.SendTimeout); err != nil {
		d.registry.MarkFailed(conn, err)
		return err
	}
	return nil
}

// track registers the pending ack before the send so a fast client ack
// cannot arrive ahead of the tracker entry.
func (d *Dispatcher) track(event model.Event, conn *Connection) {
	if event.RequiresAck && d.tracker != nil {
		d.tracker.TrackDelivery(event.MessageID(), conn.id, event)
	}
}

func (d *Dispatcher) fail(event model.Event, conn *Connection, err error) {
	if event.RequiresAck && d.tracker != nil {
		d.tracker.Forget(event.MessageID(), conn.id)
	}
	d.registry.MarkFailed(conn, err)
}
