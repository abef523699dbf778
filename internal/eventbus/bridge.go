package eventbus

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/internal/registry"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/logger"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/metrics"
)

// Handler receives raw bus messages.
type Handler func(subject string, data []byte)

// Subscription is a live feed subscription. Lost closes when the broker
// connection drops and the subscription must be re-established.
type Subscription interface {
	Unsubscribe() error
	Lost() <-chan struct{}
}

// Feed is the broker side of the bridge. Implemented by *Client and *LocalBus.
type Feed interface {
	Subscribe(subject string, handler Handler) (Subscription, error)
}

// Appender numbers and stores events.
type Appender interface {
	Append(conversationID string, event model.Event) model.Event
}

// Dispatcher fans an event out to live connections.
type Dispatcher interface {
	Dispatch(ctx context.Context, event model.Event) registry.DispatchResult
}

// BridgeConfig configures the bridge.
type BridgeConfig struct {
	Subject string
	// Workers is the number of ordered lanes. A conversation always maps to
	// the same lane.
	Workers   int
	QueueSize int
	// BackoffMax caps the resubscribe delay.
	BackoffMax time.Duration
	// EscalateAfter is how long the bridge may stay unsubscribed before
	// retries are logged as errors.
	EscalateAfter time.Duration
}

// DefaultBridgeConfig returns production defaults.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		Subject:       SubjectPrefix + ".*",
		Workers:       16,
		QueueSize:     256,
		BackoffMax:    30 * time.Second,
		EscalateAfter: time.Minute,
	}
}

// Bridge subscribes to the conversation event feed and forwards every event
// to the replay log, then to the dispatcher. Events of one conversation are
// handled in arrival order; different conversations proceed in parallel.
type Bridge struct {
	cfg        BridgeConfig
	feed       Feed
	log        Appender
	dispatcher Dispatcher
	logger     *logger.Logger

	lanes     []chan BusMessage
	connected atomic.Bool
	newBackoff func() backoff.BackOff
}

// NewBridge creates a bridge.
func NewBridge(cfg BridgeConfig, feed Feed, log Appender, dispatcher Dispatcher, lg *logger.Logger) *Bridge {
	def := DefaultBridgeConfig()
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = def.EscalateAfter
	}
	b := &Bridge{
		cfg:        cfg,
		feed:       feed,
		log:        log,
		dispatcher: dispatcher,
		logger:     lg.Component("bridge"),
		lanes:      make([]chan BusMessage, cfg.Workers),
	}
	for i := range b.lanes {
		b.lanes[i] = make(chan BusMessage, cfg.QueueSize)
	}
	b.newBackoff = func() backoff.BackOff {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 200 * time.Millisecond
		eb.MaxInterval = cfg.BackoffMax
		eb.MaxElapsedTime = 0
		return eb
	}
	return b
}

// Connected reports whether the bridge currently holds a subscription.
func (b *Bridge) Connected() bool {
	return b.connected.Load()
}

// String implements fmt.Stringer for the supervisor.
func (b *Bridge) String() string {
	return "event-bus-bridge"
}

// Serve runs the bridge until ctx is canceled. It implements suture.Service.
func (b *Bridge) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, lane := range b.lanes {
		wg.Add(1)
		go func(lane chan BusMessage) {
			defer wg.Done()
			b.runLane(ctx, lane)
		}(lane)
	}
	defer wg.Wait()

	bo := b.newBackoff()
	var downSince time.Time
	attempt := 0

	for {
		sub, err := b.feed.Subscribe(b.cfg.Subject, b.handle(ctx))
		if err != nil {
			if downSince.IsZero() {
				downSince = time.Now()
			}
			attempt++
			metrics.BridgeReconnects.Inc()
			wait := bo.NextBackOff()
			b.logRetry(attempt, time.Since(downSince), wait, err)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		if attempt > 0 {
			b.logger.Info("event bus subscription restored",
				zap.Int("attempts", attempt),
				zap.Duration("downtime", time.Since(downSince)),
			)
		} else {
			b.logger.Info("event bus subscription established", zap.String("subject", b.cfg.Subject))
		}
		bo.Reset()
		attempt = 0
		downSince = time.Time{}
		b.setConnected(true)

		select {
		case <-ctx.Done():
			b.setConnected(false)
			if err := sub.Unsubscribe(); err != nil {
				b.logger.Debug("unsubscribe failed", zap.Error(err))
			}
			return ctx.Err()
		case <-sub.Lost():
			b.setConnected(false)
			downSince = time.Now()
			b.logger.Warn("event bus subscription lost, live fan-out paused")
			_ = sub.Unsubscribe()
		}
	}
}

func (b *Bridge) logRetry(attempt int, down, wait time.Duration, err error) {
	fields := []zap.Field{
		zap.Int("attempt", attempt),
		zap.Duration("down_for", down),
		zap.Duration("next_retry", wait),
		zap.Error(err),
	}
	if down >= b.cfg.EscalateAfter {
		b.logger.Error("event bus still unavailable, live fan-out paused", fields...)
		return
	}
	b.logger.Warn("event bus subscribe failed, retrying", fields...)
}

func (b *Bridge) setConnected(v bool) {
	b.connected.Store(v)
	if v {
		metrics.BridgeConnected.Set(1)
	} else {
		metrics.BridgeConnected.Set(0)
	}
}

// handle decodes a raw message and queues it on its conversation's lane.
func (b *Bridge) handle(ctx context.Context) Handler {
	return func(subject string, data []byte) {
		msg, err := Decode(subject, data)
		if err != nil {
			metrics.BridgeDropped.Inc()
			b.logger.Warn("dropping malformed bus message",
				zap.String("subject", subject),
				zap.Error(err),
			)
			return
		}
		b.enqueue(ctx, msg)
	}
}

// Ingest feeds a message into the bridge without going through the broker.
// Used as the publisher fallback while the bus is down.
func (b *Bridge) Ingest(ctx context.Context, msg BusMessage) {
	if err := msg.Validate(); err != nil {
		b.logger.Warn("dropping invalid local message", zap.Error(err))
		return
	}
	b.enqueue(ctx, msg)
}

func (b *Bridge) enqueue(ctx context.Context, msg BusMessage) {
	lane := b.lanes[laneIndex(msg.ConversationID, len(b.lanes))]
	select {
	case lane <- msg:
	case <-ctx.Done():
	}
}

func (b *Bridge) runLane(ctx context.Context, lane chan BusMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-lane:
			b.forward(ctx, msg)
		}
	}
}

// forward appends before dispatching; subscribers that register and then read
// the log rely on that order.
func (b *Bridge) forward(ctx context.Context, msg BusMessage) {
	ev := b.log.Append(msg.ConversationID, msg.Event())
	res := b.dispatcher.Dispatch(ctx, ev)
	if res.Failed > 0 {
		b.logger.Debug("dispatch had failures",
			zap.String("conversation_id", ev.ConversationID),
			zap.Uint64("event_id", ev.ID),
			zap.Int("failed", res.Failed),
		)
	}
}

func laneIndex(conversationID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return int(h.Sum32() % uint32(n))
}
