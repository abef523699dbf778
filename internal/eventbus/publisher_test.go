package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/logger"
)

type fallbackRecorder struct {
	mu   sync.Mutex
	msgs []BusMessage
}

func (f *fallbackRecorder) record(_ context.Context, msg BusMessage) {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
}

func (f *fallbackRecorder) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type failingTransport struct {
	calls int
}

func (f *failingTransport) Publish(context.Context, string, []byte) error {
	f.calls++
	return errors.New("broker timeout")
}

func TestPublish_DeliversToSubscribers(t *testing.T) {
	bus := NewLocalBus()
	var got []BusMessage
	_, err := bus.Subscribe("conversation.*", func(subject string, data []byte) {
		msg, err := Decode(subject, data)
		require.NoError(t, err)
		got = append(got, msg)
	})
	require.NoError(t, err)

	clock := model.NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	p := NewPublisher(bus, DefaultBreakerConfig(), clock, logger.NewNop())
	fb := &fallbackRecorder{}
	p.SetFallback(fb.record)

	err = p.Publish(context.Background(), "42", model.EventTypeMessage, []byte(`{"text":"hi"}`), true)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "42", got[0].ConversationID)
	assert.True(t, got[0].RequiresAck)
	assert.True(t, clock.Now().Equal(got[0].PublishedAt))
	assert.Zero(t, fb.len())
}

func TestPublish_InvalidInput(t *testing.T) {
	p := NewPublisher(NewLocalBus(), DefaultBreakerConfig(), nil, logger.NewNop())
	fb := &fallbackRecorder{}
	p.SetFallback(fb.record)

	err := p.Publish(context.Background(), "42", "nonsense", nil, false)
	assert.ErrorIs(t, err, model.ErrInvalidEvent)

	err = p.Publish(context.Background(), "bad.id", model.EventTypeMessage, nil, false)
	assert.ErrorIs(t, err, model.ErrInvalidEvent)

	assert.Zero(t, fb.len())
}

func TestPublish_BusDownFallsBack(t *testing.T) {
	bus := NewLocalBus()
	bus.Disconnect()
	p := NewPublisher(bus, DefaultBreakerConfig(), nil, logger.NewNop())
	fb := &fallbackRecorder{}
	p.SetFallback(fb.record)

	err := p.Publish(context.Background(), "42", model.EventTypeTypingStart, nil, false)

	assert.NoError(t, err, "upstream failures are not surfaced to producers")
	require.Equal(t, 1, fb.len())
	assert.Equal(t, model.EventTypeTypingStart, fb.msgs[0].Type)
}

func TestPublish_BreakerOpens(t *testing.T) {
	transport := &failingTransport{}
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	p := NewPublisher(transport, cfg, nil, logger.NewNop())
	fb := &fallbackRecorder{}
	p.SetFallback(fb.record)

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Publish(context.Background(), "42", model.EventTypeMessage, nil, false))
	}

	assert.Equal(t, 3, transport.calls, "open breaker stops calling the broker")
	assert.Equal(t, "open", p.BreakerState())
	assert.Equal(t, 10, fb.len())
}
