package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/internal/registry"
	"github.com/Dlutsok/replyx-v2-sub001/internal/replay"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/logger"
)

// recordingDispatcher checks that every dispatched event is already in the log.
type recordingDispatcher struct {
	log *replay.Log

	mu       sync.Mutex
	events   map[string][]model.Event
	unlogged int
}

func newRecordingDispatcher(log *replay.Log) *recordingDispatcher {
	return &recordingDispatcher{log: log, events: map[string][]model.Event{}}
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev model.Event) registry.DispatchResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.log.LastID(ev.ConversationID) < ev.ID {
		d.unlogged++
	}
	d.events[ev.ConversationID] = append(d.events[ev.ConversationID], ev)
	return registry.DispatchResult{Delivered: 1}
}

func (d *recordingDispatcher) count(conv string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events[conv])
}

func (d *recordingDispatcher) ids(conv string) []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint64, 0, len(d.events[conv]))
	for _, ev := range d.events[conv] {
		out = append(out, ev.ID)
	}
	return out
}

func startBridge(t *testing.T, bus *LocalBus, cfg BridgeConfig) (*Bridge, *replay.Log, *recordingDispatcher) {
	t.Helper()
	log := replay.New(100, nil)
	dispatcher := newRecordingDispatcher(log)
	b := NewBridge(cfg, bus, log, dispatcher, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("bridge did not stop")
		}
	})

	require.Eventually(t, b.Connected, 2*time.Second, 5*time.Millisecond)
	return b, log, dispatcher
}

func publishRaw(t *testing.T, bus *LocalBus, conv string, typ model.EventType) {
	t.Helper()
	data, err := Encode(BusMessage{ConversationID: conv, Type: typ, PublishedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), Subject(conv), data))
}

func TestBridge_AppendsThenDispatches(t *testing.T) {
	bus := NewLocalBus()
	_, log, dispatcher := startBridge(t, bus, BridgeConfig{Workers: 4})

	for i := 0; i < 20; i++ {
		publishRaw(t, bus, "42", model.EventTypeMessage)
		publishRaw(t, bus, "43", model.EventTypeTypingStart)
	}

	require.Eventually(t, func() bool {
		return dispatcher.count("42") == 20 && dispatcher.count("43") == 20
	}, 2*time.Second, 5*time.Millisecond)

	for _, conv := range []string{"42", "43"} {
		got := dispatcher.ids(conv)
		for i, id := range got {
			assert.Equal(t, uint64(i+1), id, "conversation %s out of order", conv)
		}
		assert.Equal(t, uint64(20), log.LastID(conv))
	}
	assert.Zero(t, dispatcher.unlogged)
}

func TestBridge_DropsMalformed(t *testing.T) {
	bus := NewLocalBus()
	_, log, dispatcher := startBridge(t, bus, BridgeConfig{Workers: 1})

	require.NoError(t, bus.Publish(context.Background(), "conversation.42", []byte("not json")))
	require.NoError(t, bus.Publish(context.Background(), "conversation.42", []byte(`{"type":"bogus"}`)))
	publishRaw(t, bus, "42", model.EventTypeMessage)

	require.Eventually(t, func() bool { return dispatcher.count("42") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), log.LastID("42"), "malformed messages consume no ids")
}

func TestBridge_ResubscribesAfterOutage(t *testing.T) {
	bus := NewLocalBus()
	b, _, dispatcher := startBridge(t, bus, BridgeConfig{Workers: 2, BackoffMax: 50 * time.Millisecond})

	publishRaw(t, bus, "42", model.EventTypeMessage)
	require.Eventually(t, func() bool { return dispatcher.count("42") == 1 }, 2*time.Second, 5*time.Millisecond)

	bus.Disconnect()
	require.Eventually(t, func() bool { return !b.Connected() }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, bus.Subscribers())

	time.Sleep(100 * time.Millisecond)
	bus.Reconnect()
	require.Eventually(t, b.Connected, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, bus.Subscribers())

	publishRaw(t, bus, "42", model.EventTypeMessage)
	require.Eventually(t, func() bool { return dispatcher.count("42") == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 2}, dispatcher.ids("42"))
}

func TestBridge_IngestFallback(t *testing.T) {
	bus := NewLocalBus()
	b, _, dispatcher := startBridge(t, bus, BridgeConfig{Workers: 2})

	bus.Disconnect()
	p := NewPublisher(bus, DefaultBreakerConfig(), nil, logger.NewNop())
	p.SetFallback(b.Ingest)

	require.NoError(t, p.Publish(context.Background(), "42", model.EventTypeSystem, []byte(`{"notice":"x"}`), false))

	require.Eventually(t, func() bool { return dispatcher.count("42") == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestLaneIndexIsStable(t *testing.T) {
	for _, conv := range []string{"1", "42", "abc-def"} {
		first := laneIndex(conv, 16)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, laneIndex(conv, 16))
		}
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 16)
	}
}
