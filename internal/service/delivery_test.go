package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dlutsok/replyx-v2-sub001/internal/ack"
	"github.com/Dlutsok/replyx-v2-sub001/internal/admission"
	"github.com/Dlutsok/replyx-v2-sub001/internal/eventbus"
	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/internal/ratelimit"
	"github.com/Dlutsok/replyx-v2-sub001/internal/registry"
	"github.com/Dlutsok/replyx-v2-sub001/internal/replay"
	"github.com/Dlutsok/replyx-v2-sub001/internal/store"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/logger"
)

const secret = "service-test-secret"

type stack struct {
	svc     *DeliveryService
	replay  *replay.Log
	reg     *registry.Registry
	tracker *ack.Tracker
	bus     *eventbus.LocalBus
	lookups *countingLookup
	clock   *model.ManualClock
}

// countingLookup records how often the service reaches the store.
type countingLookup struct {
	store.ConversationLookup
	calls atomic.Int32
}

func (c *countingLookup) ConversationExists(ctx context.Context, conversationID string) (bool, error) {
	c.calls.Add(1)
	return c.ConversationLookup.ConversationExists(ctx, conversationID)
}

func newStack(t *testing.T, replayCapacity int, conversations ...string) *stack {
	return newLimitedStack(t, replayCapacity, 100, conversations...)
}

func newLimitedStack(t *testing.T, replayCapacity, rateLimit int, conversations ...string) *stack {
	t.Helper()
	lg := logger.NewNop()
	clock := model.NewManualClock(time.Now())

	regCfg := registry.DefaultConfig()
	regCfg.MaxPerConversation = 3
	regCfg.SendTimeout = 50 * time.Millisecond
	reg := registry.New(regCfg, clock, lg)

	log := replay.New(replayCapacity, nil)
	tracker := ack.NewTracker(ack.DefaultConfig(), nil, nil, lg)
	dispatcher := registry.NewDispatcher(reg, tracker, lg)
	tracker.SetRedeliverer(dispatcher)
	reg.OnClose(func(info model.ConnectionInfo, _ model.CloseReason) {
		tracker.DropConnection(info.ID)
	})

	bus := eventbus.NewLocalBus()
	bridge := eventbus.NewBridge(eventbus.BridgeConfig{Workers: 4}, bus, log, dispatcher, lg)
	publisher := eventbus.NewPublisher(bus, eventbus.DefaultBreakerConfig(), nil, lg)
	publisher.SetFallback(bridge.Ingest)

	ctrl := admission.NewController(
		ratelimit.New(rateLimit, time.Minute, nil),
		admission.NewHMACVerifier(secret, nil),
		reg,
		nil,
		nil,
		lg,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = bridge.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, bridge.Connected, 2*time.Second, 5*time.Millisecond)

	lookups := &countingLookup{ConversationLookup: store.NewMemoryStore(conversations...)}
	svc := NewDeliveryService(lookups, ctrl, reg, log, tracker, publisher, lg)
	return &stack{svc: svc, replay: log, reg: reg, tracker: tracker, bus: bus, lookups: lookups, clock: clock}
}

func (s *stack) request(t *testing.T, conv string, lastSeen *uint64) SubscribeRequest {
	t.Helper()
	tok, err := admission.IssueToken(secret, admission.Capability{
		ConversationID: conv,
		AllowedOrigins: []string{"example.com"},
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return SubscribeRequest{
		Request: admission.Request{
			RemoteIP:       "192.0.2.10",
			Origin:         "https://www.example.com",
			Token:          tok,
			ConversationID: conv,
		},
		LastSeenEventID: lastSeen,
	}
}

func (s *stack) publishN(t *testing.T, conv string, n int) {
	t.Helper()
	start := s.replay.LastID(conv)
	for i := 0; i < n; i++ {
		require.NoError(t, s.svc.Publish(context.Background(), conv, model.EventTypeMessage, []byte(`{"text":"hi"}`), false))
	}
	require.Eventually(t, func() bool {
		return s.replay.LastID(conv) == start+uint64(n)
	}, 2*time.Second, 5*time.Millisecond)
}

func receive(t *testing.T, sub *Subscription, n int) []uint64 {
	t.Helper()
	var got []uint64
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case ev := <-sub.Events():
			if sub.Accept(ev) {
				got = append(got, ev.ID)
			}
		case <-timeout:
			t.Fatalf("received %d of %d events", len(got), n)
		}
	}
	return got
}

func eventIDs(events []model.Event) []uint64 {
	out := make([]uint64, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func u64(v uint64) *uint64 { return &v }

func TestSubscribe_LiveEventsInOrder(t *testing.T) {
	s := newStack(t, 1000, "42")

	sub, err := s.svc.Subscribe(context.Background(), s.request(t, "42", nil))
	require.NoError(t, err)
	assert.False(t, sub.Resumed())
	assert.Empty(t, sub.Backlog())

	s.publishN(t, "42", 5)

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, receive(t, sub, 5))
}

func TestSubscribe_NoBacklogWithoutLastSeen(t *testing.T) {
	s := newStack(t, 1000, "42")
	s.publishN(t, "42", 3)

	sub, err := s.svc.Subscribe(context.Background(), s.request(t, "42", nil))
	require.NoError(t, err)
	assert.False(t, sub.Resumed())
	assert.Empty(t, sub.Backlog(), "retained events are only served on request")

	s.publishN(t, "42", 1)
	assert.Equal(t, []uint64{4}, receive(t, sub, 1))
}

func TestSubscribe_CatchUpFromLastSeen(t *testing.T) {
	s := newStack(t, 1000, "42")
	s.publishN(t, "42", 5)

	sub, err := s.svc.Subscribe(context.Background(), s.request(t, "42", u64(1)))
	require.NoError(t, err)

	assert.Equal(t, []uint64{2, 3, 4, 5}, eventIDs(sub.Backlog()))
	assert.False(t, sub.Truncated())
	assert.Equal(t, model.ReplayCompleteEvent{LastEventID: 5, EventCount: 4, Truncated: false}, sub.ReplayComplete())

	s.publishN(t, "42", 1)
	assert.Equal(t, []uint64{6}, receive(t, sub, 1))
}

func TestSubscribe_TruncatedBacklog(t *testing.T) {
	s := newStack(t, 2, "7")
	s.publishN(t, "7", 3)

	sub, err := s.svc.Subscribe(context.Background(), s.request(t, "7", u64(0)))
	require.NoError(t, err)

	assert.Equal(t, []uint64{2, 3}, eventIDs(sub.Backlog()))
	assert.True(t, sub.Truncated())
	assert.True(t, sub.ReplayComplete().Truncated)
}

func TestSubscribe_LastSeenAheadOfLog(t *testing.T) {
	s := newStack(t, 100, "42")
	s.publishN(t, "42", 2)

	sub, err := s.svc.Subscribe(context.Background(), s.request(t, "42", u64(50)))
	require.NoError(t, err)

	assert.Empty(t, sub.Backlog())
	assert.True(t, sub.Truncated(), "ids from before a restart force a resync")
	assert.Equal(t, uint64(2), sub.ReplayComplete().LastEventID)
}

func TestSubscribe_UnknownConversation(t *testing.T) {
	s := newStack(t, 100, "42")

	_, err := s.svc.Subscribe(context.Background(), s.request(t, "99", nil))

	assert.ErrorIs(t, err, model.ErrConversationNotFound)
	assert.Zero(t, s.reg.Len())
	assert.Equal(t, int32(1), s.lookups.calls.Load())
}

func TestSubscribe_AdmissionRunsBeforeLookup(t *testing.T) {
	s := newLimitedStack(t, 100, 1, "42")
	_, err := s.svc.Subscribe(context.Background(), s.request(t, "42", nil))
	require.NoError(t, err)
	require.Equal(t, int32(1), s.lookups.calls.Load())

	tokenless := s.request(t, "unknown-conv", nil)
	tokenless.Token = ""
	for i := 0; i < 10; i++ {
		_, err := s.svc.Subscribe(context.Background(), tokenless)
		require.ErrorIs(t, err, model.ErrRateLimited)
	}
	assert.Equal(t, int32(1), s.lookups.calls.Load(), "rejected callers never reach the store")
}

func TestSubscribe_UnauthenticatedUnknownConversation(t *testing.T) {
	s := newStack(t, 100, "42")
	req := s.request(t, "unknown-conv", nil)
	req.Token = ""

	_, err := s.svc.Subscribe(context.Background(), req)

	assert.ErrorIs(t, err, model.ErrAuthFailed, "existence is not revealed before the token is checked")
	assert.Zero(t, s.lookups.calls.Load())
}

func TestSubscribe_AdmissionRejection(t *testing.T) {
	s := newStack(t, 100, "42")
	req := s.request(t, "42", nil)
	req.Origin = "https://evil.com"

	_, err := s.svc.Subscribe(context.Background(), req)

	assert.ErrorIs(t, err, model.ErrForbiddenDomain)
	assert.Zero(t, s.reg.Len())
}

func TestSubscribe_CapacityExceeded(t *testing.T) {
	s := newStack(t, 100, "42")
	for i := 0; i < 3; i++ {
		_, err := s.svc.Subscribe(context.Background(), s.request(t, "42", nil))
		require.NoError(t, err)
	}

	_, err := s.svc.Subscribe(context.Background(), s.request(t, "42", nil))

	require.ErrorIs(t, err, model.ErrCapacityExceeded)
	aerr, ok := admission.AsError(err)
	require.True(t, ok)
	assert.Equal(t, admission.CodeCapacityExceeded, aerr.Code)
}

func TestAcknowledge(t *testing.T) {
	s := newStack(t, 100, "42")
	a, err := s.svc.Subscribe(context.Background(), s.request(t, "42", nil))
	require.NoError(t, err)
	b, err := s.svc.Subscribe(context.Background(), s.request(t, "42", nil))
	require.NoError(t, err)

	require.NoError(t, s.svc.Publish(context.Background(), "42", model.EventTypeHandoffRequested, nil, true))
	require.Equal(t, []uint64{1}, receive(t, a, 1))
	require.Equal(t, []uint64{1}, receive(t, b, 1))

	msg := model.Event{ConversationID: "42", ID: 1}.MessageID()
	assert.Equal(t, 2, s.tracker.Len())
	assert.True(t, a.Ack(msg))
	assert.True(t, a.Ack(msg), "repeat ack is accepted")
	assert.False(t, s.svc.Acknowledge("stranger", msg))
	assert.Equal(t, 1, s.tracker.Len())

	b.Close(model.CloseClientGone)
	assert.Zero(t, s.tracker.Len(), "closing drops pending acks")
}

func TestAcknowledge_RejectedAckIsNotLiveness(t *testing.T) {
	s := newStack(t, 100, "42")
	sub, err := s.svc.Subscribe(context.Background(), s.request(t, "42", nil))
	require.NoError(t, err)
	require.NoError(t, s.svc.Publish(context.Background(), "42", model.EventTypeMessage, nil, true))
	require.Equal(t, []uint64{1}, receive(t, sub, 1))

	conn, ok := s.reg.Get(sub.ID())
	require.True(t, ok)
	registeredAt := conn.Info().LastHeartbeatAt.UnixNano()

	s.clock.Advance(time.Second)
	assert.False(t, sub.Ack("42:999"))
	assert.Equal(t, registeredAt, conn.Info().LastHeartbeatAt.UnixNano())

	s.clock.Advance(time.Second)
	assert.True(t, sub.Ack(model.Event{ConversationID: "42", ID: 1}.MessageID()))
	assert.Equal(t, registeredAt+int64(2*time.Second), conn.Info().LastHeartbeatAt.UnixNano())
}

func TestPublish_RejectsUnknownType(t *testing.T) {
	s := newStack(t, 100, "42")
	err := s.svc.Publish(context.Background(), "42", "nonsense", nil, false)
	assert.ErrorIs(t, err, model.ErrInvalidEvent)
}

func TestPublish_BusOutageStillDelivers(t *testing.T) {
	s := newStack(t, 100, "42")
	sub, err := s.svc.Subscribe(context.Background(), s.request(t, "42", nil))
	require.NoError(t, err)

	s.bus.Disconnect()
	require.NoError(t, s.svc.Publish(context.Background(), "42", model.EventTypeMessage, nil, false))

	assert.Equal(t, []uint64{1}, receive(t, sub, 1))
}

func TestHeartbeatAndClose(t *testing.T) {
	s := newStack(t, 100, "42")
	sub, err := s.svc.Subscribe(context.Background(), s.request(t, "42", nil))
	require.NoError(t, err)

	assert.NoError(t, sub.Heartbeat())
	sub.Close(model.CloseClientGone)
	sub.Close(model.CloseClientGone)

	assert.ErrorIs(t, sub.Heartbeat(), model.ErrConnectionClosed)
	assert.Equal(t, model.CloseClientGone, sub.CloseReason())
	select {
	case <-sub.Done():
	default:
		t.Fatal("Done must be closed")
	}
	assert.Equal(t, 30*time.Second, s.svc.HeartbeatInterval())
}
