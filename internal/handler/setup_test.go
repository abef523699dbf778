package handler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/Dlutsok/replyx-v2-sub001/internal/ack"
	"github.com/Dlutsok/replyx-v2-sub001/internal/admission"
	"github.com/Dlutsok/replyx-v2-sub001/internal/eventbus"
	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/internal/ratelimit"
	"github.com/Dlutsok/replyx-v2-sub001/internal/registry"
	"github.com/Dlutsok/replyx-v2-sub001/internal/replay"
	"github.com/Dlutsok/replyx-v2-sub001/internal/service"
	"github.com/Dlutsok/replyx-v2-sub001/internal/store"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/logger"
)

const testSecret = "handler-test-secret"

type testEnv struct {
	delivery *service.DeliveryService
	replay   *replay.Log
	reg      *registry.Registry
	tracker  *ack.Tracker
	bus      *eventbus.LocalBus
	bridge   *eventbus.Bridge
	router   http.Handler
}

type envOptions struct {
	rateLimit  int
	maxPerConv int
	heartbeat  time.Duration
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	if opts.rateLimit == 0 {
		opts.rateLimit = 100
	}
	if opts.maxPerConv == 0 {
		opts.maxPerConv = 10
	}
	lg := logger.NewNop()

	regCfg := registry.DefaultConfig()
	regCfg.MaxPerConversation = opts.maxPerConv
	if opts.heartbeat > 0 {
		regCfg.HeartbeatInterval = opts.heartbeat
	}
	reg := registry.New(regCfg, nil, lg)
	log := replay.New(100, nil)
	tracker := ack.NewTracker(ack.DefaultConfig(), nil, nil, lg)
	dispatcher := registry.NewDispatcher(reg, tracker, lg)
	tracker.SetRedeliverer(dispatcher)

	bus := eventbus.NewLocalBus()
	bridge := eventbus.NewBridge(eventbus.BridgeConfig{Workers: 2}, bus, log, dispatcher, lg)
	publisher := eventbus.NewPublisher(bus, eventbus.DefaultBreakerConfig(), nil, lg)
	publisher.SetFallback(bridge.Ingest)

	ctrl := admission.NewController(
		ratelimit.New(opts.rateLimit, time.Minute, nil),
		admission.NewHMACVerifier(testSecret, nil),
		reg, nil, nil, lg,
	)
	delivery := service.NewDeliveryService(store.NewMemoryStore("42", "43"), ctrl, reg, log, tracker, publisher, lg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = bridge.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		reg.CloseAll(model.CloseShutdown)
		cancel()
		<-done
	})
	require.Eventually(t, bridge.Connected, 2*time.Second, 5*time.Millisecond)

	stream := NewStreamHandler(delivery, lg)
	socket := NewSocketHandler(delivery, lg)
	publish := NewPublishHandler(delivery, lg)
	acks := NewAckHandler(delivery)
	health := NewHealthHandler(bus, bridge, nil)

	r := chi.NewRouter()
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Get("/v1/conversations/{id}/events", stream.Stream)
	r.Get("/v1/conversations/{id}/ws", socket.Socket)
	r.Post("/v1/connections/{connID}/ack", acks.Ack)
	r.Post("/v1/connections/{connID}/heartbeat", acks.Heartbeat)
	r.Post("/internal/v1/conversations/{id}/events", publish.Publish)

	return &testEnv{
		delivery: delivery,
		replay:   log,
		reg:      reg,
		tracker:  tracker,
		bus:      bus,
		bridge:   bridge,
		router:   r,
	}
}

func (e *testEnv) token(t *testing.T, conv string) string {
	t.Helper()
	tok, err := admission.IssueToken(testSecret, admission.Capability{
		ConversationID: conv,
		AllowedOrigins: []string{"example.com"},
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return tok
}

func (e *testEnv) subscribeRequest(t *testing.T, conv string) service.SubscribeRequest {
	return service.SubscribeRequest{Request: admission.Request{
		RemoteIP:       "192.0.2.50",
		Origin:         "https://example.com",
		Token:          e.token(t, conv),
		ConversationID: conv,
	}}
}
