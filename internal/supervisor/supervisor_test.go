package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dlutsok/replyx-v2-sub001/pkg/logger"
)

type flakyService struct {
	serves atomic.Int32
}

func (s *flakyService) Serve(ctx context.Context) error {
	if s.serves.Add(1) == 1 {
		return errors.New("first run fails")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestPeriodic_RunsUntilCanceled(t *testing.T) {
	var runs atomic.Int32
	p := NewPeriodic("counter", 10*time.Millisecond, func(context.Context) { runs.Add(1) })
	assert.Equal(t, "counter", p.String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("periodic did not stop")
	}
}

func TestTree_RestartsFailedService(t *testing.T) {
	tree := NewTree(logger.NewNop(), TreeConfig{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})
	svc := &flakyService{}
	tree.AddMessagingService(svc)

	var ticks atomic.Int32
	tree.AddMaintenanceService(NewPeriodic("tick", 5*time.Millisecond, func(context.Context) { ticks.Add(1) }))

	ctx, cancel := context.WithCancel(context.Background())
	done := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool { return svc.serves.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}

	unstopped, err := tree.UnstoppedServiceReport()
	require.NoError(t, err)
	assert.Empty(t, unstopped)
}
