package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubWakesOnlyMatchingTenant(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("tenant-a")
	b := hub.Subscribe("tenant-b")
	defer a.Close()
	defer b.Close()

	require.NoError(t, hub.Publish(context.Background(), "tenant-a"))

	select {
	case <-a.C:
	default:
		t.Fatal("expected wake-up for tenant-a")
	}
	select {
	case <-b.C:
		t.Fatal("unexpected wake-up for tenant-b")
	default:
	}
}

func TestHubCoalescesWakeUps(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("tenant-a")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		hub.Broadcast("tenant-a")
	}
	<-sub.C
	select {
	case <-sub.C:
		t.Fatal("expected pending wake-ups to coalesce")
	default:
	}
}

func TestSubscriptionClose(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("tenant-a")
	assert.Equal(t, 1, hub.Len())
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Len())
	hub.Broadcast("tenant-a")
}

func TestRedisNotifierRelays(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL is required for redis tests")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher, err := NewRedis(ctx, url, "qms:edge:test", zap.NewNop())
	require.NoError(t, err)
	defer publisher.Close()
	listener, err := NewRedis(ctx, url, "qms:edge:test", zap.NewNop())
	require.NoError(t, err)
	defer listener.Close()

	sub := listener.Subscribe("tenant-a")
	defer sub.Close()
	go func() { _ = listener.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		require.NoError(t, publisher.Publish(ctx, "tenant-a"))
		select {
		case <-sub.C:
			return
		case <-ticker.C:
		case <-deadline:
			t.Fatal("wake-up not relayed through redis")
		}
	}
}
