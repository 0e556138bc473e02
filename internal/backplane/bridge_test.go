package backplane

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/irep/realtime_gateway/internal/apperr"
	"github.com/irep/realtime_gateway/internal/registry"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type recordingTarget struct {
	mu   sync.Mutex
	msgs []registry.Message
}

func (r *recordingTarget) Broadcast(msg registry.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return 1
}

func (r *recordingTarget) snapshot() []registry.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]registry.Message(nil), r.msgs...)
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(old) })
	return &buf
}

func fastOptions() Options {
	return Options{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		StartupRetries: 3,
	}
}

// startBridge runs a bridge against a fresh miniredis and waits for the
// pattern subscription.
func startBridge(t *testing.T) (*miniredis.Miniredis, *redis.Client, *Bridge, *recordingTarget) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	target := &recordingTarget{}
	bridge := NewBridge(client, target, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run() did not stop after cancel")
		}
	})

	require.NoError(t, bridge.Connect(ctx))
	select {
	case <-bridge.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("bridge never subscribed")
	}
	require.True(t, bridge.Connected())
	return mr, client, bridge, target
}

func TestBridgeRoutesByChannelTenant(t *testing.T) {
	_, client, _, target := startBridge(t)
	ctx := context.Background()

	body := `{"event":"task_updated","data":{"name":"Fix leak","status":"done","progress":100},"timestamp":"2024-01-01T00:00:00Z"}`
	require.NoError(t, client.Publish(ctx, "tenant:550e8400-e29b-41d4-a716-446655440000:updates", body).Err())

	require.Eventually(t, func() bool { return len(target.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := target.snapshot()[0]
	require.Equal(t, "550e8400-e29b-41d4-a716-446655440000", got.Tenant)
	require.Equal(t, body, string(got.Body), "body must be forwarded verbatim")
	require.False(t, got.ReceivedAt.IsZero())
}

func TestBridgeDropsMalformedAndKeepsRunning(t *testing.T) {
	logs := captureLogs(t)
	_, client, _, target := startBridge(t)
	ctx := context.Background()

	// Matches the pattern but has four segments.
	require.NoError(t, client.Publish(ctx, "tenant:a:b:updates", `{"event":"x"}`).Err())
	// Valid channel, invalid JSON body.
	require.NoError(t, client.Publish(ctx, "tenant:abc-123:updates", `not json`).Err())
	require.NoError(t, client.Publish(ctx, "tenant:abc-123:updates", `{"event":"ok"}`).Err())

	require.Eventually(t, func() bool { return len(target.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "abc-123", target.snapshot()[0].Tenant)
	require.Contains(t, logs.String(), apperr.CodeMalformedChannel)
	require.Contains(t, logs.String(), apperr.CodeMalformedEnvelope)
}

func TestBridgePreservesPublishOrder(t *testing.T) {
	_, client, _, target := startBridge(t)
	ctx := context.Background()

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, client.Publish(ctx, "tenant:t1:updates", fmt.Sprintf(`{"seq":%d}`, i)).Err())
	}
	require.Eventually(t, func() bool { return len(target.snapshot()) == n }, 5*time.Second, 10*time.Millisecond)
	for i, msg := range target.snapshot() {
		require.Equal(t, fmt.Sprintf(`{"seq":%d}`, i), string(msg.Body))
	}
}

func TestBridgeResubscribesAfterBackplaneRestart(t *testing.T) {
	mr, client, bridge, target := startBridge(t)
	ctx := context.Background()

	mr.Close()
	require.Eventually(t, func() bool { return !bridge.Connected() }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, mr.Restart())

	require.Eventually(t, func() bool {
		_ = client.Publish(ctx, "tenant:t1:updates", `{"event":"after_restart"}`).Err()
		return len(target.snapshot()) > 0
	}, 5*time.Second, 50*time.Millisecond)
	require.True(t, bridge.Connected())
	require.True(t, strings.Contains(string(target.snapshot()[0].Body), "after_restart"))
}

func TestConnectFailsFastWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })

	bridge := NewBridge(client, &recordingTarget{}, fastOptions())
	err := bridge.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, apperr.CodeBackplaneUnavailable, apperr.CodeOf(err))
}

func TestPublisherRoundTrip(t *testing.T) {
	_, client, _, target := startBridge(t)
	pub := NewPublisher(client)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	pub.now = func() time.Time { return fixed }

	n, err := pub.Publish(context.Background(), "t9", Envelope{Event: "transaction_created", Data: []byte(`{"amount":10}`)})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.Eventually(t, func() bool { return len(target.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := target.snapshot()[0]
	require.Equal(t, "t9", got.Tenant)
	require.JSONEq(t, `{"event":"transaction_created","data":{"amount":10},"timestamp":"2024-01-01T00:00:00Z"}`, string(got.Body))
}

func TestPublisherValidation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	pub := NewPublisher(client)
	ctx := context.Background()

	_, err := pub.Publish(ctx, "t1", Envelope{})
	require.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	_, err = pub.Publish(ctx, "a:b", Envelope{Event: "x"})
	require.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	_, err = pub.PublishRaw(ctx, "t1", []byte("{oops"))
	require.Equal(t, apperr.CodeMalformedEnvelope, apperr.CodeOf(err))
}
