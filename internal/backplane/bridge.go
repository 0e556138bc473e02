package backplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/irep/realtime_gateway/internal/apperr"
	"github.com/irep/realtime_gateway/internal/metrics"
	"github.com/irep/realtime_gateway/internal/registry"
	"github.com/redis/go-redis/v9"
)

// Broadcaster receives every routed backplane message.
type Broadcaster interface {
	Broadcast(msg registry.Message) int
}

// SubscribeClient is the subset of a redis client the bridge needs.
type SubscribeClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Options tunes reconnect behaviour.
type Options struct {
	Pattern             string
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	StartupRetries      int
	HealthCheckInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.Pattern == "" {
		o.Pattern = Pattern
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = 30 * time.Second
	}
	if o.StartupRetries < 1 {
		o.StartupRetries = 5
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = 30 * time.Second
	}
}

// Bridge holds a single pattern subscription on the backplane and forwards
// each message to the registry. Messages are handled strictly one at a time,
// which keeps per-channel publish order intact.
type Bridge struct {
	client SubscribeClient
	target Broadcaster
	opts   Options
	now    func() time.Time

	connected atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
}

// NewBridge creates a Bridge. Call Connect, then Run.
func NewBridge(client SubscribeClient, target Broadcaster, opts Options) *Bridge {
	opts.withDefaults()
	return &Bridge{
		client: client,
		target: target,
		opts:   opts,
		now:    time.Now,
		ready:  make(chan struct{}),
	}
}

func (b *Bridge) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.opts.InitialBackoff
	bo.MaxInterval = b.opts.MaxBackoff
	bo.Reset()
	return bo
}

// Connect checks the backplane is reachable, retrying with backoff up to the
// startup budget. Exhausting the budget returns BACKPLANE_UNAVAILABLE.
func (b *Bridge) Connect(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (string, error) {
		return b.client.Ping(ctx).Result()
	},
		backoff.WithBackOff(b.newBackOff()),
		backoff.WithMaxTries(uint(b.opts.StartupRetries)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.Warn("backplane not reachable yet", "error", err, "retry_in", wait)
		}),
	)
	if err != nil {
		return apperr.New(apperr.CodeBackplaneUnavailable, "backplane unreachable after startup retries", err)
	}
	return nil
}

// Ready is closed once the first pattern subscription is confirmed.
func (b *Bridge) Ready() <-chan struct{} { return b.ready }

// Connected reports whether the subscription is currently live.
func (b *Bridge) Connected() bool { return b.connected.Load() }

func (b *Bridge) setConnected(v bool) {
	b.connected.Store(v)
	if v {
		metrics.BackplaneUp.Set(1)
	} else {
		metrics.BackplaneUp.Set(0)
	}
}

// Run keeps the pattern subscription alive until ctx is cancelled. Losing the
// backplane is not fatal: the bridge waits with exponential backoff and
// subscribes again. Messages published while disconnected are lost.
func (b *Bridge) Run(ctx context.Context) error {
	bo := b.newBackOff()
	slog.Info("backplane bridge started", "pattern", b.opts.Pattern)
	for {
		err := b.subscribe(ctx, bo)
		b.setConnected(false)
		if ctx.Err() != nil {
			slog.Info("backplane bridge stopped")
			return nil
		}

		wait := bo.NextBackOff()
		metrics.BackplaneReconnectsTotal.Inc()
		slog.Warn("backplane subscription lost",
			"code", apperr.CodeBackplaneUnavailable,
			"error", err,
			"retry_in", wait,
		)
		select {
		case <-ctx.Done():
			slog.Info("backplane bridge stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

var errPingTimeout = errors.New("backplane ping timed out")

// subscribe runs one subscription session and returns when it breaks.
func (b *Bridge) subscribe(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	pubsub := b.client.PSubscribe(ctx, b.opts.Pattern)
	defer func() { _ = pubsub.Close() }()

	// A blocked read does not observe ctx; closing the pubsub unblocks it.
	stop := context.AfterFunc(ctx, func() { _ = pubsub.Close() })
	defer stop()

	pingPending := false
	for {
		raw, err := pubsub.ReceiveTimeout(ctx, b.opts.HealthCheckInterval)
		if err != nil {
			if !isTimeout(err) {
				return err
			}
			if pingPending {
				return errPingTimeout
			}
			if err := pubsub.Ping(ctx); err != nil {
				return err
			}
			pingPending = true
			continue
		}
		pingPending = false

		switch m := raw.(type) {
		case *redis.Subscription:
			if m.Kind == "psubscribe" {
				bo.Reset()
				b.setConnected(true)
				b.readyOnce.Do(func() { close(b.ready) })
				slog.Info("backplane subscribed", "pattern", m.Channel)
			}
		case *redis.Message:
			b.handle(m.Channel, m.Payload)
		case *redis.Pong:
		}
	}
}

// handle routes one backplane message. Malformed input is logged and dropped
// without affecting other channels.
func (b *Bridge) handle(channel, payload string) {
	tenant, err := ParseChannel(channel)
	if err != nil {
		metrics.BackplaneMessagesTotal.WithLabelValues("malformed_channel").Inc()
		slog.Warn("dropping backplane message", "channel", channel, "code", apperr.CodeOf(err), "error", err)
		return
	}

	body := []byte(payload)
	if !json.Valid(body) {
		metrics.BackplaneMessagesTotal.WithLabelValues("malformed_envelope").Inc()
		slog.Warn("dropping backplane message", "channel", channel, "code", apperr.CodeMalformedEnvelope, "bytes", len(body))
		return
	}

	n := b.target.Broadcast(registry.Message{Tenant: tenant, Body: body, ReceivedAt: b.now().UTC()})
	metrics.BackplaneMessagesTotal.WithLabelValues("routed").Inc()
	slog.Debug("backplane message routed", "channel", channel, "group", registry.GroupName(tenant), "delivered", n)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
