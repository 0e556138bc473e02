package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/irep/realtime_gateway/internal/auth"
	"github.com/irep/realtime_gateway/internal/backplane"
	"github.com/irep/realtime_gateway/internal/registry"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const testSecret = "gateway-test-secret"

type testEnv struct {
	srv       *httptest.Server
	reg       *registry.Registry
	validator *auth.Validator
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	v, err := auth.NewValidator([]byte(testSecret))
	require.NoError(t, err)

	if opts.AllowedOrigins == nil {
		opts.AllowedOrigins = []string{"http://localhost:5173"}
	}
	reg := registry.New()
	h := NewHandler(v, reg, opts)

	mux := http.NewServeMux()
	mux.HandleFunc("/events", h.ServeWebSocket)
	mux.HandleFunc("/events/stream", h.ServeSSE)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		reg.CloseAll(ErrShuttingDown)
		srv.Close()
	})
	return &testEnv{srv: srv, reg: reg, validator: v}
}

func (e *testEnv) token(t *testing.T, tenant string) string {
	t.Helper()
	tok, err := e.validator.Issue(auth.Identity{UserID: "user-" + tenant, TenantID: tenant}, time.Minute)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) url(scheme, path, token string) string {
	u, _ := url.Parse(e.srv.URL)
	u.Scheme = scheme
	u.Path = path
	if token != "" {
		u.RawQuery = auth.AccessTokenParam + "=" + url.QueryEscape(token)
	}
	return u.String()
}

func (e *testEnv) dial(t *testing.T, tenant string) net.Conn {
	t.Helper()
	conn, _, _, err := ws.Dial(context.Background(), e.url("ws", "/events", e.token(t, tenant)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type pushFrame struct {
	Type       string          `json:"type"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Data       json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn net.Conn, timeout time.Duration) (pushFrame, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		return pushFrame{}, err
	}
	var f pushFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f, nil
}

func TestTaskUpdatedReachesOnlyMatchingTenant(t *testing.T) {
	env := newTestEnv(t, Options{})
	const tenantA = "550e8400-e29b-41d4-a716-446655440000"

	a1 := env.dial(t, tenantA)
	a2 := env.dial(t, tenantA)
	outsider := env.dial(t, "other-tenant")
	require.Eventually(t, func() bool {
		return env.reg.Members(tenantA) == 2 && env.reg.Members("other-tenant") == 1
	}, 2*time.Second, 10*time.Millisecond)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bridge := backplane.NewBridge(client, env.reg, backplane.Options{InitialBackoff: 10 * time.Millisecond})
	go func() { _ = bridge.Run(ctx) }()
	select {
	case <-bridge.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("bridge never subscribed")
	}

	body := `{"event":"task_updated","data":{"name":"Fix leak","status":"done","progress":100},"timestamp":"2024-01-01T00:00:00Z"}`
	require.NoError(t, client.Publish(ctx, "tenant:"+tenantA+":updates", body).Err())

	for _, conn := range []net.Conn{a1, a2} {
		f, err := readFrame(t, conn, 2*time.Second)
		require.NoError(t, err)
		require.Equal(t, EventName, f.Type)
		require.Equal(t, body, string(f.Data))
		require.False(t, f.ReceivedAt.IsZero())
	}

	_, err := readFrame(t, outsider, 200*time.Millisecond)
	require.Error(t, err, "outsider must not receive another tenant's event")
}

func TestHandshakeRejectsBadTokens(t *testing.T) {
	env := newTestEnv(t, Options{})

	expired, err := env.validator.Issue(auth.Identity{UserID: "u1", TenantID: "t1"}, -time.Minute)
	require.NoError(t, err)
	noTenant, err := env.validator.Issue(auth.Identity{UserID: "u1"}, time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"expired", expired},
		{"missing tenant", noTenant},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, path := range []string{"/events", "/events/stream"} {
				resp, err := http.Get(env.url("http", path, tt.token))
				require.NoError(t, err)
				_ = resp.Body.Close()
				require.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
			}

			_, _, _, err := ws.Dial(context.Background(), env.url("ws", "/events", tt.token))
			require.Error(t, err)
			require.Zero(t, env.reg.Stats().Connections)
		})
	}
}

func TestHandshakeRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, Options{})

	req, err := http.NewRequest(http.MethodGet, env.url("http", "/events/stream", env.token(t, "t1")), nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Zero(t, env.reg.Stats().Connections)
}

func TestDisconnectLeavesGroup(t *testing.T) {
	env := newTestEnv(t, Options{})

	conns := []net.Conn{env.dial(t, "T"), env.dial(t, "T"), env.dial(t, "T")}
	require.Eventually(t, func() bool { return env.reg.Members("T") == 3 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conns[0].Close())
	require.Eventually(t, func() bool { return env.reg.Members("T") == 2 }, 2*time.Second, 10*time.Millisecond)

	n := env.reg.Broadcast(registry.Message{Tenant: "T", Body: []byte(`{"event":"x"}`), ReceivedAt: time.Now()})
	require.Equal(t, 2, n)
	for _, conn := range conns[1:] {
		_, err := readFrame(t, conn, 2*time.Second)
		require.NoError(t, err)
	}
}

func TestSlowConsumerDroppedWithoutAffectingSiblings(t *testing.T) {
	env := newTestEnv(t, Options{SendBuffer: 8, WriteTimeout: 200 * time.Millisecond})

	healthy := env.dial(t, "T")
	stalled := env.dial(t, "T")
	require.Eventually(t, func() bool { return env.reg.Members("T") == 2 }, 2*time.Second, 10*time.Millisecond)

	// The healthy client drains continuously; the stalled one never reads,
	// so its socket buffers fill and then its queue overflows.
	received := make(chan int, 1)
	go func() {
		count := 0
		for {
			_ = healthy.SetReadDeadline(time.Now().Add(3 * time.Second))
			if _, err := wsutil.ReadServerText(healthy); err != nil {
				received <- count
				return
			}
			count++
		}
	}()

	payload := `{"event":"bulk","data":"` + strings.Repeat("x", 16*1024) + `"}`
	require.Eventually(t, func() bool {
		env.reg.Broadcast(registry.Message{Tenant: "T", Body: []byte(payload), ReceivedAt: time.Now()})
		return env.reg.Members("T") == 1
	}, 10*time.Second, time.Millisecond)

	n := env.reg.Broadcast(registry.Message{Tenant: "T", Body: []byte(`{"event":"after"}`), ReceivedAt: time.Now()})
	require.Equal(t, 1, n)
	_ = stalled.Close()
	_ = healthy.Close()
	require.Positive(t, <-received)
}

func TestSSEStreamsFrames(t *testing.T) {
	env := newTestEnv(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.url("http", "/events/stream", env.token(t, "T")), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	require.Eventually(t, func() bool { return env.reg.Members("T") == 1 }, 2*time.Second, 10*time.Millisecond)
	env.reg.Broadcast(registry.Message{Tenant: "T", Body: []byte("{\n\"event\":\"x\"\n}"), ReceivedAt: time.Now()})

	var got []string
	for {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			if len(got) > 0 {
				break
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		got = append(got, line)
	}
	require.Equal(t, []string{
		"event: ReceiveUpdate",
		"id: 1",
		"data: {",
		`data: "event":"x"`,
		"data: }",
	}, got)

	cancel()
	require.Eventually(t, func() bool { return env.reg.Members("T") == 0 }, 2*time.Second, 10*time.Millisecond)
}
