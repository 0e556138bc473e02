package gateway

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/irep/realtime_gateway/internal/apperr"
	"github.com/irep/realtime_gateway/internal/auth"
	"github.com/irep/realtime_gateway/internal/metrics"
	"github.com/irep/realtime_gateway/internal/registry"
)

// Transport labels used in logs and metrics.
const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

// EventName is the single push event kind clients listen for.
const EventName = "ReceiveUpdate"

// TokenValidator verifies a bearer token and returns its identity.
type TokenValidator interface {
	Validate(token string) (auth.Identity, error)
}

// Groups is the membership store sessions join.
type Groups interface {
	Join(m registry.Member, tenantID string) error
	Leave(connID string)
}

// Options tunes per-connection delivery.
type Options struct {
	AllowedOrigins []string
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
}

func (o *Options) withDefaults() {
	if o.SendBuffer < 1 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
}

// Handler accepts client connections on the push transports. A connection
// is only joined to a group after its token has been verified; a rejected
// handshake never creates a session.
type Handler struct {
	validator TokenValidator
	groups    Groups
	opts      Options
	origins   originPolicy
	now       func() time.Time
	newID     func() string
}

// NewHandler creates a Handler.
func NewHandler(validator TokenValidator, groups Groups, opts Options) *Handler {
	opts.withDefaults()
	return &Handler{
		validator: validator,
		groups:    groups,
		opts:      opts,
		origins:   newOriginPolicy(opts.AllowedOrigins),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// authenticate checks origin and token. On failure it writes the HTTP
// response and returns false.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, kind string) (auth.Identity, bool) {
	if origin := r.Header.Get("Origin"); !h.origins.allows(origin) {
		metrics.HandshakesTotal.WithLabelValues(kind, "forbidden_origin").Inc()
		slog.Warn("handshake rejected", "transport", kind, "reason", "origin not allowed", "origin", origin, "remote", r.RemoteAddr)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return auth.Identity{}, false
	}

	token := auth.TokenFromRequest(r)
	if token == "" {
		metrics.HandshakesTotal.WithLabelValues(kind, "unauthorized").Inc()
		slog.Warn("handshake rejected", "transport", kind, "code", apperr.CodeAuthRejected, "reason", "missing token", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return auth.Identity{}, false
	}

	identity, err := h.validator.Validate(token)
	if err != nil {
		metrics.HandshakesTotal.WithLabelValues(kind, "unauthorized").Inc()
		slog.Warn("handshake rejected", "transport", kind, "code", apperr.CodeOf(err), "error", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return auth.Identity{}, false
	}
	return identity, true
}

// join registers s in its tenant group. On failure the session is closed.
func (h *Handler) join(s *session) error {
	if err := h.groups.Join(s, s.identity.TenantID); err != nil {
		metrics.HandshakesTotal.WithLabelValues(s.kind, "join_failed").Inc()
		slog.Error("connection join failed", "connection_id", s.id, "tenant_id", s.identity.TenantID, "code", apperr.CodeOf(err), "error", err)
		s.Close(err)
		return err
	}
	s.markJoined()
	metrics.HandshakesTotal.WithLabelValues(s.kind, "ok").Inc()
	metrics.ConnectionsActive.WithLabelValues(s.kind).Inc()
	slog.Info("connection joined",
		"connection_id", s.id,
		"tenant_id", s.identity.TenantID,
		"user_id", s.identity.UserID,
		"group", registry.GroupName(s.identity.TenantID),
		"transport", s.kind,
	)
	return nil
}

func (h *Handler) leave(s *session, reason error) {
	h.groups.Leave(s.id)
	metrics.ConnectionsActive.WithLabelValues(s.kind).Dec()

	attrs := []any{
		"connection_id", s.id,
		"tenant_id", s.identity.TenantID,
		"transport", s.kind,
		"duration_ms", h.now().Sub(s.connectedAt).Milliseconds(),
	}
	if reason == nil || reason == errPeerClosed {
		slog.Info("connection closed", attrs...)
		return
	}
	attrs = append(attrs, "code", apperr.CodeOf(reason), "error", reason)
	slog.Warn("connection closed", attrs...)
}

// originPolicy matches the Origin header against the configured list. A
// request without an Origin header comes from a non-browser client and is
// allowed; "*" allows every origin.
type originPolicy struct {
	any     bool
	allowed map[string]bool
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: make(map[string]bool, len(origins))}
	for _, o := range origins {
		o = normalizeOrigin(o)
		if o == "*" {
			p.any = true
			continue
		}
		if o != "" {
			p.allowed[o] = true
		}
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	if origin == "" || p.any {
		return true
	}
	return p.allowed[normalizeOrigin(origin)]
}

func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
}
