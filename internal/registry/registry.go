package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/irep/realtime_gateway/internal/apperr"
	"github.com/irep/realtime_gateway/internal/metrics"
)

const groupPrefix = "tenant:"

// GroupName returns the broadcast group name for a tenant.
func GroupName(tenantID string) string {
	return groupPrefix + tenantID
}

// Message is one event envelope routed to a tenant group. Body is the
// publisher's bytes and is never reshaped.
type Message struct {
	Tenant     string
	Body       []byte
	ReceivedAt time.Time
}

// ErrMemberClosed is returned by Member.Deliver when the connection has
// already closed on its own.
var ErrMemberClosed = errors.New("member already closed")

// Member is a live connection that can receive pushes.
type Member interface {
	ID() string
	// Deliver hands msg to the connection without blocking. An error means
	// the connection cannot take it and must be dropped. A connection that
	// has already closed returns ErrMemberClosed.
	Deliver(msg Message) error
	// Close terminates the connection. It must be safe to call more than once.
	Close(reason error)
}

type membership struct {
	member Member
	tenant string
}

// Stats is a point-in-time view of registry membership.
type Stats struct {
	Connections int            `json:"connections"`
	Tenants     int            `json:"tenants"`
	Groups      map[string]int `json:"groups"`
}

// Registry tracks live connections and their tenant group. All methods are
// safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	members map[string]membership
	groups  map[string]map[string]Member
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		members: make(map[string]membership),
		groups:  make(map[string]map[string]Member),
	}
}

// Join adds m to the tenant group. Joining again with the same tenant is a
// no-op. Joining with a different tenant removes and closes the connection
// and returns a TENANT_CONFLICT error.
func (r *Registry) Join(m Member, tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return apperr.New(apperr.CodeValidation, "tenant id is empty", nil)
	}
	id := m.ID()

	r.mu.Lock()
	existing, ok := r.members[id]
	if ok && existing.tenant == tenantID {
		r.mu.Unlock()
		return nil
	}
	if ok {
		r.removeLocked(id)
		r.mu.Unlock()

		err := apperr.New(apperr.CodeTenantConflict,
			fmt.Sprintf("connection already joined tenant %s, refusing %s", existing.tenant, tenantID), nil)
		slog.Error("registry tenant conflict", "connection_id", id, "tenant_id", existing.tenant, "requested_tenant_id", tenantID)
		existing.member.Close(err)
		if existing.member != m {
			m.Close(err)
		}
		return err
	}

	r.members[id] = membership{member: m, tenant: tenantID}
	group, ok := r.groups[tenantID]
	if !ok {
		group = make(map[string]Member)
		r.groups[tenantID] = group
	}
	group[id] = m
	r.mu.Unlock()

	slog.Debug("registry join", "connection_id", id, "group", GroupName(tenantID))
	return nil
}

// Leave removes a connection from its group. Unknown ids are ignored.
func (r *Registry) Leave(connID string) {
	r.mu.Lock()
	tenant, removed := r.removeLocked(connID)
	r.mu.Unlock()
	if removed {
		slog.Debug("registry leave", "connection_id", connID, "group", GroupName(tenant))
	}
}

// leaveMember removes connID only if it still maps to m.
func (r *Registry) leaveMember(m Member) {
	id := m.ID()
	r.mu.Lock()
	if cur, ok := r.members[id]; ok && cur.member == m {
		r.removeLocked(id)
	}
	r.mu.Unlock()
}

func (r *Registry) removeLocked(connID string) (string, bool) {
	ms, ok := r.members[connID]
	if !ok {
		return "", false
	}
	delete(r.members, connID)
	if group, ok := r.groups[ms.tenant]; ok {
		delete(group, connID)
		if len(group) == 0 {
			delete(r.groups, ms.tenant)
		}
	}
	return ms.tenant, true
}

// Broadcast delivers msg to every connection in msg.Tenant's group at the
// time of the call and returns how many accepted it. A member that fails is
// logged, removed and closed; the remaining members still receive msg.
func (r *Registry) Broadcast(msg Message) int {
	r.mu.RLock()
	group := r.groups[msg.Tenant]
	targets := make([]Member, 0, len(group))
	for _, m := range group {
		targets = append(targets, m)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, m := range targets {
		err := m.Deliver(msg)
		if err == nil {
			delivered++
			metrics.DeliveriesTotal.WithLabelValues("ok").Inc()
			continue
		}
		if errors.Is(err, ErrMemberClosed) {
			// Disconnected but not yet removed by Leave.
			slog.Debug("skipping closed connection",
				"connection_id", m.ID(),
				"group", GroupName(msg.Tenant),
			)
			r.leaveMember(m)
			continue
		}

		code := apperr.CodeOf(err)
		if code != apperr.CodeSlowConsumer {
			code = apperr.CodeDeliveryFailure
			err = apperr.New(code, "push delivery failed", err)
		}
		metrics.DeliveriesTotal.WithLabelValues(strings.ToLower(code)).Inc()
		slog.Warn("dropping connection after failed delivery",
			"connection_id", m.ID(),
			"group", GroupName(msg.Tenant),
			"code", code,
			"error", err,
		)
		r.leaveMember(m)
		m.Close(err)
	}

	metrics.BroadcastFanout.Observe(float64(delivered))
	return delivered
}

// CloseAll removes every connection and closes it with reason. It returns
// how many connections were closed.
func (r *Registry) CloseAll(reason error) int {
	r.mu.Lock()
	all := make([]Member, 0, len(r.members))
	for _, ms := range r.members {
		all = append(all, ms.member)
	}
	r.members = make(map[string]membership)
	r.groups = make(map[string]map[string]Member)
	r.mu.Unlock()

	for _, m := range all {
		m.Close(reason)
	}
	return len(all)
}

// Members returns the number of connections in a tenant's group.
func (r *Registry) Members(tenantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[tenantID])
}

// Stats returns a snapshot of membership counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Connections: len(r.members),
		Tenants:     len(r.groups),
		Groups:      make(map[string]int, len(r.groups)),
	}
	for tenant, group := range r.groups {
		s.Groups[tenant] = len(group)
	}
	return s
}
