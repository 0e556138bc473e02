package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irep/realtime_gateway/internal/apperr"
	"github.com/irep/realtime_gateway/internal/auth"
	"github.com/irep/realtime_gateway/internal/registry"
)

// Session states. Transitions only move forward.
const (
	stateConnecting int32 = iota
	stateJoined
	stateDisconnected
)

// errPeerClosed marks a session the client ended itself.
var errPeerClosed = errors.New("connection closed by peer")

// transport writes frames for one connection. Implementations are only
// called from the session's writer goroutine, except shutdown which runs
// once after the writer has stopped.
type transport interface {
	writeEvent(msg registry.Message, seq uint64) error
	writePing() error
	shutdown(reason error)
}

// session is one live connection. It implements registry.Member: Deliver
// never blocks and Close may be called from any goroutine.
type session struct {
	id          string
	kind        string
	identity    auth.Identity
	connectedAt time.Time

	pingInterval time.Duration
	t            transport

	queue     chan registry.Message
	done      chan struct{}
	closeOnce sync.Once
	reason    error
	state     atomic.Int32
}

func newSession(id, kind string, identity auth.Identity, t transport, opts Options) *session {
	return &session{
		id:           id,
		kind:         kind,
		identity:     identity,
		connectedAt:  time.Now(),
		pingInterval: opts.PingInterval,
		t:            t,
		queue:        make(chan registry.Message, opts.SendBuffer),
		done:         make(chan struct{}),
	}
}

func (s *session) ID() string { return s.id }

// Deliver enqueues msg for the writer. A full queue means the client is not
// keeping up and is reported as SLOW_CONSUMER.
func (s *session) Deliver(msg registry.Message) error {
	select {
	case <-s.done:
		return registry.ErrMemberClosed
	default:
	}
	select {
	case s.queue <- msg:
		return nil
	case <-s.done:
		return registry.ErrMemberClosed
	default:
		return apperr.New(apperr.CodeSlowConsumer, "outbound queue full", nil)
	}
}

// Close ends the session. Pending frames are abandoned. Only the first
// reason is kept.
func (s *session) Close(reason error) {
	s.closeOnce.Do(func() {
		s.reason = reason
		s.state.Store(stateDisconnected)
		close(s.done)
	})
}

func (s *session) markJoined() bool {
	return s.state.CompareAndSwap(stateConnecting, stateJoined)
}

func (s *session) closed() <-chan struct{} { return s.done }

// pump is the writer loop. It drains the queue in FIFO order, sends
// keepalives and returns the close reason once the session ends. The
// transport is shut down before pump returns.
func (s *session) pump() error {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-s.done:
			s.t.shutdown(s.reason)
			return s.reason
		case msg := <-s.queue:
			// Close abandons whatever is still queued.
			select {
			case <-s.done:
				s.t.shutdown(s.reason)
				return s.reason
			default:
			}
			seq++
			if err := s.t.writeEvent(msg, seq); err != nil {
				s.fail(err)
			}
		case <-ticker.C:
			if err := s.t.writePing(); err != nil {
				s.fail(err)
			}
		}
	}
}

func (s *session) fail(err error) {
	s.Close(apperr.New(apperr.CodeDeliveryFailure, "write to client failed", err))
}
