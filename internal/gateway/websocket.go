package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/irep/realtime_gateway/internal/apperr"
	"github.com/irep/realtime_gateway/internal/metrics"
	"github.com/irep/realtime_gateway/internal/registry"
)

// ErrShuttingDown is the close reason used when the process stops.
var ErrShuttingDown = errors.New("gateway shutting down")

// ServeWebSocket authenticates the request, upgrades it and pushes tenant
// events until either side closes.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r, TransportWebSocket)
	if !ok {
		return
	}

	conn, brw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		// UpgradeHTTP has already written the error response.
		metrics.HandshakesTotal.WithLabelValues(TransportWebSocket, "upgrade_failed").Inc()
		slog.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	wc := &wsConn{conn: conn, writeTimeout: h.opts.WriteTimeout}
	var src io.Reader = conn
	if brw != nil {
		src = brw.Reader
	}

	s := newSession(h.newID(), TransportWebSocket, identity, &wsTransport{conn: wc}, h.opts)
	if err := h.join(s); err != nil {
		s.t.shutdown(err)
		return
	}

	go readWebSocket(s, struct {
		io.Reader
		io.Writer
	}{src, wc})

	reason := s.pump()
	h.leave(s, reason)
}

// readWebSocket consumes client frames until the connection ends. Clients
// never send anything meaningful, so data frames are discarded; control
// frames are answered by wsutil.
func readWebSocket(s *session, rw io.ReadWriter) {
	for {
		if _, _, err := wsutil.ReadClientData(rw); err != nil {
			s.Close(readCloseReason(err))
			return
		}
	}
}

func readCloseReason(err error) error {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return errPeerClosed
	}
	return apperr.New(apperr.CodeDeliveryFailure, "read from client failed", err)
}

// wsConn serialises frame writes. The control frame handler used by the
// reader writes through Write, one whole frame per call.
type wsConn struct {
	conn         net.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return 0, err
	}
	return c.conn.Write(p)
}

func (c *wsConn) writeFrame(op ws.OpCode, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(c.conn, op, p)
}

type wsTransport struct {
	conn *wsConn
	buf  []byte
}

func (t *wsTransport) writeEvent(msg registry.Message, _ uint64) error {
	t.buf = appendEventFrame(t.buf[:0], msg)
	return t.conn.writeFrame(ws.OpText, t.buf)
}

func (t *wsTransport) writePing() error {
	return t.conn.writeFrame(ws.OpPing, nil)
}

func (t *wsTransport) shutdown(reason error) {
	if reason != errPeerClosed {
		code, text := closeStatus(reason)
		if err := t.conn.writeFrame(ws.OpClose, ws.NewCloseFrameBody(code, text)); err != nil {
			slog.Debug("websocket close frame not sent", "error", err)
		}
	}
	_ = t.conn.conn.Close()
}

func closeStatus(reason error) (ws.StatusCode, string) {
	if reason == nil {
		return ws.StatusNormalClosure, ""
	}
	if errors.Is(reason, ErrShuttingDown) {
		return ws.StatusGoingAway, "shutting down"
	}
	switch code := apperr.CodeOf(reason); code {
	case apperr.CodeSlowConsumer, apperr.CodeTenantConflict:
		return ws.StatusPolicyViolation, code
	case apperr.CodeDeliveryFailure:
		return ws.StatusInternalServerError, code
	case "":
		return ws.StatusGoingAway, ""
	default:
		return ws.StatusGoingAway, code
	}
}

// appendEventFrame builds the push frame around the envelope without
// re-encoding it:
//
//	{"type":"ReceiveUpdate","receivedAt":"<RFC3339Nano>","data":<envelope>}
func appendEventFrame(dst []byte, msg registry.Message) []byte {
	dst = append(dst, `{"type":"`...)
	dst = append(dst, EventName...)
	dst = append(dst, `","receivedAt":"`...)
	dst = msg.ReceivedAt.UTC().AppendFormat(dst, time.RFC3339Nano)
	dst = append(dst, `","data":`...)
	dst = append(dst, msg.Body...)
	return append(dst, '}')
}
