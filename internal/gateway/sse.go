package gateway

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/irep/realtime_gateway/internal/registry"
)

// ServeSSE authenticates the request and streams tenant events as
// server-sent events. It is the fallback for clients that cannot open a
// WebSocket.
func (h *Handler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r, TransportSSE)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	t := &sseTransport{
		w:            w,
		flusher:      flusher,
		rc:           http.NewResponseController(w),
		writeTimeout: h.opts.WriteTimeout,
	}
	if err := t.writeComment("connected"); err != nil {
		slog.Debug("sse preamble write failed", "error", err)
		return
	}

	s := newSession(h.newID(), TransportSSE, identity, t, h.opts)
	if err := h.join(s); err != nil {
		return
	}

	go func() {
		select {
		case <-r.Context().Done():
			s.Close(errPeerClosed)
		case <-s.closed():
		}
	}()

	reason := s.pump()
	h.leave(s, reason)
}

type sseTransport struct {
	w            io.Writer
	flusher      http.Flusher
	rc           *http.ResponseController
	writeTimeout time.Duration
	buf          bytes.Buffer
}

func (t *sseTransport) writeEvent(msg registry.Message, seq uint64) error {
	t.buf.Reset()
	t.buf.WriteString("event: " + EventName + "\n")
	t.buf.WriteString("id: " + strconv.FormatUint(seq, 10) + "\n")
	for _, line := range splitLines(msg.Body) {
		t.buf.WriteString("data: ")
		t.buf.Write(line)
		t.buf.WriteByte('\n')
	}
	t.buf.WriteByte('\n')
	return t.flush(t.buf.Bytes())
}

// splitLines breaks body at CRLF, CR and LF, the line endings an
// EventSource parser recognises. Each segment becomes one data line.
func splitLines(body []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '\r':
			lines = append(lines, body[start:i])
			if i+1 < len(body) && body[i+1] == '\n' {
				i++
			}
			start = i + 1
		case '\n':
			lines = append(lines, body[start:i])
			start = i + 1
		}
	}
	return append(lines, body[start:])
}

func (t *sseTransport) writePing() error {
	return t.writeComment("ping")
}

func (t *sseTransport) writeComment(text string) error {
	return t.flush([]byte(": " + text + "\n\n"))
}

func (t *sseTransport) flush(p []byte) error {
	// Not every ResponseWriter supports deadlines; writes still proceed.
	_ = t.rc.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if _, err := t.w.Write(p); err != nil {
		return fmt.Errorf("sse write: %w", err)
	}
	t.flusher.Flush()
	return nil
}

// shutdown has nothing to release: returning from the handler ends the
// response.
func (t *sseTransport) shutdown(error) {}
