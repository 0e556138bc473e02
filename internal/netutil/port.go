package netutil

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// ErrNoBindAddr is returned when neither the preferred address nor any
// candidate can be bound.
var ErrNoBindAddr = errors.New("no available gateway bind addresses")

// Listen binds the preferred address, falling back to the candidates in
// order when autoFallback is set. The returned listener is already bound, so
// the chosen port cannot be taken between selection and serving.
func Listen(preferred string, candidates []string, autoFallback bool) (net.Listener, error) {
	if preferred != "" {
		ln, err := net.Listen("tcp", preferred)
		if err == nil {
			return ln, nil
		}
		if !autoFallback {
			return nil, fmt.Errorf("preferred bind address unavailable: %s: %w", preferred, err)
		}
		slog.Warn("preferred bind address unavailable, trying candidates", "addr", preferred, "error", err)
	}

	for _, addr := range candidates {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		slog.Debug("bind candidate unavailable", "addr", addr, "error", err)
	}

	return nil, ErrNoBindAddr
}
