package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/irep/realtime_gateway/internal/apperr"
	"github.com/irep/realtime_gateway/internal/auth"
	"github.com/irep/realtime_gateway/internal/backplane"
	"github.com/irep/realtime_gateway/internal/config"
	"github.com/irep/realtime_gateway/internal/registry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Banner is the plain-text liveness response served at "/".
const Banner = "iREP Real-time Gateway is running."

// EventTransports serves the client push endpoints.
type EventTransports interface {
	ServeWebSocket(w http.ResponseWriter, r *http.Request)
	ServeSSE(w http.ResponseWriter, r *http.Request)
}

// StatsSource reports registry membership.
type StatsSource interface {
	Stats() registry.Stats
}

// BackplaneStatus reports whether the backplane subscription is live.
type BackplaneStatus interface {
	Connected() bool
}

// EventPublisher publishes an envelope to a tenant's channel.
type EventPublisher interface {
	Publish(ctx context.Context, tenantID string, env backplane.Envelope) (int64, error)
}

// TokenValidator verifies bearer tokens for the publish endpoint.
type TokenValidator interface {
	Validate(token string) (auth.Identity, error)
}

// Deps are the collaborators the HTTP surface exposes.
type Deps struct {
	Transports     EventTransports
	Stats          StatsSource
	Backplane      BackplaneStatus
	Publisher      EventPublisher
	Validator      TokenValidator
	AllowedOrigins []string
}

func NewServer(d Deps) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	cfg := huma.DefaultConfig("iREP Realtime Gateway API", "1.0.0")
	cfg.DocsPath = ""
	cfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	api := humachi.New(router, cfg)

	router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, err := w.Write([]byte(Banner)); err != nil {
			slog.Debug("banner response write failed", "error", err)
		}
	})
	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Get(config.EventsPath, d.Transports.ServeWebSocket)
	router.Get(config.EventsStreamPath, d.Transports.ServeSSE)

	registerMiscHandlers(api, d)
	registerEventHandlers(api, d)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *apperr.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case apperr.CodeValidation, apperr.CodeMalformedEnvelope:
			return huma.Error400BadRequest(coded.Message)
		case apperr.CodeAuthRejected, apperr.CodeInvalidToken, apperr.CodeExpiredToken, apperr.CodeSignatureMismatch:
			return huma.Error401Unauthorized(coded.Message)
		case apperr.CodeBackplaneUnavailable:
			return huma.Error503ServiceUnavailable(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
