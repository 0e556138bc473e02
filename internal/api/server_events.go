package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/irep/realtime_gateway/internal/apperr"
	"github.com/irep/realtime_gateway/internal/auth"
	"github.com/irep/realtime_gateway/internal/backplane"
)

type publishInput struct {
	Body struct {
		Event     string          `json:"event" minLength:"1" doc:"Event kind, e.g. task_updated"`
		Data      json.RawMessage `json:"data,omitempty" doc:"Opaque event payload, forwarded verbatim"`
		Timestamp *time.Time      `json:"timestamp,omitempty" doc:"Defaults to the publish time"`
	}
}

type publishOutput struct {
	Body struct {
		TenantID  string `json:"tenant_id"`
		Channel   string `json:"channel"`
		Receivers int64  `json:"receivers" doc:"Backplane subscribers that received the message"`
	}
}

func registerEventHandlers(api huma.API, d Deps) {
	huma.Register(api, huma.Operation{
		OperationID: "publish-event",
		Method:      http.MethodPost,
		Path:        "/api/v1/events",
		Summary:     "Publish an event to the caller's tenant",
		Tags:        []string{"Events"},
		Security:    []map[string][]string{{"bearer": {}}},
		Middlewares: huma.Middlewares{requireIdentity(api, d.Validator)},
	}, func(ctx context.Context, input *publishInput) (*publishOutput, error) {
		id, ok := auth.IdentityFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("unauthorized")
		}

		env := backplane.Envelope{Event: input.Body.Event, Data: input.Body.Data, Timestamp: input.Body.Timestamp}

		n, err := d.Publisher.Publish(ctx, id.TenantID, env)
		if err != nil {
			return nil, mapErr(err)
		}
		channel, _ := backplane.ChannelName(id.TenantID)
		slog.Info("event published via api", "tenant_id", id.TenantID, "user_id", id.UserID, "event", env.Event, "receivers", n)

		out := &publishOutput{}
		out.Body.TenantID = id.TenantID
		out.Body.Channel = channel
		out.Body.Receivers = n
		return out, nil
	})
}

// requireIdentity validates the Authorization bearer token and stores the
// identity on the request context. The tenant a caller publishes to always
// comes from its token.
func requireIdentity(api huma.API, v TokenValidator) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		token := auth.BearerToken(ctx.Header("Authorization"))
		if token == "" {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "missing bearer token")
			return
		}
		id, err := v.Validate(token)
		if err != nil {
			slog.Warn("publish rejected", "code", apperr.CodeOf(err), "error", err)
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next(huma.WithContext(ctx, auth.WithIdentity(ctx.Context(), id)))
	}
}
