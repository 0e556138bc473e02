package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/irep/realtime_gateway/internal/registry"
)

func registerMiscHandlers(api huma.API, d Deps) {
	type healthOutput struct {
		Body struct {
			Status    string `json:"status"`
			Backplane bool   `json:"backplane"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/healthz", Summary: "Readiness check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			if !d.Backplane.Connected() {
				return nil, huma.Error503ServiceUnavailable("backplane subscription is down")
			}
			out := &healthOutput{}
			out.Body.Status = "ok"
			out.Body.Backplane = true
			return out, nil
		})

	type statsOutput struct {
		Body struct {
			registry.Stats
			BackplaneConnected bool `json:"backplane_connected"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "stats", Method: http.MethodGet, Path: "/api/v1/stats", Summary: "Connection and group counts", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*statsOutput, error) {
			out := &statsOutput{}
			out.Body.Stats = d.Stats.Stats()
			out.Body.BackplaneConnected = d.Backplane.Connected()
			return out, nil
		})
}
