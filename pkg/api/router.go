package api

import (
	"github.com/gorilla/mux"

	"github.com/psantana5/ffmpeg-egress/pkg/auth"
	"github.com/psantana5/ffmpeg-egress/pkg/ratelimit"
	"github.com/psantana5/ffmpeg-egress/pkg/tracing"
)

// RouterConfig selects the middleware wrapped around the routes. Nil
// fields disable the matching middleware.
type RouterConfig struct {
	Tracer  *tracing.Provider
	Keys    *auth.KeySet
	Limiter *ratelimit.Limiter
}

// NewRouter builds the API router. Authentication runs before rate
// limiting so authenticated callers are limited per key.
func NewRouter(h *EgressHandler, cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(tracing.HTTPMiddleware(cfg.Tracer))
	if cfg.Keys != nil && cfg.Keys.Len() > 0 {
		r.Use(auth.Middleware(cfg.Keys, h.log))
	}
	if cfg.Limiter != nil {
		r.Use(cfg.Limiter.Middleware(ratelimit.ClientKeyFunc))
	}
	h.RegisterRoutes(r)
	return r
}
