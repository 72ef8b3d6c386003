// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package http exposes the bridge surface as a local JSON API for the host
// adapter process.
package http

import (
	"context"
	"net/http"

	"github.com/ManuGH/tripsync/internal/buffer"
	"github.com/ManuGH/tripsync/internal/config"
	"github.com/ManuGH/tripsync/internal/control"
	"github.com/ManuGH/tripsync/internal/control/middleware"
	"github.com/ManuGH/tripsync/internal/trip"
	"github.com/go-chi/chi/v5"
)

const (
	// maxBody bounds config bodies.
	maxBody = 64 << 10
	// maxSamplesBody bounds one sample upload.
	maxSamplesBody = 4 << 20
)

// Surface is what the API drives; *control.Surface implements it.
type Surface interface {
	LaunchInit(ctx context.Context, cfg config.Config) error
	GetConfig() config.Config
	GetState(ctx context.Context) trip.Snapshot
	ForceTripStart(ctx context.Context) error
	ForceTripEnd(ctx context.Context) error
	StopTracking(ctx context.Context) error
	StartTracking(ctx context.Context) error
	ForceRemotePush() control.PushAck
	DeadLetters(ctx context.Context) ([]buffer.DeadLetter, error)
	SubmitSamples(ctx context.Context, samples []trip.Sample) (int, error)
}

// Options configures the handler.
type Options struct {
	RateLimit      int
	TracingService string
	EnableMetrics  bool
	EnableLogging  bool
	// Probes serves /healthz and /readyz. Nil answers /healthz with 204
	// and leaves /readyz unrouted.
	Probes Probes
}

// Probes are the liveness and readiness handlers.
type Probes interface {
	ServeHealth(w http.ResponseWriter, r *http.Request)
	ServeReady(w http.ResponseWriter, r *http.Request)
}

type server struct {
	surface Surface
}

// NewHandler builds the routed API.
func NewHandler(s Surface, opts Options) http.Handler {
	srv := &server{surface: s}
	r := middleware.NewRouter(middleware.StackConfig{
		EnableMetrics:  opts.EnableMetrics,
		TracingService: opts.TracingService,
		EnableLogging:  opts.EnableLogging,
		RateLimit:      opts.RateLimit,
	})

	if opts.Probes != nil {
		r.Get("/healthz", opts.Probes.ServeHealth)
		r.Get("/readyz", opts.Probes.ServeReady)
	} else {
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/init", srv.handleInit)
		r.Get("/config", srv.handleGetConfig)
		r.Get("/state", srv.handleGetState)
		r.Post("/trip/start", srv.handleTripStart)
		r.Post("/trip/end", srv.handleTripEnd)
		r.Post("/tracking/stop", srv.handleTrackingStop)
		r.Post("/tracking/start", srv.handleTrackingStart)
		r.Post("/push", srv.handlePush)
		r.Get("/deadletters", srv.handleDeadLetters)
		r.Post("/samples", srv.handleSamples)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusNotFound, "not_found", "Not Found", "NOT_FOUND", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed", "METHOD_NOT_ALLOWED", "")
	})
	return r
}
