// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ManuGH/tripsync/internal/buffer"
	"github.com/ManuGH/tripsync/internal/config"
	"github.com/ManuGH/tripsync/internal/control"
	"github.com/ManuGH/tripsync/internal/control/http/problem"
	xglog "github.com/ManuGH/tripsync/internal/log"
	"github.com/ManuGH/tripsync/internal/tracker"
	"github.com/ManuGH/tripsync/internal/trip"
)

// redacted replaces secrets in GET /v1/config.
const redacted = "***"

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		xglog.WithComponentFromContext(r.Context(), "control.http").Error().
			Err(err).
			Int("status", code).
			Msg("failed to encode JSON response")
	}
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, problemType, title, code, detail string) {
	problem.Write(w, r, status, problemType, title, code, detail, nil)
}

// handleInit accepts the same document as the YAML config file, in JSON or
// YAML, and applies it on top of the defaults.
func (s *server) handleInit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "request/unreadable", "Bad Request", "BAD_REQUEST", err.Error())
		return
	}
	if len(body) > maxBody {
		writeProblem(w, r, http.StatusRequestEntityTooLarge, "request/too_large", "Payload Too Large", "TOO_LARGE", "")
		return
	}

	fc, err := config.ParseFile(body)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "config/malformed", "Malformed Configuration", "CONFIG_MALFORMED", err.Error())
		return
	}
	cfg, err := config.FromFile(fc)
	if err == nil {
		err = s.surface.LaunchInit(r.Context(), cfg)
	}
	if err != nil {
		if errors.Is(err, config.ErrConfigInvalid) {
			writeProblem(w, r, http.StatusUnprocessableEntity, "config/invalid", "Invalid Configuration", "CONFIG_INVALID", err.Error())
			return
		}
		writeProblem(w, r, http.StatusInternalServerError, "config/apply_failed", "Configuration Not Applied", "APPLY_FAILED", err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, configView(s.surface.GetConfig()))
}

type configResponse struct {
	Version uint64             `json:"version"`
	Config  *config.FileConfig `json:"config"`
}

func configView(cfg config.Config) configResponse {
	fc := config.ToFile(cfg)
	if fc.Sync != nil && fc.Sync.AuthToken != "" {
		fc.Sync.AuthToken = redacted
	}
	return configResponse{Version: cfg.Version, Config: &fc}
}

func (s *server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, configView(s.surface.GetConfig()))
}

func (s *server) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.surface.GetState(r.Context()))
}

func (s *server) handleTripStart(w http.ResponseWriter, r *http.Request) {
	s.tripCommand(w, r, s.surface.ForceTripStart(r.Context()))
}

func (s *server) handleTripEnd(w http.ResponseWriter, r *http.Request) {
	s.tripCommand(w, r, s.surface.ForceTripEnd(r.Context()))
}

func (s *server) handleTrackingStop(w http.ResponseWriter, r *http.Request) {
	s.tripCommand(w, r, s.surface.StopTracking(r.Context()))
}

func (s *server) handleTrackingStart(w http.ResponseWriter, r *http.Request) {
	s.tripCommand(w, r, s.surface.StartTracking(r.Context()))
}

func (s *server) tripCommand(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusOK, s.surface.GetState(r.Context()))
	case errors.Is(err, tracker.ErrInvalidTransition):
		writeProblem(w, r, http.StatusConflict, "trip/invalid_transition", "Invalid Transition", "INVALID_TRANSITION", err.Error())
	case errors.Is(err, tracker.ErrCaptureHalted):
		writeProblem(w, r, http.StatusServiceUnavailable, "trip/capture_halted", "Capture Halted", "CAPTURE_HALTED", err.Error())
	case errors.Is(err, tracker.ErrTrackingStopped):
		writeProblem(w, r, http.StatusConflict, "trip/tracking_stopped", "Tracking Stopped", "TRACKING_STOPPED", err.Error())
	case errors.Is(err, tracker.ErrStopped):
		writeProblem(w, r, http.StatusServiceUnavailable, "trip/stopped", "Tracker Stopped", "TRACKER_STOPPED", err.Error())
	default:
		writeProblem(w, r, http.StatusInternalServerError, "trip/failed", "Command Failed", "INTERNAL", err.Error())
	}
}

func (s *server) handlePush(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusAccepted, s.surface.ForceRemotePush())
}

func (s *server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead, err := s.surface.DeadLetters(r.Context())
	if err != nil {
		writeProblem(w, r, http.StatusInternalServerError, "buffer/unavailable", "Buffer Unavailable", "BUFFER_UNAVAILABLE", err.Error())
		return
	}
	if dead == nil {
		dead = []buffer.DeadLetter{}
	}
	writeJSON(w, r, http.StatusOK, dead)
}

type samplesResponse struct {
	Accepted int `json:"accepted"`
}

// handleSamples accepts a JSON array of samples from the host adapter.
func (s *server) handleSamples(w http.ResponseWriter, r *http.Request) {
	var samples []trip.Sample
	dec := json.NewDecoder(io.LimitReader(r.Body, maxSamplesBody))
	if err := dec.Decode(&samples); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "samples/malformed", "Malformed Samples", "SAMPLES_MALFORMED", err.Error())
		return
	}
	n, err := s.surface.SubmitSamples(r.Context(), samples)
	if err != nil {
		if errors.Is(err, control.ErrIngestDisabled) {
			writeProblem(w, r, http.StatusNotImplemented, "samples/disabled", "Ingest Disabled", "INGEST_DISABLED", err.Error())
			return
		}
		writeProblem(w, r, http.StatusServiceUnavailable, "samples/rejected", "Samples Rejected", "SAMPLES_REJECTED", err.Error())
		return
	}
	writeJSON(w, r, http.StatusAccepted, samplesResponse{Accepted: n})
}
