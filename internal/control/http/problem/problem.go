// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package problem writes RFC 7807 problem responses for the control API.
package problem

import (
	"encoding/json"
	"net/http"

	xglog "github.com/ManuGH/tripsync/internal/log"
)

const (
	// HeaderRequestID is the request correlation header.
	HeaderRequestID = "X-Request-ID"
	// JSONKeyRequestID is the correlation key in problem bodies.
	JSONKeyRequestID = "requestId"
)

// Write writes an application/problem+json response.
//
//   - type:   machine identifier, e.g. "config/invalid"
//   - title:  short human label
//   - code:   stable machine code, e.g. "CONFIG_INVALID"
//   - detail: explanation of this occurrence
func Write(w http.ResponseWriter, r *http.Request, status int, problemType, title, code, detail string, extra map[string]any) {
	res := map[string]any{
		"type":   problemType,
		"title":  title,
		"status": status,
		"code":   code,
	}
	if detail != "" {
		res["detail"] = detail
	}
	if r != nil {
		res["instance"] = r.URL.EscapedPath()
		if reqID := xglog.RequestIDFromContext(r.Context()); reqID != "" {
			res[JSONKeyRequestID] = reqID
		}
	}
	for k, v := range extra {
		switch k {
		case "type", "title", "status", "detail", "instance", "code":
			continue
		}
		res[k] = v
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		xglog.WithComponent("control.http").Error().
			Err(err).
			Str("type", problemType).
			Int("status", status).
			Msg("failed to encode problem response")
	}
}
