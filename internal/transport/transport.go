// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package transport delivers encoded batches to the collection endpoint.
// The endpoint URL scheme selects the transport: http(s), mqtt, kafka or
// redis. Every transport reports failures as transient (retry later) or
// permanent (the payload will never be accepted).
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ManuGH/tripsync/internal/wire"
)

var (
	ErrTransient = errors.New("transient delivery failure")
	ErrPermanent = errors.New("permanent delivery failure")
)

// Sender delivers one batch. A nil error means the endpoint acknowledged it.
type Sender interface {
	Send(ctx context.Context, batchID string, p wire.Payload) error
	Close() error
}

// Options carries endpoint-independent settings.
type Options struct {
	AuthToken string
	ClientID  string
	// HTTPClient overrides the client used by the http transport.
	HTTPClient *http.Client
}

// New returns the Sender for endpoint.
func New(endpoint string, opts Options) (Sender, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTP(endpoint, opts)
	case "mqtt":
		return NewMQTT(endpoint, opts)
	case "kafka":
		return NewKafka(endpoint, opts)
	case "redis":
		return NewRedis(endpoint, opts)
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}

// Scheme returns the URL scheme of endpoint, or "unknown".
func Scheme(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" {
		return "unknown"
	}
	return u.Scheme
}

func transient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

func permanent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// IsTransient reports whether err may succeed on retry. Unclassified
// errors are treated as transient.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}
