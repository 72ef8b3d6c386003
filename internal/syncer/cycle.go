// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/tripsync/internal/config"
	xglog "github.com/ManuGH/tripsync/internal/log"
	"github.com/ManuGH/tripsync/internal/metrics"
	"github.com/ManuGH/tripsync/internal/telemetry"
	"github.com/ManuGH/tripsync/internal/transport"
	"github.com/ManuGH/tripsync/internal/trip"
	"github.com/ManuGH/tripsync/internal/wire"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNoEndpoint is recorded when a cycle runs before an endpoint is set.
	ErrNoEndpoint = errors.New("no sync endpoint configured")

	errEndpointUnavailable = errors.New("endpoint unavailable")
)

var tracer = telemetry.Tracer("github.com/ManuGH/tripsync/internal/syncer")

// cycle drains the buffer batch by batch until it is empty or a batch
// exhausts its retries.
func (s *Syncer) cycle(ctx context.Context, trigger Trigger) error {
	cfg := s.cfg.Get()
	if cfg.Sync.Endpoint == "" {
		s.setError(ErrNoEndpoint)
		return ErrNoEndpoint
	}
	sender, err := s.senderFor(cfg)
	if err != nil {
		s.setError(err)
		return err
	}

	batchSize := max(cfg.Sync.BatchSize, 1)
	for {
		batchID := s.newID()
		items, err := s.store.Drain(ctx, batchID, batchSize)
		if err != nil {
			s.logger.Error().Err(err).Str(xglog.FieldEvent, "sync.drain_failed").Msg("draining buffer failed")
			s.setError(err)
			return fmt.Errorf("drain: %w", err)
		}
		if len(items) == 0 {
			return nil
		}

		bctx := xglog.ContextWithBatchID(ctx, batchID)
		err = s.sendBatch(bctx, cfg, sender, trigger, batchID, items)
		if err = s.settle(bctx, cfg, batchID, items, err); err != nil {
			return err
		}
	}
}

// settle applies the outcome of one batch to the buffer. A nil return
// lets the cycle continue with the next batch.
func (s *Syncer) settle(ctx context.Context, cfg config.Config, batchID string, items []trip.Item, sendErr error) error {
	logger := xglog.WithContext(ctx, s.logger).With().Int("items", len(items)).Logger()

	switch {
	case sendErr == nil:
		if err := s.store.Ack(ctx, batchID); err != nil {
			logger.Error().Err(err).Str(xglog.FieldEvent, "sync.ack_failed").Msg("ack failed after delivery")
			s.setError(err)
			return fmt.Errorf("ack %s: %w", batchID, err)
		}
		s.setSuccess(s.now())
		metrics.RecordBatch("acked", len(items))
		logger.Info().Str(xglog.FieldEvent, "sync.batch_acked").Msg("batch delivered")
		return nil

	case ctx.Err() != nil:
		// Left IN_FLIGHT; recovered on next open.
		return ctx.Err()

	case transport.IsPermanent(sendErr):
		s.setError(sendErr)
		if err := s.store.Quarantine(ctx, batchID, sendErr.Error()); err != nil {
			logger.Error().Err(err).Str(xglog.FieldEvent, "sync.quarantine_failed").Msg("quarantine failed")
			return fmt.Errorf("quarantine %s: %w", batchID, err)
		}
		metrics.RecordBatch("quarantined", len(items))
		logger.Warn().Err(sendErr).Str(xglog.FieldEvent, "sync.batch_quarantined").Msg("endpoint rejected batch permanently")
		return nil

	default:
		s.setError(sendErr)
		failed, err := s.store.Requeue(ctx, batchID)
		if err != nil {
			logger.Error().Err(err).Str(xglog.FieldEvent, "sync.requeue_failed").Msg("requeue failed")
			return fmt.Errorf("requeue %s: %w", batchID, err)
		}
		metrics.RecordBatch("requeued", len(items))
		logger.Warn().Err(sendErr).
			Str(xglog.FieldEvent, "sync.batch_requeued").
			Int("failed_cycles", failed).
			Msg("retries exhausted, batch requeued")

		if limit := cfg.Sync.MaxFailedCycles; limit > 0 && failed >= limit {
			if err := s.quarantineHead(ctx, len(items), fmt.Sprintf("failed %d sync cycles: %v", failed, sendErr)); err != nil {
				return err
			}
		}
		return fmt.Errorf("%w: %w", errEndpointUnavailable, sendErr)
	}
}

// quarantineHead dead-letters the n oldest pending items. Right after a
// Requeue these are exactly the requeued batch: the worker is the only
// drainer and newer appends always sort after them.
func (s *Syncer) quarantineHead(ctx context.Context, n int, reason string) error {
	batchID := s.newID()
	items, err := s.store.Drain(ctx, batchID, n)
	if err != nil {
		return fmt.Errorf("drain for quarantine: %w", err)
	}
	if err := s.store.Quarantine(ctx, batchID, reason); err != nil {
		return fmt.Errorf("quarantine %s: %w", batchID, err)
	}
	metrics.RecordBatch("quarantined", len(items))
	s.logger.Warn().
		Str(xglog.FieldEvent, "sync.batch_quarantined").
		Str(xglog.FieldBatchID, batchID).
		Int("items", len(items)).
		Str("reason", reason).
		Msg("batch exceeded failed cycle limit")
	return nil
}

// sendBatch encodes and delivers one batch, retrying transient failures
// with exponential backoff. A batch gets attemptBudget tries per cycle;
// failing all of them exhausts it.
func (s *Syncer) sendBatch(ctx context.Context, cfg config.Config, sender transport.Sender, trigger Trigger, batchID string, items []trip.Item) error {
	scheme := transport.Scheme(cfg.Sync.Endpoint)
	ctx, span := tracer.Start(ctx, "sync.batch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(telemetry.BatchAttributes(batchID, len(items), scheme, cfg.Sync.Codec, cfg.Version)...),
		trace.WithAttributes(attribute.String(telemetry.SyncTriggerKey, string(trigger))),
	)
	defer span.End()

	payload, err := wire.Encode(wire.Envelope{
		BatchID:       batchID,
		ConfigVersion: cfg.Version,
		DeviceID:      s.deviceID,
		CreatedAt:     s.now().UTC(),
		Records:       items,
	}, wire.Format{Codec: cfg.Sync.Codec, Compression: cfg.Sync.Compression})
	if err != nil {
		err = fmt.Errorf("%w: %w", transport.ErrPermanent, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return err
	}
	span.SetAttributes(attribute.Int(telemetry.SyncBytesKey, len(payload.Body)))

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Sync.AttemptTimeout)
		defer cancel()

		start := time.Now()
		err := sender.Send(attemptCtx, batchID, payload)
		result := "ok"
		switch {
		case err == nil:
		case transport.IsPermanent(err):
			result = "permanent"
		default:
			result = "transient"
		}
		metrics.ObserveSend(scheme, result, time.Since(start))

		if err != nil && transport.IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(retryPolicy(cfg.Sync)),
		backoff.WithMaxTries(uint(attemptBudget(cfg.Sync))),
		backoff.WithMaxElapsedTime(maxElapsed(cfg.Sync)),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.RecordRetry()
			s.logger.Debug().Err(err).
				Str(xglog.FieldEvent, "sync.retry").
				Str(xglog.FieldBatchID, batchID).
				Int(xglog.FieldAttempt, attempt).
				Dur("backoff", next).
				Msg("batch send failed, retrying")
		}),
	)
	span.SetAttributes(attribute.Int(telemetry.SyncAttemptKey, attempt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		span.SetAttributes(attribute.String(telemetry.SyncOutcomeKey, "failed"))
		return err
	}
	span.SetAttributes(attribute.String(telemetry.SyncOutcomeKey, "acked"))
	return nil
}

// attemptBudget is the number of sends a batch gets in one cycle. A batch
// that fails MaxRetries consecutive sends is exhausted; zero still allows
// the first send.
func attemptBudget(c config.SyncConfig) int {
	return max(c.MaxRetries, 1)
}

func retryPolicy(c config.SyncConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RetryBaseDelay
	b.MaxInterval = c.RetryMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	return b
}

// maxElapsed bounds a batch's retry loop by its attempt budget so the
// library's default elapsed-time cap never cuts retries short.
func maxElapsed(c config.SyncConfig) time.Duration {
	tries := time.Duration(attemptBudget(c))
	return tries*(c.AttemptTimeout+c.RetryMaxDelay) + time.Minute
}

// senderFor returns the cached sender, rebuilding it when the endpoint or
// token changed.
func (s *Syncer) senderFor(cfg config.Config) (transport.Sender, error) {
	key := cfg.Sync.Endpoint + "\x00" + cfg.Sync.AuthToken
	if s.sender != nil && s.senderKey == key {
		return s.sender, nil
	}
	s.closeSender()
	sender, err := s.newSender(cfg.Sync.Endpoint, transport.Options{
		AuthToken: cfg.Sync.AuthToken,
		ClientID:  s.deviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("build sender: %w", err)
	}
	s.sender, s.senderKey = sender, key
	return sender, nil
}
