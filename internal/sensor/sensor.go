// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package sensor adapts external sensor sources to the tracker. A Feed
// delivers samples; a Controller arms high-rate capture while a trip is
// open and disarms it afterwards.
package sensor

import (
	"context"
	"errors"
	"sync"

	"github.com/ManuGH/tripsync/internal/trip"
)

// ErrFeedClosed is returned when publishing to a closed feed.
var ErrFeedClosed = errors.New("sensor feed closed")

// Sink receives samples from a Feed. It must not block for long.
type Sink func(trip.Sample)

// Feed is a source of samples. Run blocks until ctx is cancelled or the
// source fails.
type Feed interface {
	Run(ctx context.Context, sink Sink) error
}

// FaultNotifier is implemented by feeds that can lose their source while
// Run keeps going. fn is called from the feed's own goroutines.
type FaultNotifier interface {
	OnFault(fn func(error))
}

// Controller arms and disarms trip-time capture on the sensor subsystem.
type Controller interface {
	Arm(ctx context.Context) error
	Disarm(ctx context.Context) error
}

// Switch is an in-process Controller. Hooks, when set, are called before
// the armed flag flips; a hook error leaves the flag unchanged.
type Switch struct {
	mu       sync.Mutex
	armed    bool
	OnArm    func(ctx context.Context) error
	OnDisarm func(ctx context.Context) error
}

func (s *Switch) Arm(ctx context.Context) error {
	return s.set(ctx, true, s.OnArm)
}

func (s *Switch) Disarm(ctx context.Context) error {
	return s.set(ctx, false, s.OnDisarm)
}

func (s *Switch) set(ctx context.Context, armed bool, hook func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	s.armed = armed
	return nil
}

// Armed reports the current flag.
func (s *Switch) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// ChannelFeed is an in-process Feed fed through Publish.
type ChannelFeed struct {
	ch        chan trip.Sample
	closeOnce sync.Once
	done      chan struct{}
}

// NewChannelFeed creates a feed with the given queue size.
func NewChannelFeed(size int) *ChannelFeed {
	return &ChannelFeed{ch: make(chan trip.Sample, size), done: make(chan struct{})}
}

// Publish queues s, blocking while the queue is full.
func (f *ChannelFeed) Publish(ctx context.Context, s trip.Sample) error {
	select {
	case <-f.done:
		return ErrFeedClosed
	default:
	}
	select {
	case f.ch <- s:
		return nil
	case <-f.done:
		return ErrFeedClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops Run after the queued samples are delivered.
func (f *ChannelFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

func (f *ChannelFeed) Run(ctx context.Context, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-f.ch:
			sink(s)
		case <-f.done:
			for {
				select {
				case s := <-f.ch:
					sink(s)
				default:
					return nil
				}
			}
		}
	}
}
