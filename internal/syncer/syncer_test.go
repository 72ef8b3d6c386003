// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package syncer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/tripsync/internal/buffer"
	"github.com/ManuGH/tripsync/internal/config"
	"github.com/ManuGH/tripsync/internal/metrics"
	"github.com/ManuGH/tripsync/internal/resilience"
	"github.com/ManuGH/tripsync/internal/transport"
	"github.com/ManuGH/tripsync/internal/trip"
	"github.com/ManuGH/tripsync/internal/wire"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

type mutableConfig struct {
	mu  sync.Mutex
	cfg config.Config
}

func (m *mutableConfig) Get() config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *mutableConfig) Set(cfg config.Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// fakeSender records every attempt. script decides the outcome of the
// n-th call (1-based); nil script accepts everything.
type fakeSender struct {
	mu      sync.Mutex
	calls   int
	acked   []wire.Envelope
	batches map[string]int
	script  func(call int, batchID string) error
	reject  func(env wire.Envelope) error
	block   bool
	closed  bool
}

func (f *fakeSender) Send(ctx context.Context, batchID string, p wire.Payload) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	if f.batches == nil {
		f.batches = map[string]int{}
	}
	f.batches[batchID]++
	script, reject, block := f.script, f.reject, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return fmt.Errorf("%w: %v", transport.ErrTransient, ctx.Err())
	}
	if script != nil {
		if err := script(call, batchID); err != nil {
			return err
		}
	}
	env, err := wire.Decode(p)
	if err != nil {
		return err
	}
	if reject != nil {
		if err := reject(env); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.acked = append(f.acked, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) snapshot() (calls int, acked []wire.Envelope, perBatch map[string]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	perBatch = make(map[string]int, len(f.batches))
	for k, v := range f.batches {
		perBatch[k] = v
	}
	return f.calls, append([]wire.Envelope(nil), f.acked...), perBatch
}

func transientErr() error { return fmt.Errorf("%w: 503", transport.ErrTransient) }
func permanentErr() error { return fmt.Errorf("%w: 400", transport.ErrPermanent) }

type harness struct {
	s      *Syncer
	store  buffer.Store
	sender *fakeSender
	cfg    *mutableConfig
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Version = 3
	cfg.DeviceID = "dev-1"
	cfg.Sync.Endpoint = "https://collector.example/ingest"
	cfg.Sync.BatchSize = 20
	cfg.Sync.MaxRetries = 5
	cfg.Sync.Interval = time.Hour
	cfg.Sync.RetryBaseDelay = time.Millisecond
	cfg.Sync.RetryMaxDelay = 5 * time.Millisecond
	cfg.Sync.AttemptTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg config.Config, sender *fakeSender, breaker *resilience.CircuitBreaker) *harness {
	t.Helper()
	store := buffer.NewMemory()
	mc := &mutableConfig{cfg: cfg}
	var (
		idMu sync.Mutex
		n    int
	)
	s, err := New(Options{
		Config:   mc,
		Store:    store,
		DeviceID: "dev-1",
		NewSender: func(string, transport.Options) (transport.Sender, error) {
			return sender, nil
		},
		Now: func() time.Time { return t0 },
		NewID: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			n++
			return fmt.Sprintf("batch-%d", n)
		},
		Breaker: breaker,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{s: s, store: store, sender: sender, cfg: mc, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- s.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.once.Do(func() {
		h.cancel()
		<-h.done
	})
}

func (h *harness) fill(t *testing.T, n int) {
	t.Helper()
	items := make([]trip.Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, trip.SampleItem("trip-1", trip.Sample{
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			Kind:      trip.SensorAccelerometer,
			Payload:   []float64{float64(i), 0, 0},
		}))
	}
	require.NoError(t, h.store.Append(context.Background(), items...))
}

// push forces a cycle and waits for it to finish.
func (h *harness) push(t *testing.T) {
	t.Helper()
	select {
	case <-h.s.cycled:
	default:
	}
	h.s.ForcePush()
	select {
	case <-h.s.cycled:
	case <-time.After(5 * time.Second):
		t.Fatal("sync cycle did not finish")
	}
}

func (h *harness) stats(t *testing.T) buffer.Stats {
	t.Helper()
	st, err := h.store.Stats(context.Background())
	require.NoError(t, err)
	return st
}

func TestForcedPush_RetriesThenDrainsAll(t *testing.T) {
	retriesBefore := testutil.ToFloat64(metrics.SyncRetriesTotal)

	sender := &fakeSender{script: func(call int, _ string) error {
		if call <= 2 {
			return transientErr()
		}
		return nil
	}}
	h := newHarness(t, testConfig(), sender, nil)
	h.fill(t, 100)

	h.push(t)

	calls, acked, perBatch := sender.snapshot()
	assert.Equal(t, 7, calls)
	require.Len(t, acked, 5)
	assert.Equal(t, 3, perBatch["batch-1"], "first batch tried three times")
	for i := 2; i <= 5; i++ {
		assert.Equal(t, 1, perBatch[fmt.Sprintf("batch-%d", i)])
	}
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.SyncRetriesTotal)-retriesBefore, 0)

	var last uint64
	for _, env := range acked {
		assert.Equal(t, uint64(3), env.ConfigVersion)
		assert.Equal(t, "dev-1", env.DeviceID)
		require.Len(t, env.Records, 20)
		for _, r := range env.Records {
			assert.Greater(t, r.Seq, last)
			last = r.Seq
		}
	}

	st := h.stats(t)
	assert.Zero(t, st.PendingItems)
	assert.Zero(t, st.InFlightItems)

	status := h.s.Status()
	require.NotNil(t, status.LastSyncAt)
	assert.Equal(t, t0, *status.LastSyncAt)
	assert.Empty(t, status.LastSyncError)
}

func TestTransientExhaustion_RequeuesAndStopsCycle(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.MaxRetries = 2
	sender := &fakeSender{script: func(int, string) error { return transientErr() }}
	h := newHarness(t, cfg, sender, nil)
	h.fill(t, 30)

	h.push(t)

	calls, acked, _ := sender.snapshot()
	assert.Equal(t, 2, calls, "two sends exhaust the batch, then the cycle stops")
	assert.Empty(t, acked)

	st := h.stats(t)
	assert.Equal(t, 30, st.PendingItems)
	assert.Zero(t, st.InFlightItems)
	assert.Contains(t, h.s.Status().LastSyncError, "503")

	// Requeued items keep their order and are sent first next time.
	sender.mu.Lock()
	sender.script = nil
	sender.mu.Unlock()
	h.push(t)

	_, acked, _ = sender.snapshot()
	require.Len(t, acked, 2)
	assert.Equal(t, uint64(1), acked[0].Records[0].Seq)
	assert.Zero(t, h.stats(t).PendingItems)
}

func TestRetryBudget_Boundary(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		acked    bool
	}{
		{name: "fewer failures than budget", failures: 2, acked: true},
		{name: "failures equal budget", failures: 3, acked: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Sync.MaxRetries = 3
			sender := &fakeSender{script: func(call int, _ string) error {
				if call <= tt.failures {
					return transientErr()
				}
				return nil
			}}
			h := newHarness(t, cfg, sender, nil)
			h.fill(t, 5)

			h.push(t)

			calls, acked, _ := sender.snapshot()
			if tt.acked {
				assert.Equal(t, tt.failures+1, calls)
				assert.Len(t, acked, 1)
				assert.Zero(t, h.stats(t).PendingItems)
			} else {
				assert.Equal(t, 3, calls)
				assert.Empty(t, acked)
				assert.Equal(t, 5, h.stats(t).PendingItems)
			}
		})
	}
}

func TestDefaults_StuckBatchIsQuarantinedAndNextDelivered(t *testing.T) {
	cfg := config.Defaults()
	cfg.Version = 1
	cfg.Sync.Endpoint = "https://collector.example/ingest"
	cfg.Sync.BatchSize = 20
	cfg.Sync.Interval = time.Hour
	cfg.Sync.RetryBaseDelay = time.Millisecond
	cfg.Sync.RetryMaxDelay = 2 * time.Millisecond
	cfg.Sync.AttemptTimeout = time.Second
	require.Positive(t, cfg.Sync.MaxFailedCycles)

	// The batch holding the oldest items never gets through.
	sender := &fakeSender{reject: func(env wire.Envelope) error {
		if env.Records[0].Seq == 1 {
			return transientErr()
		}
		return nil
	}}
	h := newHarness(t, cfg, sender, nil)
	h.fill(t, 40)

	for range cfg.Sync.MaxFailedCycles {
		h.push(t)
	}
	st := h.stats(t)
	assert.Equal(t, 20, st.QuarantinedItems)
	assert.Equal(t, 20, st.PendingItems)

	h.push(t)

	_, acked, _ := sender.snapshot()
	require.Len(t, acked, 1)
	assert.Equal(t, uint64(21), acked[0].Records[0].Seq)
	st = h.stats(t)
	assert.Zero(t, st.PendingItems)
	assert.Equal(t, 1, st.QuarantinedBatches)
}

func TestTransientExhaustion_QuarantinesAfterFailedCycles(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.MaxRetries = 0
	cfg.Sync.MaxFailedCycles = 2
	sender := &fakeSender{script: func(int, string) error { return transientErr() }}
	h := newHarness(t, cfg, sender, nil)
	h.fill(t, 30)

	h.push(t)
	assert.Equal(t, 30, h.stats(t).PendingItems)

	h.push(t)
	st := h.stats(t)
	assert.Equal(t, 10, st.PendingItems)
	assert.Equal(t, 20, st.QuarantinedItems)

	dead, err := h.store.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Len(t, dead[0].Items, 20)
	assert.Equal(t, uint64(1), dead[0].Items[0].Seq)
	assert.Contains(t, dead[0].Reason, "failed 2 sync cycles")
}

func TestPermanentFailure_QuarantinesAndContinues(t *testing.T) {
	sender := &fakeSender{script: func(_ int, batchID string) error {
		if batchID == "batch-1" {
			return permanentErr()
		}
		return nil
	}}
	h := newHarness(t, testConfig(), sender, nil)
	h.fill(t, 40)

	h.push(t)

	_, acked, perBatch := sender.snapshot()
	assert.Equal(t, 1, perBatch["batch-1"], "permanent failures are not retried")
	require.Len(t, acked, 1)
	assert.Equal(t, uint64(21), acked[0].Records[0].Seq)

	st := h.stats(t)
	assert.Zero(t, st.PendingItems)
	assert.Equal(t, 20, st.QuarantinedItems)
	assert.Equal(t, 1, st.QuarantinedBatches)
}

func TestShutdownDuringRetry_LeavesBatchInFlight(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.AttemptTimeout = time.Hour
	sender := &fakeSender{block: true}
	h := newHarness(t, cfg, sender, nil)
	h.fill(t, 25)

	h.s.ForcePush()
	require.Eventually(t, func() bool {
		calls, _, _ := sender.snapshot()
		return calls == 1
	}, 5*time.Second, 5*time.Millisecond)

	h.stop()

	st := h.stats(t)
	assert.Equal(t, 20, st.InFlightItems)
	assert.Equal(t, 5, st.PendingItems)

	n, err := h.store.RecoverInFlight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestForcePush_Coalesces(t *testing.T) {
	sender := &fakeSender{}
	h := newHarness(t, testConfig(), sender, nil)
	for i := 0; i < 10; i++ {
		h.s.ForcePush()
	}
	h.fill(t, 5)
	h.push(t)

	_, acked, _ := sender.snapshot()
	require.Len(t, acked, 1)
	assert.Len(t, acked[0].Records, 5)
}

func TestNoEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.Endpoint = ""
	sender := &fakeSender{}
	h := newHarness(t, cfg, sender, nil)
	h.fill(t, 3)

	h.push(t)

	calls, _, _ := sender.snapshot()
	assert.Zero(t, calls)
	assert.Equal(t, 3, h.stats(t).PendingItems)
	assert.Equal(t, ErrNoEndpoint.Error(), h.s.Status().LastSyncError)
}

func TestPeriodicCycles_SkipWhileBreakerOpen(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.MaxRetries = 0
	cfg.Sync.Interval = 10 * time.Millisecond
	breaker := resilience.NewCircuitBreaker("test_sync", 1, time.Hour,
		resilience.WithFailureFilter(countsAgainstEndpoint))
	sender := &fakeSender{script: func(int, string) error { return transientErr() }}
	h := newHarness(t, cfg, sender, breaker)
	h.fill(t, 5)

	require.Eventually(t, func() bool {
		return breaker.State() == resilience.StateOpen
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	calls, _, _ := sender.snapshot()
	assert.Equal(t, 1, calls, "open breaker skips periodic cycles")

	sender.mu.Lock()
	sender.script = nil
	sender.mu.Unlock()
	h.push(t)

	_, acked, _ := sender.snapshot()
	assert.Len(t, acked, 1, "forced push bypasses the breaker")
	assert.Equal(t, resilience.StateClosed, breaker.State())
}

func TestReconfigure_RebuildsSender(t *testing.T) {
	sender := &fakeSender{}
	h := newHarness(t, testConfig(), sender, nil)
	h.fill(t, 1)
	h.push(t)

	cfg := testConfig()
	cfg.Sync.Endpoint = "redis://localhost:6379/trips"
	h.cfg.Set(cfg)
	h.s.Reconfigure()

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return sender.closed
	}, 5*time.Second, 5*time.Millisecond)
}
