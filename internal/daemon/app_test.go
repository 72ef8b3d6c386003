// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/tripsync/internal/buffer"
	"github.com/ManuGH/tripsync/internal/config"
	"github.com/ManuGH/tripsync/internal/health"
	"github.com/ManuGH/tripsync/internal/sensor"
	"github.com/ManuGH/tripsync/internal/tracker"
	"github.com/ManuGH/tripsync/internal/trip"
	"github.com/ManuGH/tripsync/internal/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	batches []wire.Envelope
	keys    []string
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	env, err := wire.Decode(wire.Payload{
		Body:            body,
		ContentType:     r.Header.Get("Content-Type"),
		ContentEncoding: r.Header.Get("Content-Encoding"),
	})
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.batches = append(c.batches, env)
	c.keys = append(c.keys, r.Header.Get("Idempotency-Key"))
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *collector) items() []trip.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []trip.Item
	for _, b := range c.batches {
		out = append(out, b.Records...)
	}
	return out
}

func testConfig(endpoint string) config.Config {
	cfg := config.Defaults()
	cfg.DataDir = ""
	cfg.Buffer.Backend = config.BackendMemory
	cfg.Control.ListenAddr = "127.0.0.1:0"
	cfg.Control.MetricsAddr = ""
	cfg.Control.RateLimit = 0
	cfg.Sync.Endpoint = endpoint
	cfg.Sync.Interval = time.Hour
	cfg.Sync.BatchSize = 3
	cfg.Sync.RetryBaseDelay = 10 * time.Millisecond
	cfg.Sync.RetryMaxDelay = 20 * time.Millisecond
	cfg.Sync.Codec = config.CodecCBOR
	cfg.Sync.Compression = config.CompressionZstd
	return cfg
}

type runningApp struct {
	app  *App
	base string
	stop func()
}

func startApp(t *testing.T, cfg config.Config) *runningApp {
	t.Helper()
	holder := config.NewHolder(cfg, nil)
	app, err := Bootstrap(context.Background(), Options{Holder: holder, Version: "test"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	var once sync.Once
	r := &runningApp{app: app, base: "http://" + app.APIAddr()}
	r.stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(10 * time.Second):
				t.Error("app did not stop")
			}
		})
	}
	t.Cleanup(r.stop)
	return r
}

func (r *runningApp) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(r.base+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (r *runningApp) state(t *testing.T) trip.Snapshot {
	t.Helper()
	resp, err := http.Get(r.base + "/v1/state")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap trip.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	return snap
}

func TestApp_ForcedTripIsDeliveredInOrder(t *testing.T) {
	col := &collector{}
	remote := httptest.NewServer(col)
	defer remote.Close()

	r := startApp(t, testConfig(remote.URL))

	resp := r.post(t, "/v1/trip/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, trip.StateTracking, r.state(t).State)

	t0 := time.Now().UTC()
	samples := []trip.Sample{
		{Timestamp: t0, Kind: trip.SensorLocation, Payload: []float64{52.5, 13.4, 8}},
		{Timestamp: t0.Add(time.Second), Kind: trip.SensorLocation, Payload: []float64{52.6, 13.5, 9}},
	}
	body, err := json.Marshal(samples)
	require.NoError(t, err)
	resp = r.post(t, "/v1/samples", string(body))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Samples are queued through the feed; wait for them to be buffered.
	require.Eventually(t, func() bool {
		s := r.state(t)
		return s.PendingItems >= 4
	}, 5*time.Second, 20*time.Millisecond)

	resp = r.post(t, "/v1/trip/end", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := r.state(t)
	assert.Equal(t, trip.StateIdle, snap.State)
	assert.Empty(t, snap.OpenTripID)

	resp = r.post(t, "/v1/push", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		s := r.state(t)
		return s.PendingItems == 0 && s.InFlightItems == 0 && s.LastSyncAt != nil
	}, 5*time.Second, 20*time.Millisecond)

	items := col.items()
	require.NotEmpty(t, items)
	for i := 1; i < len(items); i++ {
		assert.Less(t, items[i-1].Seq, items[i].Seq, "records must arrive in capture order")
	}

	var kinds []trip.ItemKind
	var sampleCount int
	for _, it := range items {
		kinds = append(kinds, it.Kind)
		if it.Kind == trip.ItemSample {
			sampleCount++
		}
	}
	assert.Equal(t, 2, sampleCount)
	assert.Contains(t, kinds, trip.ItemBoundary)
	assert.Contains(t, kinds, trip.ItemTransition)

	col.mu.Lock()
	for i, b := range col.batches {
		assert.Equal(t, b.BatchID, col.keys[i])
		assert.LessOrEqual(t, len(b.Records), 3)
		assert.NotEmpty(t, b.DeviceID)
	}
	col.mu.Unlock()
}

func TestApp_InitReconfiguresRunningDaemon(t *testing.T) {
	r := startApp(t, testConfig(""))

	resp := r.post(t, "/v1/push", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		return r.state(t).LastSyncError != ""
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(r.base + "/readyz")
	require.NoError(t, err)
	var ready health.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "a sync error degrades but keeps the daemon ready")
	assert.Equal(t, health.StatusDegraded, ready.Checks["sync"].Status)
	assert.Equal(t, health.StatusHealthy, ready.Checks["buffer"].Status)

	before := r.state(t).ConfigVersion
	resp = r.post(t, "/v1/init", `{"sync":{"batchSize":7,"interval":"30s"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap := r.state(t)
	assert.Greater(t, snap.ConfigVersion, before)
	cfg := r.app.Surface().GetConfig()
	assert.Equal(t, 7, cfg.Sync.BatchSize)
	assert.Equal(t, config.BackendMemory, cfg.Buffer.Backend, "startup-bound settings survive init")

	resp = r.post(t, "/v1/init", `{"sync":{"codec":"xml"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, 7, r.app.Surface().GetConfig().Sync.BatchSize)
}

func TestBootstrap_RequiresHolder(t *testing.T) {
	_, err := Bootstrap(context.Background(), Options{})
	assert.Error(t, err)
}

func TestBootstrap_InvalidFeedReleasesResources(t *testing.T) {
	cfg := testConfig("")
	cfg.Sensor.Feed = "mqtt://127.0.0.1:1883"
	_, err := Bootstrap(context.Background(), Options{Holder: config.NewHolder(cfg, nil)})
	assert.Error(t, err, "feed URL without topic is rejected")
}

func TestEnsureDeviceID_Persists(t *testing.T) {
	dir := t.TempDir()
	id, err := ensureDeviceID(dir)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := ensureDeviceID(dir)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	data, err := os.ReadFile(filepath.Join(dir, deviceIDFile))
	require.NoError(t, err)
	assert.Equal(t, id, string(bytes.TrimSpace(data)))
}

func TestEnsureDeviceID_Ephemeral(t *testing.T) {
	a, err := ensureDeviceID("")
	require.NoError(t, err)
	b, err := ensureDeviceID("")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestFeedFaultHandler_ClosesOpenTrip(t *testing.T) {
	store := buffer.NewMemory()
	sw := &sensor.Switch{}
	trk, err := tracker.New(tracker.Options{
		Config:  config.NewHolder(config.Defaults(), nil),
		Store:   store,
		Sensors: sw,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- trk.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.NoError(t, trk.ForceTripStart(ctx))
	require.True(t, sw.Armed())

	feedFaultHandler(trk, zerolog.Nop())(errors.New("broker connection reset"))

	v := trk.State()
	assert.Equal(t, trip.StateIdle, v.State)
	assert.Empty(t, v.OpenTripID)
	assert.False(t, v.SensorHealthy)
	assert.False(t, sw.Armed())

	items, err := store.Drain(context.Background(), "check", 100)
	require.NoError(t, err)
	trips, err := trip.Partition(items)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	require.NotNil(t, trips[0].End)
	assert.Equal(t, trip.CauseAutomatic, trips[0].End.Cause)
}
