// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ManuGH/tripsync/internal/wire"
	"github.com/alicebob/miniredis/v2"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payload = wire.Payload{Body: []byte(`{"batch_id":"b-1"}`), ContentType: wire.ContentTypeJSON}

func TestHTTP_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
		ok        bool
	}{
		{http.StatusOK, false, true},
		{http.StatusAccepted, false, true},
		{http.StatusRequestTimeout, false, false},
		{http.StatusTooManyRequests, false, false},
		{http.StatusInternalServerError, false, false},
		{http.StatusServiceUnavailable, false, false},
		{http.StatusBadRequest, true, false},
		{http.StatusUnauthorized, true, false},
		{http.StatusRequestEntityTooLarge, true, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			s, err := NewHTTP(srv.URL, Options{})
			require.NoError(t, err)
			defer s.Close()

			err = s.Send(context.Background(), "b-1", payload)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, IsPermanent(err))
			assert.Equal(t, !tt.permanent, IsTransient(err))
		})
	}
}

func TestHTTP_Headers(t *testing.T) {
	var got *http.Request
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := New(srv.URL+"/ingest", Options{AuthToken: "secret"})
	require.NoError(t, err)
	defer s.Close()

	p := wire.Payload{Body: []byte("x"), ContentType: wire.ContentTypeCBOR, ContentEncoding: wire.EncodingZstd}
	require.NoError(t, s.Send(context.Background(), "b-42", p))

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/ingest", got.URL.Path)
	assert.Equal(t, "Bearer secret", got.Header.Get("Authorization"))
	assert.Equal(t, wire.ContentTypeCBOR, got.Header.Get("Content-Type"))
	assert.Equal(t, wire.EncodingZstd, got.Header.Get("Content-Encoding"))
	assert.Equal(t, "b-42", got.Header.Get(HeaderBatchID))
	assert.Equal(t, []byte("x"), body)
}

func TestHTTP_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	s, err := NewHTTP(url, Options{HTTPClient: &http.Client{Timeout: time.Second}})
	require.NoError(t, err)
	err = s.Send(context.Background(), "b-1", payload)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestRedis_XAdd(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := New("redis://"+mr.Addr()+"/trips", Options{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Send(context.Background(), "b-7", payload))

	entries, err := mr.Stream("trips")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{
		"batch_id", "b-7",
		"content_type", wire.ContentTypeJSON,
		"content_encoding", "",
		"body", string(payload.Body),
	}, entries[0].Values)
}

func TestRedis_WrongTypeIsPermanent(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("trips", "not a stream"))

	s, err := NewRedis("redis://"+mr.Addr()+"/trips", Options{})
	require.NoError(t, err)
	defer s.Close()

	err = s.Send(context.Background(), "b-1", payload)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestRedis_UnreachableIsTransient(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	s, err := NewRedis("redis://"+addr+"/trips", Options{})
	require.NoError(t, err)
	defer s.Close()

	err = s.Send(context.Background(), "b-1", payload)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestParseRedisURL(t *testing.T) {
	o, stream, err := ParseRedisURL("redis://user:pw@localhost:6379/trips?db=3")
	require.NoError(t, err)
	assert.Equal(t, "trips", stream)
	assert.Equal(t, "localhost:6379", o.Addr)
	assert.Equal(t, "user", o.Username)
	assert.Equal(t, "pw", o.Password)
	assert.Equal(t, 3, o.DB)

	_, _, err = ParseRedisURL("redis://localhost:6379")
	assert.Error(t, err)
	_, _, err = ParseRedisURL("redis://localhost/trips?db=x")
	assert.Error(t, err)
}

func TestParseKafkaURL(t *testing.T) {
	brokers, topic, err := ParseKafkaURL("kafka://k1:9092,k2:9092/trip-batches")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, brokers)
	assert.Equal(t, "trip-batches", topic)

	_, _, err = ParseKafkaURL("kafka://k1:9092")
	assert.Error(t, err)
}

func TestClassifyKafka(t *testing.T) {
	assert.True(t, IsPermanent(classifyKafka("b", kafka.MessageSizeTooLarge)))
	assert.True(t, IsTransient(classifyKafka("b", kafka.LeaderNotAvailable)))
	assert.True(t, IsTransient(classifyKafka("b", errors.New("dial tcp: refused"))))
}

func TestNew_Schemes(t *testing.T) {
	for _, ep := range []string{
		"mqtt://localhost:1883/trips/batches",
		"kafka://localhost:9092/trips",
	} {
		s, err := New(ep, Options{ClientID: "dev"})
		require.NoError(t, err, ep)
		require.NoError(t, s.Close())
	}

	_, err := New("ftp://example.com/x", Options{})
	assert.Error(t, err)
	_, err = New("mqtt://localhost:1883", Options{})
	assert.Error(t, err)

	assert.Equal(t, "https", Scheme("https://example.com"))
	assert.Equal(t, "unknown", Scheme("::"))
}
