// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	xglog "github.com/ManuGH/tripsync/internal/log"
	"github.com/ManuGH/tripsync/internal/trip"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	mqttQoS        = 1
	mqttOpTimeout  = 5 * time.Second
	controlSuffix  = "/control"
	maxLoggedBytes = 256
)

// MQTTFeed subscribes to JSON samples on a broker topic and arms or
// disarms capture by publishing a retained message on <topic>/control.
type MQTTFeed struct {
	broker string
	topic  string
	client mqtt.Client
	logger zerolog.Logger

	mu    sync.Mutex
	sink  Sink
	fault func(error)
}

type controlMessage struct {
	Armed bool      `json:"armed"`
	At    time.Time `json:"ts"`
}

// ParseMQTTURL splits mqtt://host:port/topic into a broker URL and topic.
func ParseMQTTURL(raw string) (broker, topic string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse mqtt url: %w", err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("mqtt url %q has no host", raw)
	}
	topic = strings.TrimPrefix(u.Path, "/")
	if topic == "" {
		return "", "", fmt.Errorf("mqtt url %q has no topic", raw)
	}
	scheme := u.Scheme
	if scheme == "mqtt" {
		scheme = "tcp"
	}
	return scheme + "://" + u.Host, topic, nil
}

// NewMQTTFeed builds a feed for rawURL (mqtt://host:port/topic).
func NewMQTTFeed(rawURL, clientID string) (*MQTTFeed, error) {
	broker, topic, err := ParseMQTTURL(rawURL)
	if err != nil {
		return nil, err
	}
	f := &MQTTFeed{
		broker: broker,
		topic:  topic,
		logger: xglog.WithComponent("sensor.mqtt"),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetOrderMatters(true).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		if token := c.Subscribe(f.topic, mqttQoS, f.handle); token.WaitTimeout(mqttOpTimeout) && token.Error() != nil {
			f.logger.Error().Err(token.Error()).Str(xglog.FieldEvent, "sensor.subscribe_failed").Str("topic", f.topic).Msg("mqtt subscribe failed")
			return
		}
		f.logger.Info().Str(xglog.FieldEvent, "sensor.subscribed").Str("topic", f.topic).Msg("subscribed to sensor topic")
	}
	opts.OnConnectionLost = f.connectionLost

	f.client = mqtt.NewClient(opts)
	return f, nil
}

// OnFault registers fn to be told when the broker connection drops.
func (f *MQTTFeed) OnFault(fn func(error)) {
	f.mu.Lock()
	f.fault = fn
	f.mu.Unlock()
}

func (f *MQTTFeed) connectionLost(_ mqtt.Client, err error) {
	f.logger.Warn().Err(err).Str(xglog.FieldEvent, "sensor.connection_lost").Msg("mqtt connection lost")
	f.mu.Lock()
	fault := f.fault
	f.mu.Unlock()
	if fault != nil {
		fault(fmt.Errorf("mqtt connection to %s lost: %w", f.broker, err))
	}
}

// Run connects and delivers samples until ctx is cancelled.
func (f *MQTTFeed) Run(ctx context.Context, sink Sink) error {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()

	token := f.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", f.broker, err)
		}
	case <-ctx.Done():
		f.client.Disconnect(250)
		return nil
	}

	<-ctx.Done()
	f.client.Disconnect(250)
	return nil
}

func (f *MQTTFeed) handle(_ mqtt.Client, msg mqtt.Message) {
	s, err := decodeSample(msg.Payload())
	if err != nil {
		payload := msg.Payload()
		if len(payload) > maxLoggedBytes {
			payload = payload[:maxLoggedBytes]
		}
		f.logger.Warn().Err(err).
			Str(xglog.FieldEvent, "sensor.sample_rejected").
			Str("topic", msg.Topic()).
			Bytes("payload", payload).
			Msg("dropping malformed sensor sample")
		return
	}

	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		sink(s)
	}
}

func decodeSample(payload []byte) (trip.Sample, error) {
	var s trip.Sample
	if err := json.Unmarshal(payload, &s); err != nil {
		return s, fmt.Errorf("decode sample: %w", err)
	}
	if !s.Kind.Valid() {
		return s, fmt.Errorf("unknown sensor kind %q", s.Kind)
	}
	if s.Timestamp.IsZero() {
		return s, fmt.Errorf("sample without timestamp")
	}
	if !s.Valid() {
		return s, fmt.Errorf("sample payload has non-finite values")
	}
	return s, nil
}

func (f *MQTTFeed) Arm(ctx context.Context) error    { return f.publishControl(ctx, true) }
func (f *MQTTFeed) Disarm(ctx context.Context) error { return f.publishControl(ctx, false) }

func (f *MQTTFeed) publishControl(ctx context.Context, armed bool) error {
	if !f.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt: not connected to %s", f.broker)
	}
	body, err := json.Marshal(controlMessage{Armed: armed, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	token := f.client.Publish(f.topic+controlSuffix, mqttQoS, true, body)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttOpTimeout):
		return fmt.Errorf("mqtt: control publish timed out after %s", mqttOpTimeout)
	}
}
