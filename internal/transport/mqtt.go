// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transport

import (
	"context"
	"sync"
	"time"

	xglog "github.com/ManuGH/tripsync/internal/log"
	"github.com/ManuGH/tripsync/internal/sensor"
	"github.com/ManuGH/tripsync/internal/wire"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTT publishes each batch as one QoS 1 message. The broker's PUBACK is
// the acknowledgement.
type MQTT struct {
	broker string
	topic  string
	client mqtt.Client

	mu sync.Mutex
}

func NewMQTT(endpoint string, opts Options) (*MQTT, error) {
	broker, topic, err := sensor.ParseMQTTURL(endpoint)
	if err != nil {
		return nil, permanent("%v", err)
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "tripsync"
	}
	logger := xglog.WithComponent("transport.mqtt")

	mo := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID + "-sync").
		SetOrderMatters(true).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true)
	if opts.AuthToken != "" {
		mo.SetUsername(clientID).SetPassword(opts.AuthToken)
	}
	mo.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Str(xglog.FieldEvent, "transport.connection_lost").Msg("mqtt sync connection lost")
	}

	return &MQTT{broker: broker, topic: topic, client: mqtt.NewClient(mo)}, nil
}

func (m *MQTT) connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client.IsConnected() {
		return nil
	}
	return wait(ctx, m.client.Connect())
}

func (m *MQTT) Send(ctx context.Context, batchID string, p wire.Payload) error {
	if err := m.connect(ctx); err != nil {
		return transient("connect %s: %v", m.broker, err)
	}
	if err := wait(ctx, m.client.Publish(m.topic, 1, false, p.Body)); err != nil {
		return transient("publish %s: %v", batchID, err)
	}
	return nil
}

func (m *MQTT) Close() error {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	return nil
}

func wait(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
