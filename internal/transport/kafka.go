// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ManuGH/tripsync/internal/wire"
	"github.com/segmentio/kafka-go"
)

// Kafka writes each batch as one message keyed by batch id. The writer is
// synchronous and waits for all in-sync replicas.
type Kafka struct {
	writer *kafka.Writer
}

// ParseKafkaURL splits kafka://broker1:9092,broker2:9092/topic.
func ParseKafkaURL(raw string) (brokers []string, topic string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse kafka url: %w", err)
	}
	for _, b := range strings.Split(u.Host, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, "", fmt.Errorf("kafka url %q has no brokers", raw)
	}
	topic = strings.TrimPrefix(u.Path, "/")
	if topic == "" {
		return nil, "", fmt.Errorf("kafka url %q has no topic", raw)
	}
	return brokers, topic, nil
}

func NewKafka(endpoint string, _ Options) (*Kafka, error) {
	brokers, topic, err := ParseKafkaURL(endpoint)
	if err != nil {
		return nil, permanent("%v", err)
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  1,
		Async:        false,
	}
	return &Kafka{writer: w}, nil
}

func (k *Kafka) Send(ctx context.Context, batchID string, p wire.Payload) error {
	headers := []kafka.Header{{Key: "content-type", Value: []byte(p.ContentType)}}
	if p.ContentEncoding != "" {
		headers = append(headers, kafka.Header{Key: "content-encoding", Value: []byte(p.ContentEncoding)})
	}
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(batchID),
		Value:   p.Body,
		Headers: headers,
	})
	if err == nil {
		return nil
	}
	return classifyKafka(batchID, err)
}

func classifyKafka(batchID string, err error) error {
	var kerr kafka.Error
	if errors.As(err, &kerr) && !kerr.Temporary() {
		return permanent("write %s: %v", batchID, err)
	}
	return transient("write %s: %v", batchID, err)
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
