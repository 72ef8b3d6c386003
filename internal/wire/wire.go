// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package wire defines the batch envelope sent to the collection service
// and its JSON and CBOR encodings.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/tripsync/internal/trip"
)

// Content types and encodings.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
	EncodingZstd    = "zstd"
)

// ErrMalformed is returned when a payload cannot be decoded.
var ErrMalformed = errors.New("malformed batch payload")

// Envelope is one SyncBatch on the wire. Records are in capture order;
// boundary records bracket the samples of their trip and every record
// carries its trip id, so a receiver can rebuild trips with trip.Partition.
type Envelope struct {
	BatchID       string      `json:"batch_id" cbor:"batch_id"`
	ConfigVersion uint64      `json:"config_version" cbor:"config_version"`
	DeviceID      string      `json:"device_id,omitempty" cbor:"device_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at" cbor:"created_at"`
	Records       []trip.Item `json:"records" cbor:"records"`
}

// Payload is an encoded envelope plus the headers describing it.
type Payload struct {
	Body            []byte
	ContentType     string
	ContentEncoding string
}

// Format selects codec ("json" or "cbor") and compression ("none" or "zstd").
type Format struct {
	Codec       string
	Compression string
}

// Encode serializes env in the given format.
func Encode(env Envelope, f Format) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch f.Codec {
	case "", "json":
		p.ContentType = ContentTypeJSON
		p.Body, err = json.Marshal(env)
	case "cbor":
		p.ContentType = ContentTypeCBOR
		p.Body, err = marshalCBOR(env)
	default:
		return Payload{}, fmt.Errorf("wire: unknown codec %q", f.Codec)
	}
	if err != nil {
		return Payload{}, fmt.Errorf("wire: encode %s: %w", p.ContentType, err)
	}

	switch f.Compression {
	case "", "none":
	case "zstd":
		p.Body = compressZstd(p.Body)
		p.ContentEncoding = EncodingZstd
	default:
		return Payload{}, fmt.Errorf("wire: unknown compression %q", f.Compression)
	}
	return p, nil
}

// Decode reverses Encode. Receivers and tests use it.
func Decode(p Payload) (Envelope, error) {
	body := p.Body
	switch p.ContentEncoding {
	case "", "identity":
	case EncodingZstd:
		var err error
		if body, err = decompressZstd(body); err != nil {
			return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	default:
		return Envelope{}, fmt.Errorf("%w: content encoding %q", ErrMalformed, p.ContentEncoding)
	}

	var env Envelope
	var err error
	switch p.ContentType {
	case ContentTypeJSON, "":
		err = json.Unmarshal(body, &env)
	case ContentTypeCBOR:
		err = unmarshalCBOR(body, &env)
	default:
		return Envelope{}, fmt.Errorf("%w: content type %q", ErrMalformed, p.ContentType)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	for i, r := range env.Records {
		if !r.Valid() {
			return Envelope{}, fmt.Errorf("%w: record %d kind %q", ErrMalformed, i, r.Kind)
		}
	}
	return env, nil
}
