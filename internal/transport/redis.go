// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/tripsync/internal/wire"
	"github.com/redis/go-redis/v9"
)

// Redis appends each batch to a stream with XADD. The entry id returned by
// the server is the acknowledgement.
type Redis struct {
	rdb    *redis.Client
	stream string
}

// ParseRedisURL splits redis://[:password@]host:port/stream?db=N.
func ParseRedisURL(raw string) (*redis.Options, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse redis url: %w", err)
	}
	if u.Host == "" {
		return nil, "", fmt.Errorf("redis url %q has no host", raw)
	}
	stream := strings.TrimPrefix(u.Path, "/")
	if stream == "" {
		return nil, "", fmt.Errorf("redis url %q has no stream", raw)
	}
	o := &redis.Options{
		Addr:         u.Host,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	if u.User != nil {
		o.Username = u.User.Username()
		o.Password, _ = u.User.Password()
	}
	if db := u.Query().Get("db"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return nil, "", fmt.Errorf("redis url %q: invalid db %q", raw, db)
		}
		o.DB = n
	}
	return o, stream, nil
}

func NewRedis(endpoint string, opts Options) (*Redis, error) {
	o, stream, err := ParseRedisURL(endpoint)
	if err != nil {
		return nil, permanent("%v", err)
	}
	if o.Password == "" && opts.AuthToken != "" {
		o.Password = opts.AuthToken
	}
	return &Redis{rdb: redis.NewClient(o), stream: stream}, nil
}

func (r *Redis) Send(ctx context.Context, batchID string, p wire.Payload) error {
	err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: []any{
			"batch_id", batchID,
			"content_type", p.ContentType,
			"content_encoding", p.ContentEncoding,
			"body", p.Body,
		},
	}).Err()
	if err == nil {
		return nil
	}
	var rerr redis.Error
	if errors.As(err, &rerr) && !retryableReply(rerr.Error()) {
		return permanent("xadd %s: %v", batchID, err)
	}
	return transient("xadd %s: %v", batchID, err)
}

// retryableReply reports server replies that clear up on their own.
func retryableReply(msg string) bool {
	for _, prefix := range []string{"LOADING", "READONLY", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
