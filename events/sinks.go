package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

type wireEvent struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// RedisSink mirrors the feed into Redis: every event is pushed onto a capped
// list and, when a channel is configured, published for live consumers.
type RedisSink struct {
	client    redis.UniversalClient
	key       string
	channel   string
	retention int64
}

// NewRedisSink creates a RedisSink.
//
// Parameters:
//   - client: Redis client; the sink does not close it
//   - key: List key holding the most recent events, newest first
//   - channel: Pub/sub channel, or "" to skip publishing
//   - retention: Maximum list length; non-positive selects DefaultRetention
//
// Returns:
//   - The RedisSink
func NewRedisSink(client redis.UniversalClient, key, channel string, retention int) *RedisSink {
	if retention <= 0 {
		retention = DefaultRetention
	}

	return &RedisSink{
		client:    client,
		key:       key,
		channel:   channel,
		retention: int64(retention),
	}
}

// Name implements Sink.
func (s *RedisSink) Name() string {
	return "redis"
}

// Publish implements Sink.
func (s *RedisSink) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(wireEvent{Time: e.Time, Message: e.Message})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.key, payload)
		pipe.LTrim(ctx, s.key, 0, s.retention-1)
		if s.channel != "" {
			pipe.Publish(ctx, s.channel, payload)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push event to redis: %w", err)
	}

	return nil
}

// DiscordSink posts every event to a Discord webhook.
type DiscordSink struct {
	webhook string
	client  *http.Client
}

// NewDiscordSink creates a DiscordSink posting to webhook. A nil client
// selects http.DefaultClient.
func NewDiscordSink(webhook string, client *http.Client) *DiscordSink {
	if client == nil {
		client = http.DefaultClient
	}

	return &DiscordSink{webhook: webhook, client: client}
}

// Name implements Sink.
func (s *DiscordSink) Name() string {
	return "discord"
}

// Publish implements Sink.
func (s *DiscordSink) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(struct {
		Content string `json:"content"`
	}{Content: e.String()})
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhook, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build discord request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post discord webhook: %w", err)
	}

	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("discord webhook returned %s", resp.Status)
	}

	return nil
}
