// Package realtime wraps the Redis-backed mirror that makes an in-progress
// session buffer readable by other services before it has been flushed.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sessionblob/ingest/internal/config"
	"github.com/sessionblob/ingest/internal/message"
)

// bufferTTL bounds how long a mirrored session lingers in Redis after the
// last write (AddMessage or a bootstrap) refreshed it; reads do not extend
// it. The canonical copy always lives in the buffer file (and, after flush,
// in the object store).
const bufferTTL = 5 * time.Minute

// Store is the realtime-mirror surface the session manager depends on.
type Store interface {
	ClearAllMessages(ctx context.Context, team, session string) error
	OnSubscriptionEvent(ctx context.Context, team, session string, cb func()) (unsubscribe func(), err error)
	AddMessage(ctx context.Context, team, session string, msg message.Message) error
	AddMessagesFromBuffer(ctx context.Context, team, session string, content []byte, oldestTs *time.Time) error
}

// RedisStore is the production Store backed by go-redis/v9.
type RedisStore struct {
	client *redis.Client
}

// New dials Redis and verifies connectivity, mirroring the connect-then-Ping
// pattern used for every other shared client in this codebase.
func New(ctx context.Context, cfg config.RealtimeConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("realtime: address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("realtime: ping: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func bufferKey(team, session string) string {
	return fmt.Sprintf("realtime:buffer:%s:%s", team, session)
}

func subscribeChannel(team, session string) string {
	return fmt.Sprintf("realtime:subscribe:%s:%s", team, session)
}

func bootstrapChannel(team, session string) string {
	return fmt.Sprintf("realtime:session:%s:%s", team, session)
}

// ClearAllMessages deletes the realtime list for (team, session). Called on
// SessionManager construction; a finished flush does not clear the list.
func (s *RedisStore) ClearAllMessages(ctx context.Context, team, session string) error {
	if err := s.client.Del(ctx, bufferKey(team, session)).Err(); err != nil {
		return fmt.Errorf("realtime: clear %s/%s: %w", team, session, err)
	}
	return nil
}

// OnSubscriptionEvent subscribes to the per-session activation channel and
// invokes cb on every message received until unsubscribe is called.
func (s *RedisStore) OnSubscriptionEvent(ctx context.Context, team, session string, cb func()) (func(), error) {
	sub := s.client.Subscribe(ctx, subscribeChannel(team, session))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("realtime: subscribe %s/%s: %w", team, session, err)
	}

	ch := sub.Channel()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				cb()
			case <-done:
				return
			}
		}
	}()

	unsubscribe := func() {
		close(done)
		_ = sub.Close()
	}
	return unsubscribe, nil
}

// AddMessage appends one message's persisted form to the session's
// realtime list and refreshes its TTL. Called fire-and-forget from the
// append path; failures must never block the caller.
func (s *RedisStore) AddMessage(ctx context.Context, team, session string, msg message.Message) error {
	line, err := marshalLine(msg)
	if err != nil {
		return fmt.Errorf("realtime: marshal message: %w", err)
	}
	key := bufferKey(team, session)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, line)
	pipe.Expire(ctx, key, bufferTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("realtime: add message %s/%s: %w", team, session, err)
	}
	return nil
}

// AddMessagesFromBuffer bulk-seeds the realtime list from the buffer
// file's raw bytes, then publishes a bootstrap marker carrying oldestTs so
// readers know the time window the bootstrap covers.
func (s *RedisStore) AddMessagesFromBuffer(ctx context.Context, team, session string, content []byte, oldestTs *time.Time) error {
	key := bufferKey(team, session)
	lines := bytes.Split(bytes.TrimRight(content, "\n"), []byte("\n"))

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		pipe.RPush(ctx, key, line)
	}
	pipe.Expire(ctx, key, bufferTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("realtime: bootstrap %s/%s: %w", team, session, err)
	}

	marker := "null"
	if oldestTs != nil {
		marker = oldestTs.UTC().Format(time.RFC3339Nano)
	}
	if err := s.client.Publish(ctx, bootstrapChannel(team, session), marker).Err(); err != nil {
		return fmt.Errorf("realtime: publish bootstrap marker %s/%s: %w", team, session, err)
	}
	return nil
}

func marshalLine(msg message.Message) ([]byte, error) {
	return json.Marshal(msg.ToPersisted())
}
