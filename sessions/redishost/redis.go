package redishost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-sse-gateway/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for Redis-backed SessionHost. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=sse-gateway:sessions:"`
	// StreamMaxLen approximately caps each session stream. ENV: SESSIONS_STREAM_MAXLEN
	StreamMaxLen int64 `env:"SESSIONS_STREAM_MAXLEN,default=1000"`
	// StreamTTL expires idle session streams left behind by a crashed process.
	// ENV: SESSIONS_STREAM_TTL
	StreamTTL time.Duration `env:"SESSIONS_STREAM_TTL,default=1h"`
	// PollInterval bounds how long a blocking read waits before re-checking
	// for cleanup. ENV: SESSIONS_POLL_INTERVAL
	PollInterval time.Duration `env:"SESSIONS_POLL_INTERVAL,default=500ms"`
}

type Host struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	ttl       time.Duration
	poll      time.Duration
}

func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	h := &Host{client: cl, keyPrefix: cfg.KeyPrefix, maxLen: cfg.StreamMaxLen, ttl: cfg.StreamTTL, poll: cfg.PollInterval}
	if h.keyPrefix == "" {
		h.keyPrefix = "sse-gateway:sessions:"
	}
	if h.maxLen <= 0 {
		h.maxLen = 1000
	}
	if h.ttl <= 0 {
		h.ttl = time.Hour
	}
	if h.poll <= 0 {
		h.poll = 500 * time.Millisecond
	}
	return h, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis host config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

// --- Key helpers ---

func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }
func (h *Host) closedKey(sessionID string) string { return h.keyPrefix + "closed:" + sessionID }

// --- Messaging via Redis Streams ---

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	closed, err := h.client.Exists(ctx, h.closedKey(sessionID)).Result()
	if err != nil {
		return "", err
	}
	if closed == 1 {
		return "", sessions.ErrStreamClosed
	}

	key := h.streamKey(sessionID)
	var add *redis.StringCmd
	if _, err := h.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		add = p.XAdd(ctx, &redis.XAddArgs{Stream: key, MaxLen: h.maxLen, Approx: true, Values: map[string]interface{}{"d": data}})
		p.Expire(ctx, key, h.ttl)
		return nil
	}); err != nil {
		return "", err
	}
	return add.Val(), nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, handler sessions.MessageHandlerFunction) error {
	key := h.streamKey(sessionID)
	// Start from the beginning: messages published before the subscriber
	// attached belong to it as well.
	start := "0"

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 16, Block: h.poll}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if done, derr := h.isClosed(ctx, sessionID); derr != nil {
					return derr
				} else if done {
					return nil
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(res) == 0 {
			continue
		}
		for _, m := range res[0].Messages {
			start = m.ID
			// Robust payload decoding: accept string or []byte
			var payload []byte
			switch v := m.Values["d"].(type) {
			case string:
				payload = []byte(v)
			case []byte:
				payload = v
			default:
				payload = []byte(fmt.Sprintf("%v", v))
			}
			if err := handler(ctx, m.ID, payload); err != nil {
				return err
			}
		}
	}
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	// The marker outlives the poll interval so that a blocked subscriber
	// observes it; it expires on its own afterwards.
	if err := h.client.Set(c, h.closedKey(sessionID), "1", 10*h.poll+time.Minute).Err(); err != nil {
		return fmt.Errorf("mark session stream closed: %w", err)
	}
	if err := h.client.Del(c, h.streamKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session stream: %w", err)
	}
	return nil
}

func (h *Host) isClosed(ctx context.Context, sessionID string) (bool, error) {
	n, err := h.client.Exists(ctx, h.closedKey(sessionID)).Result()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, err
	}
	return n == 1, nil
}

// Interface compliance
var _ sessions.SessionHost = (*Host)(nil)
