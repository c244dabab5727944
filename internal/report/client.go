package report

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/SkynetNext/zeroalloc/internal/config"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Load when no snapshot exists for an instance
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is a point-in-time view of one soak instance
type Snapshot struct {
	Instance  string
	Timestamp time.Time

	Workers    int
	Rounds     int64
	Violations int64
	PoolIdle   int

	Leases      int64
	Releases    int64
	Exhausted   int64
	Outstanding int64
}

// Fields encodes the snapshot as a Redis hash
func (s Snapshot) Fields() map[string]interface{} {
	return map[string]interface{}{
		"timestamp":   s.Timestamp.UnixMilli(),
		"workers":     s.Workers,
		"rounds":      s.Rounds,
		"violations":  s.Violations,
		"pool_idle":   s.PoolIdle,
		"leases":      s.Leases,
		"releases":    s.Releases,
		"exhausted":   s.Exhausted,
		"outstanding": s.Outstanding,
	}
}

// ParseSnapshot decodes a Redis hash written by Fields. Unknown or malformed fields are skipped.
func ParseSnapshot(instance string, fields map[string]string) Snapshot {
	s := Snapshot{Instance: instance}
	for k, v := range fields {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue // Skip invalid value
		}
		switch k {
		case "timestamp":
			s.Timestamp = time.UnixMilli(n)
		case "workers":
			s.Workers = int(n)
		case "rounds":
			s.Rounds = n
		case "violations":
			s.Violations = n
		case "pool_idle":
			s.PoolIdle = int(n)
		case "leases":
			s.Leases = n
		case "releases":
			s.Releases = n
		case "exhausted":
			s.Exhausted = n
		case "outstanding":
			s.Outstanding = n
		}
	}
	return s
}

// Client is a Redis client wrapper publishing soak snapshots
type Client struct {
	rdb    *redis.Client
	prefix string
}

// NewClient creates a new Redis client
func NewClient(cfg *config.RedisConfig) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &Client{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// key generates full key with prefix
func (c *Client) key(suffix string) string {
	return c.prefix + suffix
}

// StatsKey returns the hash key holding an instance's snapshot
func (c *Client) StatsKey(instance string) string {
	return c.key("stats:" + instance)
}

// NotifyChannel returns the channel announcing new snapshots
func (c *Client) NotifyChannel() string {
	return c.key("stats:notify")
}

// Publish stores the snapshot and announces the instance on the notify channel
func (c *Client) Publish(ctx context.Context, s Snapshot) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, c.StatsKey(s.Instance), s.Fields())
	pipe.Publish(ctx, c.NotifyChannel(), s.Instance)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

// Load reads the last snapshot published by instance
func (c *Client) Load(ctx context.Context, instance string) (Snapshot, error) {
	data, err := c.rdb.HGetAll(ctx, c.StatsKey(instance)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if len(data) == 0 {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, instance)
	}
	return ParseSnapshot(instance, data), nil
}

// Watch calls callback with every instance name announced on the notify channel until ctx is done
func (c *Client) Watch(ctx context.Context, callback func(instance string)) error {
	pubsub := c.rdb.Subscribe(ctx, c.NotifyChannel())
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			callback(msg.Payload)
		}
	}
}
