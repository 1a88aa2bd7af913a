package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/quillpress/realtime/pkg/config"
	"github.com/quillpress/realtime/pkg/logging"
)

const (
	namespace = "quill:"
	stateTTL  = 24 * time.Hour
)

var (
	// ErrCacheDisabled is returned when cache operations are attempted but cache is disabled
	ErrCacheDisabled = fmt.Errorf("cache is disabled")
	// ErrNotMirrored means no unread state has been published for the tenant yet
	ErrNotMirrored = errors.New("unread state not mirrored")
)

// Cache wraps Redis client. A nil *Cache is a valid, disabled cache.
type Cache struct {
	client *redis.Client
}

// UnreadState is what gets mirrored for other local processes
type UnreadState struct {
	TenantID    string    `json:"tenantId"`
	UnreadCount int       `json:"unreadCount"`
	Total       int       `json:"total"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// New creates a new Redis cache client
func New(cfg *config.RedisConfig) (*Cache, error) {
	if !cfg.Enabled {
		logging.GetLogger().Info("Redis cache disabled")
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.GetLogger().Info("Redis connection established")

	return &Cache{client: client}, nil
}

func (c *Cache) enabled() bool {
	return c != nil && c.client != nil
}

func (c *Cache) namespaceKey(key string) string {
	return namespace + key
}

func unreadKey(tenantID string) string {
	return "tenant:" + tenantID + ":unread"
}

func updatesChannel(tenantID string) string {
	return "tenant:" + tenantID + ":updates"
}

// PublishUnread stores the tenant's unread state and announces it on the
// tenant's updates channel in one transaction.
func (c *Cache) PublishUnread(ctx context.Context, state UnreadState) error {
	if !c.enabled() {
		return ErrCacheDisabled
	}
	if state.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding unread state: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.namespaceKey(unreadKey(state.TenantID)), payload, stateTTL)
		pipe.Publish(ctx, c.namespaceKey(updatesChannel(state.TenantID)), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publishing unread state: %w", err)
	}
	return nil
}

// Unread reads the last mirrored state for a tenant
func (c *Cache) Unread(ctx context.Context, tenantID string) (*UnreadState, error) {
	if !c.enabled() {
		return nil, ErrCacheDisabled
	}
	raw, err := c.client.Get(ctx, c.namespaceKey(unreadKey(tenantID))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotMirrored
	}
	if err != nil {
		return nil, fmt.Errorf("reading unread state: %w", err)
	}
	var state UnreadState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decoding unread state: %w", err)
	}
	return &state, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	if !c.enabled() {
		return nil
	}
	return c.client.Close()
}

// Health checks Redis health
func (c *Cache) Health(ctx context.Context) error {
	if !c.enabled() {
		return ErrCacheDisabled
	}
	return c.client.Ping(ctx).Err()
}
