package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Gopher0727/Bazaar/config"
)

const (
	notifyChannelPrefix = "notify:"
	onlineKeyPrefix     = "user:online:"
)

// RedisClient is the slice of Redis the service uses beyond plain caching:
// presence keys and the per-user notification channels.
type RedisClient interface {
	Close() error
	GetClient() *redis.Client
	Ping(ctx context.Context) error
	SetUserOnline(ctx context.Context, userID string, ttl time.Duration) error
	IsUserOnline(ctx context.Context, userID string) (bool, error)
	RemoveUserOnline(ctx context.Context, userID string) error
	PublishNotification(ctx context.Context, userID string, payload []byte) error
	SubscribeNotifications(ctx context.Context) (*redis.PubSub, error)
}

type Client struct {
	client *redis.Client
}

// NewClient connects and pings, failing fast when Redis is unreachable.
func NewClient(cfg *config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Client{client: rdb}, nil
}

// Wrap adopts an existing go-redis client.
func Wrap(rdb *redis.Client) *Client {
	return &Client{client: rdb}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) GetClient() *redis.Client {
	return c.client
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func onlineKey(userID string) string {
	return onlineKeyPrefix + userID
}

// SetUserOnline marks the user online until ttl elapses. Live sockets refresh
// it on every heartbeat.
func (c *Client) SetUserOnline(ctx context.Context, userID string, ttl time.Duration) error {
	if err := c.client.Set(ctx, onlineKey(userID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to set user %s online: %w", userID, err)
	}
	return nil
}

func (c *Client) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	n, err := c.client.Exists(ctx, onlineKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check if user %s is online: %w", userID, err)
	}
	return n > 0, nil
}

func (c *Client) RemoveUserOnline(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, onlineKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to remove user %s online status: %w", userID, err)
	}
	return nil
}

// NotificationChannel is the pub/sub channel carrying userID's live
// notifications.
func NotificationChannel(userID string) string {
	return notifyChannelPrefix + userID
}

// UserIDFromChannel is the inverse of NotificationChannel.
func UserIDFromChannel(channel string) (string, bool) {
	userID, ok := strings.CutPrefix(channel, notifyChannelPrefix)
	return userID, ok && userID != ""
}

func (c *Client) PublishNotification(ctx context.Context, userID string, payload []byte) error {
	if err := c.client.Publish(ctx, NotificationChannel(userID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish notification for user %s: %w", userID, err)
	}
	return nil
}

// SubscribeNotifications subscribes to every user's notification channel and
// waits for the subscription to be confirmed.
func (c *Client) SubscribeNotifications(ctx context.Context) (*redis.PubSub, error) {
	pubsub := c.client.PSubscribe(ctx, notifyChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to psubscribe to notifications: %w", err)
	}
	return pubsub, nil
}
