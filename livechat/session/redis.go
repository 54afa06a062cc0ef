package session

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultNamespace = "livechat"

// Redis stores the cookies as fields of one hash per namespace.
type Redis struct {
	client *redis.Client
	prefix string
}

func OpenRedis(ctx context.Context, redisURL, namespace string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &Redis{client: client, prefix: namespace}, nil
}

func (r *Redis) key() string {
	return fmt.Sprintf("%s:session", r.prefix)
}

func (r *Redis) SetCookies(rid, token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	err := r.client.HSet(ctx, r.key(),
		CookieRoom, rid,
		CookieToken, token,
		CookieRoomType, RoomTypeLivechat,
	).Err()
	if err != nil {
		return fmt.Errorf("store cookies: %w", err)
	}
	return nil
}

func (r *Redis) Load() (Cookies, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	vals, err := r.client.HGetAll(ctx, r.key()).Result()
	if err != nil {
		return Cookies{}, fmt.Errorf("load cookies: %w", err)
	}
	return Cookies{
		RID:      vals[CookieRoom],
		Token:    vals[CookieToken],
		RoomType: vals[CookieRoomType],
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
