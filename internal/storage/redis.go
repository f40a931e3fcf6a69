package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stride-fi/stride-backend/config"
)

type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(cfg config.Redis) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Username: cfg.User,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	status := client.Ping(context.Background())
	if status.Err() != nil {
		return nil, status.Err()
	}
	return &RedisStorage{
		client: client,
	}, nil
}

// AcquireLease takes a named lock with a TTL via SET NX. At most one batch
// runner holds the lease at a time; holders must renew or finish within the
// TTL.
func (r *RedisStorage) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, "lease:"+name, holder, ttl).Result()
}

// ReleaseLease drops the lock only when still held by the same holder, so an
// expired lease taken over by another instance is never released from here.
func (r *RedisStorage) ReleaseLease(ctx context.Context, name, holder string) error {
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`
	return r.client.Eval(ctx, script, []string{"lease:" + name}, holder).Err()
}

func (r *RedisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
