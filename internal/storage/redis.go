package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "notifycore/pkg/logx"
)

// redisDedup keeps dedup keys in Redis with a native TTL and delegates
// documents to the wrapped store.
type redisDedup struct {
	Store
	client *redis.Client
	prefix string
	now    func() time.Time
}

func withRedisDedup(inner Store, cfg RedisConfig, log logx.Logger) (Store, error) {
	client, err := connectRedis(cfg)
	if err != nil {
		_ = inner.Close()
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		_ = inner.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Info("redis dedup enabled", logx.String("addr", cfg.Addr))
	return newRedisDedup(inner, client, cfg.Prefix), nil
}

func newRedisDedup(inner Store, client *redis.Client, prefix string) *redisDedup {
	if prefix == "" {
		prefix = "notify:dedup:"
	}
	return &redisDedup{Store: inner, client: client, prefix: prefix, now: time.Now}
}

// connectRedis accepts a redis:// URL or a bare host:port.
func connectRedis(cfg RedisConfig) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB}), nil
}

// PutDedup stores "<until-ms> <id>" under the key with a TTL matching until.
func (s *redisDedup) PutDedup(ctx context.Context, key string, e DedupEntry) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ttl := e.Until.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	v := strconv.FormatInt(e.Until.UnixMilli(), 10) + " " + e.ID
	return s.client.Set(ctx, s.prefix+key, v, ttl).Err()
}

func (s *redisDedup) GetDedup(ctx context.Context, key string) (DedupEntry, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return DedupEntry{}, false, nil
	}
	v, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return DedupEntry{}, false, nil
	}
	if err != nil {
		return DedupEntry{}, false, err
	}
	return parseRedisDedup(key, v)
}

func parseRedisDedup(key, v string) (DedupEntry, bool, error) {
	msText, id, _ := strings.Cut(v, " ")
	ms, err := strconv.ParseInt(msText, 10, 64)
	if err != nil {
		return DedupEntry{}, false, fmt.Errorf("bad dedup value for %q: %w", key, err)
	}
	return DedupEntry{ID: id, Until: time.UnixMilli(ms)}, true, nil
}

func (s *redisDedup) Close() error {
	err := s.client.Close()
	if ierr := s.Store.Close(); err == nil {
		err = ierr
	}
	return err
}
