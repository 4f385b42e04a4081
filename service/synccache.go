package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/afalchetti/slidesync/config"
)

// SyncCache 以录像指纹为键的同步结果缓存
//
// 同一份录像重复处理时直接命中，不用重新跟踪。
// 启动时先查 redis 再读磁盘上的 raw.sync；跟踪完成时两者都会写入。
// redis 命中时跳过跟踪，raw.sync 不会被写入或更新。
type SyncCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSyncCache(cfg *config.RedisConfig) *SyncCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &SyncCache{
		client: client,
		ttl:    cfg.TTL,
	}
}

func (s *SyncCache) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// GetSyncText 读取缓存的同步文本，未命中返回空串
func (s *SyncCache) GetSyncText(ctx context.Context, md5 string) (string, error) {
	key := "sync:" + md5

	text, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil // 缓存未命中
		}
		return "", err
	}

	return text, nil
}

// SetSyncText 写入同步文本缓存
func (s *SyncCache) SetSyncText(ctx context.Context, md5 string, text string) error {
	key := "sync:" + md5

	return s.client.Set(ctx, key, text, s.ttl).Err()
}

func (s *SyncCache) Close() error {
	return s.client.Close()
}
