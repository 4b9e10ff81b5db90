// Package configcache persists the last successfully used gateway
// connection config so a reconnect attempt can proceed when the dashboard
// backend is briefly unreachable.
package configcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lifedeck/lifedeck/internal/gateway"
	"github.com/lifedeck/lifedeck/internal/infrastructure/redis"
)

const (
	redisKey = "console:gateway:config"

	// cacheLifetime bounds how stale a fallback config may get. The token
	// inside usually expires first; this is the backstop for opaque tokens.
	cacheLifetime = 24 * time.Hour
)

// MemoryStore keeps the config for the life of the process.
type MemoryStore struct {
	mu  sync.RWMutex
	cfg *gateway.ConnectionConfig
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) PutConfig(_ context.Context, cfg gateway.ConnectionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = &cfg
	return nil
}

func (m *MemoryStore) GetConfig(_ context.Context) (gateway.ConnectionConfig, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cfg == nil {
		return gateway.ConnectionConfig{}, false, nil
	}
	return *m.cfg, true, nil
}

// RedisStore persists the config across console restarts.
type RedisStore struct {
	service *redis.Service
}

func NewRedisStore(service *redis.Service) *RedisStore {
	return &RedisStore{service: service}
}

func (r *RedisStore) PutConfig(ctx context.Context, cfg gateway.ConnectionConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return r.service.Set(ctx, redisKey, string(data), cacheLifetime)
}

func (r *RedisStore) GetConfig(ctx context.Context) (gateway.ConnectionConfig, bool, error) {
	data, err := r.service.Get(ctx, redisKey)
	if err != nil {
		if redis.IsNotFound(err) {
			return gateway.ConnectionConfig{}, false, nil
		}
		return gateway.ConnectionConfig{}, false, err
	}
	var cfg gateway.ConnectionConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return gateway.ConnectionConfig{}, false, err
	}
	return cfg, true, nil
}

// NewStore picks redis when available, memory otherwise, mirroring how the
// console degrades when no redis is configured.
func NewStore(service *redis.Service) gateway.ConfigStore {
	if service == nil {
		return NewMemoryStore()
	}
	if err := service.Ping(context.Background()); err != nil {
		return NewMemoryStore()
	}
	return NewRedisStore(service)
}
