package redisstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/lzyats/yuim-realtime/pkg/push"
)

// Store owns the Redis client shared by presence, the retry queue,
// receipts and the redis bus.
type Store struct {
	cfg push.RedisSettings
	cli *redis.Client
}

func New(cfg push.RedisSettings) (*Store, error) {
	cfg = cfg.WithDefaults()
	if cfg.Host == "" {
		return nil, fmt.Errorf("redis: missing host")
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	opts := &redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	// Map lettuce pool fields (best-effort).
	if cfg.Lettuce.Pool.MaxActive > 0 {
		opts.PoolSize = cfg.Lettuce.Pool.MaxActive
	}
	if cfg.Lettuce.Pool.MaxIdle > 0 {
		opts.MinIdleConns = cfg.Lettuce.Pool.MaxIdle
	}
	if cfg.Lettuce.Pool.MaxWait > 0 {
		opts.PoolTimeout = cfg.Lettuce.Pool.MaxWait
	}

	return &Store{cfg: cfg, cli: redis.NewClient(opts)}, nil
}

func (s *Store) Client() *redis.Client { return s.cli }

func (s *Store) Close() error { return s.cli.Close() }

// Ping checks connectivity with the configured timeout.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.cli.Ping(ctx).Err()
}

// SettingsFromAddr adapts a "host:port" address to RedisSettings.
// A missing or malformed port falls back to 6379.
func SettingsFromAddr(addr, password string, database int) push.RedisSettings {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		host, portStr = addr, ""
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		port = 6379
	}
	return push.RedisSettings{
		Enabled:  "Y",
		Host:     host,
		Port:     port,
		Password: password,
		Database: database,
	}
}
