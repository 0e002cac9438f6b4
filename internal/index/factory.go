package index

import (
	"context"
	"fmt"

	"metaindex/internal/infra/index/memory"
	"metaindex/internal/infra/index/postgres"
	"metaindex/internal/infra/index/redis"
	"metaindex/internal/infra/index/sqlite"
)

// Config selects and configures an index backend.
type Config struct {
	Driver        Driver
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	SQLitePath    string
	PostgresDSN   string
}

// Open connects to the configured backend. An empty driver selects memory.
func Open(ctx context.Context, cfg Config) (Client, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverRedis:
		return redis.New(ctx, redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB, Prefix: cfg.RedisPrefix})
	case DriverSQLite:
		return sqlite.NewStore(ctx, cfg.SQLitePath)
	case DriverPostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown index driver %s", cfg.Driver)
	}
}

// NewMemory returns an in-memory index suitable for tests.
func NewMemory() Client { return memory.New() }
