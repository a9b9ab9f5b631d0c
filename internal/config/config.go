// Package config loads gateway configuration from flags, environment and an
// optional YAML file via viper. Components receive plain structs, never the
// viper instance.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ClickHouse holds warehouse connection parameters.
type ClickHouse struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Redis holds shared TTL store connection parameters.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// Pool bounds the warehouse client pool.
type Pool struct {
	Min            int
	Max            int
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

// Cache holds the TTL policy and invalidation settings for the two-tier cache.
type Cache struct {
	HotTTL               time.Duration
	AggregationTTL       time.Duration
	RecentTTL            time.Duration
	HistoricalTTL        time.Duration
	InvalidationInterval time.Duration
	MemoryMax            int
	MemoryTTL            time.Duration
}

// RateLimit configures the admission controller.
type RateLimit struct {
	Enabled bool
	Profile string // "plan" or "cost"
	Window  time.Duration
	// Requests per window by plan tier.
	Free       int64
	X402       int64
	Enterprise int64
}

// Limits bounds a single request.
type Limits struct {
	MaxComplexity float64
	MaxDepth      int
}

// Export configures the background export engine.
type Export struct {
	Dir             string
	SigningKey      string
	ExpirationHours int
	MaxFileSizeGB   int
	MinFreeSpaceGB  int
	MaxTotalSizeGB  int
	Workers         int
	ChunkSize       int
}

// Config is the root configuration.
type Config struct {
	LogLevel   string
	ClickHouse ClickHouse
	Redis      Redis
	Pool       Pool
	Cache      Cache
	RateLimit  RateLimit
	Limits     Limits
	Export     Export
}

// SetDefaults registers every recognized key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("clickhouse.addr", "127.0.0.1:9000")
	v.SetDefault("clickhouse.database", "solana")
	v.SetDefault("clickhouse.username", "default")
	v.SetDefault("clickhouse.password", "")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("pool.min", 20)
	v.SetDefault("pool.max", 200)
	v.SetDefault("pool.connectTimeout", "5s")
	v.SetDefault("pool.idleTimeout", "60s")

	v.SetDefault("cache.hotTTL", "3600s")
	v.SetDefault("cache.aggregationTTL", "1800s")
	v.SetDefault("cache.recentTTL", "300s")
	v.SetDefault("cache.historicalTTL", "86400s")
	v.SetDefault("cache.invalidationInterval", "60s")
	v.SetDefault("memoryCache.max", 5000)
	v.SetDefault("memoryCache.ttl", "300s")

	v.SetDefault("rateLimit.enabled", true)
	v.SetDefault("rateLimit.profile", "plan")
	v.SetDefault("rateLimit.window", "60s")
	v.SetDefault("rateLimitTiers.free", 100)
	v.SetDefault("rateLimitTiers.x402", 500)
	v.SetDefault("rateLimitTiers.enterprise", 2000)

	v.SetDefault("graphql.maxComplexity", 1000)
	v.SetDefault("graphql.maxDepth", 5)

	v.SetDefault("export.dir", "/var/lib/sologate/exports")
	v.SetDefault("export.signingKey", "")
	v.SetDefault("export.expirationHours", 24)
	v.SetDefault("export.maxFileSizeGB", 5)
	v.SetDefault("export.minFreeSpaceGB", 20)
	v.SetDefault("export.maxTotalSizeGB", 100)
	v.SetDefault("export.workers", 2)
	v.SetDefault("export.chunkSize", 50000)
}

// FromViper materializes a Config from a viper instance that already has
// defaults, file and env layered in.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		LogLevel: v.GetString("log.level"),
		ClickHouse: ClickHouse{
			Addr:     v.GetString("clickhouse.addr"),
			Database: v.GetString("clickhouse.database"),
			Username: v.GetString("clickhouse.username"),
			Password: v.GetString("clickhouse.password"),
		},
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Pool: Pool{
			Min:            v.GetInt("pool.min"),
			Max:            v.GetInt("pool.max"),
			ConnectTimeout: v.GetDuration("pool.connectTimeout"),
			IdleTimeout:    v.GetDuration("pool.idleTimeout"),
		},
		Cache: Cache{
			HotTTL:               v.GetDuration("cache.hotTTL"),
			AggregationTTL:       v.GetDuration("cache.aggregationTTL"),
			RecentTTL:            v.GetDuration("cache.recentTTL"),
			HistoricalTTL:        v.GetDuration("cache.historicalTTL"),
			InvalidationInterval: v.GetDuration("cache.invalidationInterval"),
			MemoryMax:            v.GetInt("memoryCache.max"),
			MemoryTTL:            v.GetDuration("memoryCache.ttl"),
		},
		RateLimit: RateLimit{
			Enabled:    v.GetBool("rateLimit.enabled"),
			Profile:    v.GetString("rateLimit.profile"),
			Window:     v.GetDuration("rateLimit.window"),
			Free:       v.GetInt64("rateLimitTiers.free"),
			X402:       v.GetInt64("rateLimitTiers.x402"),
			Enterprise: v.GetInt64("rateLimitTiers.enterprise"),
		},
		Limits: Limits{
			MaxComplexity: v.GetFloat64("graphql.maxComplexity"),
			MaxDepth:      v.GetInt("graphql.maxDepth"),
		},
		Export: Export{
			Dir:             v.GetString("export.dir"),
			SigningKey:      v.GetString("export.signingKey"),
			ExpirationHours: v.GetInt("export.expirationHours"),
			MaxFileSizeGB:   v.GetInt("export.maxFileSizeGB"),
			MinFreeSpaceGB:  v.GetInt("export.minFreeSpaceGB"),
			MaxTotalSizeGB:  v.GetInt("export.maxTotalSizeGB"),
			Workers:         v.GetInt("export.workers"),
			ChunkSize:       v.GetInt("export.chunkSize"),
		},
	}
	return cfg, cfg.validate()
}

// Default returns the configuration with every key at its default.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := FromViper(v)
	if err != nil {
		panic(err) // defaults must always validate
	}
	return cfg
}

func (c *Config) validate() error {
	if c.Pool.Min < 1 || c.Pool.Max < c.Pool.Min {
		return fmt.Errorf("invalid pool bounds: min=%d max=%d", c.Pool.Min, c.Pool.Max)
	}
	if c.Cache.MemoryMax < 1 {
		return fmt.Errorf("memoryCache.max must be positive, got %d", c.Cache.MemoryMax)
	}
	switch c.RateLimit.Profile {
	case "plan", "cost":
	default:
		return fmt.Errorf("invalid rateLimit.profile %q: valid values are plan, cost", c.RateLimit.Profile)
	}
	if c.Export.Workers < 1 {
		return fmt.Errorf("export.workers must be positive, got %d", c.Export.Workers)
	}
	if c.Export.ChunkSize < 1 {
		return fmt.Errorf("export.chunkSize must be positive, got %d", c.Export.ChunkSize)
	}
	return nil
}

// PlanLimit returns the per-window request limit for a plan tier. Unknown
// tiers fall back to the free limit.
func (r RateLimit) PlanLimit(tier string) int64 {
	switch tier {
	case "x402":
		return r.X402
	case "enterprise":
		return r.Enterprise
	default:
		return r.Free
	}
}
