package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type AccountConfig struct {
	Identifier string `env:"IDENTIFIER, required"`
	Password   string `env:"PASSWORD, required"`
	// resolved from the identifier's did document when empty
	PdsHost string `env:"PDS_HOST"`
	PlcUrl  string `env:"PLC_URL, default=https://plc.directory"`
}

type CoreConfig struct {
	DbPath   string `env:"DB_PATH, default=followsync.db"`
	LogLevel string `env:"LOG_LEVEL, default=info"`
}

type CollectorConfig struct {
	PageSize int64 `env:"PAGE_SIZE, default=100"`
}

type CacheConfig struct {
	Provider string        `env:"PROVIDER, default=memory"`
	TTL      time.Duration `env:"TTL, default=180s"`
}

type RedisConfig struct {
	Addr     string `env:"ADDR, default=localhost:6379"`
	Password string `env:"PASS"`
	DB       int    `env:"DB, default=0"`
}

func (cfg RedisConfig) ToURL() string {
	u := &url.URL{
		Scheme: "redis",
		Host:   cfg.Addr,
		Path:   fmt.Sprintf("/%d", cfg.DB),
	}

	if cfg.Password != "" {
		u.User = url.UserPassword("", cfg.Password)
	}

	return u.String()
}

type RetryConfig struct {
	Attempts uint          `env:"ATTEMPTS, default=3"`
	Delay    time.Duration `env:"DELAY, default=1s"`
}

type BackupConfig struct {
	Dir string `env:"DIR, default=output"`
}

type Config struct {
	Account   AccountConfig   `env:",prefix=FOLLOWSYNC_"`
	Core      CoreConfig      `env:",prefix=FOLLOWSYNC_"`
	Collector CollectorConfig `env:",prefix=FOLLOWSYNC_COLLECTOR_"`
	Cache     CacheConfig     `env:",prefix=FOLLOWSYNC_CACHE_"`
	Redis     RedisConfig     `env:",prefix=FOLLOWSYNC_REDIS_"`
	Retry     RetryConfig     `env:",prefix=FOLLOWSYNC_RETRY_"`
	Backup    BackupConfig    `env:",prefix=FOLLOWSYNC_BACKUP_"`
}

var ErrUnknownCacheProvider = errors.New("unknown cache provider")

const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Load reads the configuration from the environment. Variables found in
// envFile are added first without overriding ones already set; a missing
// envFile is not an error.
func Load(ctx context.Context, envFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	return process(ctx, envconfig.OsLookuper())
}

// LoadCore reads only the settings that do not involve the account, for
// commands that never talk to the network.
func LoadCore(ctx context.Context, envFile string) (*CoreConfig, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	var cfg CoreConfig
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper("FOLLOWSYNC_", envconfig.OsLookuper()),
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadEnvFile(envFile string) error {
	if envFile == "" {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	return nil
}

func process(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	})
	if err != nil {
		return nil, err
	}

	switch cfg.Cache.Provider {
	case CacheMemory, CacheRedis:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCacheProvider, cfg.Cache.Provider)
	}

	return &cfg, nil
}
