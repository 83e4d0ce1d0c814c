package geomint

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/emberworks/geomint/geomint/chain"
	"github.com/emberworks/geomint/geomint/database"
	"github.com/emberworks/geomint/geomint/services"
	"github.com/emberworks/geomint/geomint/signer"
)

func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err = toml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type Config struct {
	Environment string                 `toml:"environment"` // "production" or "development"
	Log         LogConfig              `toml:"log"`
	DB          database.DBConfig      `toml:"db"`
	Redis       RedisConfig            `toml:"redis"`
	Mongo       MongoConfig            `toml:"mongo"`
	Signer      signer.Config          `toml:"signer"`
	Tickets     TicketConfig           `toml:"tickets"`
	Queue       QueueConfig            `toml:"queue"`
	Chain       chain.Config           `toml:"chain"`
	Archive     services.ArchiveConfig `toml:"archive"`
}

type LogConfig struct {
	Level     slog.Level `toml:"level"`
	Format    string     `toml:"format"`
	AddSource bool       `toml:"add_source"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	// UseMemory swaps in the in-memory store double. Development only; the
	// load path rejects it in production.
	UseMemory bool `toml:"use_memory"`
}

type MongoConfig struct {
	URI           string `toml:"uri"`
	Database      string `toml:"database"`
	RetentionDays int    `toml:"retention_days"`
	UseMemory     bool   `toml:"use_memory"`
}

type TicketConfig struct {
	TTLSeconds uint32 `toml:"ttl_seconds"`
}

type QueueConfig struct {
	Stream          string `toml:"stream"`
	Group           string `toml:"group"`
	Consumer        string `toml:"consumer"`
	Concurrency     int    `toml:"concurrency"`
	MaxDeliveries   int64  `toml:"max_deliveries"`
	ReclaimSecs     int    `toml:"reclaim_seconds"`
	ReclaimIdleSecs int    `toml:"reclaim_idle_seconds"`
}

func (c *Config) Production() bool {
	return c.Environment == "production"
}

// validate enforces the fail-closed rules that must hold before any traffic
// is served: production never runs on the in-memory doubles, and the signer
// must be fully configured at startup.
func (c *Config) validate() error {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Production() {
		if c.Redis.UseMemory {
			return fmt.Errorf("config: use_memory redemption store is not allowed in production")
		}
		if c.Mongo.UseMemory {
			return fmt.Errorf("config: use_memory audit trail is not allowed in production")
		}
		if c.Signer.Mode != "custodial" {
			return fmt.Errorf("config: production requires the custodial signer, got %q", c.Signer.Mode)
		}
	}
	if c.Queue.Stream == "" {
		c.Queue.Stream = "geomint:mint"
	}
	if c.Queue.Group == "" {
		c.Queue.Group = "mint-workers"
	}
	if c.Tickets.TTLSeconds == 0 {
		c.Tickets.TTLSeconds = 3600
	}
	return nil
}
