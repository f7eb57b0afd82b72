package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server ServerConfig
	DB     DBConfig
	NATS   NATSConfig
	Quota  QuotaConfig
	Sweep  SweepConfig
	Log    LogConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	CORSAllowedOrigins []string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type NATSConfig struct {
	URL     string
	Enabled bool
}

// QuotaConfig holds the canonical per-bucket limits and the transaction
// behavior of the accounting engine.
type QuotaConfig struct {
	LearningActionsLimit int
	ExplanationsLimit    int
	LectureUploadsLimit  int

	// MaxTxRetries bounds how often a serialization conflict is retried
	// before surfacing a transient error.
	MaxTxRetries     int
	LockTimeout      time.Duration
	StatementTimeout time.Duration
}

type SweepConfig struct {
	Interval  time.Duration
	BatchSize int
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:               k.String("server.host"),
			Port:               k.Int("server.port"),
			CORSAllowedOrigins: k.Strings("server.cors.origins"),
		},
		DB: DBConfig{
			Host:     k.String("db.host"),
			Port:     k.Int("db.port"),
			User:     k.String("db.user"),
			Password: k.String("db.password"),
			Name:     k.String("db.name"),
			SSLMode:  k.String("db.sslmode"),
			MaxConns: int32(k.Int("db.max.conns")),
		},
		NATS: NATSConfig{
			URL:     k.String("nats.url"),
			Enabled: k.Bool("nats.enabled"),
		},
		Quota: QuotaConfig{
			LearningActionsLimit: k.Int("quota.learning.actions.limit"),
			ExplanationsLimit:    k.Int("quota.explanations.limit"),
			LectureUploadsLimit:  k.Int("quota.lecture.uploads.limit"),
			MaxTxRetries:         k.Int("quota.max.tx.retries"),
		},
		Sweep: SweepConfig{
			BatchSize: k.Int("sweep.batch.size"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "quotaledger"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "quotaledger"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Quota.LearningActionsLimit == 0 {
		cfg.Quota.LearningActionsLimit = 150
	}
	if cfg.Quota.ExplanationsLimit == 0 {
		cfg.Quota.ExplanationsLimit = 50
	}
	if cfg.Quota.LectureUploadsLimit == 0 {
		cfg.Quota.LectureUploadsLimit = 20
	}
	if cfg.Quota.MaxTxRetries == 0 {
		cfg.Quota.MaxTxRetries = 3
	}
	if cfg.Sweep.BatchSize == 0 {
		cfg.Sweep.BatchSize = 500
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	lockTimeoutStr := k.String("quota.lock.timeout")
	if lockTimeoutStr == "" {
		lockTimeoutStr = "2s"
	}
	cfg.Quota.LockTimeout, err = time.ParseDuration(lockTimeoutStr)
	if err != nil {
		return nil, fmt.Errorf("parsing quota lock timeout: %w", err)
	}

	stmtTimeoutStr := k.String("quota.statement.timeout")
	if stmtTimeoutStr == "" {
		stmtTimeoutStr = "5s"
	}
	cfg.Quota.StatementTimeout, err = time.ParseDuration(stmtTimeoutStr)
	if err != nil {
		return nil, fmt.Errorf("parsing quota statement timeout: %w", err)
	}

	sweepIntervalStr := k.String("sweep.interval")
	if sweepIntervalStr == "" {
		sweepIntervalStr = "24h"
	}
	cfg.Sweep.Interval, err = time.ParseDuration(sweepIntervalStr)
	if err != nil {
		return nil, fmt.Errorf("parsing sweep interval: %w", err)
	}

	return cfg, nil
}
