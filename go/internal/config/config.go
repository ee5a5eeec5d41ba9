// Package config loads the server configuration from an optional YAML file
// and the environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/dbconfig"
)

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

type AuthConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
	QueueSize     int    `yaml:"queue_size"`
}

// Enabled reports whether events should be mirrored to JetStream.
func (n NATSConfig) Enabled() bool { return n.URL != "" }

type RoundConfig struct {
	WriteWorkers   int `yaml:"write_workers"`
	WriteQueueSize int `yaml:"write_queue_size"`
}

type GatewayConfig struct {
	SendBuffer      int     `yaml:"send_buffer"`
	BroadcastBuffer int     `yaml:"broadcast_buffer"`
	JoinRate        float64 `yaml:"join_rate"`
	JoinBurst       int     `yaml:"join_burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database dbconfig.Config `yaml:"database"`
	Auth     AuthConfig      `yaml:"auth"`
	NATS     NATSConfig      `yaml:"nats"`
	Round    RoundConfig     `yaml:"round"`
	Gateway  GatewayConfig   `yaml:"gateway"`
	Log      LogConfig       `yaml:"log"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			IdleTimeout:    120 * time.Second,
		},
		Database: dbconfig.NewConfigFromEnv(),
		Auth:     AuthConfig{Issuer: "gaming-dashboard"},
		NATS: NATSConfig{
			Stream:        "ROUND_EVENTS",
			SubjectPrefix: "rounds",
			QueueSize:     1024,
		},
		Round:   RoundConfig{WriteWorkers: 4, WriteQueueSize: 1024},
		Gateway: GatewayConfig{SendBuffer: 256, BroadcastBuffer: 1000, JoinRate: 5, JoinBurst: 10},
		Log:     LogConfig{Level: "info", Pretty: true},
	}
}

// Load reads path (when it exists) over the defaults and then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = getEnv("SERVER_ADDR", cfg.Server.Addr)
	if origins := getEnv("ALLOWED_ORIGINS", ""); origins != "" {
		cfg.Server.AllowedOrigins = strings.Split(origins, ",")
	}

	cfg.Database.Driver = getEnv("DB_DRIVER", cfg.Database.Driver)
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvAsInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnv("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)
	cfg.Database.Path = getEnv("DB_PATH", cfg.Database.Path)

	cfg.Auth.Secret = getEnv("JWT_SECRET", cfg.Auth.Secret)
	cfg.Auth.Issuer = getEnv("JWT_ISSUER", cfg.Auth.Issuer)

	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)
	cfg.NATS.Stream = getEnv("NATS_STREAM", cfg.NATS.Stream)

	cfg.Round.WriteWorkers = getEnvAsInt("ROUND_WRITE_WORKERS", cfg.Round.WriteWorkers)
	cfg.Round.WriteQueueSize = getEnvAsInt("ROUND_WRITE_QUEUE_SIZE", cfg.Round.WriteQueueSize)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	if v := getEnv("LOG_PRETTY", ""); v != "" {
		cfg.Log.Pretty, _ = strconv.ParseBool(v)
	}
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if c.Auth.Secret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.Database.Driver {
	case dbconfig.DriverPostgres, dbconfig.DriverSQLite:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Round.WriteWorkers < 1 {
		return fmt.Errorf("round.write_workers must be positive, got %d", c.Round.WriteWorkers)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
