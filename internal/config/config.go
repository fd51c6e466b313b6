// Package config provides environment-driven configuration for the
// aggregator. A local .env file is honoured when present.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config is the complete aggregator configuration.
type Config struct {
	Server   ServerConfig
	Pipeline PipelineConfig
	Tunnel   TunnelConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
	Tracing  TracingConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `env:"PORT" envDefault:"8080"`
	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"0"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"60s"`
	CORSOrigins  []string      `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
}

// PipelineConfig bounds the retrieve/generate pipeline.
type PipelineConfig struct {
	RetrievalTimeout  time.Duration `env:"RETRIEVAL_TIMEOUT" envDefault:"30s"`
	GenerationTimeout time.Duration `env:"GENERATION_TIMEOUT" envDefault:"120s"`
	TotalTimeout      time.Duration `env:"TOTAL_TIMEOUT" envDefault:"180s"`
	DefaultTopK       int           `env:"DEFAULT_TOP_K" envDefault:"5"`
	MaxTopK           int           `env:"MAX_TOP_K" envDefault:"20"`
	MaxDataSources    int           `env:"MAX_DATA_SOURCES" envDefault:"10"`
}

// TunnelConfig contains the pub/sub transport and peer-token settings.
// The token expiry is a plain seconds value, matching the env name.
type TunnelConfig struct {
	TransportURL           string        `env:"TRANSPORT_URL" envDefault:"redis://localhost:6379/0"`
	SenderOwner            string        `env:"SENDER_OWNER" envDefault:"aggregator"`
	TransportAuth          string        `env:"TRANSPORT_AUTH"`
	PeerTokenExpireSeconds int           `env:"PEER_TOKEN_EXPIRE_SECONDS" envDefault:"900"`
	CredentialSecret       string        `env:"TRANSPORT_CREDENTIAL_SECRET"`
	ReservedQueueMin       time.Duration `env:"RESERVED_QUEUE_MIN_TTL" envDefault:"60s"`
	ReservedQueueMax       time.Duration `env:"RESERVED_QUEUE_MAX_TTL" envDefault:"3600s"`
}

// PeerTokenExpire returns the peer-token TTL as a duration.
func (t TunnelConfig) PeerTokenExpire() time.Duration {
	return time.Duration(t.PeerTokenExpireSeconds) * time.Second
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `env:"METRICS_ENABLED" envDefault:"true"`
	Path    string `env:"METRICS_PATH" envDefault:"/metrics"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `env:"TRACING_ENABLED" envDefault:"false"`
	Endpoint    string  `env:"TRACING_ENDPOINT" envDefault:"localhost:4317"`
	ServiceName string  `env:"TRACING_SERVICE_NAME" envDefault:"ragmux"`
	SampleRate  float64 `env:"TRACING_SAMPLE_RATE" envDefault:"1.0"`
	Insecure    bool    `env:"TRACING_INSECURE" envDefault:"true"`
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Pipeline.DefaultTopK < 1 || c.Pipeline.DefaultTopK > c.Pipeline.MaxTopK {
		return fmt.Errorf("default_top_k %d out of range [1, %d]", c.Pipeline.DefaultTopK, c.Pipeline.MaxTopK)
	}
	if c.Pipeline.MaxDataSources < 0 {
		return fmt.Errorf("max_data_sources cannot be negative")
	}
	if c.Pipeline.RetrievalTimeout <= 0 || c.Pipeline.GenerationTimeout <= 0 || c.Pipeline.TotalTimeout <= 0 {
		return fmt.Errorf("pipeline timeouts must be positive")
	}
	if c.Tunnel.PeerTokenExpireSeconds <= 0 {
		return fmt.Errorf("peer_token_expire_seconds must be positive")
	}
	if c.Tunnel.ReservedQueueMin > c.Tunnel.ReservedQueueMax {
		return fmt.Errorf("reserved queue ttl bounds inverted")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	return nil
}
