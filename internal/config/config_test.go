package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Pipeline.RetrievalTimeout != 30*time.Second {
		t.Errorf("RetrievalTimeout = %v, want 30s", cfg.Pipeline.RetrievalTimeout)
	}
	if cfg.Pipeline.GenerationTimeout != 120*time.Second {
		t.Errorf("GenerationTimeout = %v, want 120s", cfg.Pipeline.GenerationTimeout)
	}
	if cfg.Pipeline.TotalTimeout != 180*time.Second {
		t.Errorf("TotalTimeout = %v, want 180s", cfg.Pipeline.TotalTimeout)
	}
	if cfg.Pipeline.DefaultTopK != 5 || cfg.Pipeline.MaxTopK != 20 {
		t.Errorf("TopK defaults = %d/%d, want 5/20", cfg.Pipeline.DefaultTopK, cfg.Pipeline.MaxTopK)
	}
	if cfg.Tunnel.SenderOwner != "aggregator" {
		t.Errorf("SenderOwner = %q", cfg.Tunnel.SenderOwner)
	}
	if cfg.Tunnel.PeerTokenExpire() != 900*time.Second {
		t.Errorf("PeerTokenExpire() = %v, want 900s", cfg.Tunnel.PeerTokenExpire())
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("DEFAULT_TOP_K", "7")
	t.Setenv("CORS_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("PEER_TOKEN_EXPIRE_SECONDS", "300")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Pipeline.DefaultTopK != 7 {
		t.Errorf("DefaultTopK = %d, want 7", cfg.Pipeline.DefaultTopK)
	}
	if len(cfg.Server.CORSOrigins) != 2 {
		t.Errorf("CORSOrigins = %v, want two entries", cfg.Server.CORSOrigins)
	}
	if cfg.Tunnel.PeerTokenExpire() != 300*time.Second {
		t.Errorf("PeerTokenExpire() = %v, want plain seconds parsed as 300s", cfg.Tunnel.PeerTokenExpire())
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"top_k above max", func(c *Config) { c.Pipeline.DefaultTopK = 99 }},
		{"negative max sources", func(c *Config) { c.Pipeline.MaxDataSources = -1 }},
		{"zero timeout", func(c *Config) { c.Pipeline.TotalTimeout = 0 }},
		{"zero token expiry", func(c *Config) { c.Tunnel.PeerTokenExpireSeconds = 0 }},
		{"inverted queue ttl bounds", func(c *Config) {
			c.Tunnel.ReservedQueueMin = time.Hour
			c.Tunnel.ReservedQueueMax = time.Minute
		}},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
