package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SAGA_HTTP_PORT", "")
	t.Setenv("SAGA_MAX_CAS_ATTEMPTS", "")
	t.Setenv("SAGA_DEFAULT_STEP_TIMEOUT", "")

	cfg := Load()
	if cfg.HTTPPort != 8087 {
		t.Fatalf("expected default port 8087, got %d", cfg.HTTPPort)
	}
	if cfg.MaxCASAttempts != 5 {
		t.Fatalf("expected default cas attempts 5, got %d", cfg.MaxCASAttempts)
	}
	if cfg.DefaultStepTimeout != 30*time.Second {
		t.Fatalf("expected default step timeout 30s, got %v", cfg.DefaultStepTimeout)
	}
	if cfg.RequestStream != "saga:requests" || cfg.EventStream != "saga:events" {
		t.Fatalf("unexpected default streams: %s %s", cfg.RequestStream, cfg.EventStream)
	}
	if cfg.NotifyChannel != "saga:notify:{correlationId}" {
		t.Fatalf("unexpected notify channel %s", cfg.NotifyChannel)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SAGA_HTTP_PORT", "9090")
	t.Setenv("SAGA_CONSUMER_GROUP", "saga-test")
	t.Setenv("SAGA_DEFAULT_STEP_TIMEOUT", "90s")
	t.Setenv("SAGA_DEDUP_TTL", "1h")

	cfg := Load()
	if cfg.HTTPPort != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.HTTPPort)
	}
	if cfg.ConsumerGroup != "saga-test" {
		t.Fatalf("expected group saga-test, got %s", cfg.ConsumerGroup)
	}
	if cfg.DefaultStepTimeout != 90*time.Second {
		t.Fatalf("expected step timeout 90s, got %v", cfg.DefaultStepTimeout)
	}
	if cfg.DedupTTL != time.Hour {
		t.Fatalf("expected dedup ttl 1h, got %v", cfg.DedupTTL)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			AppEnv:                  "dev",
			HTTPPort:                8087,
			DBPassword:              "saga123",
			DBSSLMode:               "disable",
			NotifyChannel:           "saga:notify:{correlationId}",
			MaxCASAttempts:          5,
			MaxCompensationAttempts: 5,
			TimerPollInterval:       time.Second,
			SweepInterval:           time.Minute,
			DefaultStepTimeout:      30 * time.Second,
			InternalToken:           "dev-internal-token-change-me",
			WorkerID:                5,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "dev defaults pass", mutate: func(c *Config) {}},
		{
			name:    "http port out of range",
			mutate:  func(c *Config) { c.HTTPPort = 0 },
			wantErr: "SAGA_HTTP_PORT out of range",
		},
		{
			name:    "worker id out of range",
			mutate:  func(c *Config) { c.WorkerID = 1024 },
			wantErr: "WORKER_ID must be between",
		},
		{
			name:    "missing internal token",
			mutate:  func(c *Config) { c.InternalToken = "" },
			wantErr: "INTERNAL_TOKEN is required",
		},
		{
			name:    "cas attempts too low",
			mutate:  func(c *Config) { c.MaxCASAttempts = 0 },
			wantErr: "SAGA_MAX_CAS_ATTEMPTS",
		},
		{
			name:    "notify channel missing placeholder",
			mutate:  func(c *Config) { c.NotifyChannel = "saga:notify" },
			wantErr: "{correlationId}",
		},
		{
			name:    "sweep interval must be positive",
			mutate:  func(c *Config) { c.SweepInterval = 0 },
			wantErr: "SAGA_SWEEP_INTERVAL",
		},
		{
			name: "prod rejects placeholder token",
			mutate: func(c *Config) {
				c.AppEnv = "prod"
			},
			wantErr: "INTERNAL_TOKEN must be at least",
		},
		{
			name: "prod rejects default db password",
			mutate: func(c *Config) {
				c.AppEnv = "prod"
				c.InternalToken = strings.Repeat("a", 40)
				c.MetricsToken = strings.Repeat("b", 40)
			},
			wantErr: "DB_PASSWORD must be explicitly set",
		},
		{
			name: "prod rejects sslmode disable",
			mutate: func(c *Config) {
				c.AppEnv = "prod"
				c.InternalToken = strings.Repeat("a", 40)
				c.MetricsToken = strings.Repeat("b", 40)
				c.DBPassword = "real-password"
			},
			wantErr: "DB_SSL_MODE must not be disable",
		},
		{
			name: "prod requires metrics token",
			mutate: func(c *Config) {
				c.AppEnv = "prod"
				c.InternalToken = strings.Repeat("a", 40)
			},
			wantErr: "METRICS_TOKEN is required",
		},
		{
			name: "prod full config passes",
			mutate: func(c *Config) {
				c.AppEnv = "prod"
				c.InternalToken = strings.Repeat("a", 40)
				c.MetricsToken = strings.Repeat("b", 40)
				c.DBPassword = "real-password"
				c.DBSSLMode = "require"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigDSN(t *testing.T) {
	cfg := &Config{
		DBHost:     "localhost",
		DBPort:     5437,
		DBUser:     "saga",
		DBPassword: "pass",
		DBName:     "saga",
		DBSSLMode:  "require",
	}
	expected := "host=localhost port=5437 user=saga password=pass dbname=saga sslmode=require"
	if cfg.DSN() != expected {
		t.Fatalf("expected DSN %s, got %s", expected, cfg.DSN())
	}
}
