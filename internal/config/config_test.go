package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := LoadServerConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.AccessTokenTTL != 30*time.Minute || cfg.RefreshTokenTTL != 168*time.Hour {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.OTPMaxAttempts != 5 || cfg.BroadcastConcurrency != 16 || cfg.TokenWarnWindow != 5*time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("ACCESS_TOKEN_TTL", "10m")
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")
	t.Setenv("LOG_LEVEL", "DEBUG")
	cfg, err := LoadServerConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AccessTokenTTL != 10*time.Minute {
		t.Fatalf("access ttl = %v", cfg.AccessTokenTTL)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers = %q", cfg.KafkaBrokers)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
}

func TestLoadServerConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	body := "http_addr: \":9090\"\njwt_secret: fromfile\notp_max_attempts: 3\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.JWTSecret != "fromfile" || cfg.OTPMaxAttempts != 3 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestValidateAggregatesErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("TEST_MODE", "false")
	t.Setenv("OTP_MAX_ATTEMPTS", "0")
	t.Setenv("BROADCAST_CONCURRENCY", "-1")
	_, err := LoadServerConfig("")
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"JWT_SECRET", "OTP_MAX_ATTEMPTS", "BROADCAST_CONCURRENCY"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestTestModeAllowsMissingSecret(t *testing.T) {
	t.Setenv("TEST_MODE", "true")
	if _, err := LoadServerConfig(""); err != nil {
		t.Fatalf("load: %v", err)
	}
}
