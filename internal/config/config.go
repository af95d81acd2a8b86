package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// ServerConfig captures all tunable parameters for the API process.
// Values come from an optional YAML file overlaid by environment variables,
// with defaults that let the binary run locally without any setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" env:"HTTP_ADDR" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"http_read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"5s"`
	WriteTimeout    time.Duration `yaml:"http_write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"10s"`
	IdleTimeout     time.Duration `yaml:"http_idle_timeout" env:"HTTP_IDLE_TIMEOUT" env-default:"120s"`
	ShutdownTimeout time.Duration `yaml:"http_shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"15s"`

	JWTSecret          string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTIssuer          string        `yaml:"jwt_issuer" env:"JWT_ISSUER" env-default:"ride-coordination"`
	AccessTokenTTL     time.Duration `yaml:"access_token_ttl" env:"ACCESS_TOKEN_TTL" env-default:"30m"`
	RefreshTokenTTL    time.Duration `yaml:"refresh_token_ttl" env:"REFRESH_TOKEN_TTL" env-default:"168h"`
	TokenSweepInterval time.Duration `yaml:"token_sweep_interval" env:"TOKEN_SWEEP_INTERVAL" env-default:"1h"`
	TokenCheckInterval time.Duration `yaml:"token_check_interval" env:"TOKEN_CHECK_INTERVAL" env-default:"5m"`
	TokenWarnWindow    time.Duration `yaml:"token_warn_window" env:"TOKEN_WARN_WINDOW" env-default:"5m"`
	OTPTTL             time.Duration `yaml:"otp_ttl" env:"OTP_TTL" env-default:"5m"`
	OTPMaxAttempts     int           `yaml:"otp_max_attempts" env:"OTP_MAX_ATTEMPTS" env-default:"5"`

	BroadcastConcurrency int  `yaml:"broadcast_concurrency" env:"BROADCAST_CONCURRENCY" env-default:"16"`
	TestMode             bool `yaml:"test_mode" env:"TEST_MODE" env-default:"false"`

	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisGeoKey   string `yaml:"redis_geo_key" env:"REDIS_GEO_KEY" env-default:"drivers_geo"`

	KafkaBrokers       []string `yaml:"kafka_brokers" env:"KAFKA_BROKERS" env-separator:","`
	KafkaLocationTopic string   `yaml:"kafka_location_topic" env:"KAFKA_LOCATION_TOPIC" env-default:"driver-locations"`
	KafkaTripTopic     string   `yaml:"kafka_trip_topic" env:"KAFKA_TRIP_TOPIC" env-default:"trip-events"`

	DefaultSpeedMps float64 `yaml:"default_speed_mps" env:"DEFAULT_SPEED_MPS" env-default:"8"`
	OSRMURL         string  `yaml:"osrm_url" env:"OSRM_URL"`

	PGDSN         string `yaml:"pg_dsn" env:"PG_DSN"`
	RunMigrations bool   `yaml:"migrate" env:"MIGRATE" env-default:"false"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
}

// ConsumerConfig drives the location consumer.
type ConsumerConfig struct {
	KafkaBrokers  []string `yaml:"kafka_brokers" env:"KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
	KafkaTopic    string   `yaml:"kafka_location_topic" env:"KAFKA_LOCATION_TOPIC" env-default:"driver-locations"`
	KafkaGroup    string   `yaml:"kafka_group" env:"KAFKA_GROUP" env-default:"ride-coordination-consumer"`
	RedisAddr     string   `yaml:"redis_addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword string   `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisGeoKey   string   `yaml:"redis_geo_key" env:"REDIS_GEO_KEY" env-default:"drivers_geo"`
	MetricsAddr   string   `yaml:"metrics_addr" env:"METRICS_ADDR" env-default:":2112"`
	Retries       int      `yaml:"redis_retries" env:"REDIS_RETRIES" env-default:"3"`
	LogLevel      string   `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
}

// read fills cfg from path when given, otherwise from the environment only.
func read(path string, cfg any) error {
	if path != "" {
		return cleanenv.ReadConfig(path, cfg)
	}
	return cleanenv.ReadEnv(cfg)
}

func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := read(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.KafkaBrokers = compact(cfg.KafkaBrokers)
	return cfg, cfg.Validate()
}

// Validate reports every problem at once.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.JWTSecret == "" && !c.TestMode {
		errs = append(errs, errors.New("JWT_SECRET is required outside TEST_MODE"))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"ACCESS_TOKEN_TTL", c.AccessTokenTTL},
		{"REFRESH_TOKEN_TTL", c.RefreshTokenTTL},
		{"TOKEN_WARN_WINDOW", c.TokenWarnWindow},
		{"OTP_TTL", c.OTPTTL},
		{"HTTP_READ_TIMEOUT", c.ReadTimeout},
		{"HTTP_WRITE_TIMEOUT", c.WriteTimeout},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", d.key))
		}
	}
	if c.RefreshTokenTTL > 0 && c.RefreshTokenTTL < c.AccessTokenTTL {
		errs = append(errs, errors.New("REFRESH_TOKEN_TTL must not be shorter than ACCESS_TOKEN_TTL"))
	}
	if c.OTPMaxAttempts <= 0 {
		errs = append(errs, errors.New("OTP_MAX_ATTEMPTS must be > 0"))
	}
	if c.BroadcastConcurrency <= 0 {
		errs = append(errs, errors.New("BROADCAST_CONCURRENCY must be > 0"))
	}
	if c.DefaultSpeedMps <= 0 {
		errs = append(errs, errors.New("DEFAULT_SPEED_MPS must be > 0"))
	}
	return errors.Join(errs...)
}

func LoadConsumerConfig(path string) (ConsumerConfig, error) {
	var cfg ConsumerConfig
	if err := read(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	cfg.KafkaBrokers = compact(cfg.KafkaBrokers)
	var errs []error
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.Retries <= 0 {
		errs = append(errs, errors.New("REDIS_RETRIES must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func compact(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
