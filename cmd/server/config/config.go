package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// HTTPConfig holds the public API listener settings.
type HTTPConfig struct {
	Addr string
}

// RedisConfig holds event bus connection and stream settings. An empty URL
// means the process runs on the in-memory bus instead.
type RedisConfig struct {
	URL           string
	Stream        string
	ConsumerGroup string
	ConsumerName  string
	DialTimeout   *time.Duration
	ReadTimeout   *time.Duration
	WriteTimeout  *time.Duration
	PoolSize      *int
	MinIdleConns  *int
	MaxRetries    *int
	StreamMaxLen  int64
	TLSConfig     *tls.Config
}

// ResilienceConfig tunes the publisher and payment-gateway guards.
type ResilienceConfig struct {
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration
	BreakerMonitoringPeriod time.Duration
	PublishTimeout          time.Duration
	PaymentRateInterval     time.Duration
	PaymentRateBurst        int
}

// SweepConfig tunes the background reservation and outbox sweepers.
type SweepConfig struct {
	ReservationTTL      time.Duration
	ReservationSchedule string
	OutboxSchedule      string
	OutboxMinAge        time.Duration
	OutboxBatch         int
}

// Config is everything the server process reads from the environment.
type Config struct {
	HTTP               HTTPConfig
	DatabaseURL        string
	Redis              RedisConfig
	Resilience         ResilienceConfig
	Sweep              SweepConfig
	GatewayFailureRate float64
}

// Load reads the full server configuration from env. DATABASE_URL and
// REDIS_URL are both optional; absent, the process falls back to in-memory
// stores and bus, which is how the demo and the tests run.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}

	cfg.HTTP.Addr = optionalString("HTTP_ADDR", ":8080")

	var err error
	if cfg.Redis, err = loadRedis(); err != nil {
		return cfg, err
	}
	if cfg.Resilience, err = loadResilience(); err != nil {
		return cfg, err
	}
	if cfg.Sweep, err = loadSweep(); err != nil {
		return cfg, err
	}
	if cfg.GatewayFailureRate, err = optionalFloat("PAYMENT_GATEWAY_FAILURE_RATE", 0.1); err != nil {
		return cfg, err
	}
	if cfg.GatewayFailureRate < 0 || cfg.GatewayFailureRate > 1 {
		return cfg, errors.New("PAYMENT_GATEWAY_FAILURE_RATE must be in [0, 1]")
	}
	return cfg, nil
}

func loadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		URL:           strings.TrimSpace(os.Getenv("REDIS_URL")),
		Stream:        optionalString("REDIS_STREAM", "saga-events"),
		ConsumerGroup: optionalString("REDIS_CONSUMER_GROUP", "saga-workers"),
		ConsumerName:  optionalString("REDIS_CONSUMER_NAME", hostnameConsumer()),
	}
	if cfg.URL == "" {
		return cfg, nil
	}

	var err error
	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}
	if cfg.StreamMaxLen, err = optionalInt64("REDIS_STREAM_MAXLEN", 100000); err != nil {
		return cfg, err
	}
	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadResilience() (ResilienceConfig, error) {
	cfg := ResilienceConfig{}
	var err error
	if cfg.BreakerFailureThreshold, err = optionalIntDefault("BREAKER_FAILURE_THRESHOLD", 5); err != nil {
		return cfg, err
	}
	if cfg.BreakerSuccessThreshold, err = optionalIntDefault("BREAKER_SUCCESS_THRESHOLD", 2); err != nil {
		return cfg, err
	}
	if cfg.BreakerTimeout, err = optionalDurationDefault("BREAKER_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.BreakerMonitoringPeriod, err = optionalDurationDefault("BREAKER_MONITORING_PERIOD", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.PublishTimeout, err = optionalDurationDefault("PUBLISH_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.PaymentRateInterval, err = optionalDurationDefault("PAYMENT_RATE_INTERVAL", 100*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.PaymentRateBurst, err = optionalIntDefault("PAYMENT_RATE_BURST", 10); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadSweep() (SweepConfig, error) {
	cfg := SweepConfig{
		ReservationSchedule: optionalString("RESERVATION_SWEEP_SCHEDULE", "@every 1m"),
		OutboxSchedule:      optionalString("OUTBOX_SWEEP_SCHEDULE", "@every 30s"),
	}
	var err error
	if cfg.ReservationTTL, err = optionalDurationDefault("RESERVATION_TTL", 15*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.OutboxMinAge, err = optionalDurationDefault("OUTBOX_MIN_AGE", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.OutboxBatch, err = optionalIntDefault("OUTBOX_BATCH", 100); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func hostnameConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-1"
	}
	return host
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func optionalString(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalDurationDefault(name string, fallback time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return fallback, nil
	}
	return *val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalIntDefault(name string, fallback int) (int, error) {
	val, err := optionalInt(name)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return fallback, nil
	}
	return *val, nil
}

func optionalInt64(name string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func optionalFloat(name string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}
