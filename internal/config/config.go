// Package config loads service configuration from the environment.
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

// RedisConfig holds Redis connection and behavior settings. An empty URL
// means no broker is configured; services fall back to the in-process bus.
type RedisConfig struct {
	URL          string
	DialTimeout  *time.Duration
	ReadTimeout  *time.Duration
	WriteTimeout *time.Duration
	PoolSize     *int
	MinIdleConns *int
	MaxRetries   *int
	StreamMaxLen int64
	Block        time.Duration
	DedupTTL     time.Duration
	EnableOTel   bool
	TLSConfig    *tls.Config
}

// ServiceConfig holds the per-service listen addresses and store settings.
type ServiceConfig struct {
	HTTPAddr          string
	GRPCAddr          string
	PostgresDSN       string
	TopicRegistryPath string
}

// GatewayConfig holds payment gateway retry and breaker settings.
type GatewayConfig struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	RateInterval     time.Duration
	RateBurst        int
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		URL:          strings.TrimSpace(os.Getenv("REDIS_URL")),
		StreamMaxLen: 10_000,
		Block:        5 * time.Second,
		DedupTTL:     24 * time.Hour,
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

	if maxLen, err := optionalInt64("REDIS_STREAM_MAXLEN"); err != nil {
		return cfg, err
	} else if maxLen != nil {
		cfg.StreamMaxLen = *maxLen
	}
	if block, err := optionalDuration("REDIS_BLOCK"); err != nil {
		return cfg, err
	} else if block != nil {
		cfg.Block = *block
	}
	if ttl, err := optionalDuration("REDIS_DEDUP_TTL"); err != nil {
		return cfg, err
	} else if ttl != nil {
		cfg.DedupTTL = *ttl
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadService reads listen addresses and store settings from env, with
// service-specific defaults for the addresses.
func LoadService(defaultHTTPAddr, defaultGRPCAddr string) (ServiceConfig, error) {
	cfg := ServiceConfig{
		HTTPAddr:          defaultHTTPAddr,
		GRPCAddr:          defaultGRPCAddr,
		PostgresDSN:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		TopicRegistryPath: strings.TrimSpace(os.Getenv("TOPIC_REGISTRY_FILE")),
	}
	if addr := strings.TrimSpace(os.Getenv("HTTP_ADDR")); addr != "" {
		cfg.HTTPAddr = addr
	}
	if addr := strings.TrimSpace(os.Getenv("GRPC_ADDR")); addr != "" {
		cfg.GRPCAddr = addr
	}
	return cfg, nil
}

// LoadGateway reads payment gateway retry and breaker settings from env.
func LoadGateway() (GatewayConfig, error) {
	cfg := GatewayConfig{
		MaxAttempts:      3,
		BaseDelay:        100 * time.Millisecond,
		MaxDelay:         2 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}

	if attempts, err := optionalInt("GATEWAY_MAX_ATTEMPTS"); err != nil {
		return cfg, err
	} else if attempts != nil {
		if *attempts < 1 {
			return cfg, errors.New("GATEWAY_MAX_ATTEMPTS must be >= 1")
		}
		cfg.MaxAttempts = *attempts
	}
	if base, err := optionalDuration("GATEWAY_BASE_DELAY"); err != nil {
		return cfg, err
	} else if base != nil {
		cfg.BaseDelay = *base
	}
	if max, err := optionalDuration("GATEWAY_MAX_DELAY"); err != nil {
		return cfg, err
	} else if max != nil {
		cfg.MaxDelay = *max
	}
	if threshold, err := optionalInt("GATEWAY_BREAKER_THRESHOLD"); err != nil {
		return cfg, err
	} else if threshold != nil {
		cfg.BreakerThreshold = *threshold
	}
	if cooldown, err := optionalDuration("GATEWAY_BREAKER_COOLDOWN"); err != nil {
		return cfg, err
	} else if cooldown != nil {
		cfg.BreakerCooldown = *cooldown
	}
	if rate, err := optionalDuration("GATEWAY_RATE_INTERVAL"); err != nil {
		return cfg, err
	} else if rate != nil {
		cfg.RateInterval = *rate
	}
	if burst, err := optionalInt("GATEWAY_RATE_BURST"); err != nil {
		return cfg, err
	} else if burst != nil {
		cfg.RateBurst = *burst
	}

	return cfg, nil
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

func optionalInt64(name string) (*int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}
