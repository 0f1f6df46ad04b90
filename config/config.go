// Package config loads emailv's configuration from defaults, an optional
// YAML file, and EMAILV_-prefixed environment variables, in that priority
// order, per spec §6.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/13Dev-07/emailv/dnsresolve"
)

// DNSConfig controls the resolver.
type DNSConfig struct {
	Nameservers []string
	Timeout     time.Duration
	CacheTTL    time.Duration
	NegativeTTL time.Duration
	ShardCount  int
}

// SMTPConfig controls the connection pool and prober.
type SMTPConfig struct {
	Timeout         time.Duration
	MaxPerHost      int
	MaxLifetime     time.Duration
	CleanupInterval time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	FromAddress     string
}

// RedisConfig addresses the shared cache/rate-limit backend.
type RedisConfig struct {
	Host     string
	Port     int
	DB       int
	Password string
	MaxConns int
}

// RateLimitConfig controls the sliding-window limiter's defaults.
type RateLimitConfig struct {
	Enabled       bool
	DefaultLimit  int
	DefaultWindow time.Duration
}

// BreakerConfig controls the circuit breaker's thresholds.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMax      int
}

// VerdictCacheConfig controls verdict memoization TTLs.
type VerdictCacheConfig struct {
	TTL         time.Duration
	NegativeTTL time.Duration
}

// Config is the full, validated configuration surface named in spec §6.
type Config struct {
	DNS          DNSConfig
	SMTP         SMTPConfig
	Redis        RedisConfig
	RateLimit    RateLimitConfig
	Breaker      BreakerConfig
	VerdictCache VerdictCacheConfig
	LogLevel     string
	LogFormat    string
}

// Load reads configuration from configPath (if non-empty), environment
// variables prefixed EMAILV_, and hardcoded defaults, then validates the
// result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EMAILV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		DNS: DNSConfig{
			Nameservers: v.GetStringSlice("dns.nameservers"),
			Timeout:     v.GetDuration("dns.timeout"),
			CacheTTL:    v.GetDuration("dns.cache_ttl"),
			NegativeTTL: v.GetDuration("dns.negative_ttl"),
			ShardCount:  v.GetInt("dns.shard_count"),
		},
		SMTP: SMTPConfig{
			Timeout:         v.GetDuration("smtp.timeout"),
			MaxPerHost:      v.GetInt("smtp.max_per_host"),
			MaxLifetime:     v.GetDuration("smtp.max_lifetime"),
			CleanupInterval: v.GetDuration("smtp.cleanup_interval"),
			MaxRetries:      v.GetInt("smtp.max_retries"),
			RetryDelay:      v.GetDuration("smtp.retry_delay"),
			FromAddress:     v.GetString("smtp.from_address"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			DB:       v.GetInt("redis.db"),
			Password: v.GetString("redis.password"),
			MaxConns: v.GetInt("redis.max_conns"),
		},
		RateLimit: RateLimitConfig{
			Enabled:       v.GetBool("rate_limit.enabled"),
			DefaultLimit:  v.GetInt("rate_limit.default_limit"),
			DefaultWindow: v.GetDuration("rate_limit.default_window"),
		},
		Breaker: BreakerConfig{
			FailureThreshold: v.GetInt("breaker.failure_threshold"),
			RecoveryTimeout:  v.GetDuration("breaker.recovery_timeout"),
			HalfOpenMax:      v.GetInt("breaker.half_open_max"),
		},
		VerdictCache: VerdictCacheConfig{
			TTL:         v.GetDuration("verdict_cache.ttl"),
			NegativeTTL: v.GetDuration("verdict_cache.negative_ttl"),
		},
		LogLevel:  v.GetString("logging.level"),
		LogFormat: v.GetString("logging.format"),
	}

	if len(cfg.DNS.Nameservers) == 0 {
		if s := v.GetString("dns.nameservers"); s != "" {
			cfg.DNS.Nameservers = strings.Split(s, ",")
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dns.nameservers", dnsresolve.DefaultNameservers())
	v.SetDefault("dns.timeout", "5s")
	v.SetDefault("dns.cache_ttl", "1h")
	v.SetDefault("dns.negative_ttl", "1m")
	v.SetDefault("dns.shard_count", 16)

	v.SetDefault("smtp.timeout", "10s")
	v.SetDefault("smtp.max_per_host", 4)
	v.SetDefault("smtp.max_lifetime", "5m")
	v.SetDefault("smtp.cleanup_interval", "1m")
	v.SetDefault("smtp.max_retries", 3)
	v.SetDefault("smtp.retry_delay", "1s")
	v.SetDefault("smtp.from_address", "probe@localhost")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_conns", 10)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default_limit", 100)
	v.SetDefault("rate_limit.default_window", "1h")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", "30s")
	v.SetDefault("breaker.half_open_max", 1)

	v.SetDefault("verdict_cache.ttl", "1h")
	v.SetDefault("verdict_cache.negative_ttl", "5m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func validate(cfg *Config) error {
	if cfg.Redis.Port <= 0 || cfg.Redis.Port > 65535 {
		return errors.New("config: redis.port must be 1..65535")
	}
	if cfg.VerdictCache.NegativeTTL >= cfg.VerdictCache.TTL {
		return errors.New("config: verdict_cache.negative_ttl must be shorter than verdict_cache.ttl")
	}
	if cfg.DNS.ShardCount <= 0 {
		return errors.New("config: dns.shard_count must be positive")
	}
	if cfg.SMTP.MaxPerHost <= 0 {
		return errors.New("config: smtp.max_per_host must be positive")
	}
	return nil
}
