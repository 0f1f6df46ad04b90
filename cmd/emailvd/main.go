// Command emailvd validates a single address (or a newline-delimited batch
// from stdin) using the full resolver/breaker/pool/prober pipeline. The
// HTTP surface of spec §6 is intentionally out of scope here; this is the
// engine's own wiring, exercised directly.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/13Dev-07/emailv/breaker"
	"github.com/13Dev-07/emailv/config"
	"github.com/13Dev-07/emailv/dnscache"
	"github.com/13Dev-07/emailv/dnsresolve"
	"github.com/13Dev-07/emailv/logging"
	"github.com/13Dev-07/emailv/risk"
	"github.com/13Dev-07/emailv/smtppool"
	"github.com/13Dev-07/emailv/smtpprobe"
	"github.com/13Dev-07/emailv/telemetry"
	"github.com/13Dev-07/emailv/validate"
	"github.com/13Dev-07/emailv/verdictcache"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		email      = flag.String("email", "", "single address to validate; reads newline-delimited addresses from stdin if empty")
		checkMX    = flag.Bool("check-mx", true, "resolve MX records")
		checkSMTP  = flag.Bool("check-smtp", false, "probe MX hosts over SMTP")
		batchSize  = flag.Int("batch-size", 50, "batch chunk size for stdin input")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger := logging.Configure(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, ServiceName: "emailvd"})

	engine, pool := buildEngine(cfg, logger)
	defer pool.Stop()
	logger.Info("emailvd starting", "check_mx", *checkMX, "check_smtp", *checkSMTP)

	opts := validate.Options{CheckMX: *checkMX, CheckSMTP: *checkSMTP}
	ctx := context.Background()

	if *email != "" {
		v, err := engine.Validate(ctx, *email, opts)
		if err != nil {
			fmt.Fprintln(os.Stderr, "validate error:", err)
			os.Exit(1)
		}
		emit(v)
		return
	}

	var addrs []string
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			addrs = append(addrs, line)
		}
	}

	results := engine.ValidateBatch(ctx, addrs, opts, *batchSize, *batchSize, 100*time.Millisecond)
	for _, v := range results {
		emit(v)
	}
}

func buildEngine(cfg *config.Config, logger *slog.Logger) (*validate.Engine, *smtppool.Pool) {
	dnsCache := dnscache.New(cfg.DNS.ShardCount)
	resolver := dnsresolve.New(dnsresolve.Config{
		Nameservers: cfg.DNS.Nameservers,
		Timeout:     cfg.DNS.Timeout,
		DefaultTTL:  cfg.DNS.CacheTTL,
		NegativeTTL: cfg.DNS.NegativeTTL,
		ShardCount:  cfg.DNS.ShardCount,
	}, dnsCache, logger)

	pool := smtppool.New(smtppool.Config{
		MaxPerHost:      cfg.SMTP.MaxPerHost,
		MaxLifetime:     cfg.SMTP.MaxLifetime,
		CleanupInterval: cfg.SMTP.CleanupInterval,
		MaxRetries:      cfg.SMTP.MaxRetries,
		DialTimeout:     cfg.SMTP.Timeout,
		RetryBaseDelay:  cfg.SMTP.RetryDelay,
	})
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		RecoveryTimeout:     cfg.Breaker.RecoveryTimeout,
		HalfOpenMaxInFlight: cfg.Breaker.HalfOpenMax,
	})
	prober := smtpprobe.New(smtpprobe.Config{FromAddress: cfg.SMTP.FromAddress}, pool, breakers)

	riskChecker := risk.New(risk.Config{})

	var redisClient *redis.Client
	if cfg.Redis.Host != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	cache := verdictcache.New(verdictcache.Config{TTL: cfg.VerdictCache.TTL, NegativeTTL: cfg.VerdictCache.NegativeTTL}, redisClient)

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	audit := telemetry.NewAuditLog(os.Stdout)

	engine := validate.New(resolver, prober, riskChecker, cache, metrics, audit)
	return engine, pool
}

func emit(v verdictcache.Verdict) {
	b, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, "marshal error:", err)
		return
	}
	fmt.Println(string(b))
}
