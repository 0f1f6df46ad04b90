// Package dnsresolve implements the MX-preferred DNS resolution protocol
// of spec §4.2: parallel fan-out across nameservers with MX→A→AAAA
// fallback, backed by a sharded TTL cache.
package dnsresolve

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/13Dev-07/emailv/dnscache"
	"github.com/13Dev-07/emailv/errs"
)

// MXRecord is a resolved, priority-sorted mail exchanger.
type MXRecord struct {
	Host     string
	Priority uint16
}

// Config controls resolution timeouts, TTL policy, and fan-out.
type Config struct {
	Nameservers []string
	// Timeout is the overall per-call deadline T; each nameserver race
	// uses T/2.
	Timeout     time.Duration
	DefaultTTL  time.Duration
	NegativeTTL time.Duration
	ShardCount  int
	PoolSize    int
	// MaxFanout bounds concurrent resolutions in ResolveMXBatch.
	MaxFanout int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 1 * time.Hour
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 1 * time.Minute
	}
	if c.ShardCount <= 0 {
		c.ShardCount = 16
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.MaxFanout <= 0 {
		c.MaxFanout = 32
	}
	return c
}

// Resolver resolves mail exchangers with caching and fallback.
type Resolver struct {
	cfg       Config
	resolvers []*nsResolver
	cache     *dnscache.Cache
	logger    *slog.Logger
}

// New constructs a Resolver. A Cache is created internally if cache is nil.
func New(cfg Config, cache *dnscache.Cache, logger *slog.Logger) *Resolver {
	cfg = cfg.withDefaults()
	if cache == nil {
		cache = dnscache.New(cfg.ShardCount)
	}
	if logger == nil {
		logger = slog.Default()
	}

	resolvers := make([]*nsResolver, 0, len(cfg.Nameservers))
	for _, addr := range cfg.Nameservers {
		resolvers = append(resolvers, newNsResolver(addr, cfg.Timeout/2, cfg.PoolSize))
	}

	return &Resolver{cfg: cfg, resolvers: resolvers, cache: cache, logger: logger}
}

// Cache exposes the underlying cache (used by the orchestrator for
// observability, and by tests).
func (r *Resolver) Cache() *dnscache.Cache { return r.cache }

// ResolveMX resolves the mail exchangers for domain, preferring MX records
// and falling back to a synthesized pseudo-MX from A/AAAA when the domain
// has none. Results are sorted ascending by priority.
func (r *Resolver) ResolveMX(ctx context.Context, domain string) ([]MXRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	now := time.Now()
	if cached, ok := r.cache.Get(domain, dnscache.KindMX, now); ok {
		if len(cached) == 0 {
			// A cached negative answer reports no MX, as the fresh lookup did.
			return nil, errs.New(errs.NoMx, "dnsresolve.ResolveMX", nil)
		}
		return toMXRecords(cached), nil
	}

	entry, mx, err := r.resolveMXUncached(ctx, domain, now)
	if entry != nil {
		r.cache.Put(entry.Domain, entry.Kind, entry.Records, entry.TTL, now)
	}
	return mx, err
}

// resolveMXUncached runs the query/fallback pipeline for one domain without
// touching the cache, returning the entry it would write (nil if nothing
// should be cached, e.g. a transport timeout) alongside the result. Callers
// decide whether to write it through Put immediately (ResolveMX) or collect
// it for a single PutBulk call after a batch's fan-out completes
// (ResolveMXBatch).
func (r *Resolver) resolveMXUncached(ctx context.Context, domain string, now time.Time) (*dnscache.BulkEntry, []MXRecord, error) {
	const op = "dnsresolve.ResolveMX"

	mxResult, err := raceQuery(ctx, r.resolvers, domain, dns.TypeMX, r.cfg.Timeout/2)
	if err == nil && mxResult.outcome == Ok {
		sorted := sortedCopy(mxResult.records)
		ttl := recordsTTL(sorted, now, r.cfg.DefaultTTL)
		if ttl > r.cfg.DefaultTTL {
			ttl = r.cfg.DefaultTTL
		}
		entry := &dnscache.BulkEntry{Domain: domain, Kind: dnscache.KindMX, Records: sorted, TTL: ttl}
		return entry, toMXRecords(sorted), nil
	}

	if mxResult.outcome == Timeout {
		return nil, nil, errs.New(errs.DnsTimeout, op, ctx.Err())
	}

	// NXDOMAIN or empty MX set: fall back to A, then AAAA, synthesizing a
	// single pseudo-MX for the first kind that answers.
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		fallbackResult, fErr := raceQuery(ctx, r.resolvers, domain, qtype, r.cfg.Timeout/2)
		if fErr == nil && fallbackResult.outcome == Ok {
			pseudo := []dnscache.Record{{Kind: dnscache.KindMX, Value: domain, Priority: 10, ExpiresAt: now.Add(r.cfg.DefaultTTL)}}
			entry := &dnscache.BulkEntry{Domain: domain, Kind: dnscache.KindMX, Records: pseudo, TTL: r.cfg.DefaultTTL}
			return entry, []MXRecord{{Host: domain, Priority: 10}}, nil
		}
		if fallbackResult.outcome == Timeout {
			return nil, nil, errs.New(errs.DnsTimeout, op, ctx.Err())
		}
	}

	// Terminal negative result: cache briefly and report no MX, distinct
	// from a transport failure which is never cached.
	if mxResult.outcome == Nx || mxResult.outcome == Empty {
		entry := &dnscache.BulkEntry{Domain: domain, Kind: dnscache.KindMX, Records: nil, TTL: r.cfg.NegativeTTL}
		return entry, nil, errs.New(errs.NoMx, op, nil)
	}

	return nil, nil, errs.New(errs.DnsFailure, op, err)
}

// ResolveMXBatch resolves MX records for many domains, skipping any that
// already have a live cache entry, bounded by MaxFanout concurrent
// resolutions. All fresh answers from the fan-out are collected and then
// written through a single PutBulk call, so each shard is locked exactly
// once for the whole batch instead of once per domain.
func (r *Resolver) ResolveMXBatch(ctx context.Context, domains []string) map[string][]MXRecord {
	now := time.Now()
	missing := r.cache.Missing(domains, dnscache.KindMX, now)

	results := make(map[string][]MXRecord, len(domains))
	var bulkEntries []dnscache.BulkEntry
	var mu sync.Mutex

	sem := make(chan struct{}, r.cfg.MaxFanout)
	var wg sync.WaitGroup
	for _, domain := range missing {
		wg.Add(1)
		sem <- struct{}{}
		go func(domain string) {
			defer wg.Done()
			defer func() { <-sem }()

			dctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
			defer cancel()

			entry, mx, err := r.resolveMXUncached(dctx, domain, now)
			mu.Lock()
			if entry != nil {
				bulkEntries = append(bulkEntries, *entry)
			}
			if err == nil {
				results[domain] = mx
			}
			mu.Unlock()
		}(domain)
	}
	wg.Wait()

	if len(bulkEntries) > 0 {
		r.cache.PutBulk(bulkEntries, now)
	}

	for _, domain := range domains {
		if _, ok := results[domain]; ok {
			continue
		}
		if cached, ok := r.cache.Get(domain, dnscache.KindMX, now); ok {
			results[domain] = toMXRecords(cached)
		}
	}

	return results
}

func toMXRecords(records []dnscache.Record) []MXRecord {
	out := make([]MXRecord, 0, len(records))
	for _, r := range records {
		out = append(out, MXRecord{Host: r.Value, Priority: r.Priority})
	}
	return out
}

func sortedCopy(records []dnscache.Record) []dnscache.Record {
	sorted := make([]dnscache.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return sorted
}
