// Package verdictcache memoizes full validation verdicts keyed by
// normalized address and options digest, coalescing concurrent lookups
// for the same key so a cache stampede never fans out into repeated DNS
// or SMTP work, per spec §4.6 and §6.
package verdictcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Status is the coarse outcome surfaced to API callers.
type Status string

const (
	StatusValid   Status = "valid"
	StatusRisky   Status = "risky"
	StatusInvalid Status = "invalid"
)

// Verdict is the full validation result, owned by the cache: callers
// always receive a copy, never a shared pointer into cache storage.
type Verdict struct {
	Email        string    `json:"email"`
	Status       Status    `json:"status"`
	Score        int       `json:"score"`
	ErrorMessage string    `json:"error_message,omitempty"`
	MXUsed       string    `json:"mx_used,omitempty"`
	CheckedMX    bool      `json:"checked_mx"`
	CheckedSMTP  bool      `json:"checked_smtp"`
	ComputedAt   time.Time `json:"computed_at"`
}

func (v Verdict) isNegative() bool { return v.Status == StatusInvalid }

// Config sets the TTL policy: negative verdicts expire sooner than
// positive ones, since invalid/no-MX outcomes are more likely to reflect
// a transient upstream issue worth re-checking soon.
type Config struct {
	TTL         time.Duration
	NegativeTTL time.Duration
	LocalSize   int
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 5 * time.Minute
	}
	if c.LocalSize <= 0 {
		c.LocalSize = 10000
	}
	return c
}

// Validate enforces the invariant that negative results expire sooner than
// positive ones.
func (c Config) Validate() error {
	if c.NegativeTTL >= c.TTL {
		return fmt.Errorf("verdictcache: negativeTtl (%s) must be shorter than ttl (%s)", c.NegativeTTL, c.TTL)
	}
	return nil
}

// localEntry pairs a cached verdict with its own expiration, the way the
// teacher's ipCacheEntry tracks expiresAt alongside an LRU-bounded value:
// the LRU's own TTL is only the outer cap, since positive and negative
// verdicts expire on different schedules.
type localEntry struct {
	v         Verdict
	expiresAt time.Time
}

// Cache is a two-tier verdict store: an in-process expirable LRU in front
// of an optional Redis tier shared across instances, matching spec §6's
// `email_validation:<normalized>:<opts>` persisted key.
type Cache struct {
	cfg   Config
	local *lru.LRU[string, localEntry]
	redis *redis.Client
	group singleflight.Group
}

// New constructs a Cache. redisClient may be nil to run purely in-process.
func New(cfg Config, redisClient *redis.Client) *Cache {
	cfg = cfg.withDefaults()
	local := lru.NewLRU[string, localEntry](cfg.LocalSize, nil, cfg.TTL)
	return &Cache{cfg: cfg, local: local, redis: redisClient}
}

// Key builds the cache key from the normalized address and an options
// digest (e.g. which checks were requested), per spec §4.6 step 2.
func Key(normalized string, opts map[string]any) string {
	digest := sha256.Sum256(mustJSON(opts))
	return fmt.Sprintf("email_validation:%s:%s", normalized, hex.EncodeToString(digest[:8]))
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Get returns a cached verdict if present and not expired, checking the
// local tier first, then Redis. A locally stored entry past its own
// expiresAt is treated as a miss even though the underlying LRU — whose
// TTL is only the coarse cap from cfg.TTL — hasn't evicted it yet.
func (c *Cache) Get(ctx context.Context, key string) (Verdict, bool) {
	if e, ok := c.local.Get(key); ok {
		if time.Now().Before(e.expiresAt) {
			return e.v, true
		}
	}
	if c.redis == nil {
		return Verdict{}, false
	}

	raw, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return Verdict{}, false
	}
	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Verdict{}, false
	}
	c.putLocal(key, v)
	return v, true
}

func (c *Cache) putLocal(key string, v Verdict) {
	ttl := c.cfg.TTL
	if v.isNegative() {
		ttl = c.cfg.NegativeTTL
	}
	c.local.Add(key, localEntry{v: v, expiresAt: time.Now().Add(ttl)})
}

// Put stores v under key in both tiers, with TTL chosen by whether the
// verdict is negative.
func (c *Cache) Put(ctx context.Context, key string, v Verdict) {
	c.putLocal(key, v)
	if c.redis == nil {
		return
	}
	ttl := c.cfg.TTL
	if v.isNegative() {
		ttl = c.cfg.NegativeTTL
	}
	if raw, err := json.Marshal(v); err == nil {
		_ = c.redis.Set(ctx, key, raw, ttl).Err()
	}
}

// GetOrCompute returns the cached verdict for key, or calls compute and
// caches the result. Concurrent callers for the same key share one
// in-flight compute via singleflight, so a burst of requests for the same
// address never triggers duplicate DNS/SMTP work.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (Verdict, error)) (Verdict, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		v, err := compute(ctx)
		if err != nil {
			return Verdict{}, err
		}
		c.Put(ctx, key, v)
		return v, nil
	})
	if err != nil {
		return Verdict{}, err
	}
	return result.(Verdict), nil
}
