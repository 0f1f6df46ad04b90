// Package dnscache implements the sharded, TTL-aware DNS record cache
// described in spec §3 (CacheShard) and §4.2 (cache API). Each domain
// hashes to exactly one shard; bulk operations group keys by shard and
// acquire shards in ascending index order so multi-shard operations never
// deadlock against each other.
package dnscache

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Kind is the DNS record type a cache entry holds.
type Kind uint8

const (
	KindMX Kind = iota
	KindA
	KindAAAA
	KindPTR
	KindNS
)

// Record is an immutable DNS answer with its cache expiration.
type Record struct {
	Value     string
	Kind      Kind
	Priority  uint16 // only meaningful for KindMX
	ExpiresAt time.Time
}

type entry struct {
	records   []Record
	expiresAt time.Time
}

// shardCapacity bounds how many distinct domains a single shard's LRU
// holds before evicting the least recently used one.
const shardCapacity = 4096

// shardMaxTTL is the outer bound handed to the underlying expirable LRU.
// Individual records almost always expire sooner, per their own
// entry.expiresAt; this cap only protects against a pathologically long
// DNS TTL pinning a domain in the cache forever.
const shardMaxTTL = 24 * time.Hour

// shard wraps an expirable LRU the way the teacher's dnsCache wraps one:
// the LRU's own TTL is a coarse outer bound, and the real, per-record TTL
// is tracked and checked manually via entry.expiresAt.
type shard struct {
	mu    sync.Mutex
	store *lru.LRU[string, map[Kind]entry]
}

func newShard() *shard {
	return &shard{store: lru.NewLRU[string, map[Kind]entry](shardCapacity, nil, shardMaxTTL)}
}

// Cache is a fixed set of N shards, N a power of two.
type Cache struct {
	shards []*shard
	mask   uint32
}

// New creates a Cache with the given shard count, rounded up to the next
// power of two (minimum 1, default used by callers is 16).
func New(n int) *Cache {
	if n <= 0 {
		n = 16
	}
	n = nextPowerOfTwo(n)

	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = newShard()
	}
	return &Cache{shards: shards, mask: uint32(n - 1)}
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (c *Cache) shardFor(domain string) *shard {
	return c.shards[c.shardIndexFor(domain)]
}

func (c *Cache) shardIndexFor(domain string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(domain))
	return int(h.Sum32() & c.mask)
}

// Get returns the cached records for (domain, kind) if present and not
// expired. A record returned from the cache always has ExpiresAt after
// now; an expired entry is evicted on the read (miss-as-cleanup) rather
// than left for a background sweep.
func (c *Cache) Get(domain string, kind Kind, now time.Time) ([]Record, bool) {
	s := c.shardFor(domain)
	s.mu.Lock()
	defer s.mu.Unlock()

	byKind, ok := s.store.Get(domain)
	if !ok {
		return nil, false
	}
	e, ok := byKind[kind]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.After(now) {
		delete(byKind, kind)
		if len(byKind) == 0 {
			s.store.Remove(domain)
		} else {
			s.store.Add(domain, byKind)
		}
		return nil, false
	}

	out := make([]Record, len(e.records))
	copy(out, e.records)
	return out, true
}

// Put stores records for (domain, kind) with the given TTL.
func (c *Cache) Put(domain string, kind Kind, records []Record, ttl time.Duration, now time.Time) {
	s := c.shardFor(domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	c.putLocked(s, domain, kind, records, ttl, now)
}

func (c *Cache) putLocked(s *shard, domain string, kind Kind, records []Record, ttl time.Duration, now time.Time) {
	byKind, ok := s.store.Get(domain)
	if !ok {
		byKind = make(map[Kind]entry)
	}
	stored := make([]Record, len(records))
	copy(stored, records)
	byKind[kind] = entry{records: stored, expiresAt: now.Add(ttl)}
	s.store.Add(domain, byKind)
}

// Missing returns the subset of domains that have no live entry for kind,
// computed with each shard's lock held only once.
func (c *Cache) Missing(domains []string, kind Kind, now time.Time) []string {
	byShard := c.groupByShard(domains)

	indices := make([]int, 0, len(byShard))
	for idx := range byShard {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var missing []string
	for _, idx := range indices {
		s := c.shards[idx]
		s.mu.Lock()
		for _, domain := range byShard[idx] {
			byKind, ok := s.store.Get(domain)
			if !ok {
				missing = append(missing, domain)
				continue
			}
			e, ok := byKind[kind]
			if !ok || !e.expiresAt.After(now) {
				missing = append(missing, domain)
			}
		}
		s.mu.Unlock()
	}
	return missing
}

// BulkEntry is one domain's worth of records to store via PutBulk.
type BulkEntry struct {
	Domain  string
	Kind    Kind
	Records []Record
	TTL     time.Duration
}

// PutBulk stores many entries, acquiring each shard's lock exactly once in
// ascending shard-index order.
func (c *Cache) PutBulk(entries []BulkEntry, now time.Time) {
	byShard := make(map[int][]BulkEntry)
	for _, e := range entries {
		idx := c.shardIndexFor(e.Domain)
		byShard[idx] = append(byShard[idx], e)
	}

	indices := make([]int, 0, len(byShard))
	for idx := range byShard {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	for _, idx := range indices {
		s := c.shards[idx]
		s.mu.Lock()
		for _, e := range byShard[idx] {
			c.putLocked(s, e.Domain, e.Kind, e.Records, e.TTL, now)
		}
		s.mu.Unlock()
	}
}

// groupByShard buckets domains by their shard index, visited in ascending
// order downstream to avoid lock-ordering issues.
func (c *Cache) groupByShard(domains []string) map[int][]string {
	byShard := make(map[int][]string)
	for _, d := range domains {
		idx := c.shardIndexFor(d)
		byShard[idx] = append(byShard[idx], d)
	}
	return byShard
}

// Cleanup sweeps every shard and removes expired entries. Intended to be
// called periodically by a background worker; Get also evicts lazily on
// miss, so Cleanup only matters for domains that are never looked up again.
// The underlying LRU also expires entries on its own after shardMaxTTL, but
// individual records usually have a much shorter, DNS-supplied TTL.
func (c *Cache) Cleanup(now time.Time) {
	for _, s := range c.shards {
		s.mu.Lock()
		for _, domain := range s.store.Keys() {
			byKind, ok := s.store.Peek(domain)
			if !ok {
				continue
			}
			for kind, e := range byKind {
				if !e.expiresAt.After(now) {
					delete(byKind, kind)
				}
			}
			if len(byKind) == 0 {
				s.store.Remove(domain)
			} else {
				s.store.Add(domain, byKind)
			}
		}
		s.mu.Unlock()
	}
}

// Clear empties every shard.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.store.Purge()
		s.mu.Unlock()
	}
}

// ShardCount returns the number of shards, mostly useful for tests and
// metrics.
func (c *Cache) ShardCount() int { return len(c.shards) }
