package authz

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"fieldgate.org/internal/clock"
)

// Cache memoizes decisions per identity. Every identity has a generation;
// Invalidate bumps it, which makes all earlier entries unreachable and
// stops in-flight resolutions from storing what they read before the bump.
// Generations live under a global epoch; Purge advances the epoch and
// forgets every per-identity counter.
type Cache struct {
	ttl    time.Duration
	clock  clock.Clock
	lru    *expirable.LRU[string, cacheEntry]
	maxGen int

	mu    sync.Mutex
	epoch uint64
	gen   map[string]uint64
}

type cacheEntry struct {
	decision  Decision
	expiresAt time.Time
}

// NewCache holds up to size decisions for ttl each.
func NewCache(size int, ttl time.Duration, clk clock.Clock) *Cache {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache{
		ttl:    ttl,
		clock:  clk,
		lru:    expirable.NewLRU[string, cacheEntry](size, nil, ttl),
		maxGen: size,
		gen:    make(map[string]uint64),
	}
}

// Generation returns the identity's current generation.
func (c *Cache) Generation(identityID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generationLocked(identityID)
}

func (c *Cache) generationLocked(identityID string) uint64 {
	return c.epoch<<32 | c.gen[identityID]
}

// Get returns a live decision recorded under generation gen.
func (c *Cache) Get(req Request, gen uint64) (Decision, bool) {
	e, ok := c.lru.Get(cacheKey(req, gen))
	if !ok {
		return Decision{}, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.lru.Remove(cacheKey(req, gen))
		return Decision{}, false
	}
	return e.decision, true
}

// Put stores d unless the identity was invalidated after gen was read.
func (c *Cache) Put(req Request, gen uint64, d Decision) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generationLocked(req.IdentityID) != gen {
		return false
	}
	c.lru.Add(cacheKey(req, gen), cacheEntry{decision: d, expiresAt: c.clock.Now().Add(c.ttl)})
	return true
}

// Invalidate drops every cached decision of the identities. Once more
// identities carry a counter than the cache holds decisions, the whole
// cache is purged instead.
func (c *Cache) Invalidate(identityIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range identityIDs {
		c.gen[id]++
	}
	if len(c.gen) > c.maxGen {
		c.purgeLocked()
	}
}

// Purge invalidates every identity at once.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
}

func (c *Cache) purgeLocked() {
	c.epoch++
	clear(c.gen)
	c.lru.Purge()
}

// tracked is the number of identities with a live generation counter.
func (c *Cache) tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.gen)
}

// Len is the number of stored decisions, live or not.
func (c *Cache) Len() int { return c.lru.Len() }

func cacheKey(req Request, gen uint64) string {
	var b strings.Builder
	b.WriteString(req.IdentityID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(gen, 10))
	b.WriteByte('|')
	b.WriteString(req.Resource)
	b.WriteByte('|')
	b.WriteString(req.Action)
	b.WriteByte('|')
	b.WriteString(req.Scope.String())
	if req.Override {
		b.WriteString("|ovr")
	}
	return b.String()
}
