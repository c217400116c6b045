package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// dnsSeedCache remembers the last successful resolution per domain for
// TTL, avoiding a fresh TXT lookup on every discovery tick (spec.md §4.9:
// "cached with a TTL").
type dnsSeedCache struct {
	mu      sync.Mutex
	entries map[string]seedCacheEntry
	ttl     time.Duration
}

type seedCacheEntry struct {
	peers    []Peer
	expireAt time.Time
}

// NewDNSSeedResolver constructs a resolver with the given cache TTL.
func NewDNSSeedResolver(ttl time.Duration) *DNSSeedResolver {
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &DNSSeedResolver{cache: &dnsSeedCache{entries: make(map[string]seedCacheEntry), ttl: ttl}}
}

// DNSSeedResolver resolves "coc-peer:<id>:<url>" TXT records into peers,
// then hands them through the same admission Filter as any other
// discovery candidate (spec.md §4.9 "DNS seeds").
type DNSSeedResolver struct {
	cache *dnsSeedCache

	// lookupTXT is overridable for tests; defaults to net.DefaultResolver.
	lookupTXT func(ctx context.Context, name string) ([]string, error)
}

func (r *DNSSeedResolver) resolver() func(ctx context.Context, name string) ([]string, error) {
	if r.lookupTXT != nil {
		return r.lookupTXT
	}
	return net.DefaultResolver.LookupTXT
}

// Resolve returns the peers seeded under domain, using the cache if still
// fresh.
func (r *DNSSeedResolver) Resolve(ctx context.Context, domain string) ([]Peer, error) {
	r.cache.mu.Lock()
	if e, ok := r.cache.entries[domain]; ok && time.Now().Before(e.expireAt) {
		peers := e.peers
		r.cache.mu.Unlock()
		return peers, nil
	}
	r.cache.mu.Unlock()

	records, err := r.resolver()(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("discovery: dns seed lookup %s: %w", domain, err)
	}

	peers := make([]Peer, 0, len(records))
	for _, rec := range records {
		p, ok := parseSeedRecord(rec)
		if ok {
			peers = append(peers, p)
		}
	}

	r.cache.mu.Lock()
	r.cache.entries[domain] = seedCacheEntry{peers: peers, expireAt: time.Now().Add(r.cache.ttl)}
	r.cache.mu.Unlock()
	return peers, nil
}

// parseSeedRecord parses "coc-peer:<id>:<url>" (spec.md §4.9).
func parseSeedRecord(rec string) (Peer, bool) {
	const prefix = "coc-peer:"
	if !strings.HasPrefix(rec, prefix) {
		return Peer{}, false
	}
	rest := rec[len(prefix):]
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Peer{}, false
	}
	return Peer{ID: parts[0], URL: parts[1]}, true
}

// ResolveAndConsider resolves domain and offers every peer to d through
// the standard filter (including private-host rejection), matching
// spec.md §4.9: "results are then fed through the same discovery filter".
func (r *DNSSeedResolver) ResolveAndConsider(ctx context.Context, domain string, d *Discovery) error {
	peers, err := r.Resolve(ctx, domain)
	if err != nil {
		return err
	}
	for _, p := range peers {
		_ = d.Consider(p)
	}
	return nil
}
