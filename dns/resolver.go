// Package dns provides the single global name resolver relayd uses to turn
// an upstream's configured domain name into connectable addresses. It
// mirrors the teacher's features/dns.Client contract (LookupIP over a
// cached, periodically swept record set) while drawing its wire client
// from github.com/miekg/dns instead of xray-core's hand-rolled
// dnsmessage-based nameserver, since a relay has no routing/fake-ip
// machinery to integrate with.
package dns

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/l4mesh/relayd/internal/errors"
	"github.com/l4mesh/relayd/internal/task"
)

// Mode selects which address families LookupIP queries and in what order.
type Mode int

const (
	// ModeDualStack queries both A and AAAA and returns every answer
	// received, the historical default. With configured nameservers the
	// two queries are sent one after the other, not concurrently.
	ModeDualStack Mode = iota
	// ModeIPv4Only queries only A records.
	ModeIPv4Only
	// ModeIPv6Only queries only AAAA records.
	ModeIPv6Only
	// ModeIPv4ThenIPv6 queries A first, falling back to AAAA only if A
	// returns no answers.
	ModeIPv4ThenIPv6
	// ModeIPv6ThenIPv4 queries AAAA first, falling back to A only if AAAA
	// returns no answers.
	ModeIPv6ThenIPv4
)

// ParseMode maps a config/CLI mode name to a Mode, defaulting to
// ModeDualStack for an empty or unrecognized name.
func ParseMode(name string) Mode {
	switch strings.ToLower(name) {
	case "ipv4_only", "ipv4only":
		return ModeIPv4Only
	case "ipv6_only", "ipv6only":
		return ModeIPv6Only
	case "ipv4_then_ipv6", "ipv4thenipv6":
		return ModeIPv4ThenIPv6
	case "ipv6_then_ipv4", "ipv6thenipv4":
		return ModeIPv6ThenIPv4
	default:
		return ModeDualStack
	}
}

// Config describes how the global resolver builds its upstream DNS client.
type Config struct {
	// Nameservers are "host:port" pairs; port defaults to 53 if omitted.
	Nameservers []string
	// Protocol is "udp" or "tcp". Defaults to "udp".
	Protocol string
	// Timeout bounds a single upstream exchange.
	Timeout time.Duration
	// MinTTL floors the cache lifetime of any answer, guarding against
	// pathologically small TTLs from misconfigured upstreams.
	MinTTL time.Duration
	// MaxTTL ceils the cache lifetime of any answer. Zero means unbounded.
	MaxTTL time.Duration
	// CacheSize caps the number of cached domains; the oldest entry by
	// expiry is evicted to make room once the cache is full. Zero means
	// unbounded.
	CacheSize int
	// Mode selects which address families are queried and in what order.
	Mode Mode
}

// DefaultConfig mirrors the system resolver when no nameservers are given by
// deferring to net.Resolver, matching the original's "use the platform
// resolver if nothing else is configured" default.
func DefaultConfig() Config {
	return Config{
		Protocol: "udp",
		Timeout:  5 * time.Second,
		MinTTL:   time.Second,
		Mode:     ModeDualStack,
	}
}

type cacheEntry struct {
	addrs  []net.IP
	expire time.Time
}

// Resolver is a cached, concurrency-safe DNS client. The zero value is not
// usable; construct with New.
type Resolver struct {
	mu      sync.RWMutex
	cfg     Config
	client  *dns.Client
	cache   map[string]*cacheEntry
	cleanup *task.Periodic
}

// New builds a Resolver from cfg. It does not itself become the process
// global; call Configure/Build for that, or use it directly.
func New(cfg Config) *Resolver {
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	r := &Resolver{
		cfg:    cfg,
		client: &dns.Client{Net: cfg.Protocol, Timeout: cfg.Timeout},
		cache:  make(map[string]*cacheEntry),
	}
	r.cleanup = &task.Periodic{
		Interval: time.Minute,
		Execute:  r.sweep,
	}
	r.cleanup.Start()
	return r
}

func (r *Resolver) sweep() error {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.cache {
		if v.expire.Before(now) {
			delete(r.cache, k)
		}
	}
	return nil
}

// Close stops the background cache sweep.
func (r *Resolver) Close() error {
	return r.cleanup.Close()
}

// LookupIP resolves domain to its configured address family set, consulting
// the cache first. An empty Nameservers list defers to the platform
// resolver via net.DefaultResolver.
func (r *Resolver) LookupIP(ctx context.Context, domain string) ([]net.IP, error) {
	key := strings.ToLower(domain)

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && entry.expire.After(time.Now()) {
		return entry.addrs, nil
	}

	if len(r.cfg.Nameservers) == 0 {
		addrs, err := r.systemLookup(ctx, domain)
		if err != nil {
			return nil, errors.New("dns: system lookup of ", domain).Base(err)
		}
		r.store(key, addrs, r.cfg.MinTTL)
		return addrs, nil
	}

	addrs, ttl, err := r.exchange(ctx, domain)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errors.New("dns: empty response for ", domain)
	}
	r.store(key, addrs, ttl)
	return addrs, nil
}

func (r *Resolver) store(key string, addrs []net.IP, ttl time.Duration) {
	if ttl < r.cfg.MinTTL {
		ttl = r.cfg.MinTTL
	}
	if r.cfg.MaxTTL > 0 && ttl > r.cfg.MaxTTL {
		ttl = r.cfg.MaxTTL
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.CacheSize > 0 {
		if _, exists := r.cache[key]; !exists {
			r.evictOldestLocked(r.cfg.CacheSize - 1)
		}
	}
	r.cache[key] = &cacheEntry{addrs: addrs, expire: time.Now().Add(ttl)}
}

// evictOldestLocked removes cache entries, oldest expiry first, until at
// most limit remain. Callers must hold r.mu.
func (r *Resolver) evictOldestLocked(limit int) {
	for len(r.cache) > limit {
		var oldestKey string
		var oldest time.Time
		first := true
		for k, v := range r.cache {
			if first || v.expire.Before(oldest) {
				oldestKey, oldest, first = k, v.expire, false
			}
		}
		if first {
			return
		}
		delete(r.cache, oldestKey)
	}
}

// queryTypes returns the record types exchange queries, in order, for the
// resolver's configured Mode.
func (r *Resolver) queryTypes() []uint16 {
	switch r.cfg.Mode {
	case ModeIPv4Only:
		return []uint16{dns.TypeA}
	case ModeIPv6Only:
		return []uint16{dns.TypeAAAA}
	case ModeIPv4ThenIPv6:
		return []uint16{dns.TypeA, dns.TypeAAAA}
	case ModeIPv6ThenIPv4:
		return []uint16{dns.TypeAAAA, dns.TypeA}
	default:
		return []uint16{dns.TypeA, dns.TypeAAAA}
	}
}

// fallbackOnEmpty reports whether queryTypes' second type should only be
// tried when the first returned nothing, per ModeIPv4ThenIPv6/
// ModeIPv6ThenIPv4's "then" semantics. ModeDualStack queries both
// unconditionally and merges their answers.
func (r *Resolver) fallbackOnEmpty() bool {
	return r.cfg.Mode == ModeIPv4ThenIPv6 || r.cfg.Mode == ModeIPv6ThenIPv4
}

func (r *Resolver) exchange(ctx context.Context, domain string) ([]net.IP, time.Duration, error) {
	fqdn := dns.Fqdn(domain)
	var addrs []net.IP
	minTTL := time.Duration(0)

	for _, qtype := range r.queryTypes() {
		if r.fallbackOnEmpty() && len(addrs) > 0 {
			break
		}

		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		reply, _, err := r.exchangeOne(ctx, msg)
		if err != nil {
			errors.LogWarningInner(ctx, err, "dns: query failed for ", domain)
			continue
		}
		for _, rr := range reply.Answer {
			var ip net.IP
			var ttl uint32
			switch rec := rr.(type) {
			case *dns.A:
				ip, ttl = rec.A, rec.Hdr.Ttl
			case *dns.AAAA:
				ip, ttl = rec.AAAA, rec.Hdr.Ttl
			default:
				continue
			}
			addrs = append(addrs, ip)
			if d := time.Duration(ttl) * time.Second; minTTL == 0 || d < minTTL {
				minTTL = d
			}
		}
	}

	if len(addrs) == 0 {
		return nil, 0, errors.New("dns: no answers for ", domain)
	}
	return addrs, minTTL, nil
}

// systemLookup defers to the platform resolver, restricting the queried
// family per Mode the way exchange does for the upstream-nameserver path.
// ModeIPv4ThenIPv6/ModeIPv6ThenIPv4 fall back to the platform resolver's
// combined "ip" network, since net.Resolver has no ordered-fallback mode.
func (r *Resolver) systemLookup(ctx context.Context, domain string) ([]net.IP, error) {
	network := "ip"
	switch r.cfg.Mode {
	case ModeIPv4Only:
		network = "ip4"
	case ModeIPv6Only:
		network = "ip6"
	}
	return net.DefaultResolver.LookupIP(ctx, network, domain)
}

func (r *Resolver) exchangeOne(ctx context.Context, msg *dns.Msg) (*dns.Msg, time.Duration, error) {
	var lastErr error
	for _, ns := range r.cfg.Nameservers {
		addr := ns
		if !strings.Contains(addr, ":") {
			addr += ":53"
		}
		reply, rtt, err := r.client.ExchangeContext(ctx, msg, addr)
		if err != nil {
			lastErr = err
			continue
		}
		if reply.Rcode != dns.RcodeSuccess {
			lastErr = errors.New("dns: rcode ", reply.Rcode, " from ", addr)
			continue
		}
		return reply, rtt, nil
	}
	if lastErr == nil {
		lastErr = errors.New("dns: no nameservers configured")
	}
	return nil, 0, lastErr
}

// global resolver state, mirroring the original's configure-once-then-build
// lazy_static pair: Configure may be called any number of times before the
// first Build/Resolve, and is rejected afterwards.
var (
	globalMu     sync.Mutex
	globalCfg    = DefaultConfig()
	globalFrozen bool
	global       *Resolver
)

// Configure sets the global resolver's configuration. It returns an error if
// the global resolver has already been built (by a prior Configure-freezing
// call to Build or Resolve).
func Configure(cfg Config) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalFrozen {
		return errors.New("dns: global resolver already built, cannot reconfigure")
	}
	globalCfg = cfg
	return nil
}

// Build freezes the global configuration and constructs the process-wide
// resolver. It is idempotent.
func Build() *Resolver {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(globalCfg)
	}
	globalFrozen = true
	return global
}

// Resolve looks up domain using the global resolver, building it from the
// current configuration on first use.
func Resolve(ctx context.Context, domain string) ([]net.IP, error) {
	return Build().LookupIP(ctx, domain)
}
