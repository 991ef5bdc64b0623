package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var securityHeaders = [][2]string{
	{"X-Frame-Options", "DENY"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-XSS-Protection", "1; mode=block"},
	{"Content-Security-Policy", "default-src 'self'"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
}

// SecurityHeaders sets the standard hardening headers on every response, plus
// HSTS when the request arrived over TLS.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range securityHeaders {
			h.Set(kv[0], kv[1])
		}
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitConfig configures RateLimitWithConfig.
type RateLimitConfig struct {
	RequestsPerMin int
	BurstSize      int

	// TrustedProxies lists peer addresses or CIDR ranges whose
	// X-Forwarded-For and X-Real-IP headers are believed. Unparseable
	// entries are ignored.
	TrustedProxies []string

	// KeyFunc picks the bucket for a request. The gateway keys by caller id;
	// an empty key falls back to the client IP.
	KeyFunc func(r *http.Request) string

	// OnLimited receives the bucket key of every rejected request.
	OnLimited func(key string)
}

// idleBucketTTL is how long an unused bucket is kept before it is swept.
const idleBucketTTL = 3 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// bucketSet holds one token bucket per key.
type bucketSet struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	every   rate.Limit
	burst   int
}

func (s *bucketSet) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(s.every, s.burst)}
		s.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (s *bucketSet) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.buckets {
		if now.Sub(b.lastSeen) > idleBucketTTL {
			delete(s.buckets, key)
		}
	}
}

func (s *bucketSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// RateLimitWithConfig rejects requests over a per-key token bucket with 429,
// a JSON error body and a Retry-After header. Idle buckets are swept every
// minute until ctx is done.
func RateLimitWithConfig(ctx context.Context, cfg RateLimitConfig) func(http.Handler) http.Handler {
	set := &bucketSet{
		buckets: make(map[string]*bucket),
		every:   rate.Limit(cfg.RequestsPerMin) / 60,
		burst:   cfg.BurstSize,
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				set.sweep(now)
			case <-ctx.Done():
				return
			}
		}
	}()
	proxies := parseTrustedProxies(cfg.TrustedProxies)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var key string
			if cfg.KeyFunc != nil {
				key = cfg.KeyFunc(r)
			}
			if key == "" {
				key = "ip:" + clientIP(r, proxies)
			}

			now := time.Now()
			res := set.get(key, now).ReserveN(now, 1)
			if res.OK() && res.DelayFrom(now) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			wait := res.DelayFrom(now)
			res.CancelAt(now)

			if cfg.OnLimited != nil {
				cfg.OnLimited(key)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", retryAfterSeconds(wait, res.OK()))
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded, please retry shortly"}`))
		})
	}
}

func retryAfterSeconds(wait time.Duration, ok bool) string {
	if !ok || wait == rate.InfDuration {
		return "60"
	}
	return strconv.Itoa(max(1, int(math.Ceil(wait.Seconds()))))
}

func parseTrustedProxies(entries []string) []netip.Prefix {
	var out []netip.Prefix
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
		}
	}
	return out
}

// clientIP returns the TCP peer address, or the forwarded client address when
// the peer is a trusted proxy.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil || !inPrefixes(addr.Unmap(), trusted) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return peer
}

func inPrefixes(addr netip.Addr, prefixes []netip.Prefix) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
