package authapi

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// loginThrottle is a process-local sliding-window counter keyed by an
// arbitrary string (client IP or normalized login identifier). It only
// counts failures; a successful login resets the key.
type loginThrottle struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	hits   map[string][]time.Time
}

func newLoginThrottle(max int, window time.Duration) *loginThrottle {
	return &loginThrottle{
		max:    max,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Blocked reports whether key has exhausted its failure budget, and how
// long until the oldest counted failure ages out.
func (t *loginThrottle) Blocked(key string, now time.Time) (bool, time.Duration) {
	if t == nil || key == "" || t.max <= 0 {
		return false, 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.prune(key, now)
	if len(kept) < t.max {
		return false, 0
	}
	retryAfter := t.window - now.Sub(kept[0])
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return true, retryAfter
}

// Fail records one failed attempt for key.
func (t *loginThrottle) Fail(key string, now time.Time) {
	if t == nil || key == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.hits[key] = append(t.prune(key, now), now)
}

// Reset clears the failure history for key.
func (t *loginThrottle) Reset(key string) {
	if t == nil || key == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.hits, key)
}

// prune assumes t.mu is held and drops entries older than the window.
func (t *loginThrottle) prune(key string, now time.Time) []time.Time {
	cut := now.Add(-t.window)
	kept := t.hits[key][:0]
	for _, ts := range t.hits[key] {
		if ts.After(cut) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(t.hits, key)
		return nil
	}
	t.hits[key] = kept
	return kept
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()+0.5), 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}

// clientIP extracts the peer address, honoring X-Forwarded-For only when
// the deployment fronts this service with a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if ip := net.ParseIP(first); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
