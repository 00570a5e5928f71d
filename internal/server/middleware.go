package server

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"brokermcp/internal/autherr"
	"brokermcp/pkg/logging"
)

// requireBearer resolves the bearer grant of every request and rejects
// requests without a valid one.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		challenge := challengeParams{
			Realm:            s.realm,
			ResourceMetadata: s.metadataURL,
		}

		token, ok := bearerToken(r)
		if !ok {
			if r.Header.Get("Authorization") != "" {
				challenge.Error = bearerErrorInvalidRequest
				challenge.ErrorDescription = "authorization header must use the Bearer scheme"
			}
			writeUnauthorized(w, challenge)
			return
		}

		grant, err := s.grants.Resolve(r.Context(), token)
		if err != nil {
			if autherr.Is(err, autherr.NotAuthenticated) {
				challenge.Error = bearerErrorInvalidToken
				challenge.ErrorDescription = autherr.MessageOf(err)
				writeUnauthorized(w, challenge)
				return
			}
			logging.Error("Server", err, "Failed to resolve bearer grant")
			writeJSONError(w, http.StatusInternalServerError, "server_error", "")
			return
		}

		if s.debug {
			logging.Debug("Server", "Authenticated MCP request for user %s client %s",
				logging.TruncateID(grant.UserID), grant.ClientID)
		}
		next.ServeHTTP(w, r.WithContext(ContextWithGrant(r.Context(), grant)))
	})
}

// ipRateLimiter throttles requests per client IP with a token bucket per
// address. Idle buckets are dropped after idleTTL.
type ipRateLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newIPRateLimiter returns nil when perSecond is not positive, which
// disables limiting.
func newIPRateLimiter(perSecond float64, burst int) *ipRateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &ipRateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idleTTL: 5 * time.Minute,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

func (l *ipRateLimiter) middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.allow(ip) {
			logging.Warn("Server", "Rate limit exceeded for %s on %s", ip, r.URL.Path)
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *ipRateLimiter) allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	entry, ok := l.clients[key]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = entry
	}
	entry.lastSeen = now
	if now.Sub(l.lastSweep) > l.idleTTL {
		l.sweepLocked(now)
	}
	l.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

func (l *ipRateLimiter) sweepLocked(now time.Time) {
	for key, entry := range l.clients {
		if now.Sub(entry.lastSeen) > l.idleTTL {
			delete(l.clients, key)
		}
	}
	l.lastSweep = now
}

func (l *ipRateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// clientIP returns the host part of the remote address. Proxy headers are
// only honoured when the RealIP middleware rewrote RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	if code == "" {
		code = http.StatusText(status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, Description: description})
}
