package httpapi

import (
	"compress/gzip"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// statusWriter remembers the status and size of a response for the access
// log and the request metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.size += int64(n)
	return n, err
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Route classes for rate limiting. A credential reload re-reads token files
// from disk, so it draws from a separate, slower bucket.
const (
	classRead   = "read"
	classReload = "reload"
)

const (
	defaultReloadEvery = 10 * time.Second
	bucketIdle         = 5 * time.Minute
	maxBuckets         = 1024
)

type bucketKey struct {
	class  string
	client string
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// limiters hands out one token bucket per client and route class. A nil
// *limiters allows everything.
type limiters struct {
	mu      sync.Mutex
	limits  map[string]rateLimit
	buckets map[bucketKey]*bucket
	now     func() time.Time
}

type rateLimit struct {
	limit rate.Limit
	burst int
}

func newLimiters(rps, burst int, reloadEvery time.Duration) *limiters {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if reloadEvery <= 0 {
		reloadEvery = defaultReloadEvery
	}
	return &limiters{
		limits: map[string]rateLimit{
			classRead:   {limit: rate.Limit(rps), burst: burst},
			classReload: {limit: rate.Every(reloadEvery), burst: 1},
		},
		buckets: make(map[bucketKey]*bucket),
		now:     time.Now,
	}
}

func (l *limiters) allow(class, client string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	key := bucketKey{class: class, client: client}
	b := l.buckets[key]
	if b == nil {
		lim := l.limits[class]
		b = &bucket{lim: rate.NewLimiter(lim.limit, lim.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	ok := b.lim.AllowN(now, 1)

	if len(l.buckets) > maxBuckets {
		for k, v := range l.buckets {
			if now.Sub(v.seen) > bucketIdle {
				delete(l.buckets, k)
			}
		}
	}
	return ok
}

func routeClass(r *http.Request) string {
	if r.URL.Path == "/admin/credentials/reload" {
		return classReload
	}
	return classRead
}

// clientAddr keys limits on the connection's address. The admin server is
// not meant to sit behind a proxy, so forwarding headers are ignored.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// acceptsGzip reports whether the Accept-Encoding header allows gzip with a
// non-zero quality.
func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "gzip" && name != "*" {
			continue
		}
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				q = f
			}
		}
		if q > 0 {
			return true
		}
	}
	return false
}

// writeJSON encodes v as the response body, compressed when the client
// accepts gzip. Error responses and /metrics never go through it, so only
// successful JSON bodies are compressed.
func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Add("Vary", "Accept-Encoding")
	if r == nil || !acceptsGzip(r) {
		_ = json.NewEncoder(w).Encode(v)
		return
	}
	h.Set("Content-Encoding", "gzip")
	zw := gzip.NewWriter(w)
	_ = json.NewEncoder(zw).Encode(v)
	_ = zw.Close()
}
