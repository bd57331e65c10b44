package pageserve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/osauer/pageserve/internal/responsewriter"
)

// MiddlewareFunc is a function type that wraps an http.Handler and returns a new http.HandlerFunc.
// This is the standard pattern for HTTP middleware in Go.
type MiddlewareFunc func(http.Handler) http.HandlerFunc

// MiddlewareStack is a collection of middleware functions that can be applied to an http.Handler.
// Middleware in the stack is applied in order, with the first middleware being the outermost.
type MiddlewareStack []MiddlewareFunc

// chainMiddleware helper to apply multiple middlewares to a handler
func chainMiddleware(handler http.Handler, stack MiddlewareStack) http.Handler {
	// reverse order to run first middleware passed first
	for i := len(stack) - 1; i >= 0; i-- {
		handler = stack[i](handler)
	}
	return handler
}

// DefaultMiddleware returns the stack every site request passes through:
// metrics, request logging, panic recovery and response headers.
func DefaultMiddleware(srv *Server) MiddlewareStack {
	return MiddlewareStack{
		MetricsMiddleware(srv),
		RequestLoggerMiddleware,
		RecoveryMiddleware(srv),
		HeadersMiddleware,
	}
}

// SiteMiddleware returns the request pipeline stages that sit in front of
// the site handler: rate limiting, geo logging and the maintenance check.
// Stages that are switched off in the options are left out.
func SiteMiddleware(srv *Server) MiddlewareStack {
	stack := MiddlewareStack{}
	if srv.Options.RateLimit > 0 {
		stack = append(stack, RateLimitMiddleware(srv))
	}
	if srv.geo != nil {
		stack = append(stack, srv.geo.Middleware)
	}
	stack = append(stack, MaintenanceMiddleware(srv))
	return stack
}

// Header context keys
type contextKey string

const traceIDKey contextKey = "traceID"

// Header represents an HTTP header key-value pair used in middleware configuration.
type Header struct {
	key   string
	value string
}

// securityHeaders provide headers for HeadersMiddleware
var securityHeaders = []Header{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "SAMEORIGIN"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
}

// MetricsMiddleware returns a middleware function that collects request metrics.
// It tracks total request count and response times for performance monitoring.
func MetricsMiddleware(srv *Server) MiddlewareFunc {
	return func(next http.Handler) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			srv.totalRequests.Add(1)
			start := time.Now()
			next.ServeHTTP(w, r)
			srv.totalResponseTime.Add(time.Since(start).Microseconds())
		}
	}
}

// RequestLoggerMiddleware logs method, URL, trace ID, status code, size and duration of each request.
func RequestLoggerMiddleware(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := responsewriter.NewRecorder(w)

		traceID := generateTraceID()
		ctx := context.WithValue(r.Context(), traceIDKey, traceID)

		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))
		logger.Info("Request completed",
			"from", ClientIP(r),
			"method", r.Method,
			"url", r.URL.String(),
			"trace_id", traceID,
			"status", rec.Status(),
			"bytes", rec.Written(),
			"duration", time.Since(start))
	}
}

// RecoveryMiddleware returns a middleware function that recovers from panics in request handlers.
// The panic is rendered through the site's error pages as a 500 unless a response was already started.
func RecoveryMiddleware(srv *Server) MiddlewareFunc {
	return func(next http.Handler) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			rec := responsewriter.NewRecorder(w)
			defer func() {
				if p := recover(); p != nil {
					if p == http.ErrAbortHandler {
						panic(p)
					}
					err := fmt.Errorf("panic: %v", p)
					logger.Error("Panic recovered", "error", err, "url", r.URL.String())
					if rec.HeaderWritten() {
						return
					}
					srv.site.renderError(rec, r, http.StatusInternalServerError, err)
				}
			}()
			next.ServeHTTP(rec, r)
		}
	}
}

// HeadersMiddleware adds baseline security headers to every response.
func HeadersMiddleware(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "pageserve")
		for _, h := range securityHeaders {
			w.Header().Set(h.key, h.value)
		}
		next.ServeHTTP(w, r)
	}
}

type rateLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimitMiddleware returns a middleware function that enforces rate limiting per client IP address.
// Uses token bucket algorithm with configurable rate limit and burst capacity.
// Returns 429 Too Many Requests when rate limit is exceeded.
func RateLimitMiddleware(srv *Server) MiddlewareFunc {
	return func(next http.Handler) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)

			srv.limitersMu.Lock()
			entry, exists := srv.clientLimiters[ip]
			if !exists {
				entry = &rateLimiterEntry{limiter: rate.NewLimiter(srv.Options.RateLimit, srv.Options.Burst)}
				srv.clientLimiters[ip] = entry
			}
			entry.lastAccess = time.Now()
			srv.limitersMu.Unlock()

			if !entry.limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				srv.site.renderError(w, r, http.StatusTooManyRequests, fmt.Errorf("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		}
	}
}

// pruneLimiters drops limiters idle for longer than maxIdle.
func (srv *Server) pruneLimiters(maxIdle time.Duration) int {
	srv.limitersMu.Lock()
	defer srv.limitersMu.Unlock()
	removed := 0
	for ip, entry := range srv.clientLimiters {
		if time.Since(entry.lastAccess) > maxIdle {
			delete(srv.clientLimiters, ip)
			removed++
		}
	}
	return removed
}

// bypassesPipeline reports whether a request skips geo logging: assets and favicon requests.
func bypassesPipeline(r *http.Request, assetsPrefix string) bool {
	p := r.URL.Path
	return (assetsPrefix != "" && strings.HasPrefix(p, assetsPrefix)) || strings.Contains(p, "favicon")
}

// MaintenanceMiddleware answers 503 for content requests while the settings file has maintenanceMode set.
// Assets, favicon, /errors and the status stream are never blocked. The settings file is read on every
// eligible request; read or parse failures are logged and the request is served normally.
func MaintenanceMiddleware(srv *Server) MiddlewareFunc {
	opts := srv.Options
	return func(next http.Handler) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			p := r.URL.Path
			if bypassesPipeline(r, opts.AssetsPrefix) || strings.HasPrefix(p, "/"+errorsDir) ||
				(srv.hub != nil && p == opts.StatusPath) {
				next.ServeHTTP(w, r)
				return
			}

			res := LoadSettings(opts.SettingsFile)
			if res.Err != nil {
				logger.Error("Failed to read settings; serving normally", "error", res.Err)
			}
			if !res.Maintenance() {
				next.ServeHTTP(w, r)
				return
			}

			if res.Settings.RetryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprint(res.Settings.RetryAfter))
			}
			w.Header().Set("Cache-Control", "no-store")
			srv.site.renderError(w, r, http.StatusServiceUnavailable, nil)
		}
	}
}

// GeoLogger logs the approximate location of visitors. Lookups run in the
// background with a deadline, so they never delay or alter a response.
type GeoLogger struct {
	locator      GeoLocator
	timeout      time.Duration
	sem          *semaphore.Weighted
	assetsPrefix string
	log          *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewGeoLogger returns a GeoLogger allowing at most concurrency lookups in flight.
func NewGeoLogger(locator GeoLocator, timeout time.Duration, concurrency int64, assetsPrefix string) *GeoLogger {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &GeoLogger{
		locator:      locator,
		timeout:      timeout,
		sem:          semaphore.NewWeighted(concurrency),
		assetsPrefix: assetsPrefix,
		log:          logger,
	}
}

// Middleware starts a lookup for the visitor and always calls next.
func (g *GeoLogger) Middleware(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if bypassesPipeline(r, g.assetsPrefix) {
			next.ServeHTTP(w, r)
			return
		}
		ip, url := ClientIP(r), r.URL.String()
		if !g.start(context.WithoutCancel(r.Context()), ip, url) {
			g.log.Info("Visitor", "ip", ip, "url", url, "geo", "lookup skipped")
		}
		next.ServeHTTP(w, r)
	}
}

// start launches a background lookup unless the logger is closed or saturated.
func (g *GeoLogger) start(ctx context.Context, ip, url string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || !g.sem.TryAcquire(1) {
		return false
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.sem.Release(1)
		g.lookup(ctx, ip, url)
	}()
	return true
}

func (g *GeoLogger) lookup(ctx context.Context, ip, url string) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	loc, err := g.locator.Locate(ctx, ip)
	switch {
	case err == nil:
		g.log.Info("Visitor", "ip", ip, "city", orNA(loc.City), "country", orNA(loc.Country), "url", url)
	case errors.Is(err, ErrNoLocation):
		g.log.Info("Visitor", "ip", ip, "url", url)
	default:
		g.log.Info("Visitor", "ip", ip, "url", url, "geo", "lookup failed", "error", err)
	}
}

// Wait blocks until all started lookups have finished.
func (g *GeoLogger) Wait() {
	g.wg.Wait()
}

// Close stops new lookups from starting and waits for the running ones.
// Requests still in flight keep being served and are logged without location.
func (g *GeoLogger) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.wg.Wait()
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

var requestCounter atomic.Int64

func generateTraceID() string {
	counter := requestCounter.Add(1)
	return fmt.Sprintf("%d-%d", counter, time.Now().UnixNano())
}
