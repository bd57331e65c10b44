// Copyright 2024 by Oliver Sauer
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

// Package pageserve serves a static website whose routes are derived from the
// HTML files below a public directory, with a live maintenance switch and
// custom error pages.
package pageserve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	shutdownTimeout = 5 * time.Second
	limiterMaxIdle  = 10 * time.Minute
)

// Server represents an HTTP appServer that serves one site.
type Server struct {
	mux          *http.ServeMux
	healthMux    *http.ServeMux
	appServer    *http.Server
	healthServer *http.Server
	middleware   MiddlewareStack
	Options      *ServerOptions

	site       *site
	routes     *RouteTable
	geo        *GeoLogger
	geoLocator GeoLocator
	redis      redis.UniversalClient
	hub        *StatusHub

	handler     http.Handler
	handlerOnce sync.Once

	isReady   atomic.Bool
	isRunning atomic.Bool

	// Server metrics
	totalRequests     atomic.Uint64
	totalResponseTime atomic.Int64
	serverStart       time.Time

	limitersMu     sync.Mutex
	clientLimiters map[string]*rateLimiterEntry
}

// NewServer creates a new instance of the Server. The public directory is
// scanned once here; the resulting routes do not change while the server runs.
func NewServer(opts ...ServerOptionFunc) (*Server, error) {
	srv := &Server{
		mux:            http.NewServeMux(),
		Options:        NewServerOptions(),
		clientLimiters: make(map[string]*rateLimiterEntry),
	}

	for _, opt := range opts {
		opt(srv)
	}

	routes, err := DeriveRoutes(srv.Options.PublicDir, srv.Options.StrictRoutes)
	if err != nil {
		return nil, fmt.Errorf("derive routes: %w", err)
	}
	srv.routes = routes

	srv.site = &site{
		publicDir:    srv.Options.PublicDir,
		assetsDir:    srv.Options.AssetsDir,
		assetsPrefix: srv.Options.AssetsPrefix,
		faviconFile:  srv.Options.FaviconFile,
		routes:       routes,
	}
	if srv.Options.MinifyHTML {
		srv.site.minifier = newHTMLMinifier()
	}

	if !srv.Options.GeoDisabled {
		srv.geo = NewGeoLogger(srv.newGeoLocator(), srv.Options.GeoTimeout, srv.Options.GeoConcurrency,
			srv.Options.AssetsPrefix)
	}

	if srv.Options.StatusStream {
		srv.hub = NewStatusHub(srv.Options.SettingsFile)
		srv.site.statusPath = srv.Options.StatusPath
		srv.mux.Handle("GET "+srv.Options.StatusPath, srv.hub)
	}
	srv.mux.Handle("/", srv.site.handler())

	srv.appServer = &http.Server{
		Addr:         srv.Options.Addr,
		ReadTimeout:  srv.Options.ReadTimeout,
		WriteTimeout: srv.Options.WriteTimeout,
		IdleTimeout:  srv.Options.IdleTimeout,
	}
	srv.appServer.RegisterOnShutdown(srv.logStats)

	return srv, nil
}

// newGeoLocator builds the configured locator: an explicit one from
// [WithGeoLocator], or ipapi.co with an optional Redis cache in front.
func (srv *Server) newGeoLocator() GeoLocator {
	if srv.geoLocator != nil {
		return srv.geoLocator
	}
	locator := GeoLocator(NewIPAPILocator(srv.Options.GeoEndpoint, &http.Client{Timeout: srv.Options.GeoTimeout}))
	if srv.Options.GeoCacheAddr == "" {
		return locator
	}
	srv.redis = redis.NewClient(&redis.Options{
		Addr:        srv.Options.GeoCacheAddr,
		DialTimeout: srv.Options.GeoTimeout,
		ReadTimeout: srv.Options.GeoTimeout,
	})
	logger.Info("Geo cache enabled", "addr", srv.Options.GeoCacheAddr, "ttl", srv.Options.GeoCacheTTL)
	return NewCachedLocator(locator, NewRedisGeoStore(srv.redis, ""), srv.Options.GeoCacheTTL)
}

// Routes returns the derived route table.
func (srv *Server) Routes() *RouteTable {
	return srv.routes
}

// Handler returns the fully assembled request pipeline. The middleware stack
// is frozen on first call.
func (srv *Server) Handler() http.Handler {
	srv.handlerOnce.Do(func() {
		stack := append(DefaultMiddleware(srv), srv.middleware...)
		stack = append(stack, SiteMiddleware(srv)...)
		srv.handler = chainMiddleware(srv.mux, stack)
	})
	return srv.handler
}

// With adds custom middleware. It runs after the default stack and before
// geo logging and the maintenance check.
func (srv *Server) With(middleware ...MiddlewareFunc) *Server {
	if srv.isRunning.Load() {
		panic("Cannot change middleware after appServer has started.")
	}
	srv.middleware = append(srv.middleware, middleware...)
	return srv
}

// Handle registers an additional handler ahead of the site handler.
// Example usage:
//
//	srv.Handle("GET /api/status", statusHandler)
func (srv *Server) Handle(pattern string, handler http.Handler) {
	srv.mux.Handle(pattern, handler)
}

// HandleFunc registers an additional handler function ahead of the site handler.
func (srv *Server) HandleFunc(pattern string, handler http.HandlerFunc) {
	srv.mux.HandleFunc(pattern, handler)
}

// Run starts the appServer and blocks until SIGINT or SIGTERM, then shuts down gracefully.
func (srv *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()
	return srv.Serve(ctx)
}

// Serve listens on the configured address and serves until ctx is done.
func (srv *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", srv.Options.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Options.Addr, err)
	}
	return srv.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is done.
func (srv *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv.serverStart = time.Now()
	srv.appServer.Handler = srv.Handler()

	bg, cancel := context.WithCancel(ctx)
	defer cancel()

	if srv.Options.RunHealthServer {
		srv.initHealthServer()
		go func() {
			if err := srv.healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Health server failed", "error", err)
			}
		}()
	}

	if srv.hub != nil {
		watcher, err := NewSettingsWatcher(srv.Options.SettingsFile, srv.hub.Broadcast)
		if err != nil {
			logger.Warn("Settings watcher unavailable; status stream sends initial state only", "error", err)
		} else {
			go func() {
				if err := watcher.Run(bg); err != nil {
					logger.Error("Settings watcher stopped", "error", err)
				}
			}()
		}
	}

	if srv.Options.RateLimit > 0 {
		go srv.pruneLimitersEvery(bg, limiterMaxIdle)
	}

	errc := make(chan error, 1)
	go func() {
		srv.isReady.Store(true)
		srv.isRunning.Store(true)
		logger.Info("Server started", "addr", ln.Addr().String(), "public", srv.Options.PublicDir, "routes", srv.routes.Len())
		errc <- srv.appServer.Serve(ln)
	}()

	select {
	case err := <-errc:
		srv.isReady.Store(false)
		srv.isRunning.Store(false)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...", "reason", context.Cause(ctx))
	srv.isReady.Store(false)
	return srv.shutdown()
}

// shutdown drains in-flight requests and background work.
func (srv *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv.hub != nil {
		srv.hub.Close()
	}
	err := srv.appServer.Shutdown(ctx)
	if err != nil {
		logger.Error("Server forced to shutdown.", "error", err)
	}
	if srv.healthServer != nil {
		if herr := srv.healthServer.Shutdown(ctx); herr != nil {
			logger.Error("Health server forced to shutdown.", "error", herr)
		}
	}
	if srv.geo != nil {
		srv.geo.Close()
	}
	if srv.redis != nil {
		if cerr := srv.redis.Close(); cerr != nil {
			logger.Warn("Failed to close geo cache", "error", cerr)
		}
	}
	srv.isRunning.Store(false)
	return err
}

func (srv *Server) pruneLimitersEvery(ctx context.Context, maxIdle time.Duration) {
	ticker := time.NewTicker(maxIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := srv.pruneLimiters(maxIdle); n > 0 {
				logger.Debug("Pruned idle rate limiters", "count", n)
			}
		}
	}
}

// logStats reports request metrics when the appServer shuts down.
func (srv *Server) logStats() {
	resp := srv.totalResponseTime.Load()
	total := srv.totalRequests.Load()
	avg := 0.0
	if total != 0 {
		avg = float64(resp) / float64(total)
	}
	upTime := time.Since(srv.serverStart)
	logger.Info("Server is shut down.", "up-time", upTime, "µs-in-handlers", resp, "total-req", total,
		"avg-µs-per-req", avg)
}

// helper function to initialise the health server
func (srv *Server) initHealthServer() {
	// initialize a lightweight http server for health endpoints listening on different port
	srv.healthMux = http.NewServeMux()
	srv.healthServer = &http.Server{
		Addr:    srv.Options.HealthAddr,
		Handler: srv.healthMux,
	}
	logger.Info("Health server initialised.", "addr", srv.Options.HealthAddr)

	// add built-in probing endpoints
	srv.healthMux.HandleFunc("/healthz/", srv.healthzHandler)
	srv.healthMux.HandleFunc("/readyz/", srv.readyzHandler)
	srv.healthMux.HandleFunc("/livez/", srv.livezHandler)
}

// WithAddr is a configuration option for the server to define listener port
func WithAddr(addr string) ServerOptionFunc {
	return func(srv *Server) {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			logger.Error("setting address option", "error", err)
			// if the address failed to set, we must exit (no fallback to default etc.)
			os.Exit(1)
		}
		srv.Options.Addr = addr
	}
}

// WithHealthServer enables the health server on a different port.
func WithHealthServer() ServerOptionFunc {
	return func(srv *Server) {
		srv.Options.RunHealthServer = true
	}
}

// WithLogger replaces the default with a custom logger.
func WithLogger(l *slog.Logger) ServerOptionFunc {
	return func(srv *Server) {
		SetDefaultLogger(l)
	}
}

// WithTimeouts adds timeouts to the appServer.
func WithTimeouts(readTimeout, writeTimeout, idleTimeout time.Duration) ServerOptionFunc {
	return func(srv *Server) {
		srv.setTimeouts(readTimeout, writeTimeout, idleTimeout)
	}
}

// WithRateLimit sets per-client rate limiting; a zero limit disables it.
func WithRateLimit(limit rateLimit, burst int) ServerOptionFunc {
	return func(srv *Server) {
		srv.Options.RateLimit = limit
		srv.Options.Burst = burst
	}
}

// WithPublicDir sets the directory whose HTML files become routes.
func WithPublicDir(dir string) ServerOptionFunc {
	return func(srv *Server) {
		srv.Options.PublicDir = dir
	}
}

// WithAssets serves dir under the URL prefix.
func WithAssets(prefix, dir string) ServerOptionFunc {
	return func(srv *Server) {
		srv.Options.AssetsPrefix = prefix
		srv.Options.AssetsDir = dir
	}
}

// WithFavicon sets the favicon file served at /favicon.ico.
func WithFavicon(file string) ServerOptionFunc {
	return func(srv *Server) {
		srv.Options.FaviconFile = file
	}
}

// WithSettingsFile sets the JSON file holding the maintenance switch.
func WithSettingsFile(file string) ServerOptionFunc {
	return func(srv *Server) {
		srv.Options.SettingsFile = file
	}
}

// WithStrictRoutes makes server construction fail when two pages derive the same URL.
func WithStrictRoutes() ServerOptionFunc {
	return func(srv *Server) {
		srv.Options.StrictRoutes = true
	}
}

// WithHTMLMinify minifies pages served through derived routes.
func WithHTMLMinify() ServerOptionFunc {
	return func(srv *Server) {
		srv.Options.MinifyHTML = true
	}
}

// WithGeoLocator replaces the ipapi.co lookup used for visitor logging.
func WithGeoLocator(locator GeoLocator) ServerOptionFunc {
	return func(srv *Server) {
		srv.geoLocator = locator
		srv.Options.GeoDisabled = false
	}
}

// WithoutGeoLookup turns visitor geolocation off.
func WithoutGeoLookup() ServerOptionFunc {
	return func(srv *Server) {
		srv.Options.GeoDisabled = true
	}
}

// WithGeoCache caches lookups in the Redis instance at addr.
func WithGeoCache(addr string, ttl time.Duration) ServerOptionFunc {
	return func(srv *Server) {
		srv.Options.GeoCacheAddr = addr
		if ttl > 0 {
			srv.Options.GeoCacheTTL = ttl
		}
	}
}

// WithStatusStream enables the maintenance status WebSocket at path.
func WithStatusStream(path string) ServerOptionFunc {
	return func(srv *Server) {
		srv.Options.StatusStream = true
		if path != "" {
			srv.Options.StatusPath = path
		}
	}
}
