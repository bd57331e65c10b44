package pageserve

import (
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/time/rate"
)

// Environment management variable names
const (
	paramPort         = "PORT"
	paramServerAddr   = "SERVER_ADDR"
	paramHealthAddr   = "HEALTH_ADDR"
	paramPublicDir    = "PUBLIC_DIR"
	paramAssetsDir    = "ASSETS_DIR"
	paramSettingsFile = "SETTINGS_FILE"
	paramRedisAddr    = "REDIS_ADDR"
	paramFileName     = "pageserve.json"
)

// rateLimit limits requests per second per client. Zero disables [RateLimitMiddleware].
type rateLimit = rate.Limit

// ServerOptions is a representation of the Server settings
type ServerOptions struct {
	Addr            string        `json:"addr,omitempty"`
	HealthAddr      string        `json:"health_addr,omitempty"`
	RunHealthServer bool          `json:"run_health_server,omitempty"`
	ReadTimeout     time.Duration `json:"read_timeout,omitempty"`
	WriteTimeout    time.Duration `json:"write_timeout,omitempty"`
	IdleTimeout     time.Duration `json:"idle_timeout,omitempty"`
	RateLimit       rateLimit     `json:"rate_limit,omitempty"`
	Burst           int           `json:"burst,omitempty"`

	// site layout
	PublicDir    string `json:"public_dir,omitempty"`
	AssetsDir    string `json:"assets_dir,omitempty"`
	AssetsPrefix string `json:"assets_prefix,omitempty"`
	FaviconFile  string `json:"favicon_file,omitempty"`
	SettingsFile string `json:"settings_file,omitempty"`
	StrictRoutes bool   `json:"strict_routes,omitempty"`
	MinifyHTML   bool   `json:"minify_html,omitempty"`

	// visitor geolocation
	GeoDisabled    bool          `json:"geo_disabled,omitempty"`
	GeoEndpoint    string        `json:"geo_endpoint,omitempty"`
	GeoTimeout     time.Duration `json:"geo_timeout,omitempty"`
	GeoConcurrency int64         `json:"geo_concurrency,omitempty"`
	GeoCacheAddr   string        `json:"geo_cache_addr,omitempty"`
	GeoCacheTTL    time.Duration `json:"geo_cache_ttl,omitempty"`

	// maintenance status stream
	StatusStream bool   `json:"status_stream,omitempty"`
	StatusPath   string `json:"status_path,omitempty"`
}

var defaultServerOptions = ServerOptions{
	Addr:           ":3000",
	HealthAddr:     ":9080",
	ReadTimeout:    5 * time.Second,
	WriteTimeout:   10 * time.Second,
	IdleTimeout:    120 * time.Second,
	Burst:          10,
	PublicDir:      "public",
	AssetsDir:      "assets",
	AssetsPrefix:   "/assets",
	FaviconFile:    "assets/images/favicon.ico",
	SettingsFile:   "settings.json",
	GeoEndpoint:    defaultGeoEndpoint,
	GeoTimeout:     2 * time.Second,
	GeoConcurrency: 64,
	GeoCacheTTL:    24 * time.Hour,
	StatusPath:     "/__maintenance",
}

// Wrappers for debug levels to be used in the server. We're using slog for logging,
// but want to hide this detail from the client
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// NewServerOptions creates a new configuration for the server with a priority order. Environment variables override options file.
// 1. Environment variables
// 2. ServerOptions file (JSON)
// 3. Default values
func NewServerOptions() *ServerOptions {
	config := defaultServerOptions
	return applyEnvVars(applyConfigFile(&config, paramFileName))
}

// ServerOptionFunc configures a [Server] using the functional options pattern.
type ServerOptionFunc func(srv *Server)

// helper to read environment variables and apply them to the options
func applyEnvVars(config *ServerOptions) *ServerOptions {
	if port := os.Getenv(paramPort); port != "" {
		config.Addr = net.JoinHostPort("", port)
		logger.Info("Server port set from environment variable", "variable", paramPort, "addr", config.Addr)
	}
	if addr := os.Getenv(paramServerAddr); addr != "" {
		config.Addr = addr
		logger.Info("Server address set from environment variable", "variable", paramServerAddr, "addr", addr)
	}
	if healthAddr := os.Getenv(paramHealthAddr); healthAddr != "" {
		config.HealthAddr = healthAddr
		logger.Info("Health endpoint address set from environment variable", "variable", paramHealthAddr, "addr", healthAddr)
	}
	if dir := os.Getenv(paramPublicDir); dir != "" {
		config.PublicDir = dir
	}
	if dir := os.Getenv(paramAssetsDir); dir != "" {
		config.AssetsDir = dir
	}
	if file := os.Getenv(paramSettingsFile); file != "" {
		config.SettingsFile = file
	}
	if addr := os.Getenv(paramRedisAddr); addr != "" {
		config.GeoCacheAddr = addr
		logger.Info("Geo cache address set from environment variable", "variable", paramRedisAddr, "addr", addr)
	}
	return config
}

// helper to read an options file and apply it to the options
func applyConfigFile(config *ServerOptions, name string) *ServerOptions {
	file, err := os.Open(name)
	if err != nil {
		logger.Debug("No options file found; using environment and defaults", "file", name)
		return config
	}

	// make sure file is closed after reading
	defer func(file *os.File) {
		err := file.Close()
		if err != nil {
			logger.Error("Failed to close file", "error", err, "file-name", file.Name())
		}
	}(file)

	fileConfig := &ServerOptions{}
	if err := json.NewDecoder(file).Decode(fileConfig); err != nil {
		logger.Warn("Loading options file failed; using environment and defaults", "file", name, "error", err)
		return config
	}
	logger.Info("Server configuration loaded from file", "file", name)
	mergeConfig(config, fileConfig)
	return config
}

// mergeConfig overrides default options with values of override if set
func mergeConfig(base *ServerOptions, override *ServerOptions) {
	if override.Addr != "" {
		base.Addr = override.Addr
	}
	if override.HealthAddr != "" {
		base.HealthAddr = override.HealthAddr
	}
	if override.RunHealthServer {
		base.RunHealthServer = true
	}
	if override.ReadTimeout != 0 {
		base.ReadTimeout = override.ReadTimeout
	}
	if override.WriteTimeout != 0 {
		base.WriteTimeout = override.WriteTimeout
	}
	if override.IdleTimeout != 0 {
		base.IdleTimeout = override.IdleTimeout
	}
	if override.RateLimit != 0 {
		base.RateLimit = override.RateLimit
	}
	if override.Burst != 0 {
		base.Burst = override.Burst
	}
	if override.PublicDir != "" {
		base.PublicDir = override.PublicDir
	}
	if override.AssetsDir != "" {
		base.AssetsDir = override.AssetsDir
	}
	if override.AssetsPrefix != "" {
		base.AssetsPrefix = override.AssetsPrefix
	}
	if override.FaviconFile != "" {
		base.FaviconFile = override.FaviconFile
	}
	if override.SettingsFile != "" {
		base.SettingsFile = override.SettingsFile
	}
	if override.StrictRoutes {
		base.StrictRoutes = true
	}
	if override.MinifyHTML {
		base.MinifyHTML = true
	}
	if override.GeoDisabled {
		base.GeoDisabled = true
	}
	if override.GeoEndpoint != "" {
		base.GeoEndpoint = override.GeoEndpoint
	}
	if override.GeoTimeout != 0 {
		base.GeoTimeout = override.GeoTimeout
	}
	if override.GeoConcurrency != 0 {
		base.GeoConcurrency = override.GeoConcurrency
	}
	if override.GeoCacheAddr != "" {
		base.GeoCacheAddr = override.GeoCacheAddr
	}
	if override.GeoCacheTTL != 0 {
		base.GeoCacheTTL = override.GeoCacheTTL
	}
	if override.StatusStream {
		base.StatusStream = true
	}
	if override.StatusPath != "" {
		base.StatusPath = override.StatusPath
	}
}

// setTimeouts helper to apply only custom values or retain the server default
func (srv *Server) setTimeouts(readTimeout, writeTimeout, idleTimeout time.Duration) {
	if readTimeout != 0 {
		srv.Options.ReadTimeout = readTimeout
	}
	if writeTimeout != 0 {
		srv.Options.WriteTimeout = writeTimeout
	}
	if idleTimeout != 0 {
		srv.Options.IdleTimeout = idleTimeout
	}
}
