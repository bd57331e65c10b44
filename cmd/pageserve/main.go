package main

import (
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/osauer/pageserve"
)

func main() {
	var (
		addr     = flag.String("addr", "", "Listen address (overrides PORT and the options file)")
		public   = flag.String("public", "", "Directory whose HTML files become routes")
		settings = flag.String("settings", "", "Settings file holding the maintenance switch")
		strict   = flag.Bool("strict-routes", false, "Fail on startup when two pages derive the same URL")
		minify   = flag.Bool("minify", false, "Minify HTML served through derived routes")
		stream   = flag.Bool("status-stream", false, "Push maintenance state changes over WebSocket")
		noGeo    = flag.Bool("no-geo", false, "Disable visitor geolocation logging")
		health   = flag.Bool("health", false, "Run the health server")
		verbose  = flag.Bool("verbose", false, "Enable verbose logging")
		logJSON  = flag.Bool("log-json", false, "Write logs as JSON")
		envFile  = flag.String("env-file", ".env", "Environment file loaded before configuration; variables already set win")
	)
	flag.Parse()

	level := pageserve.LevelInfo
	if *verbose {
		level = pageserve.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	if *logJSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	}
	logger := slog.New(handler)
	pageserve.SetDefaultLogger(logger)

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Error("Failed to load environment file", "file", *envFile, "error", err)
		os.Exit(1)
	}

	opts := []pageserve.ServerOptionFunc{pageserve.WithLogger(logger)}
	if *addr != "" {
		opts = append(opts, pageserve.WithAddr(*addr))
	}
	if *public != "" {
		opts = append(opts, pageserve.WithPublicDir(*public))
	}
	if *settings != "" {
		opts = append(opts, pageserve.WithSettingsFile(*settings))
	}
	if *strict {
		opts = append(opts, pageserve.WithStrictRoutes())
	}
	if *minify {
		opts = append(opts, pageserve.WithHTMLMinify())
	}
	if *stream {
		opts = append(opts, pageserve.WithStatusStream(""))
	}
	if *noGeo {
		opts = append(opts, pageserve.WithoutGeoLookup())
	}
	if *health {
		opts = append(opts, pageserve.WithHealthServer())
	}

	srv, err := pageserve.NewServer(opts...)
	if err != nil {
		logger.Error("Failed to create server", "error", err)
		os.Exit(1)
	}
	if err := srv.Run(); err != nil {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}
