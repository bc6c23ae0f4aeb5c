package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/frame-ingest/internal/core"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (defaults when empty)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	transport := flag.String("transport", "", "Override ingest transport (tcp|udp)")
	host := flag.String("host", "", "Override bind host")
	port := flag.Int("port", 0, "Override bind port")
	httpAddr := flag.String("http", "", "Override health/metrics address (e.g. :8080)")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *transport, *host, *port, *httpAddr)
	if err != nil {
		slog.Error("failed to load config", "config", *configPath, "error", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	setupLogger(cfg.Log)

	slog.Info("starting frame-ingest",
		"config", *configPath,
		"instance_id", cfg.InstanceID,
		"transport", cfg.Ingest.Transport,
		"address", cfg.Ingest.Host,
		"port", cfg.Ingest.Port,
	)

	svc, err := core.New(cfg)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		if errors.Is(err, core.ErrShutdownTimeout) {
			slog.Error("shutdown timed out, forcing exit", "timeout", cfg.ShutdownTimeout)
		} else {
			slog.Error("service error", "error", err)
		}
		os.Exit(1)
	}

	slog.Info("frame-ingest stopped successfully")
}

// loadConfig reads the file (or defaults) and applies flag overrides before
// validation.
func loadConfig(path, transport, host string, port int, httpAddr string) (*config.Config, error) {
	cfg := &config.Config{}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if transport != "" {
		if transport != cfg.Ingest.Transport && port == 0 &&
			cfg.Ingest.Port == config.DefaultPort(cfg.Ingest.Transport) {
			// Still on the old transport's default: let validation pick the
			// new one. A port set in the file is kept.
			cfg.Ingest.Port = 0
		}
		cfg.Ingest.Transport = transport
	}
	if host != "" {
		cfg.Ingest.Host = host
	}
	if port != 0 {
		cfg.Ingest.Port = port
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger(lc config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if lc.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
