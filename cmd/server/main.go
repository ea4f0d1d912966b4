package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/carbonhttp/v2/internal/config"
	"example.com/carbonhttp/v2/internal/handlers/digest"
	"example.com/carbonhttp/v2/internal/handlers/echo"
	"example.com/carbonhttp/v2/internal/handlers/wsecho"
	"example.com/carbonhttp/v2/internal/logger"
	"example.com/carbonhttp/v2/internal/router"
	"example.com/carbonhttp/v2/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		log.Printf("carbonhttp: %v", err)
		os.Exit(1)
	}
}

// options are the command line flags.
type options struct {
	configPath string
	address    string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("carbonhttp", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "Path to the configuration file (JSON or TOML). Without it a built-in demo configuration is used.")
	fs.StringVar(&opts.address, "address", "", "Listen address, overriding server.address")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// loadConfig reads the configuration file, or builds the demo configuration
// when no path is given.
func loadConfig(opts options) (*config.Config, error) {
	var cfg *config.Config
	if opts.configPath == "" {
		cfg = defaultConfig()
	} else {
		abs, err := filepath.Abs(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", opts.configPath, err)
		}
		if cfg, err = config.LoadConfig(abs); err != nil {
			return nil, err
		}
	}
	if opts.address != "" {
		cfg.Server.Address = &opts.address
	}
	return cfg, nil
}

// defaultConfig serves one route per built-in handler.
func defaultConfig() *config.Config {
	cfg := &config.Config{
		Routing: &config.RoutingConfig{Routes: []config.Route{
			{PathPattern: "/echo", MatchType: config.MatchTypeExact, HandlerType: "Echo"},
			{PathPattern: "/digest", MatchType: config.MatchTypeExact, HandlerType: "Digest"},
			{PathPattern: "/ws", MatchType: config.MatchTypeExact, HandlerType: "WebSocketEcho"},
		}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func newRegistry() (*server.HandlerRegistry, error) {
	reg := server.NewHandlerRegistry()
	for name, factory := range map[string]server.HandlerFactory{
		"Echo":          echo.New,
		"Digest":        digest.New,
		"WebSocketEcho": wsecho.New,
	} {
		if err := reg.Register(name, factory); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		if err := lg.CloseLogFiles(); err != nil {
			log.Printf("carbonhttp: closing log files: %v", err)
		}
	}()

	reg, err := newRegistry()
	if err != nil {
		return err
	}
	rt, err := router.NewRouter(cfg.Routing.Routes, reg, lg)
	if err != nil {
		return fmt.Errorf("initializing router: %w", err)
	}
	srv, err := server.NewServer(cfg, lg, rt)
	if err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}

	if cfg.Server.MetricsAddress != nil && *cfg.Server.MetricsAddress != "" {
		ms := startMetrics(*cfg.Server.MetricsAddress, lg)
		defer ms.Close()
	}

	if err := srv.Listen(); err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	timeout := cfg.Server.ShutdownTimeout()
	lg.Info("Signal received, shutting down", logger.LogFields{"timeout": timeout.String()})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("Shutdown did not complete cleanly", logger.LogFields{"error": err.Error()})
	}
	if err := <-errc; !errors.Is(err, server.ErrServerClosed) {
		return err
	}
	lg.Info("Server stopped", nil)
	return nil
}

// startMetrics exposes the Prometheus registry on its own listener.
func startMetrics(addr string, lg *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	ms := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		lg.Info("Serving metrics", logger.LogFields{"address": addr})
		if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("Metrics listener failed", logger.LogFields{"error": err.Error()})
		}
	}()
	return ms
}
