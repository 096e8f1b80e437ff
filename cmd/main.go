package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cenkalti/backoff/v5"

	offlinecache "github.com/dgduncan/go-offline-cache"
)

const maxInstallRetryInterval = 2 * time.Minute

// settings are read from the environment.
type settings struct {
	Addr     string `env:"OFFLINE_ADDR"     envDefault:":8080"`
	Upstream string `env:"OFFLINE_UPSTREAM" envDefault:"http://localhost:5000"`
	Version  string `env:"OFFLINE_VERSION,required"`
	Config   string `env:"OFFLINE_CONFIG"`

	// Store is one of memory, sqlite, postgres, dynamodb or redis.
	Store string `env:"OFFLINE_STORE" envDefault:"memory"`
	DSN   string `env:"OFFLINE_DSN"`

	DynamoTable       string `env:"OFFLINE_DYNAMODB_TABLE"        envDefault:"offline_cache"`
	DynamoEndpoint    string `env:"OFFLINE_DYNAMODB_ENDPOINT"`
	DynamoCreateTable bool   `env:"OFFLINE_DYNAMODB_CREATE_TABLE"`

	// OTLPEndpoint receives the cache metrics, eg. http://localhost:4318.
	OTLPEndpoint string `env:"OFFLINE_OTLP_ENDPOINT"`

	LogLevel        string        `env:"OFFLINE_LOG_LEVEL"        envDefault:"info"`
	AutoActivate    bool          `env:"OFFLINE_AUTO_ACTIVATE"    envDefault:"true"`
	ShutdownTimeout time.Duration `env:"OFFLINE_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func main() {
	var s settings
	if err := env.Parse(&s); err != nil {
		fmt.Fprintf(os.Stderr, "parse env: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(s.LogLevel)}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, s, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("offline proxy stopped", "error", err)
		os.Exit(1)
	}
}

func loadConfig(s settings) (offlinecache.Config, error) {
	cfg := offlinecache.DefaultConfig()
	if s.Config != "" {
		var err error
		if cfg, err = offlinecache.LoadConfig(s.Config); err != nil {
			return offlinecache.Config{}, err
		}
	}
	if cfg.Origin == "" {
		cfg.Origin = s.Upstream
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, s settings, logger *slog.Logger) error {
	upstream, err := url.Parse(s.Upstream)
	if err != nil {
		return fmt.Errorf("parse upstream: %w", err)
	}

	cfg, err := loadConfig(s)
	if err != nil {
		return err
	}

	shutdownMetrics, err := initMetrics(ctx, s.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownMetrics(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("error flushing metrics", "error", err)
		}
	}()

	b, err := openBackend(ctx, s, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Warn("error closing store", "error", err)
		}
	}()

	registry, err := offlinecache.NewRegistry(ctx, b.store, http.DefaultTransport, &cfg, time.Now, logger)
	if err != nil {
		return err
	}
	queue, err := offlinecache.NewQueue(ctx, b.tasks, http.DefaultTransport, &cfg, time.Now, logger)
	if err != nil {
		return err
	}
	controller, err := offlinecache.NewController(s.Version, registry, queue, &cfg, time.Now, logger)
	if err != nil {
		return err
	}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.Transport = controller.Transport(http.DefaultTransport)
	proxy.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)

	mux := http.NewServeMux()
	(&admin{controller: controller, registry: registry, queue: queue, logger: logger}).routes(mux)
	mux.Handle("/", proxy)

	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("queue stopped", "error", err)
		}
	}()

	go func() {
		if err := install(ctx, controller, logger); err != nil {
			return
		}
		if !s.AutoActivate {
			return
		}
		if err := controller.Signal(ctx, offlinecache.SignalActivate); err != nil {
			logger.Warn("error activating version", "error", err)
		}
	}()

	errc := make(chan error, 1)
	go func() {
		logger.Info("offline proxy listening", "addr", s.Addr, "upstream", s.Upstream, "version", s.Version, "store", s.Store)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return ctx.Err()
}

// install retries until the version is installed or ctx is done. The upstream commonly
// comes up after the proxy.
func install(ctx context.Context, c *offlinecache.Controller, logger *slog.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = maxInstallRetryInterval

	for {
		err := c.Install(ctx)
		if err == nil {
			return nil
		}

		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxInstallRetryInterval
		}
		logger.Warn("install failed, retrying", "error", err, "retry_in", sleep.String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}
