// Package main is the entry point for the voucher authentication relay.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/kmarchand/voucher/internal/server"
	"github.com/kmarchand/voucher/internal/session"
	"github.com/kmarchand/voucher/internal/shared/events"
	"github.com/kmarchand/voucher/internal/shared/health"
	"github.com/kmarchand/voucher/internal/shared/logger"
	"github.com/kmarchand/voucher/internal/shared/metrics"
	sharedtls "github.com/kmarchand/voucher/internal/shared/tls"
	"github.com/kmarchand/voucher/internal/shared/tracing"
	"github.com/kmarchand/voucher/internal/state"
	"github.com/kmarchand/voucher/internal/strategy/gitlab"
)

// Config holds the voucher service configuration.
type Config struct {
	HTTP server.Config `mapstructure:"http"`

	Ops struct {
		Address string `mapstructure:"address"`
	} `mapstructure:"ops"`

	Providers struct {
		GitLab gitlab.Config `mapstructure:"gitlab"`
	} `mapstructure:"providers"`

	State struct {
		Backend string            `mapstructure:"backend"` // memory or redis
		Redis   state.RedisConfig `mapstructure:"redis"`
	} `mapstructure:"state"`

	Session session.Config `mapstructure:"session"`

	Events struct {
		Enabled bool          `mapstructure:"enabled"`
		NATS    events.Config `mapstructure:"nats"`
	} `mapstructure:"events"`

	Tracing tracing.Config `mapstructure:"tracing"`

	TLS struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "voucher",
		Environment: os.Getenv("ENVIRONMENT"),
	})

	log := logger.Default()
	log.Info("starting voucher")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.Init(metrics.Config{ServiceName: "voucher"})

	// Tracing
	var tracer *tracing.Provider
	if cfg.Tracing.Enabled {
		provider, cleanup, err := tracing.Init(cfg.Tracing)
		if err != nil {
			log.Error("failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		tracer = provider
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := cleanup(shutdownCtx); err != nil {
				log.Error("tracing shutdown error", "error", err)
			}
		}()
	}

	// State store
	states, err := initStateStore(cfg)
	if err != nil {
		log.Error("failed to initialize state store", "error", err)
		os.Exit(1)
	}
	defer states.Close()

	// Session manager
	sessions, err := session.NewManager(cfg.Session)
	if err != nil {
		log.Error("failed to initialize session manager", "error", err)
		os.Exit(1)
	}

	// Event publishing is optional; the flow works without it.
	var eventsClient *events.Client
	if cfg.Events.Enabled {
		eventsClient, err = events.New(cfg.Events.NATS)
		if err != nil {
			log.Warn("events disabled: NATS unavailable", "error", err)
		} else {
			defer eventsClient.Close()
		}
	}

	// Health checker
	healthChecker := health.NewChecker(
		health.WithVersion(version()),
		health.WithTimeout(5*time.Second),
	)
	healthChecker.Register("state_store", health.PingCheck("state store", func(ctx context.Context) error {
		_, err := states.Count(ctx)
		return err
	}))
	if eventsClient != nil {
		healthChecker.Register("nats", func(ctx context.Context) health.ComponentHealth {
			if !eventsClient.IsConnected() {
				return health.ComponentHealth{Status: health.StatusDegraded, Message: "NATS disconnected"}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
	}

	// HTTP server and strategies
	srv := server.New(cfg.HTTP, server.Deps{
		Logger:   log,
		Metrics:  m,
		States:   states,
		Sessions: sessions,
		Events:   eventsClient,
		Tracer:   tracer,
	})

	if cfg.Providers.GitLab.ClientID != "" {
		srv.Register(gitlab.New(cfg.Providers.GitLab,
			gitlab.WithLogger(log),
			gitlab.WithMetrics(m),
		))
	} else {
		log.Warn("gitlab provider not configured, no client_id")
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := sharedtls.ServerTLSConfig(&sharedtls.Config{
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
		})
		if err != nil {
			log.Error("failed to build TLS config", "error", err)
			os.Exit(1)
		}
		srv.SetTLSConfig(tlsConfig)
	}

	// Ops server: health and metrics on a separate listener.
	opsMux := http.NewServeMux()
	opsMux.HandleFunc("/health", healthChecker.HealthHandler)
	opsMux.HandleFunc("/health/live", healthChecker.LiveHandler)
	opsMux.HandleFunc("/health/ready", healthChecker.ReadyHandler)
	opsMux.Handle("/metrics", m.Handler())

	opsServer := &http.Server{
		Addr:              cfg.Ops.Address,
		Handler:           opsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("ops server listening", "address", cfg.Ops.Address)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("ops server error", "error", err)
		}
	}()

	// Keep the pending-state gauge fresh.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := states.Count(ctx); err == nil {
					m.SetActiveStates(n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Blocks until the context is cancelled by a signal.
	if err := srv.Start(ctx); err != nil {
		log.Error("http server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("ops server shutdown error", "error", err)
	}

	log.Info("voucher stopped")
}

func initStateStore(cfg *Config) (state.Store, error) {
	switch cfg.State.Backend {
	case "redis":
		return state.NewRedisStore(cfg.State.Redis)
	case "", "memory":
		return state.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
}

func loadConfig() (*Config, error) {
	viper.SetConfigName("voucher")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/voucher")

	// Set defaults
	viper.SetDefault("http.address", ":8080")
	viper.SetDefault("http.external_url", "")
	viper.SetDefault("http.read_timeout", "10s")
	viper.SetDefault("http.write_timeout", "15s")
	viper.SetDefault("http.idle_timeout", "60s")
	viper.SetDefault("http.shutdown_timeout", "10s")
	viper.SetDefault("http.state_ttl", "10m")
	viper.SetDefault("http.rate_limit.enabled", true)
	viper.SetDefault("http.rate_limit.requests_per_second", 10)
	viper.SetDefault("http.rate_limit.burst", 20)
	viper.SetDefault("ops.address", ":9090")
	viper.SetDefault("providers.gitlab.site", "https://gitlab.com")
	viper.SetDefault("providers.gitlab.user_endpoint", "/api/v3/user")
	viper.SetDefault("providers.gitlab.default_scope", "api")
	viper.SetDefault("providers.gitlab.uid_field", "username")
	viper.SetDefault("providers.gitlab.http_timeout", "10s")
	viper.SetDefault("providers.gitlab.send_secret_param", false)
	viper.SetDefault("state.backend", "memory")
	viper.SetDefault("state.redis.address", "localhost:6379")
	viper.SetDefault("state.redis.key_prefix", "voucher:state:")
	viper.SetDefault("state.redis.tls_enabled", false)
	viper.SetDefault("session.ttl", "1h")
	viper.SetDefault("session.issuer", "voucher")
	viper.SetDefault("events.enabled", false)
	viper.SetDefault("events.nats.url", "nats://localhost:4222")
	viper.SetDefault("events.nats.name", "voucher")
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.service_name", "voucher")
	viper.SetDefault("tracing.endpoint", "localhost:4317")
	viper.SetDefault("tracing.sample_rate", 1.0)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")

	// Bind environment variables
	viper.SetEnvPrefix("VOUCHER")
	viper.AutomaticEnv()

	// Try to read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func version() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return "dev"
}
