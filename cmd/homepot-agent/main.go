package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/homepot/push-agent/internal/cacheproxy"
	"github.com/homepot/push-agent/internal/pushagent"
)

type config struct {
	Addr            string        `env:"HOMEPOT_AGENT_ADDR" envDefault:":8092"`
	UpstreamURL     string        `env:"HOMEPOT_AGENT_UPSTREAM_URL" envDefault:"http://127.0.0.1:3000"`
	BackendURL      string        `env:"HOMEPOT_AGENT_BACKEND_URL" envDefault:"http://127.0.0.1:8080"`
	Version         string        `env:"HOMEPOT_AGENT_VERSION" envDefault:"v1.2.0"`
	CacheDir        string        `env:"HOMEPOT_AGENT_CACHE_DIR" envDefault:".homepot-agent/cache"`
	CachePrefix     string        `env:"HOMEPOT_AGENT_CACHE_PREFIX" envDefault:"homepot"`
	APIPrefix       string        `env:"HOMEPOT_AGENT_API_PREFIX" envDefault:"/api/"`
	IdentityDSN     string        `env:"HOMEPOT_AGENT_IDENTITY_DSN" envDefault:"bolt://.homepot-agent/identity.db"`
	ManifestPath    string        `env:"HOMEPOT_AGENT_MANIFEST"`
	HoldActivation  bool          `env:"HOMEPOT_AGENT_HOLD_ACTIVATION" envDefault:"false"`
	ShutdownTimeout time.Duration `env:"HOMEPOT_AGENT_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	agent, err := buildAgent(cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialize agent: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent.Start(ctx)

	server := &http.Server{Addr: cfg.Addr, Handler: agent.Handler()}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("homepot agent listening",
			zap.String("addr", cfg.Addr), zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		agent.Shutdown(shutdownCtx)
		return nil
	})
	if err := group.Wait(); err != nil {
		log.Fatalf("agent failed: %v", err)
	}
}

func buildAgent(cfg config, logger *zap.Logger) (*pushagent.Agent, error) {
	store, err := cacheproxy.NewStore(cfg.CacheDir, cfg.CachePrefix, cfg.Version)
	if err != nil {
		return nil, err
	}
	seeder, err := cacheproxy.NewSeeder(cacheproxy.SeederOptions{
		Store:       store,
		UpstreamURL: cfg.UpstreamURL,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	proxy, err := cacheproxy.NewProxy(cacheproxy.ProxyOptions{
		Store:       store,
		UpstreamURL: cfg.UpstreamURL,
		APIPrefix:   cfg.APIPrefix,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	backend, err := pushagent.BuildIdentityBackendFromDSN(cfg.IdentityDSN)
	if err != nil {
		return nil, err
	}

	return pushagent.New(pushagent.AgentOptions{
		Version:         cfg.Version,
		Cache:           store,
		Seeder:          seeder,
		Proxy:           proxy,
		IdentityBackend: backend,
		AckBaseURL:      cfg.BackendURL,
		ManifestPath:    cfg.ManifestPath,
		HoldActivation:  cfg.HoldActivation,
		Logger:          logger,
	})
}
