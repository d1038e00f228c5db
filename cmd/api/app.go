package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hereforyou/companion/internal/config"
	"github.com/hereforyou/companion/internal/gateway"
	"github.com/hereforyou/companion/internal/llm"
	natsclient "github.com/hereforyou/companion/internal/nats"
	"github.com/hereforyou/companion/internal/service"
	"github.com/hereforyou/companion/internal/store"
	"github.com/hereforyou/companion/internal/store/memory"
	"github.com/hereforyou/companion/internal/store/sqlstore"
	"github.com/hereforyou/companion/pkg/logger"
)

// app holds the wired components shared by all commands.
type app struct {
	cfg        *config.Config
	logger     *logger.Logger
	store      store.Store
	gateway    gateway.Completer
	controller *service.Controller

	closers []func()
}

// loadConfig reads and validates the environment for any command.
func loadConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.SetGlobal(log)
	return log, nil
}

// newApp builds the store, gateway and controller from cfg.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: log}

	gw, err := newGateway(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.gateway = gw

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	policy, err := service.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.controller = service.NewController(a.store, a.gateway, service.Options{
		FailurePolicy: policy,
		Serialize:     cfg.SerializeSends,
	}, log)

	return a, nil
}

func newGateway(ctx context.Context, cfg *config.Config, log *logger.Logger) (gateway.Completer, error) {
	if cfg.MentorURL != "" {
		log.Info("using remote mentor", zap.String("url", cfg.MentorURL))
		return gateway.NewRemoteClient(cfg.MentorURL, cfg.GatewayTimeout, log), nil
	}

	var client llm.Client
	if provider := llm.Provider(cfg.LLMProvider); provider != llm.ProviderNone {
		var err error
		client, err = llm.NewClient(ctx, llm.Config{
			Provider: provider,
			APIKey:   cfg.APIKey(),
			BaseURL:  cfg.BaseURL(),
			Model:    cfg.Model,
			Region:   cfg.ArkRegion,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create LLM client: %w", err)
		}
	} else {
		log.Warn("no LLM provider configured, every reply will fall back")
	}

	return gateway.New(client, gateway.Config{
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		MaxTokens:    cfg.MaxTokens,
		Timeout:      cfg.GatewayTimeout,
	}, log), nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.StoreBackend {
	case config.StoreMemory:
		a.store = memory.New()

	case config.StoreSQLite, config.StorePostgres, config.StoreMySQL:
		dialect, err := sqlstore.DialectFor(a.cfg.StoreBackend)
		if err != nil {
			return err
		}
		st, err := sqlstore.Open(ctx, dialect, a.cfg.DatabaseDSN, sqlstore.WithLogger(a.logger))
		if err != nil {
			return fmt.Errorf("failed to open %s store: %w", dialect.Name, err)
		}
		a.store = st

	case config.StoreNATS:
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			Name:     "companion",
			URL:      a.cfg.NATSURL,
			CAFile:   a.cfg.NATSCAFile,
			CertFile: a.cfg.NATSCertFile,
			KeyFile:  a.cfg.NATSKeyFile,
			Token:    a.cfg.NATSToken,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.closers = append(a.closers, nc.Close)

		st, err := natsclient.NewStore(ctx, nc, a.logger)
		if err != nil {
			return fmt.Errorf("failed to open JetStream store: %w", err)
		}
		a.store = st

	default:
		return fmt.Errorf("unknown store backend %q", a.cfg.StoreBackend)
	}

	a.logger.Info("conversation store ready", zap.String("backend", a.cfg.StoreBackend))
	return nil
}

// Close releases the store and its connection.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
