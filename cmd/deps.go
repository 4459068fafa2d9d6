package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/kpi-strategist/internal/ai/gemini"
	"github.com/spigell/kpi-strategist/internal/auth"
	"github.com/spigell/kpi-strategist/internal/events"
	"github.com/spigell/kpi-strategist/internal/secrets"
	"github.com/spigell/kpi-strategist/internal/storage/archive"
	"github.com/spigell/kpi-strategist/internal/storage/postgres"
	"github.com/spigell/kpi-strategist/internal/strategy"
)

// components are the wired collaborators shared by serve and generate.
type components struct {
	service  *strategy.Service
	verifier *auth.Verifier
	archive  *archive.Archive
	closers  []func() error
}

func (c *components) close(logger *zap.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logger.Warn("closing component failed", zap.Error(err))
		}
	}
}

// buildComponents wires the strategy service and its optional backends.
// Backends that are not configured are skipped.
func buildComponents(ctx context.Context, config *Config, logger *zap.Logger) (*components, error) {
	c := &components{}
	deps := strategy.Deps{
		Catalog: strategy.NewCatalog(config.Catalog),
		Logger:  logger.Named("strategy"),
	}

	generator, err := newGenerator(ctx, &config.AI, logger)
	if err != nil {
		return nil, err
	}
	if generator != nil {
		deps.Generator = generator
	}

	store, err := newStore(ctx, &config.Database, logger)
	if err != nil {
		return nil, err
	}
	if store != nil {
		deps.Recorder = store
		deps.History = store
		c.closers = append(c.closers, store.Close)
	}

	publisher, err := newPublisher(&config.Events, logger)
	if err != nil {
		c.close(logger)
		return nil, err
	}
	if publisher != nil {
		deps.Publisher = publisher
		c.closers = append(c.closers, publisher.Close)
	}

	if c.archive, err = newArchive(ctx, &config.Archive, logger); err != nil {
		c.close(logger)
		return nil, err
	}

	if c.verifier, err = newVerifier(ctx, &config.Auth, logger); err != nil {
		c.close(logger)
		return nil, err
	}

	c.service = strategy.NewService(deps, config.AI.Fallback)
	return c, nil
}

// newGenerator returns nil when ai is disabled or no api key is available.
func newGenerator(ctx context.Context, cfg *AIConfig, logger *zap.Logger) (*gemini.Strategist, error) {
	if !cfg.Enabled {
		logger.Info("ai is disabled, answering from catalog only")
		return nil, nil
	}

	provider := strings.TrimSpace(strings.ToLower(cfg.Provider))
	if provider != "" && provider != "gemini" {
		return nil, fmt.Errorf("unsupported ai provider: %s", cfg.Provider)
	}

	apiKey, err := secrets.Optional(secrets.Source{
		Name:  "gemini api key",
		Value: cfg.Gemini.APIKey,
		File:  cfg.Gemini.APIKeyFile,
		Env:   []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set ai.gemini.api-key-file or GEMINI_API_KEY_FILE)", err)
	}
	if apiKey == "" {
		logger.Warn("gemini api key is not configured, answering from catalog only")
		return nil, nil
	}

	genLogger := logger.With(
		zap.String("provider", "gemini"),
		zap.String("model", cfg.Gemini.Model),
		zap.Int("ai_retry_attempts", cfg.Gemini.MaxRetries),
	)

	generator, err := gemini.NewGenerator(ctx, gemini.Options{
		APIKey:      apiKey,
		Model:       cfg.Gemini.Model,
		MaxRetries:  cfg.Gemini.MaxRetries,
		Temperature: cfg.Gemini.Temperature,
	}, genLogger)
	if err != nil {
		return nil, err
	}

	return gemini.NewStrategist(generator, cfg.Gemini.MaxLogLength, logger.Named("strategist")), nil
}

func newStore(ctx context.Context, cfg *DatabaseConfig, logger *zap.Logger) (*postgres.Store, error) {
	dsn, err := secrets.Optional(secrets.Source{
		Name:  "database url",
		Value: cfg.URL,
		File:  cfg.URLFile,
	})
	if err != nil {
		return nil, err
	}
	if dsn == "" {
		logger.Info("database is not configured, strategies are not recorded")
		return nil, nil
	}

	store, err := postgres.Open(ctx, postgres.Options{
		DSN:             dsn,
		MaxOpenConns:    cfg.MaxOpenConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger.Named("postgres"))
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	return store, nil
}

func newPublisher(cfg *EventsConfig, logger *zap.Logger) (*events.Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("events are enabled but events.url (RABBITMQ_URL) is not set")
	}
	return events.Dial(cfg.Config, logger.Named("events"))
}

func newArchive(ctx context.Context, cfg *ArchiveConfig, logger *zap.Logger) (*archive.Archive, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return archive.New(ctx, cfg.Config, logger.Named("archive"))
}

// newVerifier returns nil when neither a Supabase project, a jwks url nor a
// jwt secret is configured.
func newVerifier(ctx context.Context, cfg *AuthConfig, logger *zap.Logger) (*auth.Verifier, error) {
	secret, err := secrets.Optional(secrets.Source{
		Name:  "jwt secret",
		Value: cfg.JWTSecret,
		File:  cfg.JWTSecretFile,
	})
	if err != nil {
		return nil, err
	}

	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" && strings.TrimSpace(cfg.SupabaseProjectID) != "" {
		jwksURL = auth.SupabaseKeysURL(cfg.SupabaseProjectID)
	}

	if jwksURL == "" && secret == "" {
		logger.Info("authentication is not configured, requests are anonymous")
		return nil, nil
	}

	vcfg := auth.VerifierConfig{
		Secret:   secret,
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		Leeway:   cfg.Leeway,
	}
	if jwksURL != "" {
		keys, err := auth.NewKeySet(ctx, auth.KeySetConfig{
			URL:    jwksURL,
			TTL:    cfg.KeysTTL,
			Logger: logger.Named("jwks"),
		})
		if err != nil {
			return nil, err
		}
		vcfg.Keys = keys
	}

	return auth.NewVerifier(vcfg)
}
