package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/parley/internal/common"
	"github.com/ternarybob/parley/internal/gateway"
	"github.com/ternarybob/parley/internal/interfaces"
	"github.com/ternarybob/parley/internal/services/conversations"
	"github.com/ternarybob/parley/internal/services/dispatch"
	"github.com/ternarybob/parley/internal/services/library"
	"github.com/ternarybob/parley/internal/services/messages"
	"github.com/ternarybob/parley/internal/services/sources"
	badgerstorage "github.com/ternarybob/parley/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Gateway     interfaces.BackendGateway
	Preferences interfaces.PreferenceStorage

	Registry   *sources.RegistryResolver
	Normalizer *sources.Normalizer

	Conversations *conversations.Store
	Dispatcher    *dispatch.Dispatcher
	Lifecycle     *messages.Lifecycle
	Library       *library.Service

	db *badgerstorage.BadgerDB
}

// New wires the application components from configuration.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	db, err := badgerstorage.NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize preference store: %w", err)
	}
	prefs := badgerstorage.NewPreferenceStorage(db, logger)

	client := gateway.NewClient(
		config.Backend.BaseURL,
		gateway.WithLogger(logger),
		gateway.WithTimeout(config.Backend.RequestTimeout()),
		gateway.WithRateLimit(config.Backend.RateLimit),
	)

	// The registry resolver is the degraded fallback for source payloads
	// without document ids. Swap in sources.NewNoopResolver() once the
	// backend supplies ids on every source.
	registry := sources.NewRegistryResolver()
	normalizer := sources.NewNormalizer(registry, logger, config.Chat.PreviewTokens)

	store := conversations.NewStore(client, normalizer, logger)
	dispatcher := dispatch.NewDispatcher(client, store, prefs, normalizer, logger)
	lifecycle := messages.NewLifecycle(store, dispatcher, logger, config.Chat.TitleMaxLength)
	librarySvc := library.NewService(client, prefs, registry, logger)

	app := &App{
		Config:        config,
		Logger:        logger,
		Gateway:       client,
		Preferences:   prefs,
		Registry:      registry,
		Normalizer:    normalizer,
		Conversations: store,
		Dispatcher:    dispatcher,
		Lifecycle:     lifecycle,
		Library:       librarySvc,
		db:            db,
	}

	if err := app.seedPreferences(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("Failed to seed preferences")
	}

	logger.Info().
		Str("backend", config.Backend.BaseURL).
		Str("storage", config.Storage.Badger.Path).
		Msg("Application initialized")

	return app, nil
}

// seedPreferences fills defaults for preferences that have never been set.
func (a *App) seedPreferences(ctx context.Context) error {
	_, err := a.Preferences.SelectedModel(ctx)
	if err == interfaces.ErrPreferenceNotFound {
		return a.Preferences.SetSelectedModel(ctx, a.Config.Chat.DefaultModel)
	}
	return err
}

// Close releases application resources.
func (a *App) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}
