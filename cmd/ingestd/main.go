package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/grabfeed/grabfeed/internal/api"
	"github.com/grabfeed/grabfeed/internal/config"
	"github.com/grabfeed/grabfeed/internal/database"
	"github.com/grabfeed/grabfeed/internal/ingest"
	"github.com/grabfeed/grabfeed/internal/logger"
	"github.com/grabfeed/grabfeed/internal/media"
	"github.com/grabfeed/grabfeed/internal/metrics"
	"github.com/grabfeed/grabfeed/internal/migrator"
	"github.com/grabfeed/grabfeed/internal/nats"
	"github.com/grabfeed/grabfeed/internal/poller"
	"github.com/grabfeed/grabfeed/internal/publisher"
	"github.com/grabfeed/grabfeed/internal/repository"
	"github.com/grabfeed/grabfeed/internal/supervisor"
	"github.com/grabfeed/grabfeed/internal/telegram"
	"github.com/grabfeed/grabfeed/migrations"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// 2. Setup logger
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	log := logger.Get()
	log.Info().Msg("starting ingestion worker")

	// 3. Setup context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	// 4. Database + migrations
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("connected to database")

	mig, err := migrator.NewWithFS(migrations.FS)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create migrator")
	}
	if err := mig.Up(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("migrations applied")

	// 5. NATS (optional: the worker ingests without a queue)
	var eventPublisher ingest.EventPublisher
	natsClient, err := nats.New(cfg.NatsURL)
	if err != nil {
		log.Warn().Err(err).Msg("nats unavailable, events will not be published")
	} else {
		defer natsClient.Close()
		if err := natsClient.EnsureStream(ctx, publisher.StreamName, []string{"messages.>"}); err != nil {
			log.Warn().Err(err).Msg("failed to ensure stream, events will not be published")
		} else {
			eventPublisher = publisher.NewNATSPublisher(natsClient)
			log.Info().Msg("connected to nats")
		}
	}

	// 6. Repositories
	accountsRepo := repository.NewAccountsRepository(db.Pool)
	channelsRepo := repository.NewChannelsRepository(db.Pool)
	categoriesRepo := repository.NewCategoriesRepository(db.Pool)
	messagesRepo := repository.NewMessagesRepository(db.Pool)

	// 7. Telegram layer
	sessions, err := telegram.NewSessionStore(cfg.SessionsDir, db.GORM)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session store")
	}
	if err := sessions.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate session store")
	}

	restorer := telegram.NewRestorer(sessions, accountsRepo, cfg.ConnectTimeout)
	pool := telegram.NewPool(restorer, accountsRepo, cfg.DisconnectTimeout)

	// 8. Ingestion pipeline
	m := metrics.Default()

	fetcher, err := media.NewFetcher(cfg.MediaDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create media fetcher")
	}

	ingestor := ingest.New(messagesRepo, eventPublisher, m)

	channelPoller := poller.New(poller.Config{
		Pool:         pool,
		Fetcher:      fetcher,
		Ingestor:     ingestor,
		Channels:     channelsRepo,
		Categories:   categoriesRepo,
		Metrics:      m,
		BatchSize:    cfg.FetchBatchSize,
		ChannelDelay: cfg.ChannelDelay,
	})

	sup := supervisor.New(supervisor.Config{
		Accounts:         accountsRepo,
		Pool:             pool,
		Poller:           channelPoller,
		Metrics:          m,
		CycleDelay:       cfg.CycleDelay,
		RediscoveryDelay: cfg.RediscoveryDelay,
	})

	// 9. HTTP API
	server := api.NewServer(api.Config{
		Port:     cfg.HTTPPort,
		Accounts: accountsRepo,
		Channels: channelsRepo,
		Pool:     pool,
		Stats:    sup,
		DB:       db,
	})
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("api server stopped")
			cancel()
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DisconnectTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("api shutdown failed")
		}
	}()

	// 10. Run until shutdown
	if err := sup.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("supervisor exited with error")
	}

	log.Info().Msg("shutdown complete")
}
