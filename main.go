package main

import (
	"context"
	"os"
	"time"

	"agenthub/internal/api"
	"agenthub/internal/config"
	"agenthub/internal/dispatcher"
	"agenthub/internal/ingest"
	"agenthub/internal/redis"
	"agenthub/internal/service/session"
	"agenthub/internal/storage"
	"agenthub/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("AGENTHUB_DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfgPath := os.Getenv("AGENTHUB_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	dbType := os.Getenv("AGENTHUB_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Info().Str("driver", dbType).Msg("opening database")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	// Redis is optional: without it the service runs single-process, with
	// no cross-process stream fan-out or shared history cache.
	rdb, err := redis.New(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, running without shared cache")
		rdb = nil
	} else {
		defer rdb.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions := session.NewService(db)
	disp := dispatcher.New(sessions, cfg.Providers, dispatcher.Config{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
		HistoryWindow:     cfg.BasicConfig.HistoryWindow,
	}, rdb)

	runner := ingest.NewRunner(db, cfg.Ingest)
	runner.Start(ctx)

	hub := ws.NewHub()
	go hub.RunRelay(ctx, rdb, disp.Origin())

	defaultProvider := defaultProviderName(cfg)
	handlers := api.NewHandler(sessions, disp, runner, defaultProvider)
	wsHandler := ws.NewHandler(sessions, disp, hub, defaultProvider)

	router := gin.Default()
	handlers.RegisterRoutes(router)
	wsHandler.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	log.Info().Str("addr", addr).Msg("server starting")
	if err := router.Run(addr); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func defaultProviderName(cfg *config.Config) string {
	if _, ok := cfg.Providers["openai"]; ok {
		return "openai"
	}
	for name := range cfg.Providers {
		return name
	}
	return ""
}
