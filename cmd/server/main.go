package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"streamgate/internal/access"
	"streamgate/internal/api"
	"streamgate/internal/config"
	"streamgate/internal/database"
	"streamgate/internal/identity"
	"streamgate/internal/mediaserver"
	"streamgate/internal/moderation"
	"streamgate/internal/payments"
	"streamgate/internal/presence"
	"streamgate/internal/rooms"
	"streamgate/internal/stats"
	"streamgate/internal/wallet"
)

var configPath string

func main() {
	flag.StringVar(&configPath, "config", "config.yaml", "path to config file")
	flag.Parse()

	zlog, err := zap.NewProduction()
	if err != nil {
		log.Fatalln("logger:", err)
	}
	defer zlog.Sync()
	logger := zlog.Sugar()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalw("load config", "error", err)
	}

	signingKey, err := cfg.SigningKey()
	if err != nil {
		logger.Fatalw("decode signing key", "error", err)
	}

	repo, err := database.NewPgStreamGateRepository(cfg.Database.DSN)
	if err != nil {
		logger.Fatalw("db open", "error", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Errorw("db close", "error", err)
		}
	}()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warnw("redis unreachable, presence disabled", "error", err)
			rdb = nil
		}
		cancel()
	}

	metrics := stats.New()

	signer := mediaserver.NewTokenSigner(cfg.Media.ApiKey, cfg.Media.ApiSecret)
	mediaClient := mediaserver.NewClient(cfg.Media.URL, cfg.Media.ApiKey, cfg.Media.ApiSecret, logger)

	ledger := wallet.NewLedger(repo, logger, metrics)
	directory := rooms.NewDirectory(repo, logger)
	modState := moderation.NewState(repo, logger)
	modCommands := moderation.NewCommands(repo, modState, mediaClient, logger, metrics)
	engine := access.NewEngine(repo, directory, ledger, signer, cfg.Media.GrantTTL, logger, metrics)

	mollie := payments.NewMollieClient(cfg.Mollie.ApiKey, cfg.Mollie.RedirectURL, cfg.Mollie.WebhookURL, logger)
	paymentSvc := payments.NewService(mollie, ledger, logger, metrics)

	tracker := presence.NewTracker(rdb, logger)

	srv := api.NewServer(logger, cfg, api.Deps{
		Repo:     repo,
		Resolver: identity.NewResolver(repo, signingKey),
		Engine:   engine,
		Ledger:   ledger,
		Rooms:    directory,
		Mods:     modCommands,
		Payments: paymentSvc,
		Presence: tracker,
		Metrics:  metrics,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Infow("received signal", "signal", sig.String())
	case err := <-errCh:
		logger.Errorw("server", "error", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalw("HTTP server shutdown", "error", err)
	}

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logger.Errorw("redis close", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
