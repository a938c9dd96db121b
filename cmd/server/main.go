package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"ridechain/internal/api"
	"ridechain/internal/api/handlers"
	"ridechain/internal/config"
	"ridechain/internal/domain/entities"
	"ridechain/internal/events"
	"ridechain/internal/ledger"
	"ridechain/internal/ledger/gateway"
	"ridechain/internal/ledger/memledger"
	"ridechain/internal/logging"
	"ridechain/internal/notify"
	"ridechain/internal/services"
)

func main() {
	configPath := flag.String("config", "ridechain.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	factory, err := ledgerFactory(cfg.Ledger, logger)
	if err != nil {
		logger.Error("ledger setup", "error", err)
		os.Exit(1)
	}

	publisher, err := events.NewPublisher(cfg.Events.PublisherConfig())
	if err != nil {
		logger.Error("events setup", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	hub := notify.NewHub(logger)
	notifier := services.NewNotificationService(hub, publisher, logger)
	sessions := services.NewSessionManager(factory, services.PipelineConfig{ConfirmTimeout: cfg.Ledger.ConfirmTimeout}, notifier, logger)

	router := api.NewRouter(
		handlers.NewSessionHandler(sessions),
		handlers.NewRiderHandler(sessions),
		handlers.NewDriverHandler(sessions),
		handlers.NewRideHandler(sessions),
		hub,
		logger,
	)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	router.Setup(engine)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr, "ledger", cfg.Ledger.Backend, "events", cfg.Events.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("server stopped")
}

// ledgerFactory returns how sessions reach the ledger. The in-process ledger
// is shared by every session so riders and drivers see the same rides.
func ledgerFactory(cfg config.LedgerConfig, logger *slog.Logger) (services.LedgerFactory, error) {
	switch cfg.Backend {
	case "gateway":
		client := gateway.NewClient(cfg.GatewayURL, cfg.RequestTimeout)
		return func(entities.Role, string) (ledger.Client, error) { return client, nil }, nil
	default:
		minCollateral, err := cfg.MinCollateralValue()
		if err != nil {
			return nil, err
		}
		chain := memledger.New(
			memledger.WithMinCollateral(minCollateral),
			memledger.WithConfirmDelay(cfg.ConfirmDelay),
			memledger.WithRatingOracle(cfg.RatingOracle),
		)
		logger.Warn("using in-process ledger; state is lost on restart")
		return func(entities.Role, string) (ledger.Client, error) { return chain, nil }, nil
	}
}
