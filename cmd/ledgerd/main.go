// Command ledgerd serves the in-process ledger over HTTP so several servers
// (or the simulator) can share one ledger.
package main

import (
	"flag"
	"os"

	"github.com/gin-gonic/gin"

	"ridechain/internal/config"
	"ridechain/internal/ledger/gateway"
	"ridechain/internal/ledger/memledger"
	"ridechain/internal/logging"
)

func main() {
	configPath := flag.String("config", "ridechain.yaml", "path to config file")
	addr := flag.String("addr", ":8545", "listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	logger := logging.NewLogger("info")
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	logger = logging.NewLogger(cfg.Log.Level)

	minCollateral, err := cfg.Ledger.MinCollateralValue()
	if err != nil {
		logger.Error("ledger config", "error", err)
		os.Exit(1)
	}
	chain := memledger.New(
		memledger.WithMinCollateral(minCollateral),
		memledger.WithConfirmDelay(cfg.Ledger.ConfirmDelay),
		memledger.WithRatingOracle(cfg.Ledger.RatingOracle),
	)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	gateway.NewServer(chain, logger).Setup(engine)

	logger.Info("ledger gateway listening", "addr", *addr, "min_collateral", minCollateral.String())
	if err := engine.Run(*addr); err != nil {
		logger.Error("ledger gateway failed", "error", err)
		os.Exit(1)
	}
}
