package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/p2pclear/escrowd/params"
	"github.com/p2pclear/escrowd/pkg/api"
	"github.com/p2pclear/escrowd/pkg/escrow"
	"github.com/p2pclear/escrowd/pkg/ledger"
	"github.com/p2pclear/escrowd/pkg/p2p"
	"github.com/p2pclear/escrowd/pkg/storage"
	"github.com/p2pclear/escrowd/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/escrowd.log"
	}

	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	// ---- Storage ----
	lgr, err := ledger.NewLedger(filepath.Join(cfg.DBPath, "ledger"))
	if err != nil {
		sugar.Fatalw("ledger_open_failed", "err", err)
	}
	defer lgr.Close()

	store, err := storage.NewStore(filepath.Join(cfg.DBPath, "records"), cfg.Rent)
	if err != nil {
		sugar.Fatalw("store_open_failed", "err", err)
	}
	defer store.Close()

	// Top the custodian's deposit balance up to its stake so record
	// creation never stalls on deposits.
	if have := store.DepositBalance(cfg.Engine.Admin); have < cfg.Rent.CustodianStake {
		if err := store.FundDeposits(cfg.Engine.Admin, cfg.Rent.CustodianStake-have); err != nil {
			sugar.Fatalw("deposit_stake_failed", "err", err)
		}
	}
	sugar.Infow("custodian_ready",
		"admin", cfg.Engine.Admin.Hex(),
		"deposit_balance", store.DepositBalance(cfg.Engine.Admin))

	// ---- Engine ----
	engine := escrow.NewEngine(escrow.Config{
		Admin:          cfg.Engine.Admin,
		DustThreshold:  cfg.Engine.DustThreshold,
		FillCooldown:   cfg.Engine.FillCooldown,
		MaxFillsPerDay: cfg.Engine.MaxFillsPerDay,
	}, store, lgr, util.RealClock{}, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	apiServer := api.NewServer(engine, lgr, store, cfg.API)

	// ---- Event fan-out: WebSocket hub, plus gossip when configured ----
	emitters := []escrow.Emitter{apiServer.Emitter()}
	if cfg.P2P.ListenAddr != "" {
		gossip, err := p2p.NewGossip(ctx, p2p.GossipConfig{
			ListenAddr: cfg.P2P.ListenAddr,
			Bootstrap:  cfg.P2P.Bootstrap,
			Logger:     sugar,
		})
		if err != nil {
			sugar.Fatalw("gossip_init_failed", "err", err)
		}
		defer gossip.Close()
		emitters = append(emitters, gossip.Emitter())
	} else {
		sugar.Info("gossip disabled - set P2P_LISTEN to enable")
	}
	engine.SetEmitter(escrow.EmitterFunc(func(ev escrow.Event) {
		for _, em := range emitters {
			em.Emit(ev)
		}
	}))

	go func() {
		if err := apiServer.Start(); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("escrowd_starting",
		"api", cfg.API.ListenAddr,
		"db", cfg.DBPath,
		"dust_threshold", cfg.Engine.DustThreshold,
		"fill_cooldown", cfg.Engine.FillCooldown,
		"max_fills_per_day", cfg.Engine.MaxFillsPerDay)

	<-ctx.Done()
	sugar.Info("shutting down")
}
