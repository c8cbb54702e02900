package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bondvault/config"
	"bondvault/core/events"
	"bondvault/native/bond"
	"bondvault/native/common"
	"bondvault/native/curve"
	"bondvault/native/treasury"
	"bondvault/observability/logging"
	"bondvault/observability/metrics"
	"bondvault/oracle"
	"bondvault/rpc"
	"bondvault/state"
	"bondvault/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./bondvault.toml", "path to daemon configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("bondvaultd: load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("BONDVAULT_ENV"))
	slogger := logging.Setup("bondvaultd", env, logging.Options{
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})

	var db storage.Database
	if cfg.InMemoryStorage {
		db = storage.NewMemDB()
		slogger.Warn("using in-memory storage, state will not survive restarts")
	} else {
		ldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			slogger.Error("open database", "path", cfg.DataDir, "error", err)
			os.Exit(1)
		}
		db = ldb
	}
	defer db.Close()
	store := state.NewStore(db)

	auth := common.NewStaticAuthorizer()
	admins, err := cfg.AdminAddrs()
	if err != nil {
		slogger.Error("parse admin addresses", "error", err)
		os.Exit(1)
	}
	for _, addr := range admins {
		auth.Grant(addr, common.RoleAdmin)
	}
	operators, err := cfg.OperatorAddrs()
	if err != nil {
		slogger.Error("parse operator addresses", "error", err)
		os.Exit(1)
	}
	for _, addr := range operators {
		auth.Grant(addr, common.RoleOperator)
	}
	if len(admins) == 0 {
		slogger.Warn("no admin addresses configured, privileged operations will be rejected")
	}
	bondAddr, err := cfg.BondModuleAddr()
	if err != nil {
		slogger.Error("parse bond module address", "error", err)
		os.Exit(1)
	}
	auth.Grant(bondAddr, common.RoleProtocol)

	feed := oracle.NewFeed(time.Duration(cfg.OracleMaxAgeSeconds) * time.Second)
	venue, err := oracle.NewFeedVenue(feed, cfg.VenueFeeBps)
	if err != nil {
		slogger.Error("construct execution venue", "error", err)
		os.Exit(1)
	}
	emitter := events.LogEmitter{Log: slogger}

	curveEngine, err := curve.NewEngine(cfg.Curve)
	if err != nil {
		slogger.Error("construct curve engine", "error", err)
		os.Exit(1)
	}
	curveEngine.SetOracles(feed, feed)
	curveEngine.SetAuthorizer(auth)
	curveEngine.SetEmitter(emitter)

	treasuryParams, err := cfg.TreasuryParams()
	if err != nil {
		slogger.Error("treasury parameters", "error", err)
		os.Exit(1)
	}
	treasuryEngine, err := treasury.NewEngine(treasuryParams)
	if err != nil {
		slogger.Error("construct treasury engine", "error", err)
		os.Exit(1)
	}
	if err := treasuryEngine.SetState(store); err != nil {
		slogger.Error("load treasury state", "error", err)
		os.Exit(1)
	}
	treasuryEngine.SetCollaborators(venue, feed, feed)
	treasuryEngine.SetAuthorizer(auth)
	treasuryEngine.SetEmitter(emitter)

	bondParams, err := cfg.BondParams()
	if err != nil {
		slogger.Error("bond parameters", "error", err)
		os.Exit(1)
	}
	bondEngine, err := bond.NewEngine(bondAddr, bondParams)
	if err != nil {
		slogger.Error("construct bond engine", "error", err)
		os.Exit(1)
	}
	bondEngine.SetState(store)
	bondEngine.SetCollaborators(curveEngine, treasuryEngine, feed, store)
	bondEngine.SetEmitter(emitter)

	secret := []byte(os.Getenv(cfg.JWTSecretEnv))
	if len(secret) == 0 {
		slogger.Warn("JWT secret not set, admin endpoints disabled", "env", cfg.JWTSecretEnv)
	}

	server := rpc.New(rpc.Config{
		Curve:     curveEngine,
		Treasury:  treasuryEngine,
		Bond:      bondEngine,
		Oracle:    feed,
		Logger:    slogger,
		Metrics:   metrics.Vault(),
		JWTSecret: secret,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		slogger.Info("rpc listening", "address", cfg.ListenAddress)
		errCh <- httpSrv.ListenAndServe()
	}()
	go func() {
		slogger.Info("metrics listening", "address", cfg.MetricsAddress)
		errCh <- metricsSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slogger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogger.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slogger.Error("rpc shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		slogger.Error("metrics shutdown", "error", err)
	}
	slogger.Info("bondvaultd stopped")
}
