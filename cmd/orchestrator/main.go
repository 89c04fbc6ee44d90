// Command orchestrator runs the marketplace orchestrator: it listens for
// OnNewWorkRequest events, schedules each request's finalization, and serves
// the HTTP API workers use to fetch payloads and submit results.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"genmarket/internal/appconfig"
	"genmarket/internal/chainclient"
	"genmarket/internal/chainfeed"
	"genmarket/internal/chanutil"
	"genmarket/internal/eventtypes"
	"genmarket/internal/orchestrator"
	"genmarket/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	appconfig.Load(".env")
	cfg := appconfig.LoadOrchestrator()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DBURL)
	if err != nil {
		log.WithError(err).Fatal("orchestrator: open store")
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.WithError(err).Fatal("orchestrator: migrate store")
	}

	wallet, err := chainclient.WalletFromSeedHex(cfg.AdminPrivateKey)
	if err != nil {
		log.WithError(err).Fatal("orchestrator: load admin wallet")
	}
	rest := chainclient.NewHTTPRestClient(cfg.ChainRestURL)
	chainClient := chainclient.NewClient(wallet, rest)

	indexerClient, err := chainfeed.DialIndexer(cfg.IndexerURL, cfg.IndexerAuthKey, cfg.IndexerInsecure)
	if err != nil {
		log.WithError(err).Fatal("orchestrator: dial indexer")
	}
	moduleID := eventtypes.ModuleID{Address: cfg.ModuleAddress, Module: cfg.ModuleName}
	listener := chainfeed.New(indexerClient, moduleID)

	events := chanutil.NewUnbounded[eventtypes.ContractEvent]()
	scheduler := orchestrator.NewScheduler(chainClient)
	server := orchestrator.NewServer(db, chainClient)

	go func() {
		if err := listener.Run(ctx, events.In()); err != nil {
			log.WithError(err).Warn("orchestrator: listener stopped")
		}
	}()
	go scheduler.Run(ctx, events.Out())

	httpServer := &http.Server{Addr: ":" + cfg.OrchestratorPort, Handler: server.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("orchestrator: http shutdown")
		}
	}()

	log.WithField("addr", httpServer.Addr).Info("orchestrator: listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("orchestrator: http server")
	}
}
