// Command worker runs a marketplace worker agent: it bids on every new work
// request and executes the auctions it wins, dispatching to the text, image
// or voice generator that matches the request's task kind.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"genmarket/internal/appconfig"
	"genmarket/internal/chainclient"
	"genmarket/internal/chainfeed"
	"genmarket/internal/chanutil"
	"genmarket/internal/eventtypes"
	"genmarket/internal/worker"
	"genmarket/internal/worker/provider"
)

func main() {
	appconfig.Load(".env")
	cfg := appconfig.LoadWorker()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wallet, mnemonic, err := loadOrCreateWallet(cfg.AdminPrivateKey)
	if err != nil {
		log.WithError(err).Fatal("worker: load wallet")
	}
	if mnemonic != "" {
		log.WithField("mnemonic", mnemonic).Warn("worker: generated a fresh wallet, persist this mnemonic")
	}

	rest := chainclient.NewHTTPRestClient(cfg.ChainRestURL)
	chainClient := chainclient.NewClient(wallet, rest)

	if cfg.FaucetURL != "" {
		faucet := chainclient.NewFaucet(cfg.FaucetURL)
		if err := faucet.Fund(ctx, wallet.Address()); err != nil {
			log.WithError(err).Warn("worker: faucet funding failed")
		}
	}

	indexerClient, err := chainfeed.DialIndexer(cfg.IndexerURL, cfg.IndexerAuthKey, cfg.IndexerInsecure)
	if err != nil {
		log.WithError(err).Fatal("worker: dial indexer")
	}
	moduleID := eventtypes.ModuleID{Address: cfg.ModuleAddress, Module: cfg.ModuleName}
	listener := chainfeed.New(indexerClient, moduleID)

	httpClient := &http.Client{}
	generators := map[eventtypes.TaskKind]worker.Generator{
		eventtypes.TaskText: &worker.TextGenerator{
			Client:          provider.NewTextClient(cfg.OpenAIKey),
			OrchestratorURL: cfg.OrchestratorURL,
			HTTPClient:      httpClient,
		},
		eventtypes.TaskImage: &worker.ImageGenerator{
			Client:          provider.NewImageClient(cfg.FalAIKey),
			OrchestratorURL: cfg.OrchestratorURL,
			HTTPClient:      httpClient,
		},
		eventtypes.TaskVoice: &worker.VoiceGenerator{
			Client:          provider.NewVoiceClient(cfg.FalAIKey),
			OrchestratorURL: cfg.OrchestratorURL,
			HTTPClient:      httpClient,
		},
	}

	dispatcher := worker.New(wallet.Address(), cfg.OrchestratorURL, chainClient, generators)

	events := chanutil.NewUnbounded[eventtypes.ContractEvent]()
	go func() {
		if err := listener.Run(ctx, events.In()); err != nil {
			log.WithError(err).Warn("worker: listener stopped")
		}
	}()

	log.WithField("address", wallet.Address().Hex()).Info("worker: dispatching")
	dispatcher.Run(ctx, events.Out())
}

// loadOrCreateWallet loads a persistent wallet from a hex seed, or generates
// a fresh one for a test/dev run when none is configured (§4.4).
func loadOrCreateWallet(seedHex string) (*chainclient.Wallet, string, error) {
	if seedHex == "" {
		return chainclient.NewRandomWallet()
	}
	w, err := chainclient.WalletFromSeedHex(seedHex)
	return w, "", err
}
