// Package appconfig loads the environment-variable configuration shared by
// the orchestrator and worker binaries, modeled on
// walletserver/config/config.go's godotenv-then-os.Getenv pattern. A missing
// required variable is a fatal startup error (§6, §7).
package appconfig

import (
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Load reads a .env file if present (ignored if absent — deployments may
// rely on process env alone) into the process environment.
func Load(dotenvPath string) {
	if err := godotenv.Load(dotenvPath); err != nil {
		log.WithError(err).Debug("appconfig: no .env file loaded, relying on process environment")
	}
}

// Require reads a required environment variable, exiting the process if it
// is unset (§6: "All required; process exits if missing").
func Require(name string) string {
	v := os.Getenv(name)
	if v == "" {
		log.Fatalf("appconfig: required environment variable %s is not set", name)
	}
	return v
}

// Optional reads an environment variable, returning def if unset.
func Optional(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// Orchestrator holds the orchestrator binary's required configuration.
type Orchestrator struct {
	IndexerURL       string
	IndexerAuthKey   string
	IndexerInsecure  bool
	ChainRestURL     string
	AdminPrivateKey  string
	ModuleAddress    string
	ModuleName       string
	OrchestratorURL  string
	OrchestratorPort string
	DBURL            string
}

func LoadOrchestrator() Orchestrator {
	return Orchestrator{
		IndexerURL:       Require("INDEXER_URL"),
		IndexerAuthKey:   Require("INDEXER_AUTH_KEY"),
		IndexerInsecure:  Optional("INDEXER_INSECURE", "") != "",
		ChainRestURL:     Require("CHAIN_REST_URL"),
		AdminPrivateKey:  Require("ADMIN_PRIVATE_KEY"),
		ModuleAddress:    Require("MODULE_ADDRESS"),
		ModuleName:       Require("MODULE_NAME"),
		OrchestratorURL:  Require("ORCHESTRATOR_URL"),
		OrchestratorPort: Require("ORCHESTRATOR_PORT"),
		DBURL:            Require("DB_URL"),
	}
}

// Worker holds the worker binary's required configuration.
type Worker struct {
	IndexerURL      string
	IndexerAuthKey  string
	IndexerInsecure bool
	ChainRestURL    string
	AdminPrivateKey string
	ModuleAddress   string
	ModuleName      string
	OrchestratorURL string
	FaucetURL       string
	OpenAIKey       string
	FalAIKey        string
}

func LoadWorker() Worker {
	return Worker{
		IndexerURL:      Require("INDEXER_URL"),
		IndexerAuthKey:  Require("INDEXER_AUTH_KEY"),
		IndexerInsecure: Optional("INDEXER_INSECURE", "") != "",
		ChainRestURL:    Require("CHAIN_REST_URL"),
		AdminPrivateKey: Optional("ADMIN_PRIVATE_KEY", ""),
		ModuleAddress:   Require("MODULE_ADDRESS"),
		ModuleName:      Require("MODULE_NAME"),
		OrchestratorURL: Require("ORCHESTRATOR_URL"),
		FaucetURL:       Optional("FAUCET_URL", ""),
		OpenAIKey:       Require("OPENAI_KEY"),
		FalAIKey:        Require("FALAI_KEY"),
	}
}

func init() {
	if v := os.Getenv("GENMARKET_DEBUG"); v != "" {
		log.SetLevel(log.DebugLevel)
	}
}
