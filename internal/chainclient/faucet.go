package chainclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Faucet requests testnet tokens for a freshly generated wallet on worker
// startup (§4.4). Production deployments substitute a persistent wallet and
// never call this.
type Faucet struct {
	url    string
	client *http.Client
}

func NewFaucet(url string) *Faucet {
	return &Faucet{url: url, client: &http.Client{}}
}

// Fund requests funding for addr and logs the outcome; a faucet failure is
// non-fatal to startup in test/dev environments but is reported loudly.
func (f *Faucet) Fund(ctx context.Context, addr Address) error {
	if f.url == "" {
		log.Warn("chainclient: faucet url not configured, skipping funding")
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, strings.NewReader(addr.Hex()))
	if err != nil {
		return fmt.Errorf("chainclient: faucet request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("chainclient: faucet call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("chainclient: faucet returned status %d", resp.StatusCode)
	}
	log.WithField("address", addr.Hex()).Info("chainclient: faucet funding requested")
	return nil
}
