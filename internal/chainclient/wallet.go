// Package chainclient holds the signing identity and the three on-chain
// entry-function calls (bid, finalize_auction, commit) the orchestrator and
// worker issue against the marketplace contract.
package chainclient

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	bip39 "github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/ripemd160"
)

// Address is a 20-byte on-chain account identifier, matching the marketplace
// contract's address encoding.
type Address [20]byte

func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

func (a Address) String() string { return a.Hex() }

// Wallet is the local signing identity: one ed25519 keypair plus the mutable
// sequence number the contract expects to increase by one per submitted
// transaction. The sequence number is the single mutable field shared across
// concurrent submitters (§5); access is serialized by mu.
type Wallet struct {
	mu       sync.Mutex
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	addr     Address
	sequence uint64
}

// NewRandomWallet generates a fresh BIP-39 mnemonic and derives a wallet
// keypair from it. Used by the worker's startup funding flow (§4.4); a
// production deployment would instead load a persistent wallet via
// WalletFromMnemonic.
func NewRandomWallet() (*Wallet, string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, "", fmt.Errorf("chainclient: entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("chainclient: mnemonic: %w", err)
	}
	w, err := WalletFromMnemonic(mnemonic, "")
	return w, mnemonic, err
}

// WalletFromMnemonic derives a wallet's single signing keypair from a BIP-39
// mnemonic, matching ADMIN_PRIVATE_KEY-style persistent configuration.
func WalletFromMnemonic(mnemonic, passphrase string) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("chainclient: invalid mnemonic checksum")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return walletFromSeed(seed)
}

// WalletFromSeedHex loads a wallet directly from a hex-encoded ed25519 seed,
// the shape ADMIN_PRIVATE_KEY is expected to carry.
func WalletFromSeedHex(seedHex string) (*Wallet, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("chainclient: decode seed: %w", err)
	}
	return walletFromSeed(seed)
}

func walletFromSeed(seed []byte) (*Wallet, error) {
	if len(seed) < ed25519.SeedSize {
		return nil, fmt.Errorf("chainclient: seed too short, want at least %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	pub := priv.Public().(ed25519.PublicKey)
	w := &Wallet{priv: priv, pub: pub, addr: pubKeyToAddress(pub)}
	log.WithField("address", w.addr.Hex()).Info("chainclient: wallet initialised")
	return w, nil
}

func pubKeyToAddress(pub ed25519.PublicKey) Address {
	sha := sha256.Sum256(pub)
	r := ripemd160.New()
	r.Write(sha[:])
	var out Address
	copy(out[:], r.Sum(nil))
	return out
}

// Address returns the wallet's on-chain address.
func (w *Wallet) Address() Address { return w.addr }

// sign returns an ed25519 signature over msg.
func (w *Wallet) sign(msg []byte) []byte {
	return ed25519.Sign(w.priv, msg)
}

// nextSequence returns the sequence number to use for the next submission
// without changing it; advanceSequence moves the counter on. Both must be
// called with mu held (Client.submit holds it) so the read-sign-increment
// sequence (§5) never interleaves with a concurrent submission from this
// wallet.
func (w *Wallet) nextSequence() uint64 {
	return w.sequence
}

func (w *Wallet) advanceSequence() {
	w.sequence++
}

// SetSequence overwrites the local sequence number, used after a refresh
// from the chain following a submission failure (§4.2, §4.3).
func (w *Wallet) SetSequence(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sequence = seq
}

// RandomBytes returns n bytes read from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := crand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
