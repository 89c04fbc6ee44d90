package chainclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// PendingTransaction is the handle a submission returns; the caller is
// responsible for confirming inclusion via WaitForTransaction (§4.2).
type PendingTransaction struct {
	Hash string
}

// IncludedTransaction is the result of waiting for a submitted transaction's
// inclusion. Only user transactions carry a Success flag meaningful to the
// finalization scheduler (§4.3).
type IncludedTransaction struct {
	Hash    string
	IsUser  bool
	Success bool
}

// RestClient is the minimal surface this package needs from the chain's REST
// API. It models an external collaborator (§1 out of scope: "the smart
// contract itself") the same way core/ai.go models its external inference
// service: a small hand-written interface rather than generated stubs.
type RestClient interface {
	ChainID(ctx context.Context) (uint8, error)
	AccountSequenceNumber(ctx context.Context, addr Address) (uint64, error)
	SubmitTransaction(ctx context.Context, signed SignedTransaction) (PendingTransaction, error)
	WaitForTransactionByHash(ctx context.Context, hash string) (IncludedTransaction, error)
}

// SignedTransaction is the wire shape submitted to the chain: a BCS-encoded
// entry-function payload plus its ed25519 signature.
type SignedTransaction struct {
	Sender         Address
	SequenceNumber uint64
	Payload        []byte // BCS-encoded entry function call
	Expiration     time.Time
	GasUnitPrice   uint64
	MaxGasAmount   uint64
	ChainID        uint8
	PublicKey      []byte
	Signature      []byte
}

const (
	gasUnitPrice     = 100
	maxGasAmount     = 1000
	expirationWindow = 10 * time.Second
)

// Client builds, signs and submits the marketplace contract's three entry
// functions on behalf of a single Wallet (§4.2).
type Client struct {
	wallet *Wallet
	rest   RestClient
}

func NewClient(wallet *Wallet, rest RestClient) *Client {
	return &Client{wallet: wallet, rest: rest}
}

// bcsU64 encodes a u64 in little-endian, the BCS integer encoding the
// marketplace contract's entry functions expect.
func bcsU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func encodeEntryFunction(name string, args ...[]byte) []byte {
	out := []byte(name)
	out = append(out, 0) // name/arg separator, arbitrary but stable framing
	for _, a := range args {
		out = append(out, a...)
	}
	return out
}

// submit reads the sequence number, fetches the chain id, signs and advances
// the sequence number under the wallet's mutex, so two concurrent submissions
// never take the same sequence number (§5). The lock is released before the
// signed transaction is sent, so the network submission itself runs outside
// the lock.
func (c *Client) submit(ctx context.Context, entryFunction string, args ...[]byte) (PendingTransaction, error) {
	c.wallet.mu.Lock()
	seq := c.wallet.nextSequence()
	chainID, err := c.rest.ChainID(ctx)
	if err != nil {
		c.wallet.mu.Unlock()
		return PendingTransaction{}, fmt.Errorf("chainclient: chain id: %w", err)
	}
	payload := encodeEntryFunction(entryFunction, args...)
	stx := SignedTransaction{
		Sender:         c.wallet.addr,
		SequenceNumber: seq,
		Payload:        payload,
		Expiration:     time.Now().Add(expirationWindow),
		GasUnitPrice:   gasUnitPrice,
		MaxGasAmount:   maxGasAmount,
		ChainID:        chainID,
		PublicKey:      c.wallet.pub,
	}
	stx.Signature = c.wallet.sign(signingMessage(stx))
	c.wallet.advanceSequence()
	c.wallet.mu.Unlock()

	pending, err := c.rest.SubmitTransaction(ctx, stx)
	if err != nil {
		return PendingTransaction{}, fmt.Errorf("chainclient: submit %s: %w", entryFunction, err)
	}
	return pending, nil
}

// signingMessage is the deterministic byte string the wallet signs: every
// field but the signature itself, in a fixed order.
func signingMessage(stx SignedTransaction) []byte {
	msg := append([]byte{}, stx.Sender[:]...)
	msg = append(msg, bcsU64(stx.SequenceNumber)...)
	msg = append(msg, stx.Payload...)
	msg = append(msg, bcsU64(uint64(stx.Expiration.Unix()))...)
	msg = append(msg, bcsU64(stx.GasUnitPrice)...)
	msg = append(msg, bcsU64(stx.MaxGasAmount)...)
	msg = append(msg, stx.ChainID)
	return msg
}

// refreshSequence re-reads the account's sequence number from the chain,
// the recovery mechanism for a stale local counter (§4.2, §9).
func (c *Client) refreshSequence(ctx context.Context) error {
	seq, err := c.rest.AccountSequenceNumber(ctx, c.wallet.addr)
	if err != nil {
		return fmt.Errorf("chainclient: refresh sequence: %w", err)
	}
	c.wallet.SetSequence(seq)
	return nil
}

// Bid submits bid_work_request(request_id, price).
func (c *Client) Bid(ctx context.Context, requestID, price uint64) (PendingTransaction, error) {
	return c.submit(ctx, "bid_work_request", bcsU64(requestID), bcsU64(price))
}

// FinalizeAuction submits finalize_auction(request_id).
func (c *Client) FinalizeAuction(ctx context.Context, requestID uint64) (PendingTransaction, error) {
	return c.submit(ctx, "finalize_auction", bcsU64(requestID))
}

// Commit submits commit(request_id).
func (c *Client) Commit(ctx context.Context, requestID uint64) (PendingTransaction, error) {
	return c.submit(ctx, "commit", bcsU64(requestID))
}

// WaitForTransaction blocks until the chain reports the transaction included.
func (c *Client) WaitForTransaction(ctx context.Context, pending PendingTransaction) (IncludedTransaction, error) {
	return c.rest.WaitForTransactionByHash(ctx, pending.Hash)
}

// SubmitAndRefreshOnFailure submits via fn; on failure it refreshes the local
// sequence number from chain before returning the error, so the caller's
// retry loop (§4.3: up to 5 attempts) picks up a corrected sequence number
// on its next attempt.
func (c *Client) SubmitAndRefreshOnFailure(ctx context.Context, fn func(ctx context.Context) (PendingTransaction, error)) (PendingTransaction, error) {
	pending, err := fn(ctx)
	if err != nil {
		log.WithError(err).Warn("chainclient: submission failed, refreshing sequence number")
		if rerr := c.refreshSequence(ctx); rerr != nil {
			log.WithError(rerr).Error("chainclient: sequence refresh failed")
		}
		return PendingTransaction{}, err
	}
	return pending, nil
}
