package chainfeed

import (
	"context"
	"errors"
	"io"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"genmarket/internal/eventtypes"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2
)

// Listener converts an inbound stream of blockchain transactions into an
// ordered stream of typed ContractEvents scoped to one module, with
// transparent resumption (§4.1).
type Listener struct {
	Client   IndexerClient
	ModuleID eventtypes.ModuleID
}

func New(client IndexerClient, moduleID eventtypes.ModuleID) *Listener {
	return &Listener{Client: client, ModuleID: moduleID}
}

// Run streams events until ctx is cancelled; that is the only way it stops.
// A consumer that stops reading out is not detected: with an Unbounded
// relay, events keep being buffered for it. It forwards filtered events in
// source order and never blocks
// on a full out channel — out is expected to be the In() side of an
// chanutil.Unbounded. Run blocks for its whole lifetime: it is the caller's
// responsibility to `go listener.Run(...)` if concurrency is desired: unlike
// the mismatched source behavior flagged in §9(1), this function does not
// itself spawn a detached goroutine and return early.
func (l *Listener) Run(ctx context.Context, out chan<- eventtypes.ContractEvent) error {
	var lastVersion *uint64
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		stream, err := l.Client.GetTransactions(ctx, lastVersion)
		if err != nil {
			log.WithError(err).Warn("chainfeed: connect failed, retrying")
			if !sleepOrDone(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = initialBackoff

		done, err := l.drainStream(ctx, stream, &lastVersion, out)
		if done {
			return err
		}
		log.WithError(err).Warn("chainfeed: stream ended, reconnecting")
		if !sleepOrDone(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

// drainStream consumes one connection's batches until it errors or ctx is
// cancelled. The bool return is true when Run should stop entirely (context
// cancelled while sending on out); false means "reconnect".
func (l *Listener) drainStream(ctx context.Context, stream TransactionStream, lastVersion **uint64, out chan<- eventtypes.ContractEvent) (bool, error) {
	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, err
			}
			return false, err
		}

		if len(resp.Transactions) == 0 {
			continue
		}

		maxVersion := resp.Transactions[0].Version
		for _, tx := range resp.Transactions {
			if tx.Version > maxVersion {
				maxVersion = tx.Version
			}
		}
		v := maxVersion
		*lastVersion = &v

		decoded := filterAndDecode(resp.Transactions, l.ModuleID)
		for _, ev := range decoded {
			select {
			case out <- ev:
			case <-ctx.Done():
				return true, ctx.Err()
			}
		}
	}
}

// filterAndDecode flattens transactions' events preserving per-transaction
// order, retains only user transactions whose events match ModuleID, and
// decodes the survivors. The per-transaction filtering is CPU-bound and
// embarrassingly parallel (§5), so it fans out across GOMAXPROCS workers;
// results are then reassembled in original transaction order before return,
// so no suspension occurs inside the parallel section and ordering (§4.1,
// §5) is preserved regardless of worker scheduling.
func filterAndDecode(txs []wireTransaction, moduleID eventtypes.ModuleID) []eventtypes.ContractEvent {
	perTx := make([][]eventtypes.ContractEvent, len(txs))

	workers := runtime.GOMAXPROCS(0)
	if workers > len(txs) {
		workers = len(txs)
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	jobs := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				perTx[i] = decodeUserTransaction(txs[i], moduleID)
			}
		}()
	}
	for i := range txs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	var out []eventtypes.ContractEvent
	for _, evs := range perTx {
		out = append(out, evs...)
	}
	return out
}

func decodeUserTransaction(tx wireTransaction, moduleID eventtypes.ModuleID) []eventtypes.ContractEvent {
	if tx.Type != "user_transaction" {
		return nil
	}
	var out []eventtypes.ContractEvent
	for _, we := range tx.Events {
		et := eventtypes.EventType{Address: we.Type.Address, Module: we.Type.Module, Name: we.Type.Name}
		if !et.Matches(moduleID) {
			continue // unknown/non-matching name silently dropped (§4.1)
		}
		raw := eventtypes.RawEvent{Type: et, Data: we.Data, TxVersion: tx.Version, TxKind: eventtypes.TxUser}
		ev, err := eventtypes.DecodeContractEvent(raw)
		if err != nil {
			log.WithError(err).WithField("request_tx_version", tx.Version).Warn("chainfeed: dropping undecodable event")
			continue // individual decode errors are recoverable (§4.1/§7)
		}
		out = append(out, ev)
	}
	return out
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * backoffFactor
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
