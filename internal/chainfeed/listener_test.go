package chainfeed

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"genmarket/internal/eventtypes"
)

// fakeStream replays a fixed list of batches then returns io.EOF.
type fakeStream struct {
	batches []getTransactionsResponse
	idx     int
}

func (s *fakeStream) Recv() (*getTransactionsResponse, error) {
	if s.idx >= len(s.batches) {
		return nil, io.EOF
	}
	b := s.batches[s.idx]
	s.idx++
	return &b, nil
}

func (s *fakeStream) CloseSend() error { return nil }

// fakeClient hands out connections keyed by the requested starting version,
// simulating an indexer that resumes at-or-after the cursor (§4.1).
type fakeClient struct {
	connections map[uint64][]getTransactionsResponse
	calls       []*uint64
}

func (c *fakeClient) GetTransactions(ctx context.Context, startingVersion *uint64) (TransactionStream, error) {
	c.calls = append(c.calls, startingVersion)
	var key uint64
	if startingVersion != nil {
		key = *startingVersion
	}
	batches, ok := c.connections[key]
	if !ok {
		return nil, errors.New("fakeClient: no connection registered for version")
	}
	return &fakeStream{batches: batches}, nil
}

func moduleEvent(name string, version uint64) wireTransaction {
	return wireTransaction{
		Version: version,
		Type:    "user_transaction",
		Events: []wireEvent{{
			Type: wireEventType{Address: "0xabc", Module: "market", Name: name},
			Data: `{"request_id":"7"}`,
		}},
	}
}

func TestListenerReconnectResumesAndDedupsAcceptably(t *testing.T) {
	// S4: stream delivers up to version 100, errors, reconnects with
	// starting_version=100, then delivers 100 and 101. Downstream may
	// observe version 100 twice but never misses 101.
	mod := eventtypes.ModuleID{Address: "0xabc", Module: "market"}

	client := &fakeClient{connections: map[uint64][]getTransactionsResponse{
		0: {
			{Transactions: []wireTransaction{moduleEvent("OnWorkRequestCompleted", 99), moduleEvent("OnWorkRequestCompleted", 100)}},
		},
		100: {
			{Transactions: []wireTransaction{moduleEvent("OnWorkRequestCompleted", 100), moduleEvent("OnWorkRequestCompleted", 101)}},
		},
	}}

	l := New(client, mod)
	out := make(chan eventtypes.ContractEvent, 16)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx, out) }()

	var versions []uint64
	deadline := time.After(2 * time.Second)
collect:
	for {
		select {
		case ev := <-out:
			versions = append(versions, ev.TxVersion)
			if len(versions) == 4 {
				break collect
			}
		case <-deadline:
			t.Fatal("timed out waiting for events")
		}
	}
	cancel()
	<-errCh

	// version 101 must appear, and the second connection must resume at
	// version 100, the highest version seen before the disconnect.
	found101 := false
	for _, v := range versions {
		if v == 101 {
			found101 = true
		}
	}
	if !found101 {
		t.Fatalf("expected version 101 to be delivered, got %v", versions)
	}
	if len(client.calls) < 2 {
		t.Fatalf("expected at least 2 connection attempts, got %d", len(client.calls))
	}
	if client.calls[1] == nil || *client.calls[1] != 100 {
		t.Fatalf("expected reconnect to resume at version 100, got %v", client.calls[1])
	}
}

func TestFilterAndDecodeDropsUnknownAndNonUserTx(t *testing.T) {
	mod := eventtypes.ModuleID{Address: "0xabc", Module: "market"}
	txs := []wireTransaction{
		{Version: 1, Type: "genesis_transaction", Events: []wireEvent{{Type: wireEventType{Address: "0xabc", Module: "market", Name: "OnBidWon"}, Data: `{"request_id":"1","winner":"0x1","bid_price":"5"}`}}},
		{Version: 2, Type: "user_transaction", Events: []wireEvent{{Type: wireEventType{Address: "0xabc", Module: "market", Name: "UnknownEvent"}, Data: `{}`}}},
		{Version: 3, Type: "user_transaction", Events: []wireEvent{{Type: wireEventType{Address: "0xdef", Module: "market", Name: "OnBidWon"}, Data: `{"request_id":"1","winner":"0x1","bid_price":"5"}`}}},
		{Version: 4, Type: "user_transaction", Events: []wireEvent{{Type: wireEventType{Address: "0xabc", Module: "market", Name: "OnBidWon"}, Data: `{"request_id":"1","winner":"0x1","bid_price":"5"}`}}},
	}
	got := filterAndDecode(txs, mod)
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 surviving event, got %d: %+v", len(got), got)
	}
	if got[0].TxVersion != 4 {
		t.Fatalf("expected surviving event from tx version 4, got %d", got[0].TxVersion)
	}
}
