package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"genmarket/internal/chainclient"
	"genmarket/internal/eventtypes"
)

// fakeRest implements chainclient.RestClient for scheduler tests. submitFailures
// counts down: while > 0, SubmitTransaction fails and decrements it.
type fakeRest struct {
	submitFailures int32
	submitted      int32
	sequence       uint64
}

func (f *fakeRest) ChainID(ctx context.Context) (uint8, error) { return 4, nil }

func (f *fakeRest) AccountSequenceNumber(ctx context.Context, addr chainclient.Address) (uint64, error) {
	return f.sequence, nil
}

func (f *fakeRest) SubmitTransaction(ctx context.Context, stx chainclient.SignedTransaction) (chainclient.PendingTransaction, error) {
	atomic.AddInt32(&f.submitted, 1)
	if atomic.LoadInt32(&f.submitFailures) > 0 {
		atomic.AddInt32(&f.submitFailures, -1)
		return chainclient.PendingTransaction{}, errors.New("fakeRest: sequence number mismatch")
	}
	return chainclient.PendingTransaction{Hash: "0xdeadbeef"}, nil
}

func (f *fakeRest) WaitForTransactionByHash(ctx context.Context, hash string) (chainclient.IncludedTransaction, error) {
	return chainclient.IncludedTransaction{Hash: hash, IsUser: true, Success: true}, nil
}

func newTestClient(t *testing.T, submitFailures int32) (*chainclient.Client, *fakeRest) {
	t.Helper()
	wallet, _, err := chainclient.NewRandomWallet()
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	rest := &fakeRest{submitFailures: submitFailures}
	return chainclient.NewClient(wallet, rest), rest
}

func TestSchedulerFinalizesExactlyOncePerRequest(t *testing.T) {
	client, rest := newTestClient(t, 0)
	sched := NewScheduler(client)

	in := make(chan eventtypes.ContractEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx, in)

	in <- eventtypes.ContractEvent{Kind: eventtypes.KindOnNewWorkRequest, RequestID: 9, TimeLimit: 50_000} // 50ms + 500ms delta

	deadline := time.After(2 * time.Second)
	for {
		sched.mu.Lock()
		_, live := sched.scheduled[9]
		sched.mu.Unlock()
		if !live {
			break
		}
		select {
		case <-deadline:
			t.Fatal("finalization never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := atomic.LoadInt32(&rest.submitted); got != 1 {
		t.Fatalf("expected exactly 1 submission, got %d", got)
	}
}

func TestSchedulerRetriesOnSequenceMismatchThenSucceeds(t *testing.T) {
	client, rest := newTestClient(t, 2) // first two submissions fail
	sched := NewScheduler(client)

	in := make(chan eventtypes.ContractEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx, in)

	in <- eventtypes.ContractEvent{Kind: eventtypes.KindOnNewWorkRequest, RequestID: 3, TimeLimit: 10_000}

	deadline := time.After(2 * time.Second)
	for {
		sched.mu.Lock()
		_, live := sched.scheduled[3]
		sched.mu.Unlock()
		if !live {
			break
		}
		select {
		case <-deadline:
			t.Fatal("finalization never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := atomic.LoadInt32(&rest.submitted); got != 3 {
		t.Fatalf("expected 2 failed + 1 successful submission = 3 total, got %d", got)
	}
}

func TestSchedulerIgnoresDuplicateNewWorkRequest(t *testing.T) {
	client, rest := newTestClient(t, 0)
	sched := NewScheduler(client)

	in := make(chan eventtypes.ContractEvent, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx, in)

	ev := eventtypes.ContractEvent{Kind: eventtypes.KindOnNewWorkRequest, RequestID: 11, TimeLimit: 5_000}
	in <- ev
	time.Sleep(5 * time.Millisecond) // ensure first event is claimed before the duplicate arrives
	in <- ev

	time.Sleep(1500 * time.Millisecond)

	if got := atomic.LoadInt32(&rest.submitted); got != 1 {
		t.Fatalf("expected exactly 1 submission across both duplicate events, got %d", got)
	}
}

func TestSchedulerIgnoresNonNewWorkRequestEvents(t *testing.T) {
	client, rest := newTestClient(t, 0)
	sched := NewScheduler(client)

	in := make(chan eventtypes.ContractEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx, in)

	in <- eventtypes.ContractEvent{Kind: eventtypes.KindOnBidWon, RequestID: 1, Winner: "0xabc"}
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&rest.submitted); got != 0 {
		t.Fatalf("expected no submissions for a non-OnNewWorkRequest event, got %d", got)
	}
}
