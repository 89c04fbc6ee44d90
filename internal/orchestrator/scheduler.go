// Package orchestrator implements the service half of the marketplace: the
// finalization scheduler (§4.3) and the HTTP API workers use to fetch
// payloads and submit results (§6).
package orchestrator

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"genmarket/internal/chainclient"
	"genmarket/internal/eventtypes"
)

// finalizationDelta is Δ, the fixed padding absorbing network/clock skew
// before an auction's deadline (§3, §9 glossary).
const finalizationDelta = 500 * time.Millisecond

// maxFinalizationAttempts bounds the retry-on-failure loop (§4.3, invariant 1).
const maxFinalizationAttempts = 5

// Scheduler consumes the listener's event stream and schedules one
// finalization per OnNewWorkRequest (§4.3). Non-OnNewWorkRequest events are
// ignored.
type Scheduler struct {
	client *chainclient.Client

	mu        sync.Mutex
	scheduled map[uint64]struct{} // request ids with a live finalization task
}

func NewScheduler(client *chainclient.Client) *Scheduler {
	return &Scheduler{client: client, scheduled: make(map[uint64]struct{})}
}

// Run drains events until in is closed or ctx is cancelled. It is meant to
// run in its own goroutine alongside the HTTP server.
func (s *Scheduler) Run(ctx context.Context, in <-chan eventtypes.ContractEvent) {
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return
			}
			if ev.Kind != eventtypes.KindOnNewWorkRequest {
				continue
			}
			s.handleNewWorkRequest(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) handleNewWorkRequest(ctx context.Context, ev eventtypes.ContractEvent) {
	requestID := uint64(ev.RequestID)

	s.mu.Lock()
	if _, already := s.scheduled[requestID]; already {
		s.mu.Unlock()
		return // at-least-once delivery: a duplicate OnNewWorkRequest is a no-op (§9).
	}
	s.scheduled[requestID] = struct{}{}
	s.mu.Unlock()

	// The event's arrival approximates the request's wall-clock posting
	// time; any skew between the two is absorbed by Δ (§9). We therefore
	// compute the deadline from "now" rather than reading a posting
	// timestamp from the chain — the source this spec follows does not,
	// so neither do we (§9 open question, resolved).
	deadline := time.Now().Add(time.Duration(uint64(ev.TimeLimit))*time.Microsecond + finalizationDelta)

	go s.finalize(ctx, requestID, deadline)
}

func (s *Scheduler) finalize(ctx context.Context, requestID uint64, deadline time.Time) {
	defer func() {
		s.mu.Lock()
		delete(s.scheduled, requestID)
		s.mu.Unlock()
	}()

	if !sleepUntil(ctx, deadline) {
		return
	}

	log := log.WithField("request_id", requestID)

	for attempt := 1; attempt <= maxFinalizationAttempts; attempt++ {
		pending, err := s.client.SubmitAndRefreshOnFailure(ctx, func(ctx context.Context) (chainclient.PendingTransaction, error) {
			return s.client.FinalizeAuction(ctx, requestID)
		})
		if err != nil {
			log.WithError(err).WithField("attempt", attempt).Warn("orchestrator: finalize_auction submission failed")
			continue
		}

		included, err := s.client.WaitForTransaction(ctx, pending)
		if err != nil {
			log.WithError(err).WithField("attempt", attempt).Warn("orchestrator: finalize_auction inclusion wait failed")
			continue
		}
		if included.IsUser && included.Success {
			log.WithField("attempt", attempt).Info("orchestrator: auction finalized")
			return
		}
		log.WithField("attempt", attempt).Warn("orchestrator: finalize_auction included but not a successful user transaction")
	}

	log.Error("orchestrator: finalize_auction exhausted retries, abandoning request")
}

// sleepUntil blocks until deadline or ctx cancellation, returning false in
// the latter case.
func sleepUntil(ctx context.Context, deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
