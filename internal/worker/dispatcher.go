// Package worker implements the worker agent's dispatch core (§4.4): a
// four-stage concurrent pipeline that bids on every new auction and executes
// the ones it wins.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"genmarket/internal/chainclient"
	"genmarket/internal/chanutil"
	"genmarket/internal/eventtypes"
)

// TaskRecords is the worker-local mapping request_id -> task_definition
// (§3), populated on OnNewWorkRequest receipt and read on OnBidWon. Entries
// are never deleted in the core; eviction is an operational concern (§3).
// Contention is low (Bidder writes, Executor only reads after the initial
// write — §5), so a single mutex over the map is sufficient.
type TaskRecords struct {
	mu      sync.Mutex
	records map[uint64]eventtypes.TaskDefinition
}

func NewTaskRecords() *TaskRecords {
	return &TaskRecords{records: make(map[uint64]eventtypes.TaskDefinition)}
}

func (t *TaskRecords) Put(requestID uint64, def eventtypes.TaskDefinition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[requestID] = def
}

func (t *TaskRecords) Get(requestID uint64) (eventtypes.TaskDefinition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	def, ok := t.records[requestID]
	return def, ok
}

// Generator executes one task payload and uploads the result to the
// orchestrator. Implementations live in generators.go and wrap the clients
// of the provider sub-package.
type Generator interface {
	Generate(ctx context.Context, requestID uint64, def eventtypes.TaskDefinition, payload eventtypes.TaskPayload) error
}

// Dispatcher wires the Demultiplexer, Bidder and Executor stages together.
type Dispatcher struct {
	SelfAddress     chainclient.Address
	OrchestratorURL string
	HTTPClient      *http.Client
	ChainClient     *chainclient.Client
	Records         *TaskRecords
	Generators      map[eventtypes.TaskKind]Generator
}

func New(self chainclient.Address, orchestratorURL string, chainClient *chainclient.Client, generators map[eventtypes.TaskKind]Generator) *Dispatcher {
	return &Dispatcher{
		SelfAddress:     self,
		OrchestratorURL: orchestratorURL,
		HTTPClient:      &http.Client{},
		ChainClient:     chainClient,
		Records:         NewTaskRecords(),
		Generators:      generators,
	}
}

// Run starts the Demultiplexer, Bidder and Executor stages (the Executor
// spawns one goroutine per generator run) and blocks until ctx is cancelled
// or events stops producing. Each stage is an independent goroutine
// connected by unbounded channels (§5).
func (d *Dispatcher) Run(ctx context.Context, events <-chan eventtypes.ContractEvent) {
	newWork := chanutil.NewUnbounded[eventtypes.ContractEvent]()
	bidWon := chanutil.NewUnbounded[eventtypes.ContractEvent]()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); d.demux(ctx, events, newWork.In(), bidWon.In()) }()
	go func() { defer wg.Done(); d.bid(ctx, newWork.Out()) }()
	go func() { defer wg.Done(); d.execute(ctx, bidWon.Out()) }()
	wg.Wait()
}

// demux forwards OnNewWorkRequest to newWork, OnBidWon to bidWon, and drops
// everything else (§4.4).
func (d *Dispatcher) demux(ctx context.Context, in <-chan eventtypes.ContractEvent, newWork, bidWon chan<- eventtypes.ContractEvent) {
	defer close(newWork)
	defer close(bidWon)
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return
			}
			var out chan<- eventtypes.ContractEvent
			switch ev.Kind {
			case eventtypes.KindOnNewWorkRequest:
				out = newWork
			case eventtypes.KindOnBidWon:
				out = bidWon
			default:
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// bid is the Bidder stage: on every new work request it fetches the task
// definition, caches it, draws a random price in [1, max_price), and
// submits the bid unconditionally — bid strategy is out of scope (§4.4, §1).
func (d *Dispatcher) bid(ctx context.Context, newWork <-chan eventtypes.ContractEvent) {
	for {
		select {
		case ev, ok := <-newWork:
			if !ok {
				return
			}
			d.handleNewWorkRequest(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) handleNewWorkRequest(ctx context.Context, ev eventtypes.ContractEvent) {
	requestID := uint64(ev.RequestID)
	log := log.WithField("request_id", requestID)

	def, err := d.fetchTaskDefinition(ctx, requestID)
	if err != nil {
		log.WithError(err).Error("worker: fetch request-details failed")
		return
	}
	d.Records.Put(requestID, def)

	maxPrice := uint64(ev.MaxPrice)
	price := randomPrice(maxPrice)

	if _, err := d.ChainClient.Bid(ctx, requestID, price); err != nil {
		log.WithError(err).Error("worker: bid submission failed")
		return
	}
	log.WithField("price", price).Info("worker: bid submitted")
}

// randomPrice draws uniformly from [1, maxPrice) — never 0, never maxPrice
// (§4.4, §8 boundary behavior). maxPrice <= 1 degenerates to a bid of 1.
func randomPrice(maxPrice uint64) uint64 {
	if maxPrice <= 2 {
		return 1
	}
	return uint64(rand.Int63n(int64(maxPrice-1))) + 1
}

// execute is the Executor stage: on a bid won by this worker, it looks up
// the cached definition, fetches the payload, and spawns a detached
// generator run (§4.4).
func (d *Dispatcher) execute(ctx context.Context, bidWon <-chan eventtypes.ContractEvent) {
	for {
		select {
		case ev, ok := <-bidWon:
			if !ok {
				return
			}
			d.handleBidWon(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) handleBidWon(ctx context.Context, ev eventtypes.ContractEvent) {
	if ev.Winner != d.SelfAddress.Hex() {
		return // ignore auctions won by another worker (§4.4, §8 invariant 4)
	}
	requestID := uint64(ev.RequestID)
	log := log.WithField("request_id", requestID)

	def, ok := d.Records.Get(requestID)
	if !ok {
		log.Error("worker: bid won for a request with no cached task definition, dropping (protocol violation)")
		return
	}

	payload, err := d.fetchTaskPayload(ctx, requestID)
	if err != nil {
		log.WithError(err).Error("worker: fetch request-payload failed")
		return
	}

	if err := eventtypes.CheckVariant(def, payload); err != nil {
		log.WithError(err).Warn("worker: task definition/payload variant mismatch, dropping")
		return
	}

	gen, ok := d.Generators[def.Kind]
	if !ok {
		log.WithField("kind", def.Kind).Error("worker: no generator registered for task kind")
		return
	}

	go func() {
		genCtx := context.Background()
		if err := gen.Generate(genCtx, requestID, def, payload); err != nil {
			log.WithError(err).Error("worker: generator run failed")
		}
	}()
}

func (d *Dispatcher) fetchTaskDefinition(ctx context.Context, requestID uint64) (eventtypes.TaskDefinition, error) {
	var def eventtypes.TaskDefinition
	if err := d.getJSON(ctx, fmt.Sprintf("/request-details/%d", requestID), &def); err != nil {
		return eventtypes.TaskDefinition{}, err
	}
	return def, nil
}

func (d *Dispatcher) fetchTaskPayload(ctx context.Context, requestID uint64) (eventtypes.TaskPayload, error) {
	var payload eventtypes.TaskPayload
	if err := d.getJSON(ctx, fmt.Sprintf("/request-payload/%d", requestID), &payload); err != nil {
		return eventtypes.TaskPayload{}, err
	}
	return payload, nil
}

func (d *Dispatcher) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.OrchestratorURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("worker: GET %s: status %d: %s", path, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// UploadText POSTs a plain-text completion to /submit-text/{id}.
func UploadText(ctx context.Context, client *http.Client, baseURL string, requestID uint64, content string) error {
	url := fmt.Sprintf("%s/submit-text/%d", baseURL, requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(content)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	return doUpload(client, req)
}

// UploadFile POSTs a file as multipart part "file" to the given submission
// endpoint (submit-image or submit-voice).
func UploadFile(ctx context.Context, client *http.Client, baseURL, endpoint string, requestID uint64, filename string, data []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s/%d", baseURL, endpoint, requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return doUpload(client, req)
}

func doUpload(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("worker: upload failed: status %d: %s", resp.StatusCode, body)
	}
	return nil
}
