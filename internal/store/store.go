// Package store is the orchestrator's relational persistence layer: the two
// tables named in §3 (request payloads and text completions) plus the
// bounded-retry read helpers §4.3 requires because posting a request
// on-chain and writing its payload row happen concurrently from different
// callers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"genmarket/internal/eventtypes"
)

// maxOpenConns caps the shared database pool (§5).
const maxOpenConns = 5

// ErrNotFound is returned by the non-retrying getters when a row is absent.
var ErrNotFound = errors.New("store: not found")

// ErrUnknownTaskType is returned when a persisted task_type column holds a
// string this build does not recognize (§6: HTTP 417).
var ErrUnknownTaskType = errors.New("store: unknown task type")

type Store struct {
	db *sql.DB
}

// Open connects to dbURL and caps the pool at 5 connections (§5).
func Open(dbURL string) (*Store, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the two tables the core touches if absent. The schema
// beyond these two tables is an external collaborator's concern (§1).
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS request_payloads (
			request_id BIGINT PRIMARY KEY,
			task_type  TEXT NOT NULL,
			data       JSONB NOT NULL,
			model      TEXT NOT NULL,
			requester  TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS request_completions (
			request_id BIGINT PRIMARY KEY,
			content    TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// PayloadRow is the persisted shape of a request's task payload (§3).
type PayloadRow struct {
	RequestID uint64
	TaskType  eventtypes.TaskKind
	Data      eventtypes.TaskPayload
	Model     string
	Requester string
}

// InsertPayload writes the payload row before the on-chain request is
// posted (§3), so a worker's GET shortly after observing the chain event can
// (after a few retries) find it.
func (s *Store) InsertPayload(ctx context.Context, row PayloadRow) error {
	data, err := json.Marshal(row.Data)
	if err != nil {
		return fmt.Errorf("store: marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO request_payloads (request_id, task_type, data, model, requester)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO NOTHING
	`, row.RequestID, string(row.TaskType), data, row.Model, row.Requester)
	if err != nil {
		return fmt.Errorf("store: insert payload: %w", err)
	}
	return nil
}

type rawPayloadRow struct {
	TaskType  string
	Data      []byte
	Model     string
	Requester string
}

func (s *Store) fetchRawPayload(ctx context.Context, requestID uint64) (rawPayloadRow, error) {
	var r rawPayloadRow
	err := s.db.QueryRowContext(ctx, `
		SELECT task_type, data, model, requester FROM request_payloads WHERE request_id = $1
	`, requestID).Scan(&r.TaskType, &r.Data, &r.Model, &r.Requester)
	if errors.Is(err, sql.ErrNoRows) {
		return rawPayloadRow{}, ErrNotFound
	}
	if err != nil {
		return rawPayloadRow{}, fmt.Errorf("store: fetch payload: %w", err)
	}
	return r, nil
}

// GetDefinition returns the task definition (shape) for a request: its type
// and model, without the input payload.
func (s *Store) GetDefinition(ctx context.Context, requestID uint64) (eventtypes.TaskDefinition, error) {
	r, err := s.fetchRawPayload(ctx, requestID)
	if err != nil {
		return eventtypes.TaskDefinition{}, err
	}
	kind, err := normalizeTaskType(r.TaskType)
	if err != nil {
		return eventtypes.TaskDefinition{}, err
	}
	return eventtypes.TaskDefinition{Kind: kind, Model: r.Model}, nil
}

// GetPayload returns the task payload (input) for a request, tagging it with
// the persisted task_type so its Kind always matches the stored row — this
// is the fix for the flagged bug (§9 item 2) where one source version
// returned VoiceGeneration for both Image and Voice rows.
func (s *Store) GetPayload(ctx context.Context, requestID uint64) (eventtypes.TaskPayload, error) {
	r, err := s.fetchRawPayload(ctx, requestID)
	if err != nil {
		return eventtypes.TaskPayload{}, err
	}
	kind, err := normalizeTaskType(r.TaskType)
	if err != nil {
		return eventtypes.TaskPayload{}, err
	}
	var payload eventtypes.TaskPayload
	if err := json.Unmarshal(r.Data, &payload); err != nil {
		return eventtypes.TaskPayload{}, fmt.Errorf("store: unmarshal payload: %w", err)
	}
	payload.Kind = kind
	return payload, nil
}

func normalizeTaskType(raw string) (eventtypes.TaskKind, error) {
	switch eventtypes.TaskKind(raw) {
	case eventtypes.TaskText, eventtypes.TaskImage, eventtypes.TaskVoice:
		return eventtypes.TaskKind(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, raw)
	}
}

// InsertCompletion persists a text result. It must be called before the
// caller submits commit(id) so a retry after a chain failure never loses the
// artifact (§4.3 invariant 6).
func (s *Store) InsertCompletion(ctx context.Context, requestID uint64, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_completions (request_id, content) VALUES ($1, $2)
		ON CONFLICT (request_id) DO UPDATE SET content = EXCLUDED.content
	`, requestID, content)
	if err != nil {
		return fmt.Errorf("store: insert completion: %w", err)
	}
	return nil
}

func (s *Store) GetCompletion(ctx context.Context, requestID uint64) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM request_completions WHERE request_id = $1`, requestID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: fetch completion: %w", err)
	}
	return content, nil
}

// retrySchedule is the 5-attempt, 100ms-doubling schedule §4.3/§8 specify:
// a delay of 100, 200, 400, 800 and 1600ms follows each of the 5 failed
// attempts in turn, the last one before giving up.
var retrySchedule = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
	1600 * time.Millisecond,
}

const maxReadAttempts = 5

// retryRead applies the bounded-exponential schedule above to a single read
// operation, returning its last error once attempts are exhausted. Kept
// generic and independent of *Store so it can be exercised directly in
// tests without a live database (§8: "/request-details returns 404 after
// exactly 5 failed fetches").
func retryRead[T any](ctx context.Context, read func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var last error
	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		v, err := read(ctx)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return zero, err
		}
		last = err
		if attempt < len(retrySchedule) {
			if !sleepOrDone(ctx, retrySchedule[attempt]) {
				return zero, ctx.Err()
			}
		}
	}
	return zero, last
}

// GetDefinitionRetrying retries GetDefinition on ErrNotFound per the
// bounded-exponential schedule, returning ErrNotFound only after all
// attempts are exhausted.
func (s *Store) GetDefinitionRetrying(ctx context.Context, requestID uint64) (eventtypes.TaskDefinition, error) {
	def, err := retryRead(ctx, func(ctx context.Context) (eventtypes.TaskDefinition, error) {
		return s.GetDefinition(ctx, requestID)
	})
	if err != nil && errors.Is(err, ErrNotFound) {
		log.WithField("request_id", requestID).Warn("store: request-details exhausted retries")
	}
	return def, err
}

// GetPayloadRetrying is GetDefinitionRetrying's counterpart for payloads.
func (s *Store) GetPayloadRetrying(ctx context.Context, requestID uint64) (eventtypes.TaskPayload, error) {
	p, err := retryRead(ctx, func(ctx context.Context) (eventtypes.TaskPayload, error) {
		return s.GetPayload(ctx, requestID)
	})
	if err != nil && errors.Is(err, ErrNotFound) {
		log.WithField("request_id", requestID).Warn("store: request-payload exhausted retries")
	}
	return p, err
}

// GetCompletionRetrying backs /output/{id} for text results.
func (s *Store) GetCompletionRetrying(ctx context.Context, requestID uint64) (string, error) {
	return retryRead(ctx, func(ctx context.Context) (string, error) {
		return s.GetCompletion(ctx, requestID)
	})
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
