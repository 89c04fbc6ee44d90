package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"

	"genmarket/internal/chainclient"
	"genmarket/internal/eventtypes"
	"genmarket/internal/store"
)

// uploadsDir is where image/voice artifacts are written (§6).
const uploadsDir = "./uploads"

const submissionSavedMessage = "Submission saved successfully"

// dataStore is the subset of *store.Store the HTTP handlers need, narrowed
// to an interface so handler tests can substitute a fake without a live
// database.
type dataStore interface {
	GetDefinitionRetrying(ctx context.Context, requestID uint64) (eventtypes.TaskDefinition, error)
	GetPayloadRetrying(ctx context.Context, requestID uint64) (eventtypes.TaskPayload, error)
	GetCompletionRetrying(ctx context.Context, requestID uint64) (string, error)
	InsertCompletion(ctx context.Context, requestID uint64, content string) error
}

// Server is the orchestrator's HTTP surface. Shared state is (wallet via
// client, store), matching §4.3's "shared state is (wallet, rest_client,
// db_pool)".
type Server struct {
	store  dataStore
	client *chainclient.Client
}

func NewServer(st *store.Store, client *chainclient.Client) *Server {
	return &Server{store: st, client: client}
}

// Router builds the mux.Router with CORS wrapping every route, matching
// walletserver/routes/routes.go's registration style with an added CORS
// layer (§6: allow all origins/methods/headers, 3600s preflight cache).
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	r.HandleFunc("/request-details/{id}", s.handleRequestDetails).Methods(http.MethodGet)
	r.HandleFunc("/request-payload/{id}", s.handleRequestPayload).Methods(http.MethodGet)
	r.HandleFunc("/output/{id}", s.handleOutput).Methods(http.MethodGet)
	r.HandleFunc("/submit-text/{id}", s.handleSubmitText).Methods(http.MethodPost)
	r.HandleFunc("/submit-image/{id}", s.handleSubmitImage).Methods(http.MethodPost)
	r.HandleFunc("/submit-voice/{id}", s.handleSubmitVoice).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodHead, http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
		MaxAge:         3600,
	})
	return c.Handler(r)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(log.Fields{
			"method": r.Method,
			"path":   r.RequestURI,
			"took":   time.Since(start),
		}).Info("orchestrator: handled request")
	})
}

func parseRequestID(r *http.Request) (uint64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid request id %q: %w", raw, err)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusForStoreErr maps store errors to the HTTP statuses §6 specifies:
// 404 for a missing row, 417 for an unrecognized task_type.
func statusForStoreErr(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrUnknownTaskType):
		return http.StatusExpectationFailed
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRequestDetails(w http.ResponseWriter, r *http.Request) {
	id, err := parseRequestID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	def, err := s.store.GetDefinitionRetrying(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), statusForStoreErr(err))
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleRequestPayload(w http.ResponseWriter, r *http.Request) {
	id, err := parseRequestID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	payload, err := s.store.GetPayloadRetrying(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), statusForStoreErr(err))
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleOutput returns the completed artifact: JSON for text, a file stream
// for image/voice (§6).
func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	id, err := parseRequestID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	def, err := s.store.GetDefinitionRetrying(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), statusForStoreErr(err))
		return
	}
	switch def.Kind {
	case eventtypes.TaskText:
		content, err := s.store.GetCompletionRetrying(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), statusForStoreErr(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"content": content})
	case eventtypes.TaskImage:
		s.serveUploadedFile(w, r, id, "jpg")
	case eventtypes.TaskVoice:
		s.serveUploadedFile(w, r, id, "wav")
	default:
		http.Error(w, "unrecognized task type", http.StatusExpectationFailed)
	}
}

func (s *Server) serveUploadedFile(w http.ResponseWriter, r *http.Request, id uint64, ext string) {
	path := uploadPath(id, ext)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	http.ServeContent(w, r, filepath.Base(path), time.Time{}, f)
}

func uploadPath(id uint64, ext string) string {
	return filepath.Join(uploadsDir, fmt.Sprintf("%d.%s", id, ext))
}

// handleSubmitText persists a plain-text completion, then commits on-chain.
// Persistence precedes the chain commit so a retry after a chain failure
// never loses the artifact (§4.3, §8 invariant 6).
func (s *Server) handleSubmitText(w http.ResponseWriter, r *http.Request) {
	id, err := parseRequestID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if err := s.store.InsertCompletion(r.Context(), id, string(body)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.commitAsync(id)
	fmt.Fprint(w, submissionSavedMessage)
}

func (s *Server) handleSubmitImage(w http.ResponseWriter, r *http.Request) {
	s.handleSubmitFile(w, r, "jpg")
}

func (s *Server) handleSubmitVoice(w http.ResponseWriter, r *http.Request) {
	s.handleSubmitFile(w, r, "wav")
}

func (s *Server) handleSubmitFile(w http.ResponseWriter, r *http.Request, ext string) {
	id, err := parseRequestID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "malformed multipart body", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	dst, err := os.Create(uploadPath(id, ext))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.commitAsync(id)
	fmt.Fprint(w, submissionSavedMessage)
}

// commitAsync submits commit(id) without blocking the HTTP response; a
// failure here is logged and not retried — the contract's own reaping logic
// is the backstop (§4.3 mirrors this for finalization exhaustion).
func (s *Server) commitAsync(id uint64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		pending, err := s.client.SubmitAndRefreshOnFailure(ctx, func(ctx context.Context) (chainclient.PendingTransaction, error) {
			return s.client.Commit(ctx, id)
		})
		if err != nil {
			log.WithError(err).WithField("request_id", id).Error("orchestrator: commit submission failed")
			return
		}
		if _, err := s.client.WaitForTransaction(ctx, pending); err != nil {
			log.WithError(err).WithField("request_id", id).Error("orchestrator: commit inclusion wait failed")
		}
	}()
}
