package orchestrator

import (
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"genmarket/internal/eventtypes"
	"genmarket/internal/store"
)

// fakeStore implements dataStore in-memory for handler tests.
type fakeStore struct {
	defs        map[uint64]eventtypes.TaskDefinition
	payloads    map[uint64]eventtypes.TaskPayload
	completions map[uint64]string
	err         error // when set, every method returns this error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		defs:        map[uint64]eventtypes.TaskDefinition{},
		payloads:    map[uint64]eventtypes.TaskPayload{},
		completions: map[uint64]string{},
	}
}

func (f *fakeStore) GetDefinitionRetrying(ctx context.Context, id uint64) (eventtypes.TaskDefinition, error) {
	if f.err != nil {
		return eventtypes.TaskDefinition{}, f.err
	}
	d, ok := f.defs[id]
	if !ok {
		return eventtypes.TaskDefinition{}, store.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) GetPayloadRetrying(ctx context.Context, id uint64) (eventtypes.TaskPayload, error) {
	if f.err != nil {
		return eventtypes.TaskPayload{}, f.err
	}
	p, ok := f.payloads[id]
	if !ok {
		return eventtypes.TaskPayload{}, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) GetCompletionRetrying(ctx context.Context, id uint64) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	c, ok := f.completions[id]
	if !ok {
		return "", store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) InsertCompletion(ctx context.Context, id uint64, content string) error {
	f.completions[id] = content
	return nil
}

func newTestServer(t *testing.T, fs *fakeStore) *Server {
	t.Helper()
	client, _ := newTestClient(t, 0)
	return &Server{store: fs, client: client}
}

func withID(req *http.Request, id string) *http.Request {
	return mux.SetURLVars(req, map[string]string{"id": id})
}

func TestRequestDetailsReturns404WhenMissing(t *testing.T) {
	s := newTestServer(t, newFakeStore())
	req := withID(httptest.NewRequest(http.MethodGet, "/request-details/42", nil), "42")
	w := httptest.NewRecorder()
	s.handleRequestDetails(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRequestDetailsReturns417OnUnknownTaskType(t *testing.T) {
	fs := newFakeStore()
	fs.err = store.ErrUnknownTaskType
	s := newTestServer(t, fs)
	req := withID(httptest.NewRequest(http.MethodGet, "/request-details/42", nil), "42")
	w := httptest.NewRecorder()
	s.handleRequestDetails(w, req)
	if w.Code != http.StatusExpectationFailed {
		t.Fatalf("expected 417, got %d", w.Code)
	}
}

func TestSubmitTextPersistsBeforeCommit(t *testing.T) {
	fs := newFakeStore()
	s := newTestServer(t, fs)

	req := withID(httptest.NewRequest(http.MethodPost, "/submit-text/5", strings.NewReader("hello world")), "5")
	w := httptest.NewRecorder()
	s.handleSubmitText(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != submissionSavedMessage {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
	if fs.completions[5] != "hello world" {
		t.Fatalf("expected completion to be persisted, got %q", fs.completions[5])
	}
}

func TestSubmitImageRejectsMalformedMultipart(t *testing.T) {
	s := newTestServer(t, newFakeStore())
	req := withID(httptest.NewRequest(http.MethodPost, "/submit-image/5", strings.NewReader("not multipart")), "5")
	w := httptest.NewRecorder()
	s.handleSubmitImage(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed multipart body, got %d", w.Code)
	}
}

func TestSubmitImageAcceptsWellFormedMultipart(t *testing.T) {
	s := newTestServer(t, newFakeStore())

	body := &strings.Builder{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", "result.jpg")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write([]byte("fake jpeg bytes"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/submit-image/5", strings.NewReader(body.String()))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req = withID(req, "5")
	w := httptest.NewRecorder()
	s.handleSubmitImage(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRequestPayloadVariantTagMatchesStoredTaskType(t *testing.T) {
	// Handler-level check for the flagged bug (§9 item 2): an Image payload
	// from the store must be served back as Image, not Voice. The store is a
	// fake here, so store.GetPayload's tagging from task_type is not exercised.
	fs := newFakeStore()
	fs.payloads[11] = eventtypes.TaskPayload{Kind: eventtypes.TaskImage, PositivePrompt: "a cat"}
	s := newTestServer(t, fs)

	req := withID(httptest.NewRequest(http.MethodGet, "/request-payload/11", nil), "11")
	w := httptest.NewRecorder()
	s.handleRequestPayload(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"kind":"Image Generation"`) {
		t.Fatalf("expected Image Generation kind in response, got %s", w.Body.String())
	}
}
