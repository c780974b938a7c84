package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/kozaktomas/faceguard/internal/biometric"
	"github.com/kozaktomas/faceguard/internal/database/mock"
)

const testDim = 8

// frameExtractor maps raw frame bytes to embeddings. Unknown frames have no face.
type frameExtractor struct {
	mu     sync.Mutex
	frames map[string]biometric.Embedding
	err    error
}

func newFrameExtractor() *frameExtractor {
	return &frameExtractor{frames: make(map[string]biometric.Embedding)}
}

func (f *frameExtractor) set(frame string, emb biometric.Embedding) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames[frame] = emb
}

func (f *frameExtractor) Extract(ctx context.Context, image []byte) (biometric.Embedding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	emb, ok := f.frames[string(image)]
	if !ok {
		return nil, biometric.ErrNoFaceDetected
	}
	return emb.Clone(), nil
}

func axis(i int) biometric.Embedding {
	v := make(biometric.Embedding, testDim)
	v[i] = 1
	return v
}

// testEnv wires a real engine to a fake extractor and the mock store.
type testEnv struct {
	extractor *frameExtractor
	store     *mock.MockIdentityStore
	engine    *biometric.Engine
}

func newTestEnv() *testEnv {
	ext := newFrameExtractor()
	store := mock.NewMockIdentityStore()
	cfg := biometric.DefaultEngineConfig()
	cfg.Dim = testDim
	cfg.MaxSamples = 5
	return &testEnv{
		extractor: ext,
		store:     store,
		engine:    biometric.NewEngine(ext, store, cfg, logr.Discard()),
	}
}

// imageBody builds an imageRequest JSON body carrying frame as a data URL.
func imageBody(t *testing.T, frame string) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"image": "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte(frame)),
	})
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	return bytes.NewReader(body)
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertStatusField checks the "status" field of a JSON response
func assertStatusField(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	var result map[string]any
	parseJSONResponse(t, recorder, &result)
	if result["status"] != expected {
		t.Errorf("expected status field '%s', got '%v'", expected, result["status"])
	}
}
