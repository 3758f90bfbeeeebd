package router

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/llamafleet/llamafleet/internal/store"
)

type fakeBackendSource struct {
	backends []*store.BackendConfig
}

func (f *fakeBackendSource) ListBackends() ([]*store.BackendConfig, error) { return f.backends, nil }

func testServer(backends []*store.BackendConfig) *Server {
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))
	reqLog := NewRequestLogger(logger, nil, false)
	return New(&fakeBackendSource{backends: backends}, logger, reqLog, 0)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestHandleRoot(t *testing.T) {
	s := testServer(nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["service"] != "router" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestHandleListModels_OnlyRunningBackends(t *testing.T) {
	s := testServer([]*store.BackendConfig{
		{ModelName: "llama-3", Status: store.StatusRunning},
		{ModelName: "mistral", Status: store.StatusStopped},
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body struct {
		Data []modelDescriptor `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Data) != 1 || body.Data[0].ID != "llama-3" {
		t.Fatalf("expected only the running backend, got %+v", body.Data)
	}
}

func TestFindBackend_MatchingOrder(t *testing.T) {
	backends := []backendView{
		{ModelName: "Llama-3-8B-Instruct"},
	}
	if _, ok := findBackend(backends, "llama-3-8b-instruct"); !ok {
		t.Error("expected case-insensitive match")
	}
	if _, ok := findBackend(backends, "llama-3-8b-instruct.gguf"); !ok {
		t.Error("expected case-insensitive + .gguf match")
	}
	if _, ok := findBackend(backends, "llama_3_8b_instruct"); !ok {
		t.Error("expected normalized underscore/hyphen match")
	}
	if _, ok := findBackend(backends, "no-such-model"); ok {
		t.Error("expected no match for an unrelated name")
	}
}

func TestHandleChatCompletions_NoMatchingBackendIs404(t *testing.T) {
	s := testServer(nil)
	body, _ := json.Marshal(map[string]string{"model": "missing"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleChatCompletions_StoppedBackendIs503(t *testing.T) {
	s := testServer([]*store.BackendConfig{
		{ModelName: "llama-3", Status: store.StatusStopped},
	})
	body, _ := json.Marshal(map[string]string{"model": "llama-3"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 for a known-but-stopped backend", rec.Code)
	}
}

func TestHandleEmbeddings_RejectsNonEmbeddingBackend(t *testing.T) {
	s := testServer([]*store.BackendConfig{
		{ModelName: "llama-3", Status: store.StatusRunning, Embeddings: false},
	})
	body, _ := json.Marshal(map[string]string{"model": "llama-3"})
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleCountTokens_Estimate(t *testing.T) {
	s := testServer(nil)
	payload := map[string]any{"messages": []map[string]any{{"role": "user", "content": "12345678"}}}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var out map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["input_tokens"] != 2 {
		t.Errorf("input_tokens = %d, want 2 for 8 chars", out["input_tokens"])
	}
}

func TestHandleMessages_NoMatchingBackendUsesAnthropicErrorShape(t *testing.T) {
	s := testServer(nil)
	body, _ := json.Marshal(map[string]any{"model": "missing", "messages": []map[string]any{{"role": "user", "content": "hi"}}})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"type":"error"`) {
		t.Errorf("expected the Anthropic error envelope, got %s", rec.Body.String())
	}
}
