package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bookcompanion/bookcompanion/internal/chat"
	"github.com/bookcompanion/bookcompanion/internal/composer"
	"github.com/bookcompanion/bookcompanion/internal/embed"
	"github.com/bookcompanion/bookcompanion/internal/ingest"
	"github.com/bookcompanion/bookcompanion/internal/llm"
	"github.com/bookcompanion/bookcompanion/internal/rag"
	"github.com/bookcompanion/bookcompanion/internal/retriever"
	"github.com/bookcompanion/bookcompanion/internal/vector/memory"
)

type apiProvider struct{}

func (apiProvider) Complete(_ context.Context, _ *llm.Prompt, _ *llm.RequestOptions) (*llm.Response, error) {
	return &llm.Response{Content: "a grounded answer", Model: "mock-1"}, nil
}

func (apiProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (apiProvider) Name() string { return "mock" }

func newTestAPI(t *testing.T) (*APIServer, *rag.Service) {
	t.Helper()
	provider := apiProvider{}
	index := memory.New()
	embedder := embed.New(provider)
	manager := ingest.NewManager(embedder, index, ingest.Config{}, nil)
	svc := rag.New(
		retriever.New(embedder, index, retriever.Config{MinScore: 0.5}),
		composer.New(provider, composer.Config{}),
		manager,
		chat.NewStore(),
		index,
		rag.Config{TopK: 5},
		nil,
	)
	return NewAPIServer(svc, nil), svc
}

func doRequest(t *testing.T, h http.Handler, method, path, owner, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if owner != "" {
		r.Header.Set("X-Owner-ID", owner)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func ingestBook(t *testing.T, svc *rag.Service, owner, book, content string) {
	t.Helper()
	ctx := context.Background()
	snap, err := svc.IngestBook(ctx, owner, book, content, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.WaitForJob(ctx, owner, snap.JobID); err != nil {
		t.Fatal(err)
	}
}

func TestAPI_MissingOwnerHeader(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	w := doRequest(t, h, http.MethodPost, "/api/ai/query", "", `{"query":"hi"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without owner header, got %d", w.Code)
	}
}

func TestAPI_Query(t *testing.T) {
	api, svc := newTestAPI(t)
	h := api.Handler()
	ingestBook(t, svc, "u1", "b1", strings.Repeat("story text ", 100))

	w := doRequest(t, h, http.MethodPost, "/api/ai/query", "u1", `{"query":"who is the hero?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp composer.Result
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Response == "" || len(resp.Sources) == 0 {
		t.Fatalf("expected grounded answer with sources, got %+v", resp)
	}
}

func TestAPI_Query_BadJSON(t *testing.T) {
	api, _ := newTestAPI(t)
	w := doRequest(t, api.Handler(), http.MethodPost, "/api/ai/query", "u1", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAPI_Query_EmptyQuery(t *testing.T) {
	api, _ := newTestAPI(t)
	w := doRequest(t, api.Handler(), http.MethodPost, "/api/ai/query", "u1", `{"query":"  "}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAPI_Query_NoGrounding(t *testing.T) {
	api, _ := newTestAPI(t)
	// Nothing ingested and general knowledge off.
	w := doRequest(t, api.Handler(), http.MethodPost, "/api/ai/query", "u1", `{"query":"anything?"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAPI_Chat(t *testing.T) {
	api, svc := newTestAPI(t)
	h := api.Handler()
	ingestBook(t, svc, "u1", "b1", strings.Repeat("plot ", 100))

	w := doRequest(t, h, http.MethodPost, "/api/ai/chat", "u1", `{"message":"who is the narrator?","bookContext":["b1"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var first rag.ChatResult
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil {
		t.Fatal(err)
	}
	if first.ConversationID == "" {
		t.Fatal("expected a conversation id")
	}

	w = doRequest(t, h, http.MethodPost, "/api/ai/chat", "u1",
		`{"conversationId":"`+first.ConversationID+`","message":"tell me more"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("second turn: expected 200, got %d", w.Code)
	}

	// A foreign owner cannot continue the conversation.
	w = doRequest(t, h, http.MethodPost, "/api/ai/chat", "u2",
		`{"conversationId":"`+first.ConversationID+`","message":"hello"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("foreign conversation: expected 404, got %d", w.Code)
	}
}

func TestAPI_EmbedAndJobStatus(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	w := doRequest(t, h, http.MethodPost, "/api/ai/books/b1/embed", "u1",
		`{"content":"`+strings.Repeat("x", 500)+`"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var snap ingest.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.JobID == "" {
		t.Fatal("expected a job id")
	}

	w = doRequest(t, h, http.MethodGet, "/api/ai/jobs/"+snap.JobID, "u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("job status: expected 200, got %d", w.Code)
	}

	w = doRequest(t, h, http.MethodGet, "/api/ai/jobs/"+snap.JobID, "u2", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("foreign job: expected 404, got %d", w.Code)
	}
}

func TestAPI_BookContext(t *testing.T) {
	api, svc := newTestAPI(t)
	h := api.Handler()
	ingestBook(t, svc, "u1", "b1", strings.Repeat("context ", 100))

	w := doRequest(t, h, http.MethodGet, "/api/ai/context/b1?query=theme", "u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Passages []retriever.Passage `json:"passages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Passages) == 0 {
		t.Fatal("expected passages")
	}
}

func TestAPI_Search(t *testing.T) {
	api, svc := newTestAPI(t)
	h := api.Handler()
	ingestBook(t, svc, "u1", "b1", strings.Repeat("alpha ", 50))
	ingestBook(t, svc, "u1", "b2", strings.Repeat("beta ", 50))

	w := doRequest(t, h, http.MethodGet, "/api/ai/search?query=theme&bookId=b2", "u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Results []retriever.Passage `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	for _, p := range resp.Results {
		if p.BookID != "b2" {
			t.Fatalf("search filter leaked book %q", p.BookID)
		}
	}
}

func TestAPI_BookEmbeddingsLifecycle(t *testing.T) {
	api, svc := newTestAPI(t)
	h := api.Handler()
	ingestBook(t, svc, "u1", "b1", strings.Repeat("life ", 100))

	w := doRequest(t, h, http.MethodGet, "/api/ai/books/b1/embeddings", "u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("embeddings info: expected 200, got %d", w.Code)
	}

	w = doRequest(t, h, http.MethodDelete, "/api/ai/books/b1/embeddings", "u1", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", w.Code)
	}

	w = doRequest(t, h, http.MethodGet, "/api/ai/books/b1/embeddings", "u1", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("after delete: expected 404, got %d", w.Code)
	}
}
