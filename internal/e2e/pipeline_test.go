package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	"github.com/bookcompanion/bookcompanion/internal/ragerr"
	"github.com/bookcompanion/bookcompanion/internal/retriever"
	"github.com/bookcompanion/bookcompanion/internal/server"
	"github.com/bookcompanion/bookcompanion/internal/vector/memory"
)

// e2eProvider embeds deterministically and answers with a canned grounded
// response, enough to drive the whole pipeline without a network.
type e2eProvider struct{}

func (p *e2eProvider) Complete(_ context.Context, prompt *llm.Prompt, _ *llm.RequestOptions) (*llm.Response, error) {
	return &llm.Response{
		Content:      "Captain Ahab hunts the white whale.",
		Model:        "e2e-model",
		InputTokens:  len(prompt.Messages) * 10,
		OutputTokens: 8,
	}, nil
}

func (p *e2eProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		// Texts about whales land on one axis, everything else on another,
		// so retrieval favors the whaling passages for whaling questions.
		if strings.Contains(strings.ToLower(text), "whale") {
			out[i] = []float32{1, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func (p *e2eProvider) Name() string { return "e2e" }

func newStack(t *testing.T) (*rag.Service, http.Handler) {
	t.Helper()

	index := memory.New()
	embedder := embed.New(&e2eProvider{})
	ret := retriever.New(embedder, index, retriever.Config{MinScore: 0.5})
	comp := composer.New(&e2eProvider{}, composer.Config{})
	manager := ingest.NewManager(embedder, index, ingest.Config{}, nil)
	convos := chat.NewStore()

	svc := rag.New(ret, comp, manager, convos, index, rag.Config{TopK: 5}, nil)
	return svc, server.NewAPIServer(svc, nil).Handler()
}

func do(t *testing.T, handler http.Handler, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestE2E_IngestThenQueryOverHTTP(t *testing.T) {
	svc, handler := newStack(t)
	ctx := context.Background()

	// 1. Ingest a book through the HTTP surface.
	bookText := strings.Repeat("The white whale breached beside the ship. ", 60)
	rec := do(t, handler, http.MethodPost, "/api/ai/books/moby-dick/embed", "reader-1", map[string]any{
		"content": bookText,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("embed: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var snap struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}

	// 2. Wait for the job to finish.
	final, err := svc.WaitForJob(ctx, "reader-1", snap.JobID)
	if err != nil {
		t.Fatalf("wait for job: %v", err)
	}
	if final.Status != ingest.StatusCompleted {
		t.Fatalf("expected completed job, got %s (%s)", final.Status, final.Error)
	}
	if final.ProcessedChunks != final.TotalChunks || final.TotalChunks == 0 {
		t.Fatalf("expected all chunks processed, got %d/%d", final.ProcessedChunks, final.TotalChunks)
	}

	// 3. Job status visible over HTTP for the owner.
	rec = do(t, handler, http.MethodGet, "/api/ai/jobs/"+snap.JobID, "reader-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("job status: expected 200, got %d", rec.Code)
	}

	// 4. Query and check grounding.
	rec = do(t, handler, http.MethodPost, "/api/ai/query", "reader-1", map[string]any{
		"query": "Who hunts the whale?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("query: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result composer.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Response == "" {
		t.Error("expected a non-empty response")
	}
	if !result.Metadata.Grounded {
		t.Error("expected grounded answer after ingestion")
	}
	if len(result.Sources) == 0 {
		t.Fatal("expected at least one source")
	}
	for _, s := range result.Sources {
		if s.BookID != "moby-dick" {
			t.Errorf("source cites unexpected book %q", s.BookID)
		}
	}
}

func TestE2E_ChatConversationOverHTTP(t *testing.T) {
	svc, handler := newStack(t)
	ctx := context.Background()

	snap, err := svc.IngestBook(ctx, "reader-1", "moby-dick",
		strings.Repeat("The whale dove deep under the hull. ", 50), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.WaitForJob(ctx, "reader-1", snap.JobID); err != nil {
		t.Fatal(err)
	}

	rec := do(t, handler, http.MethodPost, "/api/ai/chat", "reader-1", map[string]any{
		"message":     "Tell me about the whale",
		"bookContext": []string{"moby-dick"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var first struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatal(err)
	}
	if first.ConversationID == "" {
		t.Fatal("expected a conversation id")
	}

	// Follow-up in the same conversation keeps the id stable.
	rec = do(t, handler, http.MethodPost, "/api/ai/chat", "reader-1", map[string]any{
		"conversationId": first.ConversationID,
		"message":        "And what happened next?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("follow-up: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var second struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatal(err)
	}
	if second.ConversationID != first.ConversationID {
		t.Errorf("conversation id changed: %s != %s", second.ConversationID, first.ConversationID)
	}

	// Another reader cannot touch the conversation.
	rec = do(t, handler, http.MethodPost, "/api/ai/chat", "reader-2", map[string]any{
		"conversationId": first.ConversationID,
		"message":        "let me in",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign conversation: expected 404, got %d", rec.Code)
	}
}

func TestE2E_OwnerIsolationAcrossFullStack(t *testing.T) {
	svc, handler := newStack(t)
	ctx := context.Background()

	for owner, book := range map[string]string{"reader-1": "moby-dick", "reader-2": "white-fang"} {
		snap, err := svc.IngestBook(ctx, owner, book,
			strings.Repeat(fmt.Sprintf("The whale in %s surfaced again. ", book), 40), 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := svc.WaitForJob(ctx, owner, snap.JobID); err != nil {
			t.Fatal(err)
		}
	}

	// reader-1's search must never surface reader-2's book.
	rec := do(t, handler, http.MethodGet, "/api/ai/search?query=whale", "reader-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search: expected 200, got %d", rec.Code)
	}
	var search struct {
		Results []retriever.Passage `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &search); err != nil {
		t.Fatal(err)
	}
	if len(search.Results) == 0 {
		t.Fatal("expected matches for reader-1")
	}
	for _, p := range search.Results {
		if p.BookID != "moby-dick" {
			t.Errorf("cross-owner leak: reader-1 saw %q", p.BookID)
		}
	}

	// Deleting reader-1's embeddings leaves reader-2 untouched.
	rec = do(t, handler, http.MethodDelete, "/api/ai/books/moby-dick/embeddings", "reader-1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	if _, err := svc.ProcessQuery(ctx, "reader-2", "whale", nil, false); err != nil {
		t.Errorf("reader-2 query broken after reader-1 delete: %v", err)
	}
	if _, err := svc.ProcessQuery(ctx, "reader-1", "whale", nil, false); !errors.Is(err, ragerr.ErrNoGrounding) {
		t.Errorf("expected ErrNoGrounding for reader-1 after delete, got %v", err)
	}
}
