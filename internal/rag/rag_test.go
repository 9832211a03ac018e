package rag

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/bookcompanion/bookcompanion/internal/chat"
	"github.com/bookcompanion/bookcompanion/internal/composer"
	"github.com/bookcompanion/bookcompanion/internal/embed"
	"github.com/bookcompanion/bookcompanion/internal/ingest"
	"github.com/bookcompanion/bookcompanion/internal/llm"
	"github.com/bookcompanion/bookcompanion/internal/ragerr"
	"github.com/bookcompanion/bookcompanion/internal/retriever"
	"github.com/bookcompanion/bookcompanion/internal/vector/memory"
)

// mockProvider embeds every text to the same unit vector, so any ingested
// chunk matches any query with cosine 1.0, and echoes a canned completion.
type mockProvider struct {
	mu          sync.Mutex
	lastPrompt  *llm.Prompt
	completions int
}

func (m *mockProvider) Complete(_ context.Context, prompt *llm.Prompt, _ *llm.RequestOptions) (*llm.Response, error) {
	m.mu.Lock()
	m.lastPrompt = prompt
	m.completions++
	m.mu.Unlock()
	return &llm.Response{Content: "The narrator is Nick Carraway.", Model: "mock-1"}, nil
}

func (m *mockProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (m *mockProvider) Name() string { return "mock" }

func newService(t *testing.T) (*Service, *mockProvider) {
	t.Helper()
	provider := &mockProvider{}
	index := memory.New()
	embedder := embed.New(provider)
	return New(
		retriever.New(embedder, index, retriever.Config{MinScore: 0.5}),
		composer.New(provider, composer.Config{}),
		ingest.NewManager(embedder, index, ingest.Config{}, nil),
		chat.NewStore(),
		index,
		Config{TopK: 5},
		nil,
	), provider
}

func mustIngest(t *testing.T, s *Service, ownerID, bookID, content string) {
	t.Helper()
	ctx := context.Background()
	snap, err := s.IngestBook(ctx, ownerID, bookID, content, 0, 0)
	if err != nil {
		t.Fatalf("ingest %s/%s: %v", ownerID, bookID, err)
	}
	final, err := s.manager.Wait(ctx, snap.JobID, ownerID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != ingest.StatusCompleted {
		t.Fatalf("ingest %s/%s failed: %s", ownerID, bookID, final.Error)
	}
}

func TestProcessQueryEndToEnd(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	mustIngest(t, s, "u1", "b1", strings.Repeat("the story of Gatsby ", 125))

	result, err := s.ProcessQuery(ctx, "u1", "who narrates the story?", nil, false)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.Response == "" {
		t.Error("empty response")
	}
	if !result.Metadata.Grounded {
		t.Error("answer over ingested passages must be grounded")
	}
	if len(result.Sources) == 0 {
		t.Fatal("grounded answer must cite sources")
	}
	for _, src := range result.Sources {
		if src.BookID != "b1" {
			t.Errorf("source cites book %q, want b1", src.BookID)
		}
	}
}

func TestProcessQueryIsolatedPerOwner(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	mustIngest(t, s, "u1", "b1", strings.Repeat("chapter text ", 100))

	// Another owner has nothing indexed, so with general knowledge off the
	// query must refuse rather than answer from u1's book.
	_, err := s.ProcessQuery(ctx, "u2", "who narrates the story?", nil, false)
	if !errors.Is(err, ragerr.ErrNoGrounding) {
		t.Fatalf("expected ErrNoGrounding for foreign owner, got %v", err)
	}
}

func TestProcessQueryGeneralKnowledgeFallback(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	result, err := s.ProcessQuery(ctx, "u2", "who wrote The Great Gatsby?", nil, true)
	if err != nil {
		t.Fatalf("general-knowledge query: %v", err)
	}
	if result.Metadata.Grounded {
		t.Error("answer with no passages must not claim grounding")
	}
	if len(result.Sources) != 0 {
		t.Errorf("ungrounded answer must not cite sources, got %d", len(result.Sources))
	}
}

func TestChatKeepsConversationState(t *testing.T) {
	s, provider := newService(t)
	ctx := context.Background()
	mustIngest(t, s, "u1", "b1", strings.Repeat("plot summary ", 100))

	first, err := s.Chat(ctx, "u1", "", "who is the narrator?", []string{"b1"})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if first.ConversationID == "" {
		t.Fatal("first turn must open a conversation")
	}

	second, err := s.Chat(ctx, "u1", first.ConversationID, "tell me more about him", nil)
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if second.ConversationID != first.ConversationID {
		t.Errorf("conversation id changed: %s -> %s", first.ConversationID, second.ConversationID)
	}

	// The second completion must carry the first exchange as history plus
	// the current question.
	provider.mu.Lock()
	msgs := provider.lastPrompt.Messages
	provider.mu.Unlock()
	if len(msgs) != 3 {
		t.Fatalf("second prompt has %d messages, want 2 history + 1 current", len(msgs))
	}
	if msgs[0].Role != llm.RoleUser || msgs[1].Role != llm.RoleAssistant {
		t.Errorf("history roles wrong: %s, %s", msgs[0].Role, msgs[1].Role)
	}

	conv, err := s.convos.Get(first.ConversationID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(conv.Turns) != 4 {
		t.Errorf("conversation holds %d turns, want 4", len(conv.Turns))
	}
}

func TestChatForeignConversation(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	first, err := s.Chat(ctx, "u1", "", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Chat(ctx, "u2", first.ConversationID, "hello", nil); !errors.Is(err, ragerr.ErrNotFound) {
		t.Errorf("foreign conversation: expected ErrNotFound, got %v", err)
	}
}

func TestBookContextScopedToOneBook(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	mustIngest(t, s, "u1", "b1", strings.Repeat("first book ", 50))
	mustIngest(t, s, "u1", "b2", strings.Repeat("second book ", 50))

	passages, err := s.BookContext(ctx, "u1", "b2", "anything")
	if err != nil {
		t.Fatal(err)
	}
	if len(passages) == 0 {
		t.Fatal("no passages for ingested book")
	}
	for _, p := range passages {
		if p.BookID != "b2" {
			t.Errorf("passage from book %q leaked into b2 context", p.BookID)
		}
	}

	if _, err := s.BookContext(ctx, "u1", "", "anything"); !errors.Is(err, ragerr.ErrInvalidParameter) {
		t.Errorf("missing book id: expected ErrInvalidParameter, got %v", err)
	}
}

func TestSearchEmbeddingsFilters(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	mustIngest(t, s, "u1", "b1", strings.Repeat("alpha ", 50))
	mustIngest(t, s, "u1", "b2", strings.Repeat("beta ", 50))

	all, err := s.SearchEmbeddings(ctx, "u1", "query", SearchFilters{TopK: 10})
	if err != nil {
		t.Fatal(err)
	}
	books := map[string]bool{}
	for _, p := range all {
		books[p.BookID] = true
	}
	if !books["b1"] || !books["b2"] {
		t.Errorf("unfiltered search should span both books, got %v", books)
	}

	only, err := s.SearchEmbeddings(ctx, "u1", "query", SearchFilters{BookIDs: []string{"b1"}, TopK: 10})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range only {
		if p.BookID != "b1" {
			t.Errorf("filtered search leaked book %q", p.BookID)
		}
	}
}

func TestDeleteBookEmbeddings(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	mustIngest(t, s, "u1", "b1", strings.Repeat("gone soon ", 50))

	if _, err := s.BookEmbeddings(ctx, "u1", "b1"); err != nil {
		t.Fatalf("book record before delete: %v", err)
	}
	if err := s.DeleteBookEmbeddings(ctx, "u1", "b1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.BookEmbeddings(ctx, "u1", "b1"); !errors.Is(err, ragerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := s.ProcessQuery(ctx, "u1", "anything left?", nil, false); !errors.Is(err, ragerr.ErrNoGrounding) {
		t.Errorf("expected ErrNoGrounding after delete, got %v", err)
	}

	if err := s.DeleteBookEmbeddings(ctx, "", "b1"); !errors.Is(err, ragerr.ErrUnauthorized) {
		t.Errorf("missing owner: expected ErrUnauthorized, got %v", err)
	}
}

func TestJobStatusOwnerScoped(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	snap, err := s.IngestBook(ctx, "u1", "b1", "short", 100, 20)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.JobStatus(ctx, "u2", snap.JobID); !errors.Is(err, ragerr.ErrNotFound) {
		t.Errorf("foreign job status: expected ErrNotFound, got %v", err)
	}
	if _, err := s.JobStatus(ctx, "u1", snap.JobID); err != nil {
		t.Errorf("owner job status: %v", err)
	}
}
