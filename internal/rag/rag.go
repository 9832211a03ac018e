// Package rag is the assistant's service facade: question answering over a
// reader's ingested books, multi-turn chat, and embedding lifecycle
// management. It composes the retriever, composer, ingestion manager and
// conversation store behind one surface the transport layers call.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bookcompanion/bookcompanion/internal/chat"
	"github.com/bookcompanion/bookcompanion/internal/composer"
	"github.com/bookcompanion/bookcompanion/internal/ingest"
	"github.com/bookcompanion/bookcompanion/internal/llm"
	"github.com/bookcompanion/bookcompanion/internal/observability"
	"github.com/bookcompanion/bookcompanion/internal/ragerr"
	"github.com/bookcompanion/bookcompanion/internal/retriever"
	"github.com/bookcompanion/bookcompanion/internal/vector"
)

// Config tunes the facade-level behavior; component-level tuning lives in
// the component configs.
type Config struct {
	TopK int // passages retrieved per query; <= 0 uses the retriever default
}

// Service answers questions over ingested books.
type Service struct {
	retriever *retriever.Retriever
	composer  *composer.Composer
	manager   *ingest.Manager
	convos    *chat.Store
	index     vector.Index
	config    Config
	logger    *slog.Logger
}

// New wires the facade.
func New(r *retriever.Retriever, c *composer.Composer, m *ingest.Manager, convos *chat.Store, index vector.Index, config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		retriever: r,
		composer:  c,
		manager:   m,
		convos:    convos,
		index:     index,
		config:    config,
		logger:    logger,
	}
}

// ProcessQuery retrieves passages scoped to the owner (and optionally to
// bookIDs) and composes a grounded answer with citations.
func (s *Service) ProcessQuery(ctx context.Context, ownerID, query string, bookIDs []string, includeGeneralKnowledge bool) (*composer.Result, error) {
	start := time.Now()

	passages, err := s.retrieve(ctx, ownerID, query, bookIDs, s.config.TopK)
	if err != nil {
		observability.Metrics().RecordQuery(time.Since(start), false, 0, err)
		return nil, err
	}

	composeCtx, span := observability.StartComposeSpan(ctx, len(passages), includeGeneralKnowledge)
	result, err := s.composer.Compose(composeCtx, query, passages, includeGeneralKnowledge)
	if err != nil {
		observability.RecordError(span, err)
		span.End()
		observability.Metrics().RecordQuery(time.Since(start), false, 0, err)
		return nil, err
	}
	observability.RecordComposeResult(span, result.Metadata.Grounded, result.Metadata.PassagesUsed, result.Metadata.ContextTokens)
	span.End()

	observability.Metrics().RecordQuery(time.Since(start), result.Metadata.Grounded, result.Metadata.PassagesUsed, nil)
	observability.Audit().LogQuery(ctx, ownerID, len(bookIDs), result.Metadata.PassagesUsed, result.Metadata.Grounded, time.Since(start))
	s.logger.Debug("query answered",
		"owner", ownerID,
		"retrieved", result.Metadata.PassagesRetrieved,
		"used", result.Metadata.PassagesUsed,
		"grounded", result.Metadata.Grounded)
	return result, nil
}

// retrieve wraps retrieval in a span; all facade paths go through it.
func (s *Service) retrieve(ctx context.Context, ownerID, query string, bookIDs []string, topK int) ([]retriever.Passage, error) {
	ctx, span := observability.StartRetrievalSpan(ctx, topK, len(bookIDs))
	defer span.End()

	passages, err := s.retriever.Retrieve(ctx, ownerID, query, bookIDs, topK)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	topScore := 0.0
	if len(passages) > 0 {
		topScore = float64(passages[0].Score)
	}
	observability.RecordRetrievalResult(span, len(passages), topScore)
	return passages, nil
}

// ChatResult is a chat turn's answer together with the conversation it
// belongs to.
type ChatResult struct {
	ConversationID string            `json:"conversationId"`
	Response       string            `json:"response"`
	Sources        []composer.Source `json:"sources"`
	Metadata       composer.Metadata `json:"metadata"`
}

// Chat answers a message within a conversation, folding the bounded history
// window into the prompt and appending both turns to the store. An empty
// conversationID opens a new conversation anchored to bookContext.
func (s *Service) Chat(ctx context.Context, ownerID, conversationID, message string, bookContext []string) (*ChatResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: empty message", ragerr.ErrInvalidParameter)
	}
	if err := vector.CheckOwner(ownerID); err != nil {
		return nil, err
	}

	var err error
	if conversationID == "" {
		conversationID, err = s.convos.Create(ownerID, bookContext)
		if err != nil {
			return nil, err
		}
	}

	history, err := s.convos.History(conversationID, ownerID)
	if err != nil {
		return nil, err
	}
	books := bookContext
	if len(books) == 0 {
		if books, err = s.convos.BookIDs(conversationID, ownerID); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	passages, err := s.retrieve(ctx, ownerID, message, books, s.config.TopK)
	if err != nil {
		return nil, err
	}

	// Chat falls back to general knowledge: a follow-up like "tell me more"
	// retrieves poorly yet still deserves an answer in context.
	result, err := s.composer.ComposeChat(ctx, message, history, passages, true)
	if err != nil {
		return nil, err
	}

	sources := make([]chat.Source, len(result.Sources))
	for i, src := range result.Sources {
		sources[i] = chat.Source{BookID: src.BookID, Page: src.Page, Score: float64(src.Confidence)}
	}
	if err := s.convos.Append(conversationID, ownerID, chat.Turn{Role: llm.RoleUser, Content: message}); err != nil {
		return nil, err
	}
	if err := s.convos.Append(conversationID, ownerID, chat.Turn{Role: llm.RoleAssistant, Content: result.Response, Sources: sources}); err != nil {
		return nil, err
	}

	observability.Audit().LogChat(ctx, ownerID, conversationID, time.Since(start))

	return &ChatResult{
		ConversationID: conversationID,
		Response:       result.Response,
		Sources:        result.Sources,
		Metadata:       result.Metadata,
	}, nil
}

// BookContext returns the most relevant passages of a single book for a
// query, without generating an answer.
func (s *Service) BookContext(ctx context.Context, ownerID, bookID, query string) ([]retriever.Passage, error) {
	if bookID == "" {
		return nil, fmt.Errorf("%w: missing book id", ragerr.ErrInvalidParameter)
	}
	return s.retrieve(ctx, ownerID, query, []string{bookID}, s.config.TopK)
}

// SearchFilters scopes a cross-book embedding search.
type SearchFilters struct {
	BookIDs []string
	TopK    int
}

// SearchEmbeddings searches the owner's indexed passages across books.
func (s *Service) SearchEmbeddings(ctx context.Context, ownerID, query string, filters SearchFilters) ([]retriever.Passage, error) {
	topK := filters.TopK
	if topK <= 0 {
		topK = s.config.TopK
	}
	return s.retrieve(ctx, ownerID, query, filters.BookIDs, topK)
}

// IngestBook starts an asynchronous embedding job for the book's content and
// returns the job descriptor. Zero chunkSize or overlap select the defaults.
func (s *Service) IngestBook(ctx context.Context, ownerID, bookID, content string, chunkSize, overlap int) (ingest.Snapshot, error) {
	return s.manager.Start(ctx, ownerID, bookID, content, chunkSize, overlap)
}

// JobStatus reports an embedding job's progress.
func (s *Service) JobStatus(_ context.Context, ownerID, jobID string) (ingest.Snapshot, error) {
	return s.manager.Get(jobID, ownerID)
}

// WaitForJob blocks until the job reaches a terminal state or ctx expires.
func (s *Service) WaitForJob(ctx context.Context, ownerID, jobID string) (ingest.Snapshot, error) {
	return s.manager.Wait(ctx, jobID, ownerID)
}

// BookEmbeddings reports a book's most recent completed ingestion.
func (s *Service) BookEmbeddings(_ context.Context, ownerID, bookID string) (ingest.BookRecord, error) {
	return s.manager.Book(ownerID, bookID)
}

// DeleteBookEmbeddings removes every indexed chunk of the book.
func (s *Service) DeleteBookEmbeddings(ctx context.Context, ownerID, bookID string) error {
	if err := vector.CheckOwner(ownerID); err != nil {
		return err
	}
	if bookID == "" {
		return fmt.Errorf("%w: missing book id", ragerr.ErrInvalidParameter)
	}
	if err := s.index.DeleteByBook(ctx, ownerID, bookID); err != nil {
		return err
	}
	s.manager.Forget(ownerID, bookID)
	observability.Audit().LogEmbeddingsDelete(ctx, ownerID, bookID)
	s.logger.Info("book embeddings deleted", "owner", ownerID, "book", bookID)
	return nil
}

// Stats reports index-level counts for the owner.
func (s *Service) Stats(ctx context.Context, ownerID string) (vector.Stats, error) {
	return s.index.Stats(ctx, ownerID)
}
