package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bookcompanion/bookcompanion/internal/rag"
	"github.com/bookcompanion/bookcompanion/internal/ragerr"
)

// ownerHeader carries the caller's identity, set by the upstream auth layer.
const ownerHeader = "X-Owner-ID"

// APIServer exposes the assistant over HTTP under /api/ai.
type APIServer struct {
	svc    *rag.Service
	logger *slog.Logger
}

// NewAPIServer creates the API server around the assistant service.
func NewAPIServer(svc *rag.Service, logger *slog.Logger) *APIServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIServer{svc: svc, logger: logger}
}

// Handler returns the /api/ai route table.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/ai/query", s.requireOwner(s.handleQuery))
	mux.HandleFunc("POST /api/ai/chat", s.requireOwner(s.handleChat))
	mux.HandleFunc("GET /api/ai/context/{bookId}", s.requireOwner(s.handleBookContext))
	mux.HandleFunc("GET /api/ai/search", s.requireOwner(s.handleSearch))
	mux.HandleFunc("POST /api/ai/books/{bookId}/embed", s.requireOwner(s.handleEmbed))
	mux.HandleFunc("GET /api/ai/books/{bookId}/embeddings", s.requireOwner(s.handleBookEmbeddings))
	mux.HandleFunc("DELETE /api/ai/books/{bookId}/embeddings", s.requireOwner(s.handleDeleteEmbeddings))
	mux.HandleFunc("GET /api/ai/jobs/{jobId}", s.requireOwner(s.handleJobStatus))
	return mux
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, ownerID string)

func (s *APIServer) requireOwner(next ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.Header.Get(ownerHeader)
		if ownerID == "" {
			s.writeError(w, r, ragerr.ErrUnauthorized)
			return
		}
		next(w, r, ownerID)
	}
}

type queryRequest struct {
	Query                   string   `json:"query"`
	BookIDs                 []string `json:"bookIds,omitempty"`
	IncludeGeneralKnowledge bool     `json:"includeGeneralKnowledge,omitempty"`
}

func (s *APIServer) handleQuery(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	result, err := s.svc.ProcessQuery(r.Context(), ownerID, req.Query, req.BookIDs, req.IncludeGeneralKnowledge)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type chatRequest struct {
	ConversationID string   `json:"conversationId,omitempty"`
	Message        string   `json:"message"`
	BookContext    []string `json:"bookContext,omitempty"`
}

func (s *APIServer) handleChat(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	result, err := s.svc.Chat(r.Context(), ownerID, req.ConversationID, req.Message, req.BookContext)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *APIServer) handleBookContext(w http.ResponseWriter, r *http.Request, ownerID string) {
	passages, err := s.svc.BookContext(r.Context(), ownerID, r.PathValue("bookId"), r.URL.Query().Get("query"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"passages": passages})
}

func (s *APIServer) handleSearch(w http.ResponseWriter, r *http.Request, ownerID string) {
	q := r.URL.Query()
	filters := rag.SearchFilters{}
	if books, ok := q["bookId"]; ok {
		filters.BookIDs = books
	}
	passages, err := s.svc.SearchEmbeddings(r.Context(), ownerID, q.Get("query"), filters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": passages})
}

type embedRequest struct {
	Content   string `json:"content"`
	ChunkSize int    `json:"chunkSize,omitempty"`
	Overlap   int    `json:"overlap,omitempty"`
}

func (s *APIServer) handleEmbed(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	snap, err := s.svc.IngestBook(r.Context(), ownerID, r.PathValue("bookId"), req.Content, req.ChunkSize, req.Overlap)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, snap)
}

func (s *APIServer) handleBookEmbeddings(w http.ResponseWriter, r *http.Request, ownerID string) {
	rec, err := s.svc.BookEmbeddings(r.Context(), ownerID, r.PathValue("bookId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *APIServer) handleDeleteEmbeddings(w http.ResponseWriter, r *http.Request, ownerID string) {
	if err := s.svc.DeleteBookEmbeddings(r.Context(), ownerID, r.PathValue("bookId")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleJobStatus(w http.ResponseWriter, r *http.Request, ownerID string) {
	snap, err := s.svc.JobStatus(r.Context(), ownerID, r.PathValue("jobId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func badRequest(err error) error {
	return errors.Join(ragerr.ErrInvalidParameter, err)
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ragerr.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, ragerr.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ragerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ragerr.ErrNoGrounding):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ragerr.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ragerr.ErrIndexUnavailable),
		errors.Is(err, ragerr.ErrEmbeddingProvider),
		errors.Is(err, ragerr.ErrGeneration):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
