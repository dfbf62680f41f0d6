package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"docsearch/internal/domain"
	"docsearch/internal/logger"
	"docsearch/internal/metrics"
)

const maxBodyBytes = 32 << 20

// Documents is the ingestion side of the API.
type Documents interface {
	Ingest(ctx context.Context, req domain.IngestRequest) (domain.IngestResult, error)
	Remove(ctx context.Context, documentID string) error
	Status(documentID string) (domain.Document, error)
}

// Searcher is the query side of the API.
type Searcher interface {
	Query(ctx context.Context, text string, k int, filter domain.Filter) (domain.QueryResult, error)
	DefaultK() int
}

// errorHandler tries to handle a domain error. Returns the status written,
// or 0 if err is not its class.
type errorHandler func(w http.ResponseWriter, err error) int

type Server struct {
	documents     Documents
	search        Searcher
	logger        *zap.Logger
	errorHandlers []errorHandler
}

func NewServer(documents Documents, search Searcher, log *zap.Logger) *Server {
	s := &Server{
		documents: documents,
		search:    search,
		logger:    logger.OrNop(log),
	}
	s.errorHandlers = []errorHandler{
		// Model and index disagree on the vector width; an operator has to
		// reconcile them, the request itself is fine.
		sentinelHandler(domain.ErrDimensionMismatch, http.StatusInternalServerError, "dimension_mismatch"),
		sentinelHandler(domain.ErrIngestionInProgress, http.StatusConflict, "ingestion_in_progress"),
		sentinelHandler(domain.ErrDocumentNotFound, http.StatusNotFound, "document_not_found"),
		sentinelHandler(domain.ErrInvalidInput, http.StatusBadRequest, "invalid_input"),
		sentinelHandler(domain.ErrEmbeddingUnavailable, http.StatusServiceUnavailable, "embedding_unavailable"),
		sentinelHandler(domain.ErrQueryUnavailable, http.StatusServiceUnavailable, "query_unavailable"),
		sentinelHandler(domain.ErrIndexUnavailable, http.StatusServiceUnavailable, "index_unavailable"),
	}
	return s
}

// Handler builds the router with the middleware chain.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(jsonRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(requestLog(s.logger))
	r.Use(metrics.Middleware())

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Put("/documents/{id}", s.putDocument)
		r.Delete("/documents/{id}", s.deleteDocument)
		r.Get("/documents/{id}", s.getDocument)
		r.Post("/query", s.query)
	})
	return r
}

type ingestBody struct {
	Text     string `json:"text"`
	Revision int64  `json:"revision"`
}

type queryBody struct {
	Query       string   `json:"query"`
	K           int      `json:"k"`
	DocumentIDs []string `json:"document_ids"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// putDocument handles PUT /v1/documents/{id}.
func (s *Server) putDocument(w http.ResponseWriter, r *http.Request) {
	var body ingestBody
	if !s.decode(w, r, &body) {
		return
	}

	res, err := s.documents.Ingest(r.Context(), domain.IngestRequest{
		DocumentID: chi.URLParam(r, "id"),
		Text:       body.Text,
		Revision:   body.Revision,
	})
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// deleteDocument handles DELETE /v1/documents/{id}.
func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.documents.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getDocument handles GET /v1/documents/{id}.
func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.documents.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// query handles POST /v1/query. A zero k means the configured default.
func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var body queryBody
	if !s.decode(w, r, &body) {
		return
	}
	k := body.K
	if k == 0 {
		k = s.search.DefaultK()
	}

	res, err := s.search.Query(r.Context(), body.Query, k, domain.Filter{DocumentIDs: body.DocumentIDs})
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error) int {
		if !errors.Is(err, sentinel) {
			return 0
		}
		writeError(w, status, code, err.Error())
		return status
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContext(r.Context())
	for _, h := range s.errorHandlers {
		status := h(w, err)
		if status == 0 {
			continue
		}
		if status >= http.StatusInternalServerError {
			log.Error("request failed", zap.Int("status", status), zap.Error(err))
		} else {
			log.Warn("request failed", zap.Int("status", status), zap.Error(err))
		}
		return
	}
	if errors.Is(err, context.Canceled) {
		log.Info("request cancelled", zap.Error(err))
		return
	}
	log.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
