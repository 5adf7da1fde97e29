// Package httpapi implements the JSON-in/JSON-out HTTP operations over the
// memory pipeline: add_message, retrieve_memory (and its raw variant),
// context_pre_retrieve, and recent_memory (and its raw variant).
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nemosyne/nemosyne/internal/config"
	"github.com/nemosyne/nemosyne/internal/queue"
	"github.com/nemosyne/nemosyne/internal/retrieval"
	"github.com/nemosyne/nemosyne/pkg/types"
)

const (
	defaultEpisodicLimit = 5
	defaultSemanticLimit = 20
	defaultRecentLimit   = 10
)

// Dispatcher is the subset of jobs.Dispatcher the server needs.
type Dispatcher interface {
	DispatchSegmentation(cid string, fenceCount int) bool
}

// Server implements the HTTP operation handlers.
type Server struct {
	queueMgr    *queue.Manager
	coordinator *retrieval.Coordinator
	dispatcher  Dispatcher
}

// New returns a Server.
func New(queueMgr *queue.Manager, coordinator *retrieval.Coordinator, dispatcher Dispatcher) *Server {
	return &Server{queueMgr: queueMgr, coordinator: coordinator, dispatcher: dispatcher}
}

// Mux builds the full handler tree, wrapped in rate-limit and bearer-token
// auth middleware.
func Mux(s *Server, cfg *config.Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/add_message", s.handleAddMessage)
	mux.HandleFunc("/retrieve_memory", s.handleRetrieveMemory)
	mux.HandleFunc("/retrieve_memory/raw", s.handleRetrieveMemoryRaw)
	mux.HandleFunc("/context_pre_retrieve", s.handleContextPreRetrieve)
	mux.HandleFunc("/recent_memory", s.handleRecentMemory)
	mux.HandleFunc("/recent_memory/raw", s.handleRecentMemoryRaw)

	limiter := newRateLimiter(20.0, 40)
	return rateLimitMiddleware(requireAuth(mux, cfg), limiter)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func decodeAndValidate(r *http.Request, out interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return validationError(err)
	}
	return nil
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req AddMessageRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ts := time.Now().UTC()
	if req.Message.Timestamp != nil {
		parsed, err := time.Parse(time.RFC3339, *req.Message.Timestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid timestamp: %w", err))
			return
		}
		ts = parsed
	}

	message := types.Message{Role: types.Role(req.Message.Role), Content: req.Message.Content, Timestamp: ts}

	ctx := r.Context()
	result, err := s.queueMgr.Push(ctx, req.ConversationID, message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if result.Triggered {
		s.dispatcher.DispatchSegmentation(req.ConversationID, result.FenceCount)
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRetrieveMemory(w http.ResponseWriter, r *http.Request) {
	req, ok := s.parseRetrieveMemory(w, r)
	if !ok {
		return
	}
	result, err := s.retrieve(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	detail := types.DetailLevel(req.Detail)
	w.Header().Set("Content-Type", "text/markdown")
	w.Write([]byte(retrieval.RenderMarkdown(result, detail)))
}

func (s *Server) handleRetrieveMemoryRaw(w http.ResponseWriter, r *http.Request) {
	req, ok := s.parseRetrieveMemory(w, r)
	if !ok {
		return
	}
	result, err := s.retrieve(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, rawResultFromRetrieval(result))
}

func (s *Server) parseRetrieveMemory(w http.ResponseWriter, r *http.Request) (RetrieveMemoryRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return RetrieveMemoryRequest{}, false
	}
	var req RetrieveMemoryRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return RetrieveMemoryRequest{}, false
	}
	if req.EpisodicLimit <= 0 {
		req.EpisodicLimit = defaultEpisodicLimit
	}
	if req.SemanticLimit <= 0 {
		req.SemanticLimit = defaultSemanticLimit
	}
	return req, true
}

func (s *Server) retrieve(ctx context.Context, req RetrieveMemoryRequest) (retrieval.Result, error) {
	var category *types.Category
	if req.Category != nil {
		c := types.Category(*req.Category)
		category = &c
	}
	return s.coordinator.Retrieve(ctx, req.ConversationID, req.Query, req.EpisodicLimit, req.SemanticLimit, category)
}

func (s *Server) handleContextPreRetrieve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ContextPreRetrieveRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SemanticLimit <= 0 {
		req.SemanticLimit = defaultSemanticLimit
	}

	var category *types.Category
	if req.Category != nil {
		c := types.Category(*req.Category)
		category = &c
	}

	result, err := s.coordinator.ContextPreRetrieve(r.Context(), req.ConversationID, req.Query, req.SemanticLimit, category)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown")
	w.Write([]byte(retrieval.RenderMarkdown(result, types.DetailNone)))
}

func (s *Server) handleRecentMemory(w http.ResponseWriter, r *http.Request) {
	episodes, ok := s.parseAndLoadRecent(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/markdown")
	w.Write([]byte(retrieval.RenderRecentMarkdown(episodes)))
}

func (s *Server) handleRecentMemoryRaw(w http.ResponseWriter, r *http.Request) {
	episodes, ok := s.parseAndLoadRecent(w, r)
	if !ok {
		return
	}
	writeJSON(w, rawEpisodicFromRecent(episodes))
}

func (s *Server) parseAndLoadRecent(w http.ResponseWriter, r *http.Request) ([]types.EpisodicMemory, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	var req RecentMemoryRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	if req.Limit <= 0 {
		req.Limit = defaultRecentLimit
	}
	episodes, err := s.coordinator.Recent(r.Context(), req.ConversationID, req.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return episodes, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
