package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/heysubinoy/kvapi/internal/auth"
	"github.com/heysubinoy/kvapi/internal/logging"
	"github.com/heysubinoy/kvapi/internal/store"
	"github.com/heysubinoy/kvapi/pkg/kv"
)

var logger = logging.For("api")

// Wire-level messages. They are part of the public contract and must not change.
const (
	msgMissingID    = "missing id"
	msgInvalidToken = "invalid token"
	msgDBError      = "db error"
	msgInvalidJSON  = "invalid json"
	msgNotLeader    = "not leader"
)

// FoundHeader tells a missing record apart from one holding null, without
// changing the /get response body.
const FoundHeader = "X-Record-Found"

// RaftNode is the slice of the replication layer the API needs.
type RaftNode interface {
	IsLeader() bool
	LeaderAddr() string
	Join(nodeID, addr string) error
}

// Server wraps a kv.Store and exposes HTTP endpoints for KV operations.
type Server struct {
	Store   kv.Store
	Gate    *auth.Gate
	Metrics *store.InstrumentedStore // optional, enables /metrics
	Raft    RaftNode                 // optional, enables /raft/join
}

// NewServer creates a new HTTP server with the given store and token gate.
func NewServer(store kv.Store, gate *auth.Gate) *Server {
	return &Server{
		Store: store,
		Gate:  gate,
	}
}

// Handler returns the full HTTP handler: routes, request logging and CORS.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	r.Use(requestLogger)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{FoundHeader, RequestIDHeader},
	})
	return c.Handler(r)
}

// RegisterRoutes registers all HTTP handlers on the given router.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/get", s.handleGet).Methods(http.MethodGet)
	r.Handle("/set", s.requireToken(http.HandlerFunc(s.handleSet))).Methods(http.MethodPost)
	r.Handle("/del", s.requireToken(http.HandlerFunc(s.handleDelete))).Methods(http.MethodDelete)

	if s.Metrics != nil {
		r.HandleFunc("/metrics", MetricsHandler(s.Metrics)).Methods(http.MethodGet)
	}
	if s.Raft != nil {
		r.Handle("/raft/join", s.requireToken(http.HandlerFunc(s.handleJoin))).Methods(http.MethodPost)
	}
}

type statusResponse struct {
	Status string `json:"status"`
}

type setResponse struct {
	Status string  `json:"status"`
	ID     string  `json:"id"`
	Value  *string `json:"value"`
}

type deleteResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Leader string `json:"leader,omitempty"`
}

// requireToken rejects requests whose x-api-token header does not match.
// It runs before the body is read, so a rejected request has no effect.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Gate.Authorize(r.Header.Get(auth.Header)) {
			logger.WithField("request_id", requestID(r.Context())).
				WithField("path", r.URL.Path).
				Warn("rejected request with invalid token")
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: msgInvalidToken})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth handles GET /.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// handleReady handles GET /ready. It answers 503 while the backend is
// unconfigured or unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.Store.Ready(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ready"})
}

// handleGet handles GET /get?id=foo requests.
// An absent record is reported with a null value, not a 404; FoundHeader
// says which case applies.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgMissingID})
		return
	}

	value, err := s.Store.Get(r.Context(), id)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		s.storeError(w, r, "get", err)
		return
	}
	w.Header().Set(FoundHeader, strconv.FormatBool(err == nil))
	writeJSON(w, http.StatusOK, kv.Record{ID: id, Value: value})
}

// handleSet handles POST /set requests with JSON body.
// Expects: {"id": "foo", "value": "bar"}
func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    string          `json:"id"`
		Value json.RawMessage `json:"value"`
	}

	if err := decodeRequest(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgInvalidJSON})
		return
	}
	if req.ID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgMissingID})
		return
	}

	value, err := valueFromJSON(req.Value)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgInvalidJSON})
		return
	}

	if err := s.Store.Set(r.Context(), req.ID, value); err != nil {
		s.storeError(w, r, "set", err)
		return
	}
	writeJSON(w, http.StatusOK, setResponse{Status: "ok", ID: req.ID, Value: value})
}

// handleDelete handles DELETE /del?id=foo requests.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgMissingID})
		return
	}

	if err := s.Store.Delete(r.Context(), id); err != nil {
		s.storeError(w, r, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Status: "deleted", ID: id})
}

// handleJoin handles POST /raft/join requests from nodes joining the cluster.
// Expects: {"id": "node2", "addr": "10.0.0.2:7000"}
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string `json:"id"`
		Addr string `json:"addr"`
	}
	if err := decodeRequest(r.Body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgInvalidJSON})
		return
	}
	if req.ID == "" || req.Addr == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing id or addr"})
		return
	}

	if err := s.Raft.Join(req.ID, req.Addr); err != nil {
		s.storeError(w, r, "join", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined", "id": req.ID, "addr": req.Addr})
}

// storeError translates a store error into a response. Details are logged
// and never sent to the caller.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, kv.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgMissingID})
	case errors.Is(err, kv.ErrNotLeader):
		resp := errorResponse{Error: msgNotLeader}
		if s.Raft != nil {
			resp.Leader = s.Raft.LeaderAddr()
		}
		writeJSON(w, http.StatusServiceUnavailable, resp)
	default:
		logger.WithError(err).
			WithField("request_id", requestID(r.Context())).
			WithField("op", op).
			Error("store operation failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msgDBError})
	}
}

// valueFromJSON maps the request value to a stored value: strings are kept
// verbatim, null or a missing field become a null value, and any other JSON
// value is stored as its compact JSON text.
func valueFromJSON(raw json.RawMessage) (*string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return &s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	s := buf.String()
	return &s, nil
}

// decodeRequest decodes a single JSON value from body. An empty body leaves v
// untouched; anything after the value is an error.
func decodeRequest(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after json value")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Debug("writing response")
	}
}
