package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/vaultsync/internal/catalog"
	"github.com/roach88/vaultsync/internal/discovery"
	"github.com/roach88/vaultsync/internal/engine"
	"github.com/roach88/vaultsync/internal/exchange"
	"github.com/roach88/vaultsync/internal/ir"
)

// Actor is the part of the sync engine the API drives.
// *engine.Engine implements it.
type Actor interface {
	Status(ctx context.Context) (engine.Status, error)
	SyncAll(ctx context.Context) ([]string, error)
	ResolveConflict(ctx context.Context, conflictID string, strategy ir.Strategy, resolvedBy string) (ir.SyncConflict, error)
	Hub() *engine.Hub
}

// ConflictLister reads conflicts for display. *store.Store implements it.
type ConflictLister interface {
	ListConflicts(ctx context.Context, status ir.ResolutionStatus) ([]ir.SyncConflict, error)
}

// Pairer registers manually paired peers. *discovery.Service implements it.
type Pairer interface {
	Pair(ctx context.Context, nodeID, address string) (discovery.Peer, error)
}

// PairRequest is the body of POST /api/sync/peers.
type PairRequest struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

// ResolveRequest is the body of POST /api/sync/conflicts/resolve.
type ResolveRequest struct {
	ConflictID string `json:"conflict_id"`
	Resolution string `json:"resolution"`
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// TriggerResponse lists the sessions started by POST /api/sync/trigger.
type TriggerResponse struct {
	Sessions []string `json:"sessions"`
}

// Health is the body of GET /api/health.
type Health struct {
	Status string `json:"status"`
	NodeID string `json:"node_id"`
}

// Server routes HTTP requests to the engine, the store, and the push handler.
type Server struct {
	nodeID    string
	actor     Actor
	conflicts ConflictLister
	push      http.Handler
	gatherer  prometheus.Gatherer
	catalog   *catalog.Service
	pairer    Pairer
	logger    *slog.Logger
	mux       *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer exposes g on /metrics. Without it /metrics is not routed.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithPairer routes POST /api/sync/peers to p.
func WithPairer(p Pairer) Option {
	return func(s *Server) { s.pairer = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer builds the router.
func NewServer(nodeID string, actor Actor, conflicts ConflictLister, push *exchange.PushHandler, opts ...Option) *Server {
	s := &Server{
		nodeID:    nodeID,
		actor:     actor,
		conflicts: conflicts,
		push:      push,
		logger:    slog.Default(),
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/sync/status", s.handleStatus)
	s.mux.Handle("/api/sync/push", s.push)
	s.mux.HandleFunc("GET /api/sync/conflicts", s.handleConflicts)
	s.mux.HandleFunc("POST /api/sync/conflicts/resolve", s.handleResolve)
	s.mux.HandleFunc("GET /api/sync/peers", s.handlePeers)
	if s.pairer != nil {
		s.mux.HandleFunc("POST /api/sync/peers", s.handlePair)
	}
	s.mux.HandleFunc("POST /api/sync/trigger", s.handleTrigger)
	s.mux.HandleFunc("GET /api/sync/events", s.handleEvents)
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.catalog != nil {
		s.routeCatalog()
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, Health{Status: "ok", NodeID: s.nodeID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.actor.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	st, err := s.actor.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, st.KnownPeers)
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req PairRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.fail(w, r, ir.NewSyncError(ir.ErrCodeInvalidRequest, "decode pair request", err))
		return
	}
	p, err := s.pairer.Pair(r.Context(), req.NodeID, req.Address)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, p)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	var status ir.ResolutionStatus
	switch q := r.URL.Query().Get("status"); strings.ToLower(q) {
	case "", "pending":
		status = ir.StatusPending
	case "resolved":
		status = ir.StatusResolved
	case "all":
	default:
		s.fail(w, r, ir.NewSyncError(ir.ErrCodeInvalidRequest, "unknown conflict status "+q, nil))
		return
	}

	list, err := s.conflicts.ListConflicts(r.Context(), status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []ir.SyncConflict{}
	}
	writeJSON(w, list)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.fail(w, r, ir.NewSerializationError("decode resolve request", err))
		return
	}
	if req.ConflictID == "" {
		s.fail(w, r, ir.NewSyncError(ir.ErrCodeConflictNotFound, "conflict_id is required", nil))
		return
	}
	strategy, err := ir.ParseStrategy(req.Resolution)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	c, err := s.actor.ResolveConflict(r.Context(), req.ConflictID, strategy, req.ResolvedBy)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, c)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	ids, err := s.actor.SyncAll(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSONStatus(w, http.StatusAccepted, TriggerResponse{Sessions: ids})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var se *ir.SyncError
	if !errors.As(err, &se) || se.HTTPStatus() >= 500 {
		s.logger.Warn("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	exchange.WriteError(w, err)
}
