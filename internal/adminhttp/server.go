// Package adminhttp exposes the operator surface: GET /shards, POST
// /distribute, GET /events. Built directly on stdlib net/http, both as a
// server here and matching how other components in this codebase use it
// client-side — no server-side framework is pulled in for three routes.
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/chemist-sh/chemist/internal/model"
	"github.com/chemist-sh/chemist/internal/repository"
)

var tracer = otel.Tracer("chemist/adminhttp")

// Rebalancer is the subset of the Lifecycle interpreter/Sharding engine the
// admin server needs to force a rebalance.
type Rebalancer interface {
	ForceRedistribute(ctx context.Context) error
}

// shardsResponse is the §6 "JSON of current assignment" body.
type shardsResponse struct {
	Flasks map[model.FlaskId][]model.TargetId `json:"flasks"`
	Unassigned []model.TargetId               `json:"unassigned"`
}

// Server is the admin HTTP component.
type Server struct {
	repo  *repository.Repository
	reb   Rebalancer
	log   *zap.Logger
	mux   *http.ServeMux
	srv   *http.Server
}

// New builds a Server bound to addr ("host:port" from network.host/port).
func New(addr string, repo *repository.Repository, reb Rebalancer, log *zap.Logger) *Server {
	s := &Server{repo: repo, reb: reb, log: log, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /shards", s.handleShards)
	s.mux.HandleFunc("POST /distribute", s.handleDistribute)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}

func (s *Server) handleShards(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "adminhttp.shards")
	defer span.End()

	snap := s.repo.Snapshot()
	resp := shardsResponse{Flasks: make(map[model.FlaskId][]model.TargetId, len(snap.Assignments))}
	for fid, targets := range snap.Assignments {
		ids := make([]model.TargetId, 0, len(targets))
		for tid := range targets {
			ids = append(ids, tid)
		}
		resp.Flasks[fid] = ids
	}
	for tid := range snap.Unassigned {
		resp.Unassigned = append(resp.Unassigned, tid)
	}
	span.SetAttributes(attribute.Int("chemist.flask_count", len(resp.Flasks)))
	writeJSON(ctx, w, http.StatusOK, resp)
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "adminhttp.distribute")
	defer span.End()

	if err := s.reb.ForceRedistribute(ctx); err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "adminhttp.events")
	defer span.End()

	writeJSON(ctx, w, http.StatusOK, s.repo.RecentEvents())
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	_, span := tracer.Start(ctx, "adminhttp.writeJSON")
	defer span.End()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		span.RecordError(err)
	}
}
