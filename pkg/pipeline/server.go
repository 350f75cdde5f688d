package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes pipeline status and metrics over HTTP while a run is in
// progress.
type Server struct {
	logger    *zap.Logger
	gatherer  prometheus.Gatherer
	pipelines map[string]*Pipeline
	mu        sync.RWMutex
}

type PipelineInfo struct {
	ID      string `json:"id"`
	Dataset string `json:"dataset"`
	State   State  `json:"state"`

	Stats Stats `json:"stats"`
}

func NewServer(logger *zap.Logger, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		logger:    logger,
		gatherer:  gatherer,
		pipelines: make(map[string]*Pipeline),
	}
}

func (s *Server) RegisterPipeline(p *Pipeline) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pipelines[p.ID] = p
	s.logger.Debug("pipeline registered",
		zap.String("pipeline_id", p.ID),
		zap.String("state", string(p.State.Current())))
}

func (s *Server) UnregisterPipeline(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pipelines, id)
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1/pipelines", func(r chi.Router) {
		r.Get("/", s.listPipelines)
		r.Get("/{id}", s.getPipeline)
	})

	return r
}

func info(p *Pipeline) PipelineInfo {
	stats := p.Stats()
	return PipelineInfo{
		ID:      p.ID,
		Dataset: p.Descriptor.Name,
		State:   stats.State,
		Stats:   stats,
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	pipelines := make([]PipelineInfo, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		pipelines = append(pipelines, info(p))
	}
	s.mu.RUnlock()

	sort.Slice(pipelines, func(i, j int) bool { return pipelines[i].ID < pipelines[j].ID })

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"pipelines": pipelines,
		"count":     len(pipelines),
	})
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.RLock()
	p, exists := s.pipelines[id]
	s.mu.RUnlock()

	if !exists {
		http.Error(w, "pipeline not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info(p))
}

func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Routes(),
	}

	s.logger.Info("starting status server", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down status server")
		srv.Shutdown(context.Background())
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
