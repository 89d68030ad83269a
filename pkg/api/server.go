// Package api exposes the controller over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/takehaya/tgctl/pkg/switchif"
	"github.com/takehaya/tgctl/pkg/telemetry"
	"github.com/takehaya/tgctl/pkg/tg"
)

// Service is the part of the controller the handlers call.
type Service interface {
	StartTraffic(ctx context.Context, req tg.Request) (*tg.Configuration, error)
	StopTraffic(ctx context.Context) error
	Reset(ctx context.Context) error
	Configuration() *tg.Configuration
	Statistics(ctx context.Context) telemetry.Statistics
	Tables(ctx context.Context) (map[string][]switchif.Entry, error)
}

type Server struct {
	logger *zap.Logger
	svc    Service
	srv    *http.Server
}

func NewServer(logger *zap.Logger, addr string, svc Service) *Server {
	s := &Server{logger: logger, svc: svc}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/online", s.online).Methods(http.MethodGet)
	api.HandleFunc("/trafficgen", s.getTrafficGen).Methods(http.MethodGet)
	api.HandleFunc("/trafficgen", s.postTrafficGen).Methods(http.MethodPost)
	api.HandleFunc("/trafficgen", s.deleteTrafficGen).Methods(http.MethodDelete)
	api.HandleFunc("/statistics", s.statistics).Methods(http.MethodGet)
	api.HandleFunc("/reset", s.reset).Methods(http.MethodGet)
	api.HandleFunc("/tables", s.tables).Methods(http.MethodGet)
	return r
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("api server listening", zap.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve api: %w", err)
	}
	return nil
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

type message struct {
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, message{Message: err.Error()})
}

func (s *Server) online(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "online"})
}

func (s *Server) getTrafficGen(w http.ResponseWriter, _ *http.Request) {
	cfg := s.svc.Configuration()
	if cfg == nil {
		s.writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) postTrafficGen(w http.ResponseWriter, r *http.Request) {
	var req tg.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode request: %w", err))
		return
	}
	cfg, err := s.svc.StartTraffic(r.Context(), req)
	if err != nil {
		s.logger.Warn("failed to start traffic generation", zap.Error(err))
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, message{
		Message: fmt.Sprintf("Configured traffic gen for %d streams at %.2f Gbps", len(cfg.Streams), cfg.OverallRate),
	})
}

func (s *Server) deleteTrafficGen(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.StopTraffic(r.Context()); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, message{Message: "Traffic gen stopped."})
}

func (s *Server) statistics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Statistics(r.Context()))
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Reset(r.Context()); err != nil {
		s.logger.Error("failed to reset", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, message{Message: "Reset complete."})
}

func (s *Server) tables(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Tables(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}
