// Package httpapi serves the route CRUD surface, the realtime
// websocket endpoint and the operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/waytrail/routes/internal/auth"
	"github.com/waytrail/routes/internal/realtime"
	"github.com/waytrail/routes/internal/route"
)

// RouteService is the application surface the handlers expose.
type RouteService interface {
	Create(ctx context.Context, userID uuid.UUID, in route.CreateInput) (*route.Route, error)
	Update(ctx context.Context, userID, routeID uuid.UUID, in route.UpdateInput) (*route.Route, error)
	Get(ctx context.Context, userID, routeID uuid.UUID) (*route.Route, error)
	List(ctx context.Context, userID uuid.UUID) ([]*route.Route, error)
	Share(ctx context.Context, userID, routeID uuid.UUID) (string, error)
	GetShared(ctx context.Context, token string) (*route.Route, error)
}

// DBChecker abstracts the database health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// QueueStatus reports whether the task transport is reachable.
type QueueStatus interface {
	IsConnected() bool
}

type Server struct {
	srv       *http.Server
	routes    RouteService
	hub       *realtime.Hub
	verifier  *auth.Verifier
	dbChecker DBChecker
	queue     QueueStatus
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

func NewServer(addr string, routes RouteService, hub *realtime.Hub, verifier *auth.Verifier, pool *pgxpool.Pool, queue QueueStatus, logger *zap.Logger) *Server {
	s := &Server{
		routes:   routes,
		hub:      hub,
		verifier: verifier,
		queue:    queue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browsers connect from the app origin; the token is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
	if pool != nil {
		s.dbChecker = pool
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz)
	r.HandleFunc("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/routes/ws/{id}", s.handleWebsocket)
	api.HandleFunc("/routes", s.requireAuth(s.handleCreateRoute)).Methods(http.MethodPost)
	api.HandleFunc("/routes", s.requireAuth(s.handleListRoutes)).Methods(http.MethodGet)
	api.HandleFunc("/routes/shared/{token}", s.handleGetShared).Methods(http.MethodGet)
	api.HandleFunc("/routes/{id}", s.requireAuth(s.handleGetRoute)).Methods(http.MethodGet)
	api.HandleFunc("/routes/{id}", s.requireAuth(s.handleUpdateRoute)).Methods(http.MethodPut)
	api.HandleFunc("/routes/{id}/share", s.requireAuth(s.handleShareRoute)).Methods(http.MethodPost)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: r,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	} else {
		checks["postgres"] = "error"
		allOK = false
	}

	if s.queue != nil && s.queue.IsConnected() {
		checks["nats"] = "ok"
	} else {
		checks["nats"] = "disconnected"
		allOK = false
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
