package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/batteryhawk/battery-hawk/internal/config"
	"github.com/batteryhawk/battery-hawk/internal/core"
	"github.com/batteryhawk/battery-hawk/internal/httpapi/auth"
	"github.com/batteryhawk/battery-hawk/internal/httpapi/middleware"
	"github.com/batteryhawk/battery-hawk/internal/logger"
	"github.com/batteryhawk/battery-hawk/internal/registry"
	"github.com/batteryhawk/battery-hawk/internal/storage"
)

// Server is the thin external-collaborator HTTP surface in front of the
// Engine, registries, and storage buffer (§6).
type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
}

// Deps bundles Server's collaborators.
type Deps struct {
	Config      config.APIConfig
	Provider    config.Provider
	Engine      *core.Engine
	Devices     *registry.DeviceRegistry
	Vehicles    *registry.VehicleRegistry
	Store       storage.Store
	Logger      *logger.Logger
	SharedKey   string
	TokenIssuer *auth.TokenIssuer
}

// NewServer builds the router (serving Prometheus metrics at /metrics),
// wraps it in the shared-key auth middleware, and returns a Server
// ready for Start.
func NewServer(deps Deps) *Server {
	h := &handlers{
		engine:   deps.Engine,
		devices:  deps.Devices,
		vehicles: deps.Vehicles,
		store:    deps.Store,
		provider: deps.Provider,
		logger:   deps.Logger,
		issuer:   deps.TokenIssuer,
		key:      deps.SharedKey,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auth/token", h.handleIssueToken).Methods(http.MethodPost)

	api.HandleFunc("/devices", h.handleListDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices", h.handleConfigureDevice).Methods(http.MethodPost)
	api.HandleFunc("/devices/{mac}", h.handleGetDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{mac}", h.handlePatchDevice).Methods(http.MethodPatch)
	api.HandleFunc("/devices/{mac}", h.handleDeleteDevice).Methods(http.MethodDelete)

	api.HandleFunc("/vehicles", h.handleListVehicles).Methods(http.MethodGet)
	api.HandleFunc("/vehicles", h.handleCreateVehicle).Methods(http.MethodPost)
	api.HandleFunc("/vehicles/{id}", h.handleGetVehicle).Methods(http.MethodGet)
	api.HandleFunc("/vehicles/{id}", h.handlePatchVehicle).Methods(http.MethodPatch)
	api.HandleFunc("/vehicles/{id}", h.handleDeleteVehicle).Methods(http.MethodDelete)

	api.HandleFunc("/readings/{mac}", h.handleListReadings).Methods(http.MethodGet)
	api.HandleFunc("/readings/{mac}/latest", h.handleLatestReading).Methods(http.MethodGet)

	api.HandleFunc("/system/config", h.handleGetSystemConfig).Methods(http.MethodGet)
	api.HandleFunc("/system/config", h.handlePatchSystemConfig).Methods(http.MethodPatch)
	api.HandleFunc("/system/status", h.handleSystemStatus).Methods(http.MethodGet)
	api.HandleFunc("/system/health", h.handleSystemHealth).Methods(http.MethodGet)
	api.HandleFunc("/discovery/scan", h.handleTriggerScan).Methods(http.MethodPost)

	authMW := middleware.NewSharedKeyAuth(deps.SharedKey, deps.TokenIssuer)
	wrapped := authMW.Handler(r)

	addr := fmt.Sprintf("%s:%d", deps.Config.Host, deps.Config.Port)
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           wrapped,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: deps.Logger,
	}
}

// Start listens and serves until the server is shut down, returning
// http.ErrServerClosed on a clean Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http api listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
