package rest

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/batteryhawk/battery-hawk/internal/config"
	"github.com/batteryhawk/battery-hawk/internal/core"
	"github.com/batteryhawk/battery-hawk/internal/httpapi/auth"
	"github.com/batteryhawk/battery-hawk/internal/logger"
	"github.com/batteryhawk/battery-hawk/internal/registry"
	"github.com/batteryhawk/battery-hawk/internal/state"
	"github.com/batteryhawk/battery-hawk/internal/storage"
)

func newTestServer(t *testing.T, sharedKey string) *Server {
	t.Helper()
	dir := t.TempDir()

	devices, err := registry.NewDeviceRegistry(dir)
	if err != nil {
		t.Fatalf("NewDeviceRegistry: %v", err)
	}
	vehicles, err := registry.NewVehicleRegistry(dir, devices)
	if err != nil {
		t.Fatalf("NewVehicleRegistry: %v", err)
	}
	provider, err := config.NewFileProvider(dir)
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}
	eng := core.NewEngine(core.Deps{
		Config:      config.SystemConfig{},
		Logger:      logger.New(logger.Config{Level: "error"}),
		Devices:     devices,
		Vehicles:    vehicles,
		States:      state.NewManager(),
		Store:       storage.NewBuffer(storage.NullStore{}, storage.DefaultBufferConfig()),
		SnapshotDir: dir,
	})

	var issuer *auth.TokenIssuer
	if sharedKey != "" {
		issuer = auth.NewTokenIssuer("signing-secret", 0)
	}

	return NewServer(Deps{
		Config:      config.APIConfig{Host: "127.0.0.1", Port: 0},
		Provider:    provider,
		Engine:      eng,
		Devices:     devices,
		Vehicles:    vehicles,
		Store:       storage.NullStore{},
		Logger:      logger.New(logger.Config{Level: "error"}),
		SharedKey:   sharedKey,
		TokenIssuer: issuer,
	})
}

func TestServerHealthEndpointIsExemptFromAuth(t *testing.T) {
	s := newTestServer(t, "secret")
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestServerRejectsUnauthenticatedAPIRequest(t *testing.T) {
	s := newTestServer(t, "secret")
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestServerAcceptsRequestWithSharedKey(t *testing.T) {
	s := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestServerWithNoSharedKeyAllowsAllRequests(t *testing.T) {
	s := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestServerRoutesDeviceNotFound(t *testing.T) {
	s := newTestServer(t, "")
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices/AA:BB:CC:DD:EE:FF", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
