package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/batteryhawk/battery-hawk/internal/config"
	"github.com/batteryhawk/battery-hawk/internal/core"
	"github.com/batteryhawk/battery-hawk/internal/httpapi/auth"
	"github.com/batteryhawk/battery-hawk/internal/logger"
	"github.com/batteryhawk/battery-hawk/internal/model"
	"github.com/batteryhawk/battery-hawk/internal/registry"
	"github.com/batteryhawk/battery-hawk/internal/storage"
)

type handlers struct {
	engine   *core.Engine
	devices  *registry.DeviceRegistry
	vehicles *registry.VehicleRegistry
	store    storage.Store
	provider config.Provider
	logger   *logger.Logger
	issuer   *auth.TokenIssuer
	key      string
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if h.issuer == nil {
		respondError(w, http.StatusNotFound, "token exchange disabled", "no shared key configured")
		return
	}
	var body struct {
		APIKey string `json:"api_key"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if body.APIKey != h.key {
		respondError(w, http.StatusUnauthorized, "invalid api key", "")
		return
	}
	token, expires, err := h.issuer.Issue()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token issuance failed", err.Error())
		return
	}
	respondData(w, http.StatusOK, map[string]any{
		"type": "auth-token",
		"attributes": map[string]any{
			"token":      token,
			"expires_at": expires.UTC().Format(time.RFC3339),
		},
	})
}

// --- devices ---

func (h *handlers) handleListDevices(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r, 100, 1000)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid pagination", err.Error())
		return
	}
	all := h.devices.ListAll()
	respondData(w, http.StatusOK, paginate(deviceResources(all), limit, offset))
}

func (h *handlers) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	dev, ok := h.devices.Get(mac)
	if !ok {
		respondError(w, http.StatusNotFound, "device not found", mac)
		return
	}
	respondData(w, http.StatusOK, deviceResource(dev))
}

type configureDeviceRequest struct {
	MAC              string  `json:"mac"`
	FriendlyName     *string `json:"friendly_name,omitempty"`
	PollingIntervalS *int    `json:"polling_interval_s,omitempty"`
	VehicleID        *string `json:"vehicle_id,omitempty"`
}

func (h *handlers) handleConfigureDevice(w http.ResponseWriter, r *http.Request) {
	var req configureDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !model.ValidMAC(req.MAC) {
		respondErrorPointer(w, http.StatusBadRequest, "invalid mac", req.MAC, "/data/attributes/mac")
		return
	}
	if _, ok := h.devices.Get(req.MAC); !ok {
		respondError(w, http.StatusNotFound, "device not discovered", req.MAC)
		return
	}

	opts := registry.ConfigureOptions{
		FriendlyName:     req.FriendlyName,
		PollingIntervalS: req.PollingIntervalS,
		VehicleID:        req.VehicleID,
	}
	dev, err := h.configure(req.MAC, opts)
	if err != nil {
		respondError(w, http.StatusBadRequest, "configure failed", err.Error())
		return
	}
	respondData(w, http.StatusOK, deviceResource(dev))
}

func (h *handlers) configure(mac string, opts registry.ConfigureOptions) (*model.Device, error) {
	if h.engine != nil {
		return h.engine.ConfigureDevice(mac, opts)
	}
	return h.devices.Configure(mac, opts)
}

func (h *handlers) handlePatchDevice(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	if _, ok := h.devices.Get(mac); !ok {
		respondError(w, http.StatusNotFound, "device not found", mac)
		return
	}

	var req configureDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.MAC != "" && model.CanonicalMAC(req.MAC) != model.CanonicalMAC(mac) {
		respondError(w, http.StatusConflict, "mac mismatch", "body mac does not match resource path")
		return
	}

	opts := registry.ConfigureOptions{
		FriendlyName:     req.FriendlyName,
		PollingIntervalS: req.PollingIntervalS,
		VehicleID:        req.VehicleID,
	}
	dev, err := h.configure(mac, opts)
	if err != nil {
		respondError(w, http.StatusBadRequest, "update failed", err.Error())
		return
	}
	respondData(w, http.StatusOK, deviceResource(dev))
}

func (h *handlers) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	var err error
	if h.engine != nil {
		err = h.engine.RemoveDevice(mac)
	} else {
		err = h.devices.Remove(mac)
	}
	if err != nil {
		respondError(w, http.StatusNotFound, "device not found", mac)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- vehicles ---

func (h *handlers) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r, 100, 1000)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid pagination", err.Error())
		return
	}
	all := h.vehicles.List()
	respondData(w, http.StatusOK, paginate(vehicleResources(all), limit, offset))
}

func (h *handlers) handleGetVehicle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, ok := h.vehicles.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "vehicle not found", id)
		return
	}
	respondData(w, http.StatusOK, vehicleResource(v))
}

func (h *handlers) handleCreateVehicle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Name == "" {
		respondErrorPointer(w, http.StatusBadRequest, "name required", "", "/data/attributes/name")
		return
	}
	v, err := h.vehicles.Create(req.Name)
	if err != nil {
		respondError(w, http.StatusBadRequest, "create failed", err.Error())
		return
	}
	respondData(w, http.StatusOK, vehicleResource(v))
}

func (h *handlers) handlePatchVehicle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	v, err := h.vehicles.Rename(id, req.Name)
	if err != nil {
		respondError(w, http.StatusNotFound, "vehicle not found", id)
		return
	}
	respondData(w, http.StatusOK, vehicleResource(v))
}

func (h *handlers) handleDeleteVehicle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.vehicles.Delete(id); err != nil {
		if _, ok := h.vehicles.Get(id); !ok {
			respondError(w, http.StatusNotFound, "vehicle not found", id)
			return
		}
		respondError(w, http.StatusConflict, "vehicle has associated devices", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- readings ---

func (h *handlers) handleListReadings(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	if _, ok := h.devices.Get(mac); !ok {
		respondError(w, http.StatusNotFound, "device not found", mac)
		return
	}
	if h.store == nil {
		respondError(w, http.StatusServiceUnavailable, "historical query unavailable", "no storage backend configured")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = n
	}

	var since, until time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since", v)
			return
		}
		since = t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid until", v)
			return
		}
		until = t
	}

	q := storage.Query{DeviceMAC: mac, Since: since, Until: until, Limit: limit}
	if err := storage.ValidateQuery(q); err != nil {
		respondError(w, http.StatusBadRequest, "invalid query", err.Error())
		return
	}

	readings, err := h.store.Query(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "query failed", err.Error())
		return
	}
	respondData(w, http.StatusOK, readingResources(readings))
}

func (h *handlers) handleLatestReading(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	dev, ok := h.devices.Get(mac)
	if !ok {
		respondError(w, http.StatusNotFound, "device not found", mac)
		return
	}
	if dev.LatestReading == nil {
		respondError(w, http.StatusNotFound, "no reading recorded yet", mac)
		return
	}
	respondData(w, http.StatusOK, readingResource(mac, *dev.LatestReading))
}

// --- system ---

func (h *handlers) handleGetSystemConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.provider.GetConfig(config.SectionSystem)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "config read failed", err.Error())
		return
	}
	respondData(w, http.StatusOK, map[string]any{"type": "system-config", "attributes": cfg})
}

func (h *handlers) handlePatchSystemConfig(w http.ResponseWriter, r *http.Request) {
	current, err := h.provider.GetConfig(config.SectionSystem)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "config read failed", err.Error())
		return
	}
	sys, ok := current.(*config.SystemConfig)
	if !ok {
		respondError(w, http.StatusInternalServerError, "config read failed", "unexpected system config type")
		return
	}

	var patch struct {
		Bluetooth *config.BluetoothConfig `json:"bluetooth,omitempty"`
		Discovery *config.DiscoveryConfig `json:"discovery,omitempty"`
		Influxdb  *config.StorageConfig   `json:"influxdb,omitempty"`
		MQTT      *config.MQTTConfig      `json:"mqtt,omitempty"`
		API       *config.APIConfig      `json:"api,omitempty"`
		Logging   map[string]any          `json:"logging,omitempty"`
	}
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	merged := *sys
	if patch.Bluetooth != nil {
		merged.Bluetooth = *patch.Bluetooth
	}
	if patch.Discovery != nil {
		merged.Discovery = *patch.Discovery
	}
	if patch.Influxdb != nil {
		merged.Storage = *patch.Influxdb
	}
	if patch.MQTT != nil {
		merged.MQTT = *patch.MQTT
	}
	if patch.API != nil {
		merged.API = *patch.API
	}

	saved, err := h.provider.(*config.FileProvider).UpdateSystemConfig(merged)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid system config", err.Error())
		return
	}
	respondData(w, http.StatusOK, map[string]any{"type": "system-config", "attributes": saved})
}

func (h *handlers) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	states := h.engine.StateSummary()
	respondData(w, http.StatusOK, map[string]any{
		"type": "system-status",
		"attributes": map[string]any{
			"devices_tracked": len(states),
			"states":          states,
		},
	})
}

func (h *handlers) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	healthy := true
	details := map[string]any{}

	if h.store != nil {
		if err := h.store.HealthCheck(r.Context()); err != nil {
			healthy = false
			details["storage"] = err.Error()
		} else {
			details["storage"] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]any{
		"data": map[string]any{
			"type":       "system-health",
			"attributes": map[string]any{"healthy": healthy, "details": details},
		},
	})
}

func (h *handlers) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DurationS     int  `json:"duration_s"`
		AutoConfigure bool `json:"auto_configure"`
	}
	_ = decodeJSON(r, &req)
	duration := time.Duration(req.DurationS) * time.Second
	if duration <= 0 {
		duration = 10 * time.Second
	}

	found, err := h.engine.Scan(r.Context(), scanOptions(duration, req.AutoConfigure))
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "scan failed", err.Error())
		return
	}
	respondData(w, http.StatusOK, found)
}
