package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/batteryhawk/battery-hawk/internal/discovery"
	"github.com/batteryhawk/battery-hawk/internal/model"
)

func deviceResource(d *model.Device) map[string]any {
	return map[string]any{
		"type":       "devices",
		"id":         d.MAC,
		"attributes": d,
	}
}

func deviceResources(devices []*model.Device) []map[string]any {
	out := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceResource(d))
	}
	return out
}

func vehicleResource(v *model.Vehicle) map[string]any {
	return map[string]any{
		"type":       "vehicles",
		"id":         v.ID,
		"attributes": v,
	}
}

func vehicleResources(vehicles []*model.Vehicle) []map[string]any {
	out := make([]map[string]any, 0, len(vehicles))
	for _, v := range vehicles {
		out = append(out, vehicleResource(v))
	}
	return out
}

func readingResource(mac string, reading model.Reading) map[string]any {
	return map[string]any{
		"type":       "readings",
		"id":         mac + "@" + reading.Timestamp.UTC().Format("20060102T150405.000Z"),
		"attributes": reading,
	}
}

func readingResources(readings []model.BufferedReading) []map[string]any {
	out := make([]map[string]any, 0, len(readings))
	for _, r := range readings {
		out = append(out, readingResource(r.DeviceID, r.Reading))
	}
	return out
}

// parsePagination reads and validates the limit/offset query parameters
// (§6: limit 1-1000, offset >=0), returning defaultLimit when limit is
// unset.
func parsePagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int, err error) {
	limit = defaultLimit
	offset = 0

	if v := r.URL.Query().Get("limit"); v != "" {
		n, parseErr := strconv.Atoi(v)
		if parseErr != nil || n < 1 || n > maxLimit {
			return 0, 0, errInvalidParam("limit", v)
		}
		limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, parseErr := strconv.Atoi(v)
		if parseErr != nil || n < 0 {
			return 0, 0, errInvalidParam("offset", v)
		}
		offset = n
	}
	return limit, offset, nil
}

type paramError struct {
	param, value string
}

func (e *paramError) Error() string {
	return e.param + "=" + e.value
}

func errInvalidParam(param, value string) error {
	return &paramError{param: param, value: value}
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func scanOptions(duration time.Duration, autoConfigure bool) discovery.Options {
	return discovery.Options{Duration: duration, AutoConfigure: autoConfigure}
}
