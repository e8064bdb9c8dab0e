package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/nexus-edge/meter-gateway/internal/domain"
	"github.com/nexus-edge/meter-gateway/internal/health"
	"github.com/nexus-edge/meter-gateway/internal/realtime"
	"github.com/nexus-edge/meter-gateway/internal/service"
	"github.com/nexus-edge/meter-gateway/internal/virtual"
	"github.com/rs/zerolog"
)

type pollingAPI interface {
	Stats() service.StatsSnapshot
	AllDeviceStatuses() []*service.DeviceStatus
	GetDeviceStatus(deviceID string) (*service.DeviceStatus, error)
	PollNow(ctx context.Context, deviceID string) error
}

type realtimeAPI interface {
	Get(deviceID string) (domain.DeviceState, bool)
	Status(deviceID string) domain.DeviceStatus
	Summaries() []realtime.DeviceSummary
}

type coilStatusAPI interface {
	CoilStatus(ctx context.Context, deviceID, target string) (virtual.CoilStatus, error)
}

type controlAPI interface {
	Submit(req domain.ControlRequest) (<-chan domain.ControlResult, error)
	Stats() map[string]uint64
}

type auditAPI interface {
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]domain.AuditEntry, error)
}

type historyAPI interface {
	Recent(ctx context.Context, deviceID, key string, limit int) ([]domain.ReadingSample, error)
}

// opsServer serves health, metrics and read-mostly device endpoints.
type opsServer struct {
	health   *health.HealthChecker
	metrics  http.Handler
	polling  pollingAPI
	realtime realtimeAPI
	status   coilStatusAPI
	control  controlAPI
	audit    auditAPI
	history  historyAPI
	extra    func() map[string]interface{}
	logger   zerolog.Logger

	controlWait time.Duration
}

func (s *opsServer) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.health.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.health.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.health.ReadinessHandler).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	d := r.PathPrefix("/devices").Subrouter()
	d.HandleFunc("", s.handleDevices).Methods(http.MethodGet)
	d.HandleFunc("/{id}/state", s.handleDeviceState).Methods(http.MethodGet)
	d.HandleFunc("/{id}/poll", s.handlePollNow).Methods(http.MethodPost)
	d.HandleFunc("/{id}/coils/{target}", s.handleCoilStatus).Methods(http.MethodGet)
	d.HandleFunc("/{id}/control", s.handleControl).Methods(http.MethodPost)
	d.HandleFunc("/{id}/audit", s.handleAudit).Methods(http.MethodGet)
	d.HandleFunc("/{id}/history/{key}", s.handleHistory).Methods(http.MethodGet)

	return r
}

func (s *opsServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"service": serviceName,
		"version": serviceVersion,
		"polling": s.polling.Stats(),
		"devices": s.realtime.Summaries(),
	}
	if s.control != nil {
		body["commands"] = s.control.Stats()
	}
	if s.extra != nil {
		for k, v := range s.extra() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *opsServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.polling.AllDeviceStatuses())
}

func (s *opsServer) handleDeviceState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := s.realtime.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no state for device "+id)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		domain.DeviceState
		Status domain.DeviceStatus `json:"status"`
	}{st, s.realtime.Status(id)})
}

func (s *opsServer) handlePollNow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.polling.PollNow(r.Context(), id); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	ds, err := s.polling.GetDeviceStatus(id)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *opsServer) handleCoilStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	st, err := s.status.CoilStatus(r.Context(), vars["id"], vars["target"])
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *opsServer) handleControl(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		writeError(w, http.StatusServiceUnavailable, "control disabled")
		return
	}
	var req domain.ControlRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid control request: "+err.Error())
		return
	}
	req.DeviceID = mux.Vars(r)["id"]

	ch, err := s.control.Submit(req)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	wait := s.controlWait
	if wait <= 0 {
		wait = 35 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case res := <-ch:
		code := http.StatusOK
		if !res.Succeeded() {
			code = http.StatusBadGateway
			if failedBeforeWrite(res) {
				code = http.StatusBadRequest
			}
		}
		writeJSON(w, code, res)
	case <-timer.C:
		writeError(w, http.StatusAccepted, "control request queued, result not ready")
	case <-r.Context().Done():
	}
}

// failedBeforeWrite reports a request rejected while resolving: unknown
// device, target or action, or a failed toggle pre-read.
func failedBeforeWrite(res domain.ControlResult) bool {
	for _, st := range res.Path {
		if st == domain.StateWriting {
			return false
		}
	}
	return true
}

func (s *opsServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "audit store disabled")
		return
	}
	entries, err := s.audit.ListByDevice(r.Context(), mux.Vars(r)["id"], queryInt(r, "limit", 50))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list audit entries")
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *opsServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "reading history disabled")
		return
	}
	vars := mux.Vars(r)
	samples, err := s.history.Recent(r.Context(), vars["id"], vars["key"], queryInt(r, "limit", 100))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to query reading history")
		writeError(w, http.StatusInternalServerError, "failed to query reading history")
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func queryInt(r *http.Request, name string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && v > 0 {
		return v
	}
	return def
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrServiceStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
