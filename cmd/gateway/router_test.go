package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nexus-edge/meter-gateway/internal/domain"
	"github.com/nexus-edge/meter-gateway/internal/health"
	"github.com/nexus-edge/meter-gateway/internal/realtime"
	"github.com/nexus-edge/meter-gateway/internal/service"
	"github.com/nexus-edge/meter-gateway/internal/virtual"
	"github.com/rs/zerolog"
)

type stubPolling struct{}

func (stubPolling) Stats() service.StatsSnapshot { return service.StatsSnapshot{Devices: 1, TotalPolls: 7} }
func (stubPolling) AllDeviceStatuses() []*service.DeviceStatus {
	return []*service.DeviceStatus{{DeviceID: "meter-1"}}
}
func (stubPolling) GetDeviceStatus(id string) (*service.DeviceStatus, error) {
	if id != "meter-1" {
		return nil, domain.ErrDeviceNotFound
	}
	return &service.DeviceStatus{DeviceID: id, PollCount: 1}, nil
}
func (stubPolling) PollNow(_ context.Context, id string) error {
	if id != "meter-1" {
		return domain.ErrDeviceNotFound
	}
	return nil
}

type stubStatus struct{}

func (stubStatus) CoilStatus(_ context.Context, deviceID, target string) (virtual.CoilStatus, error) {
	if target == "bogus" {
		return virtual.CoilStatus{}, domain.ErrUnknownControlTarget
	}
	return virtual.CoilStatus{DeviceID: deviceID, Address: 16, On: true, Tier: domain.TierHardware}, nil
}

type stubControl struct {
	result domain.ControlResult
	err    error
	got    domain.ControlRequest
}

func (c *stubControl) Submit(req domain.ControlRequest) (<-chan domain.ControlResult, error) {
	c.got = req
	if c.err != nil {
		return nil, c.err
	}
	ch := make(chan domain.ControlResult, 1)
	ch <- c.result
	return ch, nil
}

func (c *stubControl) Stats() map[string]uint64 { return map[string]uint64{"commands_received": 1} }

func newTestOps(control *stubControl) (*opsServer, *realtime.Store) {
	store := realtime.NewStore(0)
	return &opsServer{
		health:   health.NewChecker(health.Config{ServiceName: serviceName, ServiceVersion: serviceVersion}),
		polling:  stubPolling{},
		realtime: store,
		status:   stubStatus{},
		control:  control,
		logger:   zerolog.Nop(),
	}, store
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestOpsRouter_ReadEndpoints(t *testing.T) {
	ops, store := newTestOps(&stubControl{})
	store.Set("meter-1", domain.DeviceState{
		DeviceID: "meter-1",
		Values:   map[string]*float64{"voltage_a": domain.Float(231)},
		LastSeen: time.Now(),
	})
	r := ops.router()

	tests := []struct {
		name     string
		method   string
		path     string
		wantCode int
		wantBody string
	}{
		{"health", http.MethodGet, "/health/live", http.StatusOK, ""},
		{"status", http.MethodGet, "/status", http.StatusOK, `"total_polls":7`},
		{"devices", http.MethodGet, "/devices", http.StatusOK, `"device_id":"meter-1"`},
		{"state", http.MethodGet, "/devices/meter-1/state", http.StatusOK, `"status":"online"`},
		{"state unknown", http.MethodGet, "/devices/nope/state", http.StatusNotFound, ""},
		{"poll now", http.MethodPost, "/devices/meter-1/poll", http.StatusOK, `"poll_count":1`},
		{"poll unknown", http.MethodPost, "/devices/nope/poll", http.StatusNotFound, ""},
		{"coil status", http.MethodGet, "/devices/meter-1/coils/relay1", http.StatusOK, `"on":true`},
		{"coil bad target", http.MethodGet, "/devices/meter-1/coils/bogus", http.StatusBadRequest, ""},
		{"audit disabled", http.MethodGet, "/devices/meter-1/audit", http.StatusNotFound, ""},
		{"history disabled", http.MethodGet, "/devices/meter-1/history/voltage_a", http.StatusNotFound, ""},
		{"wrong method", http.MethodDelete, "/devices/meter-1/state", http.StatusMethodNotAllowed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, r, tt.method, tt.path, "")
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body %s does not contain %s", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestOpsRouter_Control(t *testing.T) {
	tests := []struct {
		name     string
		control  *stubControl
		body     string
		wantCode int
	}{
		{
			name: "success",
			control: &stubControl{result: domain.ControlResult{
				Status: domain.ControlSuccess, Tier: domain.TierHardware,
				Path: []domain.ControlState{domain.StateResolving, domain.StateWriting, domain.StateCompleted},
			}},
			body:     `{"control_target":"do1","action":"on"}`,
			wantCode: http.StatusOK,
		},
		{
			name: "rejected while resolving",
			control: &stubControl{result: domain.ControlResult{
				Status: domain.ControlFailed,
				Path:   []domain.ControlState{domain.StateResolving, domain.StateFailed},
			}},
			body:     `{"control_target":"nope","action":"on"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name: "device unreachable",
			control: &stubControl{result: domain.ControlResult{
				Status: domain.ControlFailed,
				Path:   []domain.ControlState{domain.StateResolving, domain.StateWriting, domain.StateFailed},
			}},
			body:     `{"control_target":"do1","action":"on"}`,
			wantCode: http.StatusBadGateway,
		},
		{
			name:     "queue full",
			control:  &stubControl{err: domain.ErrQueueFull},
			body:     `{"control_target":"do1","action":"on"}`,
			wantCode: http.StatusServiceUnavailable,
		},
		{
			name:     "bad json",
			control:  &stubControl{},
			body:     `{`,
			wantCode: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops, _ := newTestOps(tt.control)
			rec := do(t, ops.router(), http.MethodPost, "/devices/meter-1/control", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
		})
	}
}

func TestOpsRouter_ControlUsesPathDevice(t *testing.T) {
	control := &stubControl{result: domain.ControlResult{Status: domain.ControlSuccess}}
	ops, _ := newTestOps(control)
	rec := do(t, ops.router(), http.MethodPost, "/devices/meter-7/control",
		`{"device_id":"other","control_target":"relay1","action":"toggle","operator":"ops"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if control.got.DeviceID != "meter-7" {
		t.Errorf("DeviceID = %q, want meter-7", control.got.DeviceID)
	}

	var res domain.ControlResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Status != domain.ControlSuccess {
		t.Errorf("Status = %s", res.Status)
	}
}
