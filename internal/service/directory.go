package service

import (
	"sort"
	"sync"

	"github.com/nexus-edge/meter-gateway/internal/domain"
)

// DeviceRegistry is the in-memory DeviceDirectory shared by the executor,
// the status service and the ops handlers.
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[string]*domain.DeviceEndpoint
}

// NewDeviceRegistry indexes endpoints by id.
func NewDeviceRegistry(endpoints []*domain.DeviceEndpoint) *DeviceRegistry {
	r := &DeviceRegistry{devices: make(map[string]*domain.DeviceEndpoint, len(endpoints))}
	for _, ep := range endpoints {
		r.devices[ep.ID] = ep
	}
	return r
}

// Endpoint implements DeviceDirectory.
func (r *DeviceRegistry) Endpoint(deviceID string) (*domain.DeviceEndpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.devices[deviceID]
	return ep, ok
}

// Add registers an endpoint, replacing one with the same id.
func (r *DeviceRegistry) Add(ep *domain.DeviceEndpoint) {
	r.mu.Lock()
	r.devices[ep.ID] = ep
	r.mu.Unlock()
}

// Remove forgets an endpoint.
func (r *DeviceRegistry) Remove(deviceID string) {
	r.mu.Lock()
	delete(r.devices, deviceID)
	r.mu.Unlock()
}

// List returns all endpoints sorted by id.
func (r *DeviceRegistry) List() []*domain.DeviceEndpoint {
	r.mu.RLock()
	out := make([]*domain.DeviceEndpoint, 0, len(r.devices))
	for _, ep := range r.devices {
		out = append(out, ep)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
