// Package virtual simulates device coils when hardware cannot be reached and
// caches recent coil status reads.
package virtual

import (
	"sort"
	"sync"

	"github.com/nexus-edge/meter-gateway/internal/domain"
)

// Device is an in-memory coil store keyed by device and address. Addresses
// never written read as OFF. Entries never expire.
type Device struct {
	mu    sync.RWMutex
	coils map[string]map[uint16]bool
}

var _ domain.VirtualCoils = (*Device)(nil)

// NewDevice creates an empty simulator.
func NewDevice() *Device {
	return &Device{coils: make(map[string]map[uint16]bool)}
}

// WriteCoil sets a simulated coil.
func (d *Device) WriteCoil(deviceID string, address uint16, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.coils[deviceID]
	if !ok {
		m = make(map[uint16]bool)
		d.coils[deviceID] = m
	}
	m[address] = on
}

// ReadCoil returns a simulated coil, OFF when unseen.
func (d *Device) ReadCoil(deviceID string, address uint16) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.coils[deviceID][address]
}

// CoilState is one simulated coil.
type CoilState struct {
	Address uint16 `json:"address"`
	On      bool   `json:"on"`
}

// Coils lists every coil written for a device, by address.
func (d *Device) Coils(deviceID string) []CoilState {
	d.mu.RLock()
	m := d.coils[deviceID]
	out := make([]CoilState, 0, len(m))
	for addr, on := range m {
		out = append(out, CoilState{Address: addr, On: on})
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Reset forgets all coils of a device.
func (d *Device) Reset(deviceID string) {
	d.mu.Lock()
	delete(d.coils, deviceID)
	d.mu.Unlock()
}
