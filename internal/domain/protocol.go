package domain

import (
	"context"
)

// WriteReport describes how a confirmed write got through.
type WriteReport struct {
	// Attempts is the 1-based attempt that succeeded
	Attempts int
	// Wire names the framing that confirmed the write
	Wire string
}

// Transport is the single entry point to field devices. Implementations
// serialize operations per device and never panic on device input.
type Transport interface {
	// ReadRegisters reads count registers. For FuncReadCoils it returns one
	// word per coil, 0 or 1.
	ReadRegisters(ctx context.Context, ep *DeviceEndpoint, fn FunctionCode, address, count uint16) ([]uint16, error)

	// ReadCoil reads a single coil.
	ReadCoil(ctx context.Context, ep *DeviceEndpoint, address uint16) (bool, error)

	// WriteCoil writes 0xFF00 or 0x0000 to a coil.
	WriteCoil(ctx context.Context, ep *DeviceEndpoint, address, value uint16) (WriteReport, error)

	// WriteRegister writes a single holding register.
	WriteRegister(ctx context.Context, ep *DeviceEndpoint, address, value uint16) (WriteReport, error)

	// HealthCheck reports whether the transport is usable.
	HealthCheck(ctx context.Context) error

	// Close releases all connections.
	Close() error
}

// RealtimeRepository holds the latest state per device. Implementations are
// safe for concurrent use and never hold their lock across I/O.
type RealtimeRepository interface {
	Get(deviceID string) (DeviceState, bool)
	Set(deviceID string, state DeviceState)
	// Update applies fn to the device state atomically, creating it if absent.
	Update(deviceID string, fn func(*DeviceState))
	Snapshot() map[string]DeviceState
}

// ReadingSink receives every poll batch (push_reading).
type ReadingSink interface {
	PushReading(ctx context.Context, batch ReadingBatch) error
}

// AuditSink persists audit entries. It is append-only.
type AuditSink interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// VirtualCoils is the simulator used when hardware cannot be reached.
type VirtualCoils interface {
	WriteCoil(deviceID string, address uint16, on bool)
	ReadCoil(deviceID string, address uint16) bool
}
