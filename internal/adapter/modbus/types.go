// Package modbus talks to field devices over Modbus-TCP, RTU-over-TCP and a
// raw MBAP fallback, behind a single domain.Transport.
package modbus

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/meter-gateway/internal/domain"
)

// Wire names, used in logs, metrics and write reports.
const (
	WireModbusTCP  = "modbus_tcp"
	WireRTUOverTCP = "rtu_over_tcp"
	WireRawMBAP    = "raw_mbap"
)

// Target is one concrete destination for a wire exchange.
type Target struct {
	// Address is host:port
	Address string
	// UnitID is the Modbus unit/slave id
	UnitID byte
	// Timeout bounds connect plus request/response
	Timeout time.Duration
}

// Wire is one framing variant. Implementations must bound every socket
// operation by Target.Timeout and must not be called concurrently for the
// same device (the Transport serializes per device).
type Wire interface {
	Name() string
	ReadRegisters(ctx context.Context, t Target, fn domain.FunctionCode, address, count uint16) ([]uint16, error)
	// WriteSingle performs FC5 or FC6 and returns nil only on a confirmed echo.
	WriteSingle(ctx context.Context, t Target, fn domain.FunctionCode, address, value uint16) error
	Close() error
}

// Wires is the set of variants a Transport dispatches to.
type Wires struct {
	TCP Wire
	RTU Wire
	Raw Wire
}

// TransportConfig holds the read/write policy.
type TransportConfig struct {
	// WriteAttempts bounds write retries (clamped to 2-4)
	WriteAttempts int

	// AttemptTimeout bounds each write attempt per wire (clamped to 0.8s-3s)
	AttemptTimeout time.Duration

	// AttemptDelay is the sleep between write attempts (clamped to 0.1s-0.5s)
	AttemptDelay time.Duration

	// ReadTimeout bounds each read path
	ReadTimeout time.Duration

	// DefaultPort is tried as a read fallback when a device uses another port
	DefaultPort int

	// IdleTimeout closes cached Modbus-TCP connections that were not used
	IdleTimeout time.Duration

	// BreakerEnabled guards the poll read path with a per-device circuit breaker
	BreakerEnabled bool
}

// DefaultTransportConfig returns the policy used when nothing is configured.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		WriteAttempts:  3,
		AttemptTimeout: 1500 * time.Millisecond,
		AttemptDelay:   300 * time.Millisecond,
		ReadTimeout:    2 * time.Second,
		DefaultPort:    domain.DefaultModbusPort,
		IdleTimeout:    2 * time.Minute,
		BreakerEnabled: true,
	}
}

// normalize fills zero values and clamps the write policy to its bounds.
func (c TransportConfig) normalize() TransportConfig {
	def := DefaultTransportConfig()
	if c.WriteAttempts == 0 {
		c.WriteAttempts = def.WriteAttempts
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.AttemptDelay == 0 {
		c.AttemptDelay = def.AttemptDelay
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.DefaultPort == 0 {
		c.DefaultPort = def.DefaultPort
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	c.WriteAttempts = clampInt(c.WriteAttempts, 2, 4)
	c.AttemptTimeout = clampDuration(c.AttemptTimeout, 800*time.Millisecond, 3*time.Second)
	c.AttemptDelay = clampDuration(c.AttemptDelay, 100*time.Millisecond, 500*time.Millisecond)
	return c
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// linkStats tracks per-device transport counters.
type linkStats struct {
	ReadCount      atomic.Uint64
	WriteCount     atomic.Uint64
	ErrorCount     atomic.Uint64
	FallbackCount  atomic.Uint64
	RetryCount     atomic.Uint64
	TotalReadTime  atomic.Int64 // nanoseconds
	TotalWriteTime atomic.Int64 // nanoseconds
}

// DeviceStats contains statistics for a specific device.
type DeviceStats struct {
	DeviceID       string  `json:"device_id"`
	ReadCount      uint64  `json:"read_count"`
	WriteCount     uint64  `json:"write_count"`
	ErrorCount     uint64  `json:"error_count"`
	FallbackCount  uint64  `json:"fallback_count"`
	RetryCount     uint64  `json:"retry_count"`
	AvgReadTimeMs  float64 `json:"avg_read_time_ms"`
	AvgWriteTimeMs float64 `json:"avg_write_time_ms"`
}

// DeviceHealth contains health information for a single device.
type DeviceHealth struct {
	DeviceID           string    `json:"device_id"`
	CircuitBreakerOpen bool      `json:"circuit_breaker_open"`
	LastError          string    `json:"last_error,omitempty"`
	LastSuccess        time.Time `json:"last_success"`
}
