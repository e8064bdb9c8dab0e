// Package domain contains the core business entities and interfaces.
// These are wire-agnostic and represent the core concepts of the system.
package domain

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultModbusPort is the well-known Modbus TCP port.
const DefaultModbusPort = 502

// MinPollInterval is the shortest interval a device may be polled at.
const MinPollInterval = time.Second

// DeviceStatus represents the current reachability of a device.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusUnknown DeviceStatus = "unknown"
)

// ProtocolVariant selects the framing used to talk to a device.
// It is a closed set; ParseProtocolVariant rejects anything else.
type ProtocolVariant string

const (
	// VariantModbusTCP is standard Modbus-TCP (MBAP framing).
	VariantModbusTCP ProtocolVariant = "modbus_tcp"
	// VariantRTUOverTCP is an RTU frame with CRC16 carried over a raw TCP socket,
	// as spoken by most serial-to-ethernet converters.
	VariantRTUOverTCP ProtocolVariant = "rtu_over_tcp"
)

// ParseProtocolVariant normalizes the protocol names found in device lists.
// "tcp" is the legacy name for RTU-over-TCP converters.
func ParseProtocolVariant(s string) (ProtocolVariant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "modbus_tcp", "modbus-tcp", "modbustcp", "mbap":
		return VariantModbusTCP, nil
	case "tcp", "rtu_over_tcp", "rtu-over-tcp", "rtuovertcp", "rtu":
		return VariantRTUOverTCP, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVariant, s)
	}
}

// String implements fmt.Stringer.
func (v ProtocolVariant) String() string { return string(v) }

// DeviceEndpoint describes one field device and how to reach it.
// An endpoint is treated as immutable once handed to the scheduler.
type DeviceEndpoint struct {
	// ID is the unique identifier for this device
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable name for the device
	Name string `json:"name" yaml:"name"`

	// ProjectID groups devices for downstream persistence
	ProjectID string `json:"project_id" yaml:"project_id"`

	// Host is the IP address or hostname of the device or converter
	Host string `json:"host" yaml:"host"`

	// Port is the TCP port number
	Port int `json:"port" yaml:"port"`

	// UnitID is the Modbus unit/slave id (1-247)
	UnitID uint8 `json:"unit_id" yaml:"unit_id"`

	// Variant selects the wire framing
	Variant ProtocolVariant `json:"protocol" yaml:"protocol"`

	// PollInterval overrides the scheduler default when non-zero
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// Enabled indicates whether this device should be actively polled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Registers are the parameters read from (and written to) this device
	Registers []RegisterDescriptor `json:"registers" yaml:"-"`

	// Targets maps symbolic control target names onto coil addresses,
	// extending the built-in table.
	Targets map[string]TargetOverride `json:"targets,omitempty" yaml:"targets,omitempty"`
}

// TargetOverride binds a symbolic control target to a coil.
type TargetOverride struct {
	Address       uint16 `json:"address" yaml:"address"`
	WriteInverted bool   `json:"write_inverted,omitempty" yaml:"write_inverted,omitempty"`
}

// Validate performs validation on the endpoint configuration.
func (d *DeviceEndpoint) Validate() error {
	if d.ID == "" {
		return ErrDeviceIDRequired
	}
	if strings.TrimSpace(d.Host) == "" {
		return fmt.Errorf("%w: device %q", ErrMissingHost, d.ID)
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, d.Port)
	}
	if d.Variant != VariantModbusTCP && d.Variant != VariantRTUOverTCP {
		return fmt.Errorf("%w: %q", ErrInvalidVariant, d.Variant)
	}
	if d.PollInterval != 0 && d.PollInterval < MinPollInterval {
		return ErrPollIntervalTooShort
	}
	for i := range d.Registers {
		if err := d.Registers[i].Validate(); err != nil {
			return fmt.Errorf("invalid register %q for device %q: %w", d.Registers[i].Key, d.ID, err)
		}
	}
	return nil
}

// EffectivePort returns the configured port or the Modbus default.
func (d *DeviceEndpoint) EffectivePort() int {
	if d.Port == 0 {
		return DefaultModbusPort
	}
	return d.Port
}

// Address returns host:port for dialing.
func (d *DeviceEndpoint) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.EffectivePort()))
}

// AddressWithPort returns host:port using an explicit port.
func (d *DeviceEndpoint) AddressWithPort(port int) string {
	return net.JoinHostPort(d.Host, strconv.Itoa(port))
}

// ReadableRegisters returns the descriptors the poller should sample.
func (d *DeviceEndpoint) ReadableRegisters() []RegisterDescriptor {
	out := make([]RegisterDescriptor, 0, len(d.Registers))
	for _, r := range d.Registers {
		if r.Function.IsRead() {
			out = append(out, r)
		}
	}
	return out
}

// Register looks up a descriptor by key.
func (d *DeviceEndpoint) Register(key string) (RegisterDescriptor, bool) {
	for _, r := range d.Registers {
		if r.Key == key {
			return r, true
		}
	}
	return RegisterDescriptor{}, false
}
