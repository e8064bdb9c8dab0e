package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FunctionCode is the Modbus function used to access a register.
type FunctionCode uint8

const (
	FuncReadCoils            FunctionCode = 1
	FuncReadHoldingRegisters FunctionCode = 3
	FuncReadInputRegisters   FunctionCode = 4
	FuncWriteSingleCoil      FunctionCode = 5
	FuncWriteSingleRegister  FunctionCode = 6
)

// IsRead reports whether the poller samples registers with this function.
func (f FunctionCode) IsRead() bool {
	return f == FuncReadCoils || f == FuncReadHoldingRegisters || f == FuncReadInputRegisters
}

// IsControl reports whether a register with this function may be a control target.
// Only coils are controllable; holding/input registers are poll-only.
func (f FunctionCode) IsControl() bool {
	return f == FuncReadCoils || f == FuncWriteSingleCoil
}

// AlternateRead returns the other register-read function (3 <-> 4).
func (f FunctionCode) AlternateRead() (FunctionCode, bool) {
	switch f {
	case FuncReadHoldingRegisters:
		return FuncReadInputRegisters, true
	case FuncReadInputRegisters:
		return FuncReadHoldingRegisters, true
	default:
		return 0, false
	}
}

// Valid reports whether the code is one the gateway speaks.
func (f FunctionCode) Valid() bool {
	switch f {
	case FuncReadCoils, FuncReadHoldingRegisters, FuncReadInputRegisters, FuncWriteSingleCoil, FuncWriteSingleRegister:
		return true
	}
	return false
}

// DataType tells the decoder how to combine register words.
type DataType string

const (
	DataTypeInt16  DataType = "int16"
	DataTypeUInt32 DataType = "uint32"
	DataTypeInt32  DataType = "int32"
	// DataTypeDefault reads the first word as unsigned.
	DataTypeDefault DataType = ""
)

// Scale is the divisor applied to a decoded register value. Templates may
// carry it as a number or a numeric string; anything else decodes to NaN so
// the parameter reads as null rather than failing the whole template.
type Scale float64

// Valid reports whether the scale can be used as a divisor.
func (s Scale) Valid() bool {
	f := float64(s)
	return f != 0 && !math.IsNaN(f) && !math.IsInf(f, 0)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Scale) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = 1
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		str = strings.TrimSpace(str)
		if str == "" {
			*s = 1
			return nil
		}
		f, err := strconv.ParseFloat(str, 64)
		if err != nil {
			*s = Scale(math.NaN())
			return nil
		}
		*s = Scale(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*s = Scale(f)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s Scale) MarshalJSON() ([]byte, error) {
	f := float64(s)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

// RegisterDescriptor is one parameter of a device template.
type RegisterDescriptor struct {
	// Key is the parameter name, unique within a device
	Key string `json:"key"`

	// Address is the zero-based register or coil address
	Address uint16 `json:"address"`

	// Function is the Modbus function used to read (or write) it
	Function FunctionCode `json:"function"`

	// Words is the number of 16-bit registers to read
	Words uint16 `json:"words,omitempty"`

	// DataType selects how words are combined
	DataType DataType `json:"datatype,omitempty"`

	// Scale divides the raw value
	Scale Scale `json:"scale,omitempty"`

	// Unit is the engineering unit (e.g., "V", "kWh")
	Unit string `json:"unit,omitempty"`

	Description string `json:"description,omitempty"`

	// Inverted flips the reported state of a coil
	Inverted bool `json:"inverted,omitempty"`

	// WriteInverted swaps the ON/OFF coil values on write
	WriteInverted bool `json:"write_inverted,omitempty"`
}

// Validate checks the descriptor is usable.
func (r *RegisterDescriptor) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("%w: register key is required", ErrInvalidTemplate)
	}
	if !r.Function.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidFunctionCode, r.Function)
	}
	if r.Words > 125 {
		return fmt.Errorf("%w: %d words exceeds protocol limit", ErrInvalidTemplate, r.Words)
	}
	return nil
}

// WordCount returns the number of registers to request. An unset count
// defaults to what the datatype needs.
func (r *RegisterDescriptor) WordCount() uint16 {
	if r.Words > 0 {
		return r.Words
	}
	switch r.DataType {
	case DataTypeInt32, DataTypeUInt32:
		return 2
	default:
		return 1
	}
}

// EffectiveScale returns the scale, defaulting a zero value to 1.
// Invalid (non-numeric) scales are passed through so the decoder rejects them.
func (r *RegisterDescriptor) EffectiveScale() float64 {
	if r.Scale == 0 {
		return 1
	}
	return float64(r.Scale)
}
