package domain

import (
	"fmt"
	"strings"
	"time"
)

// Coil values used by single-coil writes.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// ControlAction is what a control request asks the coil to do.
type ControlAction string

const (
	ActionOn     ControlAction = "ON"
	ActionOff    ControlAction = "OFF"
	ActionToggle ControlAction = "TOGGLE"
)

// ParseControlAction normalizes an action. "1" and "0" are aliases for ON and OFF.
func ParseControlAction(s string) (ControlAction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ON", "1":
		return ActionOn, nil
	case "OFF", "0":
		return ActionOff, nil
	case "TOGGLE":
		return ActionToggle, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
}

// CoilValue returns the value to write for a fixed action, honoring write
// inversion. TOGGLE has no fixed value and must be resolved from a pre-read.
func (a ControlAction) CoilValue(writeInverted bool) (uint16, bool) {
	switch a {
	case ActionOn:
		if writeInverted {
			return CoilOff, true
		}
		return CoilOn, true
	case ActionOff:
		if writeInverted {
			return CoilOn, true
		}
		return CoilOff, true
	default:
		return 0, false
	}
}

// ToggleValue returns the value that flips a coil read as current.
func ToggleValue(current bool) uint16 {
	if current {
		return CoilOff
	}
	return CoilOn
}

// ControlRequest is an operator command against one coil of one device.
type ControlRequest struct {
	RequestID     string    `json:"request_id,omitempty"`
	DeviceID      string    `json:"device_id"`
	ControlMode   string    `json:"control_mode,omitempty"`
	ControlTarget string    `json:"control_target"`
	Action        string    `json:"action"`
	Reason        string    `json:"reason,omitempty"`
	Operator      string    `json:"operator,omitempty"`
	ProjectID     string    `json:"project_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ControlStatus is the terminal outcome recorded in the audit log.
type ControlStatus string

const (
	ControlSuccess ControlStatus = "success"
	ControlFailed  ControlStatus = "failed"
)

// Tier tells whether a result was produced by hardware or by the simulator.
type Tier string

const (
	TierHardware Tier = "hardware"
	TierVirtual  Tier = "virtual"
	TierNone     Tier = "none"
)

// ControlState is a step of the control executor.
type ControlState string

const (
	StateResolving       ControlState = "resolving"
	StateWriting         ControlState = "writing"
	StateVerifying       ControlState = "verifying"
	StateVirtualFallback ControlState = "virtual_fallback"
	StateCompleted       ControlState = "completed"
	StateFailed          ControlState = "failed"
)

// Terminal reports whether no further transition can happen.
func (s ControlState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ControlResult is what the executor returns for one request.
type ControlResult struct {
	RequestID    string         `json:"request_id"`
	DeviceID     string         `json:"device_id"`
	Target       string         `json:"control_target"`
	Action       string         `json:"action"`
	Status       ControlStatus  `json:"status"`
	Tier         Tier           `json:"tier"`
	Address      uint16         `json:"address"`
	CoilValue    uint16         `json:"coil_value"`
	Verified     bool           `json:"verified"`
	Warning      string         `json:"warning,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Attempts     int            `json:"attempts"`
	Path         []ControlState `json:"path"`
	ExecutedAt   time.Time      `json:"executed_at"`
}

// Succeeded reports whether the request reached a success terminal state.
func (r *ControlResult) Succeeded() bool {
	return r.Status == ControlSuccess
}

// AuditEntry is the immutable record of a control attempt.
type AuditEntry struct {
	ID            string        `json:"id"`
	RequestID     string        `json:"request_id"`
	DeviceID      string        `json:"device_id"`
	ControlMode   string        `json:"control_mode"`
	ControlTarget string        `json:"control_target"`
	Action        string        `json:"action"`
	Reason        string        `json:"reason"`
	Operator      string        `json:"operator"`
	ProjectID     string        `json:"project_id"`
	Status        ControlStatus `json:"status"`
	Tier          Tier          `json:"tier"`
	ErrorMessage  *string       `json:"error_message"`
	Verified      bool          `json:"verified"`
	Warning       *string       `json:"warning"`
	RequestedAt   time.Time     `json:"requested_at"`
	ExecutedAt    time.Time     `json:"executed_at"`
}

// NewAuditEntry builds the audit record for a finished request.
func NewAuditEntry(id string, req ControlRequest, res ControlResult) AuditEntry {
	entry := AuditEntry{
		ID:            id,
		RequestID:     req.RequestID,
		DeviceID:      req.DeviceID,
		ControlMode:   req.ControlMode,
		ControlTarget: req.ControlTarget,
		Action:        req.Action,
		Reason:        req.Reason,
		Operator:      req.Operator,
		ProjectID:     req.ProjectID,
		Status:        res.Status,
		Tier:          res.Tier,
		Verified:      res.Verified,
		RequestedAt:   req.Timestamp,
		ExecutedAt:    res.ExecutedAt,
	}
	if res.ErrorMessage != "" {
		msg := res.ErrorMessage
		entry.ErrorMessage = &msg
	}
	if res.Warning != "" {
		w := res.Warning
		entry.Warning = &w
	}
	return entry
}
