// Package domain contains core business entities.
package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error classes. Every error produced by the transport, the decoder or the
// control executor wraps exactly one of these.
var (
	ErrConnectivity     = errors.New("connectivity error")
	ErrProtocolMismatch = errors.New("protocol mismatch")
	ErrDecode           = errors.New("decode error")
	ErrConfiguration    = errors.New("configuration error")
)

// Configuration errors. Never retried.
var (
	ErrDeviceIDRequired      = fmt.Errorf("%w: device ID is required", ErrConfiguration)
	ErrMissingHost           = fmt.Errorf("%w: device has no host configured", ErrConfiguration)
	ErrInvalidPort           = fmt.Errorf("%w: invalid port", ErrConfiguration)
	ErrInvalidVariant        = fmt.Errorf("%w: unknown protocol variant", ErrConfiguration)
	ErrInvalidFunctionCode   = fmt.Errorf("%w: unsupported function code", ErrConfiguration)
	ErrPollIntervalTooShort  = fmt.Errorf("%w: poll interval must be at least 1s", ErrConfiguration)
	ErrDeviceNotFound        = fmt.Errorf("%w: device not found", ErrConfiguration)
	ErrDeviceExists          = fmt.Errorf("%w: device already exists", ErrConfiguration)
	ErrDeviceDisabled        = fmt.Errorf("%w: device is disabled", ErrConfiguration)
	ErrUnknownControlTarget  = fmt.Errorf("%w: unknown control target", ErrConfiguration)
	ErrTargetNotControllable = fmt.Errorf("%w: target is not controllable", ErrConfiguration)
	ErrInvalidAction         = fmt.Errorf("%w: invalid control action", ErrConfiguration)
	ErrInvalidTemplate       = fmt.Errorf("%w: invalid device template", ErrConfiguration)
)

// Connectivity errors.
var (
	ErrConnectionFailed   = fmt.Errorf("%w: connection failed", ErrConnectivity)
	ErrConnectionTimeout  = fmt.Errorf("%w: connection timeout", ErrConnectivity)
	ErrMaxRetriesExceeded = fmt.Errorf("%w: maximum retry attempts exceeded", ErrConnectivity)
	ErrCircuitBreakerOpen = fmt.Errorf("%w: circuit breaker is open", ErrConnectivity)
	ErrAllReadPathsFailed = fmt.Errorf("%w: all read paths failed", ErrConnectivity)
)

// Protocol errors.
var (
	ErrUnitMismatch           = fmt.Errorf("%w: response unit id does not match request", ErrProtocolMismatch)
	ErrFunctionMismatch       = fmt.Errorf("%w: response function code does not match request", ErrProtocolMismatch)
	ErrTransactionMismatch    = fmt.Errorf("%w: response transaction id does not match request", ErrProtocolMismatch)
	ErrCRCMismatch            = fmt.Errorf("%w: response CRC check failed", ErrProtocolMismatch)
	ErrShortResponse          = fmt.Errorf("%w: response too short", ErrProtocolMismatch)
	ErrWriteEchoMismatch      = fmt.Errorf("%w: write echo does not match request", ErrProtocolMismatch)
	ErrInvalidRegisterCount   = fmt.Errorf("%w: invalid register count", ErrProtocolMismatch)
	ErrModbusUnknownException = fmt.Errorf("%w: modbus: unknown exception", ErrProtocolMismatch)
)

// Decode errors.
var (
	ErrInsufficientWords = fmt.Errorf("%w: insufficient words", ErrDecode)
	ErrInvalidScale      = fmt.Errorf("%w: non-numeric scale", ErrDecode)
)

// Modbus exception responses.
var (
	ErrModbusIllegalFunction        = fmt.Errorf("%w: modbus: illegal function", ErrProtocolMismatch)
	ErrModbusIllegalAddress         = fmt.Errorf("%w: modbus: illegal data address", ErrProtocolMismatch)
	ErrModbusIllegalValue           = fmt.Errorf("%w: modbus: illegal data value", ErrProtocolMismatch)
	ErrModbusDeviceFailure          = fmt.Errorf("%w: modbus: slave device failure", ErrProtocolMismatch)
	ErrModbusAcknowledge            = fmt.Errorf("%w: modbus: acknowledge - long operation in progress", ErrProtocolMismatch)
	ErrModbusBusy                   = fmt.Errorf("%w: modbus: slave device busy", ErrProtocolMismatch)
	ErrModbusNegativeAck            = fmt.Errorf("%w: modbus: negative acknowledge", ErrProtocolMismatch)
	ErrModbusMemoryParityError      = fmt.Errorf("%w: modbus: memory parity error", ErrProtocolMismatch)
	ErrModbusGatewayPathUnavailable = fmt.Errorf("%w: modbus: gateway path unavailable", ErrProtocolMismatch)
	ErrModbusGatewayTargetFailed    = fmt.Errorf("%w: modbus: gateway target device failed to respond", ErrProtocolMismatch)
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
	ErrMQTTSubscribeFailed  = errors.New("MQTT subscribe failed")
)

// Service errors.
var (
	ErrServiceNotStarted = errors.New("service not started")
	ErrServiceStopped    = errors.New("service has been stopped")
	ErrQueueFull         = errors.New("control queue is full")
)

// ModbusExceptionToError converts a Modbus exception code to a domain error.
func ModbusExceptionToError(code byte) error {
	switch code {
	case 0x01:
		return ErrModbusIllegalFunction
	case 0x02:
		return ErrModbusIllegalAddress
	case 0x03:
		return ErrModbusIllegalValue
	case 0x04:
		return ErrModbusDeviceFailure
	case 0x05:
		return ErrModbusAcknowledge
	case 0x06:
		return ErrModbusBusy
	case 0x07:
		return ErrModbusNegativeAck
	case 0x08:
		return ErrModbusMemoryParityError
	case 0x0A:
		return ErrModbusGatewayPathUnavailable
	case 0x0B:
		return ErrModbusGatewayTargetFailed
	default:
		return ErrModbusUnknownException
	}
}

// ErrorKind is the coarse class of an error, used for log fields and metric labels.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindConnectivity  ErrorKind = "connectivity"
	KindProtocol      ErrorKind = "protocol_mismatch"
	KindDecode        ErrorKind = "decode"
	KindConfiguration ErrorKind = "configuration"
	KindUnknown       ErrorKind = "unknown"
)

// ClassifyError maps an error onto the taxonomy. Raw network errors and
// context deadlines count as connectivity problems.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	switch {
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrDecode):
		return KindDecode
	case errors.Is(err, ErrProtocolMismatch):
		return KindProtocol
	case errors.Is(err, ErrConnectivity):
		return KindConnectivity
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindConnectivity
	}
	return KindUnknown
}
