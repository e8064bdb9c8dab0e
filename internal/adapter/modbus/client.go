package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/meter-gateway/internal/domain"
	"github.com/rs/zerolog"
)

// tcpWire speaks standard Modbus-TCP through goburrow/modbus. Connections
// are cached per address and unit and dropped on the first error.
type tcpWire struct {
	logger zerolog.Logger
	mu     sync.Mutex
	conns  map[string]*tcpConn
}

type tcpConn struct {
	handler  *modbus.TCPClientHandler
	client   modbus.Client
	opMu     sync.Mutex // goburrow client is NOT thread-safe
	lastUsed time.Time
}

// NewTCPWire creates the Modbus-TCP wire.
func NewTCPWire(logger zerolog.Logger) Wire {
	return &tcpWire{
		logger: logger.With().Str("wire", WireModbusTCP).Logger(),
		conns:  make(map[string]*tcpConn),
	}
}

func (w *tcpWire) Name() string { return WireModbusTCP }

func connKey(t Target) string {
	return fmt.Sprintf("%s#%d", t.Address, t.UnitID)
}

func (w *tcpWire) conn(t Target) *tcpConn {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := connKey(t)
	if c, ok := w.conns[key]; ok {
		return c
	}
	handler := modbus.NewTCPClientHandler(t.Address)
	handler.SlaveId = t.UnitID
	handler.Timeout = t.Timeout
	c := &tcpConn{handler: handler, client: modbus.NewClient(handler)}
	w.conns[key] = c
	return c
}

func (w *tcpWire) drop(t Target, c *tcpConn) {
	w.mu.Lock()
	if cur, ok := w.conns[connKey(t)]; ok && cur == c {
		delete(w.conns, connKey(t))
	}
	w.mu.Unlock()
	_ = c.handler.Close()
}

// do runs op on the cached connection for t, honoring ctx cancellation.
func (w *tcpWire) do(ctx context.Context, t Target, op func(modbus.Client) ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionTimeout, err)
	}
	c := w.conn(t)
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.handler.Timeout = t.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < c.handler.Timeout {
			c.handler.Timeout = remaining
		}
	}
	c.lastUsed = time.Now()

	data, err := op(c.client)
	if err != nil {
		w.drop(t, c)
		return nil, translateModbusError(err)
	}
	return data, nil
}

func (w *tcpWire) ReadRegisters(ctx context.Context, t Target, fn domain.FunctionCode, address, count uint16) ([]uint16, error) {
	if err := validateReadQuantity(fn, count); err != nil {
		return nil, err
	}
	data, err := w.do(ctx, t, func(c modbus.Client) ([]byte, error) {
		switch fn {
		case domain.FuncReadCoils:
			return c.ReadCoils(address, count)
		case domain.FuncReadHoldingRegisters:
			return c.ReadHoldingRegisters(address, count)
		case domain.FuncReadInputRegisters:
			return c.ReadInputRegisters(address, count)
		default:
			return nil, fmt.Errorf("%w: read with function %d", domain.ErrInvalidFunctionCode, fn)
		}
	})
	if err != nil {
		return nil, err
	}
	if fn == domain.FuncReadCoils {
		return CoilsToWords(data, count)
	}
	words, err := BytesToWords(data)
	if err != nil {
		return nil, err
	}
	if len(words) != int(count) {
		return nil, fmt.Errorf("%w: got %d registers want %d", domain.ErrInvalidRegisterCount, len(words), count)
	}
	return words, nil
}

// WriteSingle relies on goburrow validating the echoed address and value.
func (w *tcpWire) WriteSingle(ctx context.Context, t Target, fn domain.FunctionCode, address, value uint16) error {
	_, err := w.do(ctx, t, func(c modbus.Client) ([]byte, error) {
		switch fn {
		case domain.FuncWriteSingleCoil:
			return c.WriteSingleCoil(address, value)
		case domain.FuncWriteSingleRegister:
			return c.WriteSingleRegister(address, value)
		default:
			return nil, fmt.Errorf("%w: write with function %d", domain.ErrInvalidFunctionCode, fn)
		}
	})
	return err
}

// reapIdle closes connections unused for longer than idle.
func (w *tcpWire) reapIdle(idle time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	n := 0
	for key, c := range w.conns {
		if !c.opMu.TryLock() {
			continue
		}
		if now.Sub(c.lastUsed) > idle {
			_ = c.handler.Close()
			delete(w.conns, key)
			n++
		}
		c.opMu.Unlock()
	}
	if n > 0 {
		w.logger.Debug().Int("closed", n).Msg("Closed idle Modbus-TCP connections")
	}
	return n
}

func (w *tcpWire) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var lastErr error
	for key, c := range w.conns {
		if err := c.handler.Close(); err != nil {
			lastErr = err
		}
		delete(w.conns, key)
	}
	return lastErr
}

// translateModbusError converts goburrow errors to domain errors.
func translateModbusError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrConfiguration) {
		return err
	}
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return domain.ModbusExceptionToError(mbErr.ExceptionCode)
	}
	if isConnectionError(err) {
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	// goburrow reports transaction/unit/function/length mismatches as plain errors
	return fmt.Errorf("%w: %v", domain.ErrProtocolMismatch, err)
}

// isConnectionError checks if the error is a connection-related error.
func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}
