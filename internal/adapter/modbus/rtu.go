package modbus

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/nexus-edge/meter-gateway/internal/domain"
	"github.com/rs/zerolog"
)

// rtuWire sends RTU frames (unit|pdu|crc16) over a plain TCP socket, the way
// serial-to-ethernet converters expect. Each exchange uses a fresh connection;
// converters commonly accept a single client and drop idle sockets.
type rtuWire struct {
	logger zerolog.Logger
	dialer net.Dialer
}

// NewRTUWire creates the RTU-over-TCP wire.
func NewRTUWire(logger zerolog.Logger) Wire {
	return &rtuWire{logger: logger.With().Str("wire", WireRTUOverTCP).Logger()}
}

func (w *rtuWire) Name() string { return WireRTUOverTCP }

func (w *rtuWire) exchange(ctx context.Context, t Target, unit byte, pdu []byte, fn domain.FunctionCode) ([]byte, error) {
	conn, err := dialWithDeadline(ctx, &w.dialer, t)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := EncodeRTUFrame(unit, pdu)
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	frame, err := readRTUResponse(conn, fn)
	if err != nil {
		return nil, err
	}
	w.logger.Trace().Hex("tx", req).Hex("rx", frame).Msg("RTU exchange")
	return DecodeRTUFrame(frame, unit, fn)
}

func (w *rtuWire) ReadRegisters(ctx context.Context, t Target, fn domain.FunctionCode, address, count uint16) ([]uint16, error) {
	if err := validateReadQuantity(fn, count); err != nil {
		return nil, err
	}
	pdu, err := w.exchange(ctx, t, t.UnitID, requestPDU(fn, address, count), fn)
	if err != nil {
		return nil, err
	}
	return parseReadResponse(pdu, fn, count)
}

func (w *rtuWire) WriteSingle(ctx context.Context, t Target, fn domain.FunctionCode, address, value uint16) error {
	pdu, err := w.exchange(ctx, t, t.UnitID, requestPDU(fn, address, value), fn)
	if err != nil {
		return err
	}
	return checkWriteEcho(pdu, address, value)
}

func (w *rtuWire) Close() error { return nil }

// dialWithDeadline connects to t and arms a deadline covering the whole
// exchange: the sooner of t.Timeout and the context deadline.
func dialWithDeadline(ctx context.Context, d *net.Dialer, t Target) (net.Conn, error) {
	deadline := time.Now().Add(t.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, err := d.DialContext(dctx, "tcp", t.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrConnectionFailed, t.Address, err)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	return conn, nil
}
