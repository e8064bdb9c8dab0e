package modbus

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/nexus-edge/meter-gateway/internal/domain"
	"github.com/rs/zerolog"
)

// mbapWire hand-builds MBAP frames. It is the last resort for writes when the
// library client gets no confirmation, e.g. devices that answer with a
// non-conforming header the library rejects.
type mbapWire struct {
	logger zerolog.Logger
	dialer net.Dialer
	// txID produces the transaction id; defaults to wall-clock millis & 0xFFFF
	txID func() uint16
}

// NewRawMBAPWire creates the raw MBAP fallback wire.
func NewRawMBAPWire(logger zerolog.Logger) Wire {
	return &mbapWire{
		logger: logger.With().Str("wire", WireRawMBAP).Logger(),
		txID:   timeTransactionID,
	}
}

func timeTransactionID() uint16 {
	return uint16(time.Now().UnixMilli() & 0xFFFF)
}

func (w *mbapWire) Name() string { return WireRawMBAP }

func (w *mbapWire) exchange(ctx context.Context, t Target, pdu []byte, fn domain.FunctionCode) ([]byte, error) {
	conn, err := dialWithDeadline(ctx, &w.dialer, t)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	txID := w.txID()
	req := EncodeMBAPFrame(txID, t.UnitID, pdu)
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	frame, err := readMBAPResponse(conn)
	if err != nil {
		return nil, err
	}
	w.logger.Trace().Hex("tx", req).Hex("rx", frame).Msg("MBAP exchange")
	return DecodeMBAPFrame(frame, txID, fn)
}

func (w *mbapWire) ReadRegisters(ctx context.Context, t Target, fn domain.FunctionCode, address, count uint16) ([]uint16, error) {
	if err := validateReadQuantity(fn, count); err != nil {
		return nil, err
	}
	pdu, err := w.exchange(ctx, t, requestPDU(fn, address, count), fn)
	if err != nil {
		return nil, err
	}
	return parseReadResponse(pdu, fn, count)
}

func (w *mbapWire) WriteSingle(ctx context.Context, t Target, fn domain.FunctionCode, address, value uint16) error {
	pdu, err := w.exchange(ctx, t, requestPDU(fn, address, value), fn)
	if err != nil {
		return err
	}
	return checkWriteEcho(pdu, address, value)
}

func (w *mbapWire) Close() error { return nil }
