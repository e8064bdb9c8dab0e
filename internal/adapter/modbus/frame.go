package modbus

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nexus-edge/meter-gateway/internal/domain"
)

const (
	mbapHeaderLen  = 7
	exceptionFlag  = 0x80
	maxReadWords   = 125
	maxReadCoils   = 2000
	maxPDUDataSize = 252
)

// requestPDU builds function|hi(a)|lo(a)|hi(b)|lo(b). For reads b is the
// quantity, for single writes it is the value.
func requestPDU(fn domain.FunctionCode, address, value uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(fn)
	binary.BigEndian.PutUint16(pdu[1:], address)
	binary.BigEndian.PutUint16(pdu[3:], value)
	return pdu
}

// EncodeRTUFrame builds unit|pdu|crc16 (CRC little-endian).
func EncodeRTUFrame(unit byte, pdu []byte) []byte {
	frame := make([]byte, 0, len(pdu)+3)
	frame = append(frame, unit)
	frame = append(frame, pdu...)
	return appendCRC(frame)
}

// DecodeRTUFrame validates a complete RTU response and returns its PDU
// (function code first). The response must echo unit and function.
func DecodeRTUFrame(frame []byte, unit byte, fn domain.FunctionCode) ([]byte, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", domain.ErrShortResponse, len(frame))
	}
	if frame[0] != unit {
		return nil, fmt.Errorf("%w: got %d want %d", domain.ErrUnitMismatch, frame[0], unit)
	}
	if !checkCRC(frame) {
		return nil, domain.ErrCRCMismatch
	}
	pdu := frame[1 : len(frame)-2]
	if err := checkResponseFunction(pdu, fn); err != nil {
		return nil, err
	}
	return pdu, nil
}

// EncodeMBAPFrame builds an MBAP ADU: txid|proto(0)|len|unit|pdu.
func EncodeMBAPFrame(txID uint16, unit byte, pdu []byte) []byte {
	frame := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(frame[0:], txID)
	binary.BigEndian.PutUint16(frame[2:], 0)
	binary.BigEndian.PutUint16(frame[4:], uint16(len(pdu)+1))
	frame[6] = unit
	copy(frame[mbapHeaderLen:], pdu)
	return frame
}

// mbapHeader is the decoded 7-byte MBAP prefix.
type mbapHeader struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	UnitID        byte
}

func parseMBAPHeader(b []byte) (mbapHeader, error) {
	if len(b) < mbapHeaderLen {
		return mbapHeader{}, fmt.Errorf("%w: mbap header %d bytes", domain.ErrShortResponse, len(b))
	}
	h := mbapHeader{
		TransactionID: binary.BigEndian.Uint16(b[0:]),
		ProtocolID:    binary.BigEndian.Uint16(b[2:]),
		Length:        binary.BigEndian.Uint16(b[4:]),
		UnitID:        b[6],
	}
	if h.ProtocolID != 0 {
		return h, fmt.Errorf("%w: protocol id %d", domain.ErrProtocolMismatch, h.ProtocolID)
	}
	if h.Length < 2 || h.Length > maxPDUDataSize+2 {
		return h, fmt.Errorf("%w: mbap length %d", domain.ErrProtocolMismatch, h.Length)
	}
	return h, nil
}

// DecodeMBAPFrame validates a complete MBAP response and returns its PDU.
func DecodeMBAPFrame(frame []byte, txID uint16, fn domain.FunctionCode) ([]byte, error) {
	h, err := parseMBAPHeader(frame)
	if err != nil {
		return nil, err
	}
	if h.TransactionID != txID {
		return nil, fmt.Errorf("%w: got %d want %d", domain.ErrTransactionMismatch, h.TransactionID, txID)
	}
	if len(frame) < mbapHeaderLen+int(h.Length)-1 {
		return nil, fmt.Errorf("%w: mbap body", domain.ErrShortResponse)
	}
	pdu := frame[mbapHeaderLen : mbapHeaderLen+int(h.Length)-1]
	if err := checkResponseFunction(pdu, fn); err != nil {
		return nil, err
	}
	return pdu, nil
}

func checkResponseFunction(pdu []byte, fn domain.FunctionCode) error {
	if len(pdu) < 1 {
		return domain.ErrShortResponse
	}
	got := pdu[0]
	if got == byte(fn)|exceptionFlag {
		if len(pdu) < 2 {
			return domain.ErrShortResponse
		}
		return domain.ModbusExceptionToError(pdu[1])
	}
	if got != byte(fn) {
		return fmt.Errorf("%w: got %d want %d", domain.ErrFunctionMismatch, got, fn)
	}
	return nil
}

// parseReadResponse extracts words from a read PDU (fn|byteCount|data).
// Coil responses yield one word (0/1) per requested coil.
func parseReadResponse(pdu []byte, fn domain.FunctionCode, count uint16) ([]uint16, error) {
	if len(pdu) < 2 {
		return nil, domain.ErrShortResponse
	}
	byteCount := int(pdu[1])
	data := pdu[2:]
	if len(data) < byteCount {
		return nil, fmt.Errorf("%w: byte count %d, have %d", domain.ErrShortResponse, byteCount, len(data))
	}
	data = data[:byteCount]
	if fn == domain.FuncReadCoils {
		return CoilsToWords(data, count)
	}
	if byteCount != int(count)*2 {
		return nil, fmt.Errorf("%w: got %d bytes for %d registers", domain.ErrInvalidRegisterCount, byteCount, count)
	}
	return BytesToWords(data)
}

// checkWriteEcho verifies a single-write response echoes address and value.
func checkWriteEcho(pdu []byte, address, value uint16) error {
	if len(pdu) < 5 {
		return domain.ErrShortResponse
	}
	gotAddr := binary.BigEndian.Uint16(pdu[1:])
	gotVal := binary.BigEndian.Uint16(pdu[3:])
	if gotAddr != address || gotVal != value {
		return fmt.Errorf("%w: got %d=%#04x want %d=%#04x", domain.ErrWriteEchoMismatch, gotAddr, gotVal, address, value)
	}
	return nil
}

// readRTUResponse reads one RTU response frame from r. The frame length is
// derived from the function code since RTU has no length header.
func readRTUResponse(r io.Reader, fn domain.FunctionCode) ([]byte, error) {
	head := make([]byte, 3)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}

	var rest int
	switch {
	case head[1]&exceptionFlag != 0:
		// unit|fn|code already read, crc remaining
		rest = 2
	case fn == domain.FuncReadCoils || fn == domain.FuncReadHoldingRegisters || fn == domain.FuncReadInputRegisters:
		rest = int(head[2]) + 2
	default:
		// unit|fn|addr(2)|value(2)|crc(2); one address byte already read
		rest = 5
	}

	frame := make([]byte, 3+rest)
	copy(frame, head)
	if _, err := io.ReadFull(r, frame[3:]); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	return frame, nil
}

// readMBAPResponse reads one MBAP frame (header plus body) from r.
func readMBAPResponse(r io.Reader) ([]byte, error) {
	head := make([]byte, mbapHeaderLen)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	h, err := parseMBAPHeader(head)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, mbapHeaderLen+int(h.Length)-1)
	copy(frame, head)
	if _, err := io.ReadFull(r, frame[mbapHeaderLen:]); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}
	return frame, nil
}

func validateReadQuantity(fn domain.FunctionCode, count uint16) error {
	limit := uint16(maxReadWords)
	if fn == domain.FuncReadCoils {
		limit = maxReadCoils
	}
	if count == 0 || count > limit {
		return fmt.Errorf("%w: %d", domain.ErrInvalidRegisterCount, count)
	}
	return nil
}
