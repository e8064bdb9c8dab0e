package modbus

import (
	"bytes"
	"math"
	"testing"

	"github.com/nexus-edge/meter-gateway/internal/domain"
)

// =============================================================================
// Frame decoding
// =============================================================================

func FuzzDecodeRTUFrame(f *testing.F) {
	f.Add(EncodeRTUFrame(1, []byte{0x03, 0x04, 0x00, 0x0A, 0x00, 0x14}), byte(1), byte(3))
	f.Add(EncodeRTUFrame(1, []byte{0x83, 0x02}), byte(1), byte(3))
	f.Add(EncodeRTUFrame(7, []byte{0x05, 0x00, 0x10, 0xFF, 0x00}), byte(7), byte(5))
	f.Add([]byte{0x01, 0x03}, byte(1), byte(3))
	f.Add([]byte{}, byte(0), byte(0))

	f.Fuzz(func(t *testing.T, frame []byte, unit, fn byte) {
		pdu, err := DecodeRTUFrame(frame, unit, domain.FunctionCode(fn))
		if err != nil {
			return
		}
		if len(pdu) == 0 || pdu[0] != fn {
			t.Fatalf("accepted pdu %x for function %d", pdu, fn)
		}
		again, err := DecodeRTUFrame(EncodeRTUFrame(unit, pdu), unit, domain.FunctionCode(fn))
		if err != nil || !bytes.Equal(again, pdu) {
			t.Fatalf("re-encoded frame did not decode: %v", err)
		}
	})
}

func FuzzDecodeMBAPFrame(f *testing.F) {
	f.Add(EncodeMBAPFrame(42, 1, []byte{0x04, 0x02, 0x00, 0x64}), uint16(42), byte(4))
	f.Add(EncodeMBAPFrame(1, 1, []byte{0x84, 0x0B}), uint16(1), byte(4))
	f.Add([]byte{0, 1, 0, 0, 0, 1, 1}, uint16(1), byte(3))
	f.Add([]byte{0, 1, 0, 0, 0xFF, 0xFF, 1, 3}, uint16(1), byte(3))

	f.Fuzz(func(t *testing.T, frame []byte, txID uint16, fn byte) {
		pdu, err := DecodeMBAPFrame(frame, txID, domain.FunctionCode(fn))
		if err != nil {
			return
		}
		if len(pdu) == 0 || pdu[0] != fn {
			t.Fatalf("accepted pdu %x for function %d", pdu, fn)
		}
		if len(pdu) > maxPDUDataSize+1 {
			t.Fatalf("pdu of %d bytes exceeds protocol limit", len(pdu))
		}
	})
}

func FuzzReadRTUResponse(f *testing.F) {
	f.Add(EncodeRTUFrame(1, []byte{0x03, 0x02, 0x12, 0x34}), byte(3))
	f.Add(EncodeRTUFrame(1, []byte{0x81, 0x01}), byte(1))
	f.Add([]byte{0x01, 0x05, 0x00}, byte(5))

	f.Fuzz(func(t *testing.T, data []byte, fn byte) {
		frame, err := readRTUResponse(bytes.NewReader(data), domain.FunctionCode(fn))
		if err != nil {
			return
		}
		if len(frame) > len(data) {
			t.Fatalf("read %d bytes from %d", len(frame), len(data))
		}
		if !bytes.Equal(frame, data[:len(frame)]) {
			t.Fatal("frame is not a prefix of the stream")
		}
	})
}

// =============================================================================
// Response parsing
// =============================================================================

func FuzzParseReadResponse(f *testing.F) {
	f.Add([]byte{0x03, 0x04, 0x00, 0x01, 0x00, 0x02}, byte(3), uint16(2))
	f.Add([]byte{0x01, 0x01, 0x05}, byte(1), uint16(3))
	f.Add([]byte{0x04, 0xFF}, byte(4), uint16(125))

	f.Fuzz(func(t *testing.T, pdu []byte, fn byte, count uint16) {
		words, err := parseReadResponse(pdu, domain.FunctionCode(fn), count)
		if err != nil {
			return
		}
		if len(words) != int(count) {
			t.Fatalf("got %d words for count %d", len(words), count)
		}
		if domain.FunctionCode(fn) == domain.FuncReadCoils {
			for i, w := range words {
				if w > 1 {
					t.Fatalf("coil %d decoded as %d", i, w)
				}
			}
		}
	})
}

// =============================================================================
// Value decoding
// =============================================================================

func FuzzDecodeValue(f *testing.F) {
	f.Add(uint16(0x0001), uint16(0x86A0), "uint32", 100.0)
	f.Add(uint16(0xFFFF), uint16(0xFFFF), "int32", 1.0)
	f.Add(uint16(0x8000), uint16(0), "int16", 10.0)
	f.Add(uint16(2300), uint16(0), "", 0.0)

	f.Fuzz(func(t *testing.T, w0, w1 uint16, dt string, scale float64) {
		v, err := DecodeValue([]uint16{w0, w1}, domain.DataType(dt), scale)
		if !domain.Scale(scale).Valid() {
			if err == nil {
				t.Fatalf("scale %v accepted", scale)
			}
			return
		}
		if err != nil {
			t.Fatalf("two words with scale %v rejected: %v", scale, err)
		}
		if a := math.Abs(scale); a < 1e-6 || a > 1e9 {
			return
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("decoded %v from %#04x %#04x / %v", v, w0, w1, scale)
		}
	})
}
