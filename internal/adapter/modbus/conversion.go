// Package modbus provides data type conversion utilities for Modbus communication.
package modbus

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nexus-edge/meter-gateway/internal/domain"
)

const decimalPlaces = 1e6

// Decode turns raw register words into an engineering value.
//
// int32/uint32 combine the first two words big-endian (w0<<16 | w1), int16
// uses the first word as two's complement, anything else reads the first
// word unsigned. The result is divided by scale and rounded to six decimal
// places. ok is false when there are not enough words or the scale cannot
// be used; callers must report such a parameter as null.
func Decode(words []uint16, dt domain.DataType, scale float64) (value float64, ok bool) {
	v, err := DecodeValue(words, dt, scale)
	if err != nil {
		return 0, false
	}
	return v, true
}

// DecodeValue is Decode with the failure reason.
func DecodeValue(words []uint16, dt domain.DataType, scale float64) (float64, error) {
	if !domain.Scale(scale).Valid() {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidScale, scale)
	}

	var raw float64
	switch dt {
	case domain.DataTypeInt32, domain.DataTypeUInt32:
		if len(words) < 2 {
			return 0, fmt.Errorf("%w: %s needs 2, got %d", domain.ErrInsufficientWords, dt, len(words))
		}
		combined := uint32(words[0])<<16 | uint32(words[1])
		if dt == domain.DataTypeInt32 {
			raw = float64(int32(combined))
		} else {
			raw = float64(combined)
		}
	case domain.DataTypeInt16:
		if len(words) < 1 {
			return 0, fmt.Errorf("%w: int16 needs 1, got 0", domain.ErrInsufficientWords)
		}
		raw = float64(int16(words[0]))
	default:
		if len(words) < 1 {
			return 0, fmt.Errorf("%w: got 0", domain.ErrInsufficientWords)
		}
		raw = float64(words[0])
	}

	return roundDecimals(raw / scale), nil
}

// DecodeDescriptor decodes words for a template descriptor.
func DecodeDescriptor(words []uint16, desc *domain.RegisterDescriptor) (float64, error) {
	if desc.Function == domain.FuncReadCoils {
		if len(words) < 1 {
			return 0, fmt.Errorf("%w: coil", domain.ErrInsufficientWords)
		}
		on := words[0] != 0
		if desc.Inverted {
			on = !on
		}
		if on {
			return 1, nil
		}
		return 0, nil
	}
	return DecodeValue(words, desc.DataType, desc.EffectiveScale())
}

func roundDecimals(v float64) float64 {
	return math.Round(v*decimalPlaces) / decimalPlaces
}

// BytesToWords converts big-endian register bytes to words.
func BytesToWords(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd register byte count %d", domain.ErrShortResponse, len(data))
	}
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return words, nil
}

// CoilsToWords unpacks a coil bitmap (LSB first) into one word per coil.
func CoilsToWords(data []byte, count uint16) ([]uint16, error) {
	if int(count) > len(data)*8 {
		return nil, fmt.Errorf("%w: %d coils in %d bytes", domain.ErrShortResponse, count, len(data))
	}
	words := make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		if data[i/8]&(1<<(i%8)) != 0 {
			words[i] = 1
		}
	}
	return words, nil
}
