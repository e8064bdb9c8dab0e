package domain

import (
	"time"
)

// ReadingMeta carries per-parameter metadata forwarded with a batch.
type ReadingMeta struct {
	Unit string `json:"unit,omitempty"`
}

// ReadingSample is a single decoded parameter. A nil Value means the read
// or decode failed; it is never replaced by a fabricated number.
type ReadingSample struct {
	DeviceID  string    `json:"device_id"`
	Key       string    `json:"key"`
	Value     *float64  `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// ReadingBatch is everything one poll cycle produced for a device.
type ReadingBatch struct {
	ProjectID  string                 `json:"project_id"`
	DeviceID   string                 `json:"device_id"`
	DeviceName string                 `json:"device_name"`
	Values     map[string]*float64    `json:"values"`
	Meta       map[string]ReadingMeta `json:"meta,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// NewReadingBatch creates an empty batch for an endpoint.
func NewReadingBatch(ep *DeviceEndpoint, ts time.Time) ReadingBatch {
	return ReadingBatch{
		ProjectID:  ep.ProjectID,
		DeviceID:   ep.ID,
		DeviceName: ep.Name,
		Values:     make(map[string]*float64, len(ep.Registers)),
		Meta:       make(map[string]ReadingMeta, len(ep.Registers)),
		Timestamp:  ts,
	}
}

// Add records one sample in the batch.
func (b *ReadingBatch) Add(s ReadingSample) {
	b.Values[s.Key] = s.Value
	if s.Unit != "" {
		b.Meta[s.Key] = ReadingMeta{Unit: s.Unit}
	}
}

// Samples flattens the batch into individual samples.
func (b *ReadingBatch) Samples() []ReadingSample {
	out := make([]ReadingSample, 0, len(b.Values))
	for key, v := range b.Values {
		out = append(out, ReadingSample{
			DeviceID:  b.DeviceID,
			Key:       key,
			Value:     v,
			Unit:      b.Meta[key].Unit,
			Timestamp: b.Timestamp,
		})
	}
	return out
}

// GoodCount returns how many parameters carry a value.
func (b *ReadingBatch) GoodCount() int {
	n := 0
	for _, v := range b.Values {
		if v != nil {
			n++
		}
	}
	return n
}

// Float returns a pointer to v, for building nullable values.
func Float(v float64) *float64 {
	return &v
}
