package domain

import "time"

// DefaultFreshnessWindow is how long after its last successful read a device
// is still reported online.
const DefaultFreshnessWindow = 300 * time.Second

// DeviceState is the latest known picture of a device.
type DeviceState struct {
	DeviceID  string              `json:"device_id"`
	Values    map[string]*float64 `json:"values"`
	Timestamp time.Time           `json:"timestamp"`
	LastSeen  time.Time           `json:"last_seen"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (s DeviceState) Clone() DeviceState {
	out := s
	out.Values = make(map[string]*float64, len(s.Values))
	for k, v := range s.Values {
		if v == nil {
			out.Values[k] = nil
			continue
		}
		f := *v
		out.Values[k] = &f
	}
	return out
}

// IsOnline reports whether the device has been heard from within window.
func (s DeviceState) IsOnline(now time.Time, window time.Duration) bool {
	if s.LastSeen.IsZero() {
		return false
	}
	return now.Sub(s.LastSeen) <= window
}

// Status maps freshness onto a DeviceStatus.
func (s DeviceState) Status(now time.Time, window time.Duration) DeviceStatus {
	if s.LastSeen.IsZero() {
		return DeviceStatusUnknown
	}
	if s.IsOnline(now, window) {
		return DeviceStatusOnline
	}
	return DeviceStatusOffline
}
