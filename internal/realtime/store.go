// Package realtime holds the latest known state of every device.
package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/nexus-edge/meter-gateway/internal/domain"
)

// Store is the in-memory domain.RealtimeRepository. One lock covers all
// devices; it is held only for map updates and copies.
type Store struct {
	mu     sync.RWMutex
	states map[string]domain.DeviceState
	window time.Duration
	now    func() time.Time
}

var _ domain.RealtimeRepository = (*Store)(nil)

// NewStore creates an empty store. A non-positive window uses the default
// freshness window.
func NewStore(window time.Duration) *Store {
	if window <= 0 {
		window = domain.DefaultFreshnessWindow
	}
	return &Store{
		states: make(map[string]domain.DeviceState),
		window: window,
		now:    time.Now,
	}
}

// Window returns the freshness window.
func (s *Store) Window() time.Duration {
	return s.window
}

// Get returns a copy of a device's state.
func (s *Store) Get(deviceID string) (domain.DeviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[deviceID]
	if !ok {
		return domain.DeviceState{}, false
	}
	return st.Clone(), true
}

// Set replaces a device's state.
func (s *Store) Set(deviceID string, state domain.DeviceState) {
	state = state.Clone()
	state.DeviceID = deviceID
	s.mu.Lock()
	s.states[deviceID] = state
	s.mu.Unlock()
}

// Update applies fn to the stored state under the lock. fn must not block.
func (s *Store) Update(deviceID string, fn func(*domain.DeviceState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[deviceID]
	if !ok {
		st = domain.DeviceState{DeviceID: deviceID}
	}
	if st.Values == nil {
		st.Values = make(map[string]*float64)
	}
	fn(&st)
	st.DeviceID = deviceID
	s.states[deviceID] = st
}

// Snapshot copies every device's state.
func (s *Store) Snapshot() map[string]domain.DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.DeviceState, len(s.states))
	for id, st := range s.states {
		out[id] = st.Clone()
	}
	return out
}

// Delete forgets a device.
func (s *Store) Delete(deviceID string) {
	s.mu.Lock()
	delete(s.states, deviceID)
	s.mu.Unlock()
}

// IsOnline reports whether deviceID was seen within the freshness window.
func (s *Store) IsOnline(deviceID string) bool {
	st, ok := s.Get(deviceID)
	return ok && st.IsOnline(s.now(), s.window)
}

// Status returns the freshness status of a device.
func (s *Store) Status(deviceID string) domain.DeviceStatus {
	st, ok := s.Get(deviceID)
	if !ok {
		return domain.DeviceStatusUnknown
	}
	return st.Status(s.now(), s.window)
}

// DeviceSummary is one line of the status overview.
type DeviceSummary struct {
	DeviceID  string              `json:"device_id"`
	Status    domain.DeviceStatus `json:"status"`
	LastSeen  time.Time           `json:"last_seen"`
	Timestamp time.Time           `json:"timestamp"`
	Values    int                 `json:"values"`
}

// Summaries returns a status line per device, sorted by id.
func (s *Store) Summaries() []DeviceSummary {
	now := s.now()
	s.mu.RLock()
	out := make([]DeviceSummary, 0, len(s.states))
	for id, st := range s.states {
		out = append(out, DeviceSummary{
			DeviceID:  id,
			Status:    st.Status(now, s.window),
			LastSeen:  st.LastSeen,
			Timestamp: st.Timestamp,
			Values:    len(st.Values),
		})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// OnlineCount returns how many devices are currently online.
func (s *Store) OnlineCount() int {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, st := range s.states {
		if st.IsOnline(now, s.window) {
			n++
		}
	}
	return n
}
