package modbus

import (
	"sort"

	"github.com/sony/gobreaker"
)

// GetDeviceStats returns detailed statistics for one device.
func (t *Transport) GetDeviceStats(deviceID string) (DeviceStats, bool) {
	t.mu.RLock()
	l, ok := t.links[deviceID]
	t.mu.RUnlock()
	if !ok {
		return DeviceStats{}, false
	}
	return l.deviceStats(), true
}

// GetAllDeviceStats returns statistics for every device seen so far.
func (t *Transport) GetAllDeviceStats() []DeviceStats {
	t.mu.RLock()
	links := make([]*deviceLink, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.mu.RUnlock()

	out := make([]DeviceStats, 0, len(links))
	for _, l := range links {
		out = append(out, l.deviceStats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (l *deviceLink) deviceStats() DeviceStats {
	readCount := l.stats.ReadCount.Load()
	writeCount := l.stats.WriteCount.Load()
	totalReadNs := l.stats.TotalReadTime.Load()
	totalWriteNs := l.stats.TotalWriteTime.Load()

	var avgReadMs, avgWriteMs float64
	if readCount > 0 {
		avgReadMs = float64(totalReadNs) / float64(readCount) / 1e6
	}
	if writeCount > 0 {
		avgWriteMs = float64(totalWriteNs) / float64(writeCount) / 1e6
	}

	return DeviceStats{
		DeviceID:       l.deviceID,
		ReadCount:      readCount,
		WriteCount:     writeCount,
		ErrorCount:     l.stats.ErrorCount.Load(),
		FallbackCount:  l.stats.FallbackCount.Load(),
		RetryCount:     l.stats.RetryCount.Load(),
		AvgReadTimeMs:  avgReadMs,
		AvgWriteTimeMs: avgWriteMs,
	}
}

// GetDeviceHealth returns health information for a specific device.
func (t *Transport) GetDeviceHealth(deviceID string) (DeviceHealth, bool) {
	t.mu.RLock()
	l, ok := t.links[deviceID]
	t.mu.RUnlock()
	if !ok {
		return DeviceHealth{}, false
	}
	return l.health(), true
}

// GetAllDeviceHealth returns health info for all devices.
func (t *Transport) GetAllDeviceHealth() map[string]DeviceHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]DeviceHealth, len(t.links))
	for id, l := range t.links {
		result[id] = l.health()
	}
	return result
}

func (l *deviceLink) health() DeviceHealth {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()

	h := DeviceHealth{
		DeviceID:           l.deviceID,
		CircuitBreakerOpen: l.breaker.State() == gobreaker.StateOpen,
		LastSuccess:        l.lastSuccess,
	}
	if l.lastError != nil {
		h.LastError = l.lastError.Error()
	}
	return h
}
