package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-edge/meter-gateway/internal/domain"
	"github.com/nexus-edge/meter-gateway/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Transport implements domain.Transport on top of the three wires.
// Every operation on a device holds that device's link mutex, so a poll
// cycle and a control write never interleave on the same meter.
type Transport struct {
	config  TransportConfig
	wires   Wires
	links   map[string]*deviceLink
	mu      sync.RWMutex
	logger  zerolog.Logger
	metrics *metrics.Registry
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup

	// sleep waits between write attempts; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// deviceLink is the per-device serialization point with its own circuit
// breaker, so one dead meter does not slow down the others.
type deviceLink struct {
	deviceID string
	opMu     sync.Mutex
	breaker  *gobreaker.CircuitBreaker
	stats    linkStats

	stateMu     sync.Mutex
	lastError   error
	lastSuccess time.Time
}

// NewTransport creates a transport with the standard wires.
func NewTransport(config TransportConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *Transport {
	return NewTransportWithWires(config, Wires{
		TCP: NewTCPWire(logger),
		RTU: NewRTUWire(logger),
		Raw: NewRawMBAPWire(logger),
	}, logger, metricsReg)
}

// NewTransportWithWires creates a transport over explicit wires.
func NewTransportWithWires(config TransportConfig, wires Wires, logger zerolog.Logger, metricsReg *metrics.Registry) *Transport {
	t := &Transport{
		config:  config.normalize(),
		wires:   wires,
		links:   make(map[string]*deviceLink),
		logger:  logger.With().Str("component", "modbus-transport").Logger(),
		metrics: metricsReg,
		done:    make(chan struct{}),
		sleep:   sleepContext,
	}

	// Start idle connection reaper
	t.wg.Add(1)
	go t.idleReaperLoop()

	return t
}

// Config returns the effective (clamped) policy.
func (t *Transport) Config() TransportConfig {
	return t.config
}

// createCircuitBreaker creates a per-device read breaker. Only connectivity
// failures count; a device answering with an exception is alive.
func (t *Transport) createCircuitBreaker(deviceID string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        deviceID,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || domain.ClassifyError(err) != domain.KindConnectivity
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			t.logger.Info().
				Str("device_id", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Modbus circuit breaker state changed")
			if t.metrics != nil {
				t.metrics.SetCircuitBreakerOpen(name, to == gobreaker.StateOpen)
			}
		},
	})
}

// link retrieves or creates the link for a device.
func (t *Transport) link(deviceID string) (*deviceLink, error) {
	t.mu.RLock()
	l, ok := t.links[deviceID]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, domain.ErrServiceStopped
	}
	if ok {
		return l, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.links[deviceID]; ok {
		return l, nil
	}
	l = &deviceLink{
		deviceID: deviceID,
		breaker:  t.createCircuitBreaker(deviceID),
	}
	t.links[deviceID] = l
	t.logger.Debug().Str("device_id", deviceID).Int("links", len(t.links)).Msg("Created device link")
	return l, nil
}

func (l *deviceLink) record(err error) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if err != nil {
		l.lastError = err
		l.stats.ErrorCount.Add(1)
		return
	}
	l.lastSuccess = time.Now()
}

// RemoveDevice forgets a device's link and breaker.
func (t *Transport) RemoveDevice(deviceID string) {
	t.mu.Lock()
	delete(t.links, deviceID)
	t.mu.Unlock()
}

// Close stops background work and closes all wires.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	// Wait for background goroutines to stop
	t.wg.Wait()

	var errs []error
	for _, w := range []Wire{t.wires.TCP, t.wires.RTU, t.wires.Raw} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.Name(), err))
		}
	}
	t.logger.Info().Msg("Transport closed")
	return errors.Join(errs...)
}

type idleReaper interface {
	reapIdle(idle time.Duration) int
}

// idleReaperLoop closes cached connections that haven't been used.
func (t *Transport) idleReaperLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if r, ok := t.wires.TCP.(idleReaper); ok {
				r.reapIdle(t.config.IdleTimeout)
			}
		}
	}
}

// HealthCheck implements the health.Checker interface. The transport is
// healthy while it is open, even if individual devices are unreachable.
func (t *Transport) HealthCheck(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return domain.ErrServiceStopped
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
