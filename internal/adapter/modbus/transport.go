package modbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexus-edge/meter-gateway/internal/domain"
	"github.com/sony/gobreaker"
)

// Read path labels.
const (
	pathPrimary     = "primary"
	pathAltFunction = "alternate_function"
	pathDefaultPort = "default_port"
	pathRTUFallback = "rtu_fallback"
)

type readPath struct {
	label string
	wire  Wire
	fn    domain.FunctionCode
	port  int
}

// readPaths lists, in order, every way a read is attempted:
// configured wire and function, the other register function (3<->4), the
// default Modbus port, then RTU-over-TCP. Paths identical to an earlier one
// are skipped.
func (t *Transport) readPaths(ep *domain.DeviceEndpoint, fn domain.FunctionCode) []readPath {
	primary := t.primaryWire(ep)
	port := ep.EffectivePort()

	candidates := []readPath{{label: pathPrimary, wire: primary, fn: fn, port: port}}
	if alt, ok := fn.AlternateRead(); ok {
		candidates = append(candidates, readPath{label: pathAltFunction, wire: primary, fn: alt, port: port})
	}
	if port != t.config.DefaultPort {
		candidates = append(candidates, readPath{label: pathDefaultPort, wire: primary, fn: fn, port: t.config.DefaultPort})
	}
	if t.wires.RTU != nil {
		candidates = append(candidates, readPath{label: pathRTUFallback, wire: t.wires.RTU, fn: fn, port: port})
	}

	paths := make([]readPath, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, p := range candidates {
		if p.wire == nil {
			continue
		}
		key := fmt.Sprintf("%s|%d|%d", p.wire.Name(), p.fn, p.port)
		if seen[key] {
			continue
		}
		seen[key] = true
		paths = append(paths, p)
	}
	return paths
}

func (t *Transport) primaryWire(ep *domain.DeviceEndpoint) Wire {
	if ep.Variant == domain.VariantRTUOverTCP {
		return t.wires.RTU
	}
	return t.wires.TCP
}

// readChain walks the read paths until one returns data.
func (t *Transport) readChain(ctx context.Context, l *deviceLink, ep *domain.DeviceEndpoint, fn domain.FunctionCode, address, count uint16) ([]uint16, error) {
	var lastErr error
	for _, p := range t.readPaths(ep, fn) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrConnectionTimeout, err)
		}
		target := Target{Address: ep.AddressWithPort(p.port), UnitID: ep.UnitID, Timeout: t.config.ReadTimeout}

		start := time.Now()
		words, err := p.wire.ReadRegisters(ctx, target, p.fn, address, count)
		elapsed := time.Since(start)
		if t.metrics != nil {
			t.metrics.RecordTransportOp("read", p.wire.Name(), err, elapsed.Seconds())
		}
		l.stats.ReadCount.Add(1)
		l.stats.TotalReadTime.Add(elapsed.Nanoseconds())

		if err == nil {
			if p.label != pathPrimary {
				l.stats.FallbackCount.Add(1)
				if t.metrics != nil {
					t.metrics.RecordReadFallback(p.label)
				}
				t.logger.Debug().
					Str("device_id", ep.ID).
					Str("path", p.label).
					Str("wire", p.wire.Name()).
					Uint16("address", address).
					Msg("Read succeeded on fallback path")
			}
			return words, nil
		}

		lastErr = err
		t.logger.Debug().
			Err(err).
			Str("device_id", ep.ID).
			Str("path", p.label).
			Str("wire", p.wire.Name()).
			Uint8("function", uint8(p.fn)).
			Uint16("address", address).
			Msg("Read path failed")
	}
	return nil, fmt.Errorf("%w: %w", domain.ErrAllReadPathsFailed, lastErr)
}

// ReadRegisters reads registers through the device's circuit breaker. An
// error means every read path failed; callers report the parameter as null.
func (t *Transport) ReadRegisters(ctx context.Context, ep *domain.DeviceEndpoint, fn domain.FunctionCode, address, count uint16) ([]uint16, error) {
	if !fn.IsRead() {
		return nil, fmt.Errorf("%w: read with function %d", domain.ErrInvalidFunctionCode, fn)
	}
	l, err := t.link(ep.ID)
	if err != nil {
		return nil, err
	}
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if !t.config.BreakerEnabled {
		words, err := t.readChain(ctx, l, ep, fn, address, count)
		l.record(err)
		return words, err
	}

	result, err := l.breaker.Execute(func() (interface{}, error) {
		return t.readChain(ctx, l, ep, fn, address, count)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", domain.ErrCircuitBreakerOpen, ep.ID)
	}
	l.record(err)
	if err != nil {
		return nil, err
	}
	return result.([]uint16), nil
}

// ReadCoil reads one coil, bypassing the breaker so control pre-reads and
// verification always reach the device.
func (t *Transport) ReadCoil(ctx context.Context, ep *domain.DeviceEndpoint, address uint16) (bool, error) {
	l, err := t.link(ep.ID)
	if err != nil {
		return false, err
	}
	l.opMu.Lock()
	defer l.opMu.Unlock()

	words, err := t.readChain(ctx, l, ep, domain.FuncReadCoils, address, 1)
	l.record(err)
	if err != nil {
		return false, err
	}
	return words[0] != 0, nil
}

// WriteCoil writes a single coil with the bounded retry policy.
func (t *Transport) WriteCoil(ctx context.Context, ep *domain.DeviceEndpoint, address, value uint16) (domain.WriteReport, error) {
	if value != domain.CoilOn && value != domain.CoilOff {
		return domain.WriteReport{}, fmt.Errorf("%w: coil value %#04x", domain.ErrInvalidAction, value)
	}
	return t.write(ctx, ep, domain.FuncWriteSingleCoil, address, value)
}

// WriteRegister writes a single holding register with the bounded retry policy.
func (t *Transport) WriteRegister(ctx context.Context, ep *domain.DeviceEndpoint, address, value uint16) (domain.WriteReport, error) {
	return t.write(ctx, ep, domain.FuncWriteSingleRegister, address, value)
}

// write runs up to WriteAttempts attempts. Each attempt tries the endpoint's
// own wire, then the raw MBAP fallback; the first confirmed echo wins.
func (t *Transport) write(ctx context.Context, ep *domain.DeviceEndpoint, fn domain.FunctionCode, address, value uint16) (domain.WriteReport, error) {
	if ep.Host == "" {
		return domain.WriteReport{}, fmt.Errorf("%w: device %q", domain.ErrMissingHost, ep.ID)
	}
	l, err := t.link(ep.ID)
	if err != nil {
		return domain.WriteReport{}, err
	}
	l.opMu.Lock()
	defer l.opMu.Unlock()

	wires := make([]Wire, 0, 2)
	if w := t.primaryWire(ep); w != nil {
		wires = append(wires, w)
	}
	if t.wires.Raw != nil {
		wires = append(wires, t.wires.Raw)
	}
	target := Target{Address: ep.Address(), UnitID: ep.UnitID, Timeout: t.config.AttemptTimeout}

	var lastErr error
	made := 0
attempts:
	for attempt := 1; attempt <= t.config.WriteAttempts; attempt++ {
		if attempt > 1 {
			l.stats.RetryCount.Add(1)
			if err := t.sleep(ctx, t.config.AttemptDelay); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
		made = attempt

		for _, w := range wires {
			start := time.Now()
			err := w.WriteSingle(ctx, target, fn, address, value)
			elapsed := time.Since(start)
			if t.metrics != nil {
				t.metrics.RecordTransportOp("write", w.Name(), err, elapsed.Seconds())
			}
			l.stats.WriteCount.Add(1)
			l.stats.TotalWriteTime.Add(elapsed.Nanoseconds())

			if err == nil {
				l.record(nil)
				if t.metrics != nil {
					t.metrics.RecordWriteAttempts(attempt)
				}
				t.logger.Info().
					Str("device_id", ep.ID).
					Str("wire", w.Name()).
					Int("attempt", attempt).
					Uint16("address", address).
					Uint16("value", value).
					Msg("Write confirmed")
				return domain.WriteReport{Attempts: attempt, Wire: w.Name()}, nil
			}

			lastErr = err
			t.logger.Warn().
				Err(err).
				Str("device_id", ep.ID).
				Str("wire", w.Name()).
				Int("attempt", attempt).
				Uint16("address", address).
				Msg("Write not confirmed")

			if errors.Is(err, domain.ErrConfiguration) {
				l.record(err)
				return domain.WriteReport{Attempts: attempt}, err
			}
			if ctx.Err() != nil {
				break attempts
			}
		}
	}

	// Cancellation is reported as such, never as retry exhaustion.
	if err := ctx.Err(); err != nil {
		return domain.WriteReport{Attempts: made}, fmt.Errorf("write to %s abandoned after %d attempts: %w",
			ep.Address(), made, err)
	}

	l.record(lastErr)
	return domain.WriteReport{Attempts: made}, fmt.Errorf("%w: %s after %d attempts: %v",
		domain.ErrMaxRetriesExceeded, ep.Address(), made, lastErr)
}
