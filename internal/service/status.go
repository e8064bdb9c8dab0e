package service

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-edge/meter-gateway/internal/domain"
	"github.com/nexus-edge/meter-gateway/internal/metrics"
	"github.com/nexus-edge/meter-gateway/internal/virtual"
	"github.com/rs/zerolog"
)

// StatusService answers coil status queries from two tiers: the live
// device, then the virtual device when the live read fails. Answers are
// cached briefly so an unreachable device is not re-read on every query.
type StatusService struct {
	directory DeviceDirectory
	targets   *TargetTable
	transport domain.Transport
	virtual   domain.VirtualCoils
	cache     virtual.StatusCache
	timeout   time.Duration
	logger    zerolog.Logger
	metrics   *metrics.Registry
	now       func() time.Time
}

// NewStatusService creates a status service. virt and metricsReg may be nil;
// a nil cache disables caching.
func NewStatusService(
	directory DeviceDirectory,
	transport domain.Transport,
	virt domain.VirtualCoils,
	cache virtual.StatusCache,
	timeout time.Duration,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *StatusService {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &StatusService{
		directory: directory,
		targets:   DefaultTargetTable(),
		transport: transport,
		virtual:   virt,
		cache:     cache,
		timeout:   timeout,
		logger:    logger.With().Str("component", "status-service").Logger(),
		metrics:   metricsReg,
		now:       time.Now,
	}
}

// CoilStatus returns the state of a control target.
func (s *StatusService) CoilStatus(ctx context.Context, deviceID, target string) (virtual.CoilStatus, error) {
	ep, ok := s.directory.Endpoint(deviceID)
	if !ok {
		return virtual.CoilStatus{}, fmt.Errorf("%w: %q", domain.ErrDeviceNotFound, deviceID)
	}
	t, err := s.targets.Resolve(ep, target)
	if err != nil {
		return virtual.CoilStatus{}, err
	}

	if s.cache != nil {
		cached, hit, err := s.cache.Get(ctx, ep.ID, t.Address)
		if err != nil {
			s.logger.Debug().Err(err).Str("device_id", ep.ID).Msg("Status cache lookup failed")
		}
		if s.metrics != nil {
			s.metrics.RecordStatusCache(hit)
		}
		if hit {
			return cached, nil
		}
	}

	status := virtual.CoilStatus{DeviceID: ep.ID, Address: t.Address, ReadAt: s.now()}

	readCtx, cancel := context.WithTimeout(ctx, s.timeout)
	on, err := s.transport.ReadCoil(readCtx, ep, t.Address)
	cancel()

	switch {
	case err == nil:
		status.On = on
		status.Tier = domain.TierHardware
	case s.virtual != nil:
		status.On = s.virtual.ReadCoil(ep.ID, t.Address)
		status.Tier = domain.TierVirtual
		status.Error = err.Error()
	default:
		return virtual.CoilStatus{}, fmt.Errorf("read coil %d on %s: %w", t.Address, ep.ID, err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, status); err != nil {
			s.logger.Debug().Err(err).Str("device_id", ep.ID).Msg("Status cache store failed")
		}
	}
	return status, nil
}
