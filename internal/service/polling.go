// Package service contains the long-running parts of the gateway: the
// per-device polling scheduler, the control executor and the command intake.
package service

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/meter-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/meter-gateway/internal/domain"
	"github.com/nexus-edge/meter-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// PollingService runs one polling loop per device. Loops are independent;
// the only shared state is the realtime repository.
type PollingService struct {
	config    PollingConfig
	transport domain.Transport
	realtime  domain.RealtimeRepository
	sink      domain.ReadingSink
	logger    zerolog.Logger
	metrics   *metrics.Registry
	devices   map[string]*devicePoller
	mu        sync.RWMutex
	started   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stats     *PollingStats
	now       func() time.Time
}

// PollingConfig holds configuration for the polling service.
type PollingConfig struct {
	// DefaultInterval applies to devices without their own interval
	DefaultInterval time.Duration

	// ReadTimeout bounds one parameter read, fallback paths included
	ReadTimeout time.Duration

	// Jitter delays each loop's first cycle by up to 10% of its interval
	Jitter bool
}

// PollingStats tracks polling statistics.
type PollingStats struct {
	TotalPolls   atomic.Uint64
	SuccessPolls atomic.Uint64
	FailedPolls  atomic.Uint64
	PointsRead   atomic.Uint64
	PointsNull   atomic.Uint64
	SinkErrors   atomic.Uint64
}

// devicePoller manages polling for a single device.
type devicePoller struct {
	endpoint *domain.DeviceEndpoint
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	mu        sync.RWMutex
	lastPoll  time.Time
	lastError error

	pollCount  atomic.Uint64
	errorCount atomic.Uint64
	pointsRead atomic.Uint64
}

func (dp *devicePoller) stop() {
	dp.stopOnce.Do(func() { close(dp.stopChan) })
}

// NewPollingService creates a new polling service. sink may be nil.
func NewPollingService(
	config PollingConfig,
	transport domain.Transport,
	realtime domain.RealtimeRepository,
	sink domain.ReadingSink,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *PollingService {
	if config.DefaultInterval < domain.MinPollInterval {
		config.DefaultInterval = domain.MinPollInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 5 * time.Second
	}

	return &PollingService{
		config:    config,
		transport: transport,
		realtime:  realtime,
		sink:      sink,
		logger:    logger.With().Str("component", "polling-service").Logger(),
		metrics:   metricsReg,
		devices:   make(map[string]*devicePoller),
		stats:     &PollingStats{},
		now:       time.Now,
	}
}

// Start begins polling every registered device.
func (s *PollingService) Start(ctx context.Context) error {
	if s.started.Load() {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started.Store(true)

	s.mu.RLock()
	defer s.mu.RUnlock()

	s.logger.Info().
		Int("devices", len(s.devices)).
		Dur("default_interval", s.config.DefaultInterval).
		Msg("Starting polling service")

	for _, dp := range s.devices {
		s.startDevicePoller(dp)
	}
	return nil
}

// Stop cancels every loop and waits for in-flight cycles until ctx expires.
func (s *PollingService) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}

	s.logger.Info().Msg("Stopping polling service")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All pollers stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("Timeout waiting for pollers to stop")
	}

	s.started.Store(false)
	return nil
}

// RegisterDevice adds a device. Disabled devices are accepted and ignored.
func (s *PollingService) RegisterDevice(ep *domain.DeviceEndpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.devices[ep.ID]; exists {
		return domain.ErrDeviceExists
	}
	if !ep.Enabled {
		s.logger.Debug().Str("device_id", ep.ID).Msg("Skipping disabled device")
		return nil
	}

	interval := ep.PollInterval
	if interval <= 0 {
		interval = s.config.DefaultInterval
	}
	if interval < domain.MinPollInterval {
		interval = domain.MinPollInterval
	}

	dp := &devicePoller{
		endpoint: ep,
		interval: interval,
		stopChan: make(chan struct{}),
	}
	s.devices[ep.ID] = dp

	s.logger.Info().
		Str("device_id", ep.ID).
		Str("device_name", ep.Name).
		Str("protocol", ep.Variant.String()).
		Int("registers", len(ep.ReadableRegisters())).
		Dur("poll_interval", interval).
		Msg("Registered device for polling")

	if s.started.Load() {
		s.startDevicePoller(dp)
	}
	s.updateDeviceGauge()
	return nil
}

// UnregisterDevice stops polling and removes a device.
func (s *PollingService) UnregisterDevice(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dp, exists := s.devices[deviceID]
	if !exists {
		return domain.ErrDeviceNotFound
	}
	dp.stop()
	delete(s.devices, deviceID)

	s.logger.Info().Str("device_id", deviceID).Msg("Unregistered device")
	s.updateDeviceGauge()
	return nil
}

// startDevicePoller starts the loop for a device. The loop sleeps for the
// interval after each cycle, so a slow device never stacks cycles.
func (s *PollingService) startDevicePoller(dp *devicePoller) {
	if dp.running.Swap(true) {
		return
	}
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer dp.running.Store(false)

		// Jitter spreads the first polls of devices sharing a converter
		if s.config.Jitter {
			if jitterMax := dp.interval / 10; jitterMax > 0 {
				if !s.wait(dp, time.Duration(rand.Int63n(int64(jitterMax)))) {
					return
				}
			}
		}

		s.logger.Debug().
			Str("device_id", dp.endpoint.ID).
			Dur("interval", dp.interval).
			Msg("Starting device poller")

		for {
			s.pollDevice(s.ctx, dp)
			if !s.wait(dp, dp.interval) {
				return
			}
		}
	}()
}

// wait sleeps for d and reports whether the loop should continue.
func (s *PollingService) wait(dp *devicePoller, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-dp.stopChan:
		return false
	case <-timer.C:
		return true
	}
}

// pollDevice performs one cycle: read every readable register in order,
// decode, update the realtime state and forward the batch. A failed
// parameter becomes null and never aborts the cycle.
func (s *PollingService) pollDevice(ctx context.Context, dp *devicePoller) {
	ep := dp.endpoint
	start := time.Now()
	ts := s.now()

	s.stats.TotalPolls.Add(1)
	dp.pollCount.Add(1)

	regs := ep.ReadableRegisters()
	batch := domain.NewReadingBatch(ep, ts)
	readFromDevice := 0
	var lastErr error

	for i := range regs {
		desc := &regs[i]
		sample := domain.ReadingSample{
			DeviceID:  ep.ID,
			Key:       desc.Key,
			Unit:      desc.Unit,
			Timestamp: ts,
		}

		if ctx.Err() != nil {
			return
		}

		readCtx, cancel := context.WithTimeout(ctx, s.config.ReadTimeout)
		words, err := s.transport.ReadRegisters(readCtx, ep, desc.Function, desc.Address, desc.WordCount())
		cancel()

		switch {
		case err != nil:
			lastErr = err
			s.recordParamError(ep.ID, desc, err)
		default:
			readFromDevice++
			value, derr := modbus.DecodeDescriptor(words, desc)
			if derr != nil {
				s.recordParamError(ep.ID, desc, derr)
				break
			}
			sample.Value = domain.Float(value)
		}
		batch.Add(sample)
	}

	good := batch.GoodCount()
	null := len(batch.Values) - good
	s.stats.PointsRead.Add(uint64(good))
	s.stats.PointsNull.Add(uint64(null))
	dp.pointsRead.Add(uint64(good))

	s.updateRealtime(ep.ID, batch, readFromDevice > 0)

	dp.mu.Lock()
	dp.lastPoll = ts
	if readFromDevice > 0 || len(regs) == 0 {
		dp.lastError = nil
	} else {
		dp.lastError = lastErr
	}
	dp.mu.Unlock()

	if s.sink != nil && len(batch.Values) > 0 {
		if err := s.sink.PushReading(ctx, batch); err != nil {
			s.stats.SinkErrors.Add(1)
			s.logger.Warn().
				Err(err).
				Str("device_id", ep.ID).
				Int("values", len(batch.Values)).
				Msg("Failed to forward readings")
		}
	}

	duration := time.Since(start)
	if readFromDevice > 0 || len(regs) == 0 {
		s.stats.SuccessPolls.Add(1)
		if s.metrics != nil {
			s.metrics.RecordPollSuccess(ep.ID, ep.Variant.String(), duration.Seconds(), good, null)
		}
	} else {
		s.stats.FailedPolls.Add(1)
		dp.errorCount.Add(1)
		if s.metrics != nil {
			s.metrics.RecordPollFailure(ep.ID)
		}
		event := s.logger.Warn()
		if errors.Is(lastErr, domain.ErrCircuitBreakerOpen) {
			event = s.logger.Debug()
		}
		event.Err(lastErr).
			Str("device_id", ep.ID).
			Int("registers", len(regs)).
			Msg("Poll cycle read nothing")
	}

	s.logger.Debug().
		Str("device_id", ep.ID).
		Int("good", good).
		Int("null", null).
		Dur("duration", duration).
		Msg("Poll cycle completed")

	s.mu.RLock()
	s.updateDeviceGauge()
	s.mu.RUnlock()
}

// updateRealtime merges the batch into the device state. Keys not polled
// this cycle (such as optimistic control values) are kept. last_seen only
// moves when the device answered at least once.
func (s *PollingService) updateRealtime(deviceID string, batch domain.ReadingBatch, answered bool) {
	if s.realtime == nil {
		return
	}
	values := make(map[string]*float64, len(batch.Values))
	for k, v := range batch.Values {
		if v != nil {
			f := *v
			v = &f
		}
		values[k] = v
	}
	s.realtime.Update(deviceID, func(st *domain.DeviceState) {
		for k, v := range values {
			st.Values[k] = v
		}
		st.Timestamp = batch.Timestamp
		if answered {
			st.LastSeen = batch.Timestamp
		}
	})
}

func (s *PollingService) recordParamError(deviceID string, desc *domain.RegisterDescriptor, err error) {
	kind := domain.ClassifyError(err)
	if s.metrics != nil {
		s.metrics.RecordPollError(deviceID, string(kind))
	}
	s.logger.Debug().
		Err(err).
		Str("device_id", deviceID).
		Str("key", desc.Key).
		Uint16("address", desc.Address).
		Str("kind", string(kind)).
		Msg("Parameter unavailable")
}

// freshnessWindow returns the repository's online window when it has one.
func (s *PollingService) freshnessWindow() time.Duration {
	if w, ok := s.realtime.(interface{ Window() time.Duration }); ok && w.Window() > 0 {
		return w.Window()
	}
	return domain.DefaultFreshnessWindow
}

// updateDeviceGauge must be called with s.mu held, read or write. Every
// poll cycle refreshes it, so the online count follows freshness.
func (s *PollingService) updateDeviceGauge() {
	if s.metrics == nil {
		return
	}
	online := 0
	if s.realtime != nil {
		now, window := s.now(), s.freshnessWindow()
		for id := range s.devices {
			if st, ok := s.realtime.Get(id); ok && st.IsOnline(now, window) {
				online++
			}
		}
	}
	s.metrics.UpdateDeviceCount(len(s.devices), online)
}

// PollNow runs one cycle for a device outside its schedule.
func (s *PollingService) PollNow(ctx context.Context, deviceID string) error {
	s.mu.RLock()
	dp, ok := s.devices[deviceID]
	s.mu.RUnlock()
	if !ok {
		return domain.ErrDeviceNotFound
	}
	s.pollDevice(ctx, dp)
	return nil
}

// DeviceStatus holds the current status of a polled device.
type DeviceStatus struct {
	DeviceID   string              `json:"device_id"`
	DeviceName string              `json:"device_name"`
	Status     domain.DeviceStatus `json:"status"`
	Running    bool                `json:"running"`
	Interval   time.Duration       `json:"interval"`
	LastPoll   time.Time           `json:"last_poll"`
	LastSeen   time.Time           `json:"last_seen"`
	LastError  string              `json:"last_error,omitempty"`
	PollCount  uint64              `json:"poll_count"`
	ErrorCount uint64              `json:"error_count"`
	PointsRead uint64              `json:"points_read"`
}

// GetDeviceStatus returns the status of a device. Online means the device
// answered within the freshness window.
func (s *PollingService) GetDeviceStatus(deviceID string) (*DeviceStatus, error) {
	s.mu.RLock()
	dp, exists := s.devices[deviceID]
	s.mu.RUnlock()
	if !exists {
		return nil, domain.ErrDeviceNotFound
	}
	return s.deviceStatus(dp), nil
}

// AllDeviceStatuses returns every registered device's status, sorted by id.
func (s *PollingService) AllDeviceStatuses() []*DeviceStatus {
	s.mu.RLock()
	pollers := make([]*devicePoller, 0, len(s.devices))
	for _, dp := range s.devices {
		pollers = append(pollers, dp)
	}
	s.mu.RUnlock()

	out := make([]*DeviceStatus, 0, len(pollers))
	for _, dp := range pollers {
		out = append(out, s.deviceStatus(dp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (s *PollingService) deviceStatus(dp *devicePoller) *DeviceStatus {
	dp.mu.RLock()
	status := &DeviceStatus{
		DeviceID:   dp.endpoint.ID,
		DeviceName: dp.endpoint.Name,
		Status:     domain.DeviceStatusUnknown,
		Running:    dp.running.Load(),
		Interval:   dp.interval,
		LastPoll:   dp.lastPoll,
		PollCount:  dp.pollCount.Load(),
		ErrorCount: dp.errorCount.Load(),
		PointsRead: dp.pointsRead.Load(),
	}
	if dp.lastError != nil {
		status.LastError = dp.lastError.Error()
	}
	dp.mu.RUnlock()

	if s.realtime != nil {
		if st, ok := s.realtime.Get(dp.endpoint.ID); ok {
			status.LastSeen = st.LastSeen
			status.Status = st.Status(s.now(), s.freshnessWindow())
		}
	}
	return status
}

// StatsSnapshot holds a point-in-time snapshot of polling statistics.
type StatsSnapshot struct {
	Devices      int    `json:"devices"`
	TotalPolls   uint64 `json:"total_polls"`
	SuccessPolls uint64 `json:"success_polls"`
	FailedPolls  uint64 `json:"failed_polls"`
	PointsRead   uint64 `json:"points_read"`
	PointsNull   uint64 `json:"points_null"`
	SinkErrors   uint64 `json:"sink_errors"`
}

// Stats returns a snapshot of the polling service statistics.
func (s *PollingService) Stats() StatsSnapshot {
	s.mu.RLock()
	n := len(s.devices)
	s.mu.RUnlock()
	return StatsSnapshot{
		Devices:      n,
		TotalPolls:   s.stats.TotalPolls.Load(),
		SuccessPolls: s.stats.SuccessPolls.Load(),
		FailedPolls:  s.stats.FailedPolls.Load(),
		PointsRead:   s.stats.PointsRead.Load(),
		PointsNull:   s.stats.PointsNull.Load(),
		SinkErrors:   s.stats.SinkErrors.Load(),
	}
}
