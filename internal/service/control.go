package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-edge/meter-gateway/internal/domain"
	"github.com/nexus-edge/meter-gateway/internal/metrics"
	"github.com/nexus-edge/meter-gateway/pkg/logging"
	"github.com/rs/zerolog"
)

// DeviceDirectory looks up endpoints by id.
type DeviceDirectory interface {
	Endpoint(deviceID string) (*domain.DeviceEndpoint, bool)
}

// statusInvalidator drops cached coil status after a write.
type statusInvalidator interface {
	Invalidate(ctx context.Context, deviceID string, address uint16) error
}

// ControlConfig holds configuration for the control executor.
type ControlConfig struct {
	// SettleDelay is the pause between a confirmed write and the verify read
	SettleDelay time.Duration

	// SkipVerify disables the post-write coil read
	SkipVerify bool

	// RequestTimeout bounds a whole request, retries included
	RequestTimeout time.Duration

	// AuditTimeout bounds the audit append
	AuditTimeout time.Duration
}

// DefaultControlConfig returns sensible defaults for control execution.
func DefaultControlConfig() ControlConfig {
	return ControlConfig{
		SettleDelay:    200 * time.Millisecond,
		RequestTimeout: 30 * time.Second,
		AuditTimeout:   5 * time.Second,
	}
}

// ControlExecutor drives a control request through resolve, write, verify
// and virtual fallback, and appends exactly one audit entry per request.
type ControlExecutor struct {
	config    ControlConfig
	directory DeviceDirectory
	targets   *TargetTable
	transport domain.Transport
	virtual   domain.VirtualCoils
	audit     domain.AuditSink
	realtime  domain.RealtimeRepository
	cache     statusInvalidator
	logger    zerolog.Logger
	metrics   *metrics.Registry

	newID func() string
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// ControlOption configures optional collaborators of the executor.
type ControlOption func(*ControlExecutor)

// WithVirtualDevice enables the virtual fallback.
func WithVirtualDevice(v domain.VirtualCoils) ControlOption {
	return func(e *ControlExecutor) { e.virtual = v }
}

// WithRealtime enables the optimistic realtime patch on success.
func WithRealtime(r domain.RealtimeRepository) ControlOption {
	return func(e *ControlExecutor) { e.realtime = r }
}

// WithStatusCache drops cached coil status for written coils.
func WithStatusCache(c statusInvalidator) ControlOption {
	return func(e *ControlExecutor) { e.cache = c }
}

// WithTargetTable replaces the built-in target table.
func WithTargetTable(t *TargetTable) ControlOption {
	return func(e *ControlExecutor) { e.targets = t }
}

// WithControlMetrics records control outcomes.
func WithControlMetrics(m *metrics.Registry) ControlOption {
	return func(e *ControlExecutor) { e.metrics = m }
}

// NewControlExecutor creates an executor. audit must not be nil.
func NewControlExecutor(
	config ControlConfig,
	directory DeviceDirectory,
	transport domain.Transport,
	audit domain.AuditSink,
	logger zerolog.Logger,
	opts ...ControlOption,
) *ControlExecutor {
	def := DefaultControlConfig()
	if config.SettleDelay <= 0 {
		config.SettleDelay = def.SettleDelay
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.AuditTimeout <= 0 {
		config.AuditTimeout = def.AuditTimeout
	}

	e := &ControlExecutor{
		config:    config,
		directory: directory,
		targets:   DefaultTargetTable(),
		transport: transport,
		audit:     audit,
		logger:    logger.With().Str("component", "control-executor").Logger(),
		newID:     func() string { return uuid.NewString() },
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// controlRun is the mutable state of one request.
type controlRun struct {
	req    domain.ControlRequest
	result domain.ControlResult
	logger zerolog.Logger
}

func (r *controlRun) enter(s domain.ControlState) {
	r.result.Path = append(r.result.Path, s)
	r.logger.Debug().Str("state", string(s)).Msg("Control state")
}

// Execute runs a request to a terminal state. It never returns an error:
// every failure is reported in the result and in the audit entry.
func (e *ControlExecutor) Execute(ctx context.Context, req domain.ControlRequest) domain.ControlResult {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = e.newID()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = e.now()
	}

	run := &controlRun{
		req: req,
		result: domain.ControlResult{
			RequestID: req.RequestID,
			DeviceID:  req.DeviceID,
			Target:    req.ControlTarget,
			Action:    req.Action,
			Tier:      domain.TierNone,
		},
		logger: logging.WithControlContext(e.logger, req.RequestID, req.DeviceID, req.ControlTarget),
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	e.run(reqCtx, run)
	cancel()

	run.result.ExecutedAt = e.now()
	e.appendAudit(ctx, run)

	if e.metrics != nil {
		e.metrics.RecordControl(string(run.result.Status), string(run.result.Tier), time.Since(start).Seconds())
	}

	event := run.logger.Info()
	if !run.result.Succeeded() {
		event = run.logger.Warn()
	}
	event.
		Str("status", string(run.result.Status)).
		Str("tier", string(run.result.Tier)).
		Bool("verified", run.result.Verified).
		Int("attempts", run.result.Attempts).
		Str("error", run.result.ErrorMessage).
		Str("warning", run.result.Warning).
		Dur("duration", time.Since(start)).
		Msg("Control request finished")

	return run.result
}

func (e *ControlExecutor) run(ctx context.Context, run *controlRun) {
	run.enter(domain.StateResolving)

	ep, ok := e.directory.Endpoint(run.req.DeviceID)
	if !ok {
		e.fail(run, fmt.Errorf("%w: %q", domain.ErrDeviceNotFound, run.req.DeviceID))
		return
	}
	if ep.Host == "" {
		e.fail(run, fmt.Errorf("%w: device %q", domain.ErrMissingHost, ep.ID))
		return
	}
	action, err := domain.ParseControlAction(run.req.Action)
	if err != nil {
		e.fail(run, err)
		return
	}
	target, err := e.targets.Resolve(ep, run.req.ControlTarget)
	if err != nil {
		e.fail(run, err)
		return
	}
	run.result.Address = target.Address

	value, fixed := action.CoilValue(target.WriteInverted)
	if !fixed {
		// Toggling blind is forbidden; a failed pre-read ends the request.
		current, err := e.transport.ReadCoil(ctx, ep, target.Address)
		if err != nil {
			e.fail(run, fmt.Errorf("toggle pre-read of coil %d failed: %w", target.Address, err))
			return
		}
		value = domain.ToggleValue(current)
	}
	run.result.CoilValue = value

	run.enter(domain.StateWriting)
	report, err := e.transport.WriteCoil(ctx, ep, target.Address, value)
	run.result.Attempts = report.Attempts
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.fail(run, fmt.Errorf("write to %s not completed, request cancelled: %w", ep.ID, err))
			return
		}
		if errors.Is(err, domain.ErrConfiguration) || e.virtual == nil {
			e.fail(run, fmt.Errorf("device %s unreachable at %s: %w", ep.ID, ep.Address(), err))
			return
		}
		run.enter(domain.StateVirtualFallback)
		e.virtual.WriteCoil(ep.ID, target.Address, value == domain.CoilOn)
		run.result.Tier = domain.TierVirtual
		run.result.ErrorMessage = fmt.Sprintf("hardware offline, virtual write (%s unreachable: %v)", ep.Address(), err)
		e.complete(ctx, run, ep, target)
		return
	}

	run.result.Tier = domain.TierHardware
	if !e.config.SkipVerify {
		run.enter(domain.StateVerifying)
		e.verify(ctx, run, ep, target.Address, value == domain.CoilOn)
	}
	e.complete(ctx, run, ep, target)
}

// verify re-reads the coil after the settle delay. A mismatch is a warning,
// not a failure: the write itself was confirmed by the device.
func (e *ControlExecutor) verify(ctx context.Context, run *controlRun, ep *domain.DeviceEndpoint, address uint16, expected bool) {
	if err := e.sleep(ctx, e.config.SettleDelay); err != nil {
		run.result.Warning = fmt.Sprintf("verification skipped: %v", err)
		return
	}
	got, err := e.transport.ReadCoil(ctx, ep, address)
	switch {
	case err != nil:
		run.result.Warning = fmt.Sprintf("verification read failed: %v", err)
	case got != expected:
		run.result.Warning = fmt.Sprintf("verification mismatch: coil %d reads %s, expected %s",
			address, coilWord(got), coilWord(expected))
	default:
		run.result.Verified = true
	}
}

func (e *ControlExecutor) complete(ctx context.Context, run *controlRun, ep *domain.DeviceEndpoint, target ResolvedTarget) {
	run.enter(domain.StateCompleted)
	run.result.Status = domain.ControlSuccess

	rawOn := run.result.CoilValue == domain.CoilOn
	logical := 0.0
	if rawOn != target.WriteInverted {
		logical = 1
	}
	if e.realtime != nil {
		ts := e.now()
		e.realtime.Update(ep.ID, func(st *domain.DeviceState) {
			st.Values[target.Key] = domain.Float(logical)
			st.Timestamp = ts
		})
	}
	if e.cache != nil {
		if err := e.cache.Invalidate(ctx, ep.ID, target.Address); err != nil {
			run.logger.Debug().Err(err).Msg("Failed to invalidate coil status cache")
		}
	}
}

func (e *ControlExecutor) fail(run *controlRun, err error) {
	run.enter(domain.StateFailed)
	run.result.Status = domain.ControlFailed
	run.result.ErrorMessage = err.Error()
	run.logger.Debug().Err(err).Str("kind", string(domain.ClassifyError(err))).Msg("Control request failed")
}

// appendAudit writes the single audit entry. It survives cancellation of
// the request context so a timed-out request is still recorded.
func (e *ControlExecutor) appendAudit(ctx context.Context, run *controlRun) {
	if e.audit == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.AuditTimeout)
	defer cancel()

	entry := domain.NewAuditEntry(e.newID(), run.req, run.result)
	if err := e.audit.AppendAudit(auditCtx, entry); err != nil {
		if e.metrics != nil {
			e.metrics.RecordAuditError()
		}
		run.logger.Error().Err(err).Str("audit_id", entry.ID).Msg("Failed to append audit entry")
	}
}

func coilWord(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
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
