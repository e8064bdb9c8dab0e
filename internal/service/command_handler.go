package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/nexus-edge/meter-gateway/internal/domain"
	"github.com/nexus-edge/meter-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// ControlRunner executes a control request to completion.
type ControlRunner interface {
	Execute(ctx context.Context, req domain.ControlRequest) domain.ControlResult
}

// MessageBroker is the part of mqtt.Client the command handler uses.
type MessageBroker interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// CommandHandler receives control requests over MQTT (or Submit), queues
// them and runs them on a fixed pool of workers.
type CommandHandler struct {
	broker    MessageBroker
	executor  ControlRunner
	logger    zerolog.Logger
	metrics   *metrics.Registry
	config    CommandConfig
	stats     *CommandStats
	running   atomic.Bool
	listening atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	queue     chan queuedCommand
}

type queuedCommand struct {
	req   domain.ControlRequest
	reply chan domain.ControlResult
	// publish is set for requests that arrived over MQTT
	publish bool
}

// CommandConfig holds configuration for the command handler.
type CommandConfig struct {
	// CommandTopicPrefix is the MQTT topic prefix for control requests:
	// <prefix>/<device_id>/control
	CommandTopicPrefix string

	// ResponseTopicPrefix is where results go: <prefix>/<device_id>
	ResponseTopicPrefix string

	// QoS is the MQTT QoS level for command messages
	QoS byte

	// EnableAcknowledgement determines if results should be published
	EnableAcknowledgement bool

	// Workers is the number of requests executed concurrently
	Workers int

	// QueueSize is the max number of requests to queue before rejecting
	QueueSize int

	// DrainTimeout bounds how long queued requests run after Stop
	DrainTimeout time.Duration
}

// DefaultCommandConfig returns sensible defaults for command handling.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		CommandTopicPrefix:    "meters/cmd",
		ResponseTopicPrefix:   "meters/cmd/result",
		QoS:                   1,
		EnableAcknowledgement: true,
		Workers:               4,
		QueueSize:             256,
		DrainTimeout:          5 * time.Second,
	}
}

// CommandStats tracks command handling statistics.
type CommandStats struct {
	Received  atomic.Uint64
	Succeeded atomic.Uint64
	Failed    atomic.Uint64
	Rejected  atomic.Uint64
}

// NewCommandHandler creates a new command handler. broker may be nil when
// requests only arrive through Submit.
func NewCommandHandler(
	broker MessageBroker,
	executor ControlRunner,
	config CommandConfig,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *CommandHandler {
	def := DefaultCommandConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = def.DrainTimeout
	}
	if config.CommandTopicPrefix == "" {
		config.CommandTopicPrefix = def.CommandTopicPrefix
	}
	if config.ResponseTopicPrefix == "" {
		config.ResponseTopicPrefix = def.ResponseTopicPrefix
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandHandler{
		broker:   broker,
		executor: executor,
		logger:   logger.With().Str("component", "command-handler").Logger(),
		metrics:  metricsReg,
		config:   config,
		stats:    &CommandStats{},
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan queuedCommand, config.QueueSize),
	}
}

// SubscribedTopics returns the MQTT topic patterns this handler subscribes to.
func (h *CommandHandler) SubscribedTopics() []string {
	return []string{h.config.CommandTopicPrefix + "/+/control"}
}

// Start launches the workers and subscribes to the control topic. A failed
// subscription is returned but leaves the workers running, so Submit keeps
// serving requests that do not come through MQTT.
func (h *CommandHandler) Start() error {
	if h.running.Swap(true) {
		return nil
	}

	for i := 0; i < h.config.Workers; i++ {
		h.wg.Add(1)
		go h.worker()
	}

	if h.broker != nil {
		for _, topic := range h.SubscribedTopics() {
			token := h.broker.Subscribe(topic, h.config.QoS, h.handleControlMessage)
			if token.Wait() && token.Error() != nil {
				return fmt.Errorf("%w: %v", domain.ErrMQTTSubscribeFailed, token.Error())
			}
		}
		h.listening.Store(true)
	}

	h.logger.Info().
		Str("topic_prefix", h.config.CommandTopicPrefix).
		Int("workers", h.config.Workers).
		Int("queue_size", h.config.QueueSize).
		Msg("Command handler started")
	return nil
}

// Stop unsubscribes, lets workers drain the queue and waits for them.
func (h *CommandHandler) Stop() error {
	if !h.running.Load() {
		return nil
	}
	if h.listening.Swap(false) {
		h.broker.Unsubscribe(h.SubscribedTopics()...)
	}
	h.cancel()
	h.wg.Wait()
	h.running.Store(false)
	h.logger.Info().Msg("Command handler stopped")
	return nil
}

// Submit queues a request. The returned channel receives the result once.
func (h *CommandHandler) Submit(req domain.ControlRequest) (<-chan domain.ControlResult, error) {
	if h.ctx.Err() != nil {
		return nil, domain.ErrServiceStopped
	}
	h.stats.Received.Add(1)
	reply := make(chan domain.ControlResult, 1)
	if err := h.enqueue(queuedCommand{req: normalizeRequest(req), reply: reply}); err != nil {
		return nil, err
	}
	return reply, nil
}

func (h *CommandHandler) enqueue(cmd queuedCommand) error {
	select {
	case h.queue <- cmd:
		if h.metrics != nil {
			h.metrics.UpdateControlQueue(len(h.queue))
		}
		return nil
	default:
		h.stats.Rejected.Add(1)
		h.logger.Warn().
			Str("device_id", cmd.req.DeviceID).
			Str("control_target", cmd.req.ControlTarget).
			Msg("Control request rejected: queue full")
		return domain.ErrQueueFull
	}
}

func (h *CommandHandler) worker() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			h.drain(nil)
			return
		case cmd := <-h.queue:
			if h.ctx.Err() != nil {
				// Stop won the race with this dequeue.
				h.drain(&cmd)
				return
			}
			h.process(h.ctx, cmd)
		}
	}
}

// drain runs what is still queued after Stop, within DrainTimeout,
// starting with first when it is set.
func (h *CommandHandler) drain(first *queuedCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.DrainTimeout)
	defer cancel()
	if first != nil {
		h.process(ctx, *first)
	}
	for {
		select {
		case cmd := <-h.queue:
			h.process(ctx, cmd)
		case <-ctx.Done():
			if n := len(h.queue); n > 0 {
				h.logger.Warn().Int("count", n).Msg("Timeout draining control queue, requests dropped")
			}
			return
		default:
			return
		}
	}
}

func (h *CommandHandler) process(ctx context.Context, cmd queuedCommand) {
	if h.metrics != nil {
		h.metrics.UpdateControlQueue(len(h.queue))
	}
	result := h.executor.Execute(ctx, cmd.req)
	if result.Succeeded() {
		h.stats.Succeeded.Add(1)
	} else {
		h.stats.Failed.Add(1)
	}
	if cmd.reply != nil {
		cmd.reply <- result
	}
	if cmd.publish {
		h.publishResult(result)
	}
}

// handleControlMessage parses <prefix>/<device_id>/control. The device id
// in the topic wins over one in the payload.
func (h *CommandHandler) handleControlMessage(_ mqtt.Client, msg mqtt.Message) {
	h.stats.Received.Add(1)

	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 3 || parts[len(parts)-1] != "control" {
		h.logger.Warn().Str("topic", msg.Topic()).Msg("Invalid control topic format")
		h.stats.Rejected.Add(1)
		return
	}
	deviceID := parts[len(parts)-2]

	var req domain.ControlRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		h.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Failed to parse control request")
		h.stats.Rejected.Add(1)
		return
	}
	req.DeviceID = deviceID
	req = normalizeRequest(req)

	if err := h.enqueue(queuedCommand{req: req, publish: true}); err != nil {
		h.publishResult(domain.ControlResult{
			RequestID:    req.RequestID,
			DeviceID:     req.DeviceID,
			Target:       req.ControlTarget,
			Action:       req.Action,
			Status:       domain.ControlFailed,
			Tier:         domain.TierNone,
			ErrorMessage: "control queue full, try again later",
			ExecutedAt:   time.Now(),
		})
	}
}

func normalizeRequest(req domain.ControlRequest) domain.ControlRequest {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	return req
}

// publishResult sends a result to <response_prefix>/<device_id>.
func (h *CommandHandler) publishResult(result domain.ControlResult) {
	if !h.config.EnableAcknowledgement || h.broker == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal control result")
		return
	}
	topic := fmt.Sprintf("%s/%s", h.config.ResponseTopicPrefix, result.DeviceID)
	token := h.broker.Publish(topic, h.config.QoS, false, payload)
	if token.Wait() && token.Error() != nil {
		h.logger.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to publish control result")
	}
}

// Stats returns a snapshot of command handling statistics.
func (h *CommandHandler) Stats() map[string]uint64 {
	return map[string]uint64{
		"commands_received":  h.stats.Received.Load(),
		"commands_succeeded": h.stats.Succeeded.Load(),
		"commands_failed":    h.stats.Failed.Load(),
		"commands_rejected":  h.stats.Rejected.Load(),
		"queue_depth":        uint64(len(h.queue)),
	}
}
